// Package monitor provides a live terminal view of one deployment.
//
// The dashboard polls a Source for the deployment state and reads the
// recorded events, so it can follow a deployment run by another process.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/reporter"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentEvents    = 8
	fetchTimeout    = 5 * time.Second
)

// Source reads and cancels deployments.
type Source interface {
	Status(ctx context.Context, id string) (*deployment.DeploymentState, error)
	Cancel(ctx context.Context, id string) error
}

// EventsFunc returns the recorded events of a deployment.
type EventsFunc func(id string) ([]reporter.Event, error)

// Model represents the BubbleTea dashboard model
type Model struct {
	id         string
	source     Source
	events     EventsFunc
	interval   time.Duration
	lastUpdate time.Time
	state      *deployment.DeploymentState
	recent     []reporter.Event
	err        error
	notice     string
	quitting   bool
	finished   bool

	// Elapsed seconds of recent attempts, oldest first.
	durations []float64

	stepProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard for deployment id. events may be nil.
func NewModel(id string, source Source, events EventsFunc, interval time.Duration) Model {
	return Model{
		id:       id,
		source:   source,
		events:   events,
		interval: interval,
		stepProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		durations: make([]float64, 0, historySize),
	}
}

// Finished reports whether the deployment reached a terminal status.
func (m Model) Finished() bool {
	return m.finished
}

// State returns the last fetched state, or nil.
func (m Model) State() *deployment.DeploymentState {
	return m.state
}

// statusBadge returns the colored status of the deployment.
func statusBadge(s deployment.Status) string {
	switch s {
	case deployment.StatusSucceeded:
		return healthyStyle.Render("✓ " + strings.ToUpper(string(s)))
	case deployment.StatusFailed:
		return errorStyle.Render("✗ " + strings.ToUpper(string(s)))
	case deployment.StatusRecovering, deployment.StatusCancelled:
		return warningStyle.Render("⚠ " + strings.ToUpper(string(s)))
	}
	return valueStyle.Render("● " + strings.ToUpper(string(s)))
}

// outcomeBadge returns a colored attempt outcome.
func outcomeBadge(o deployment.Outcome) string {
	switch o {
	case deployment.OutcomeSucceeded:
		return healthyStyle.Render("[✓]")
	case deployment.OutcomeFailed:
		return errorStyle.Render("[✗]")
	}
	return warningStyle.Render("[⚠]")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Message types
type tickMsg time.Time

type snapshotMsg struct {
	state  *deployment.DeploymentState
	events []reporter.Event
}

type cancelledMsg struct{}

type errMsg error

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetch(m.source, m.events, m.id),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetch loads the deployment and its recent events.
func fetch(source Source, events EventsFunc, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		d, err := source.Status(ctx, id)
		if err != nil {
			return errMsg(err)
		}

		msg := snapshotMsg{state: d}
		if events != nil {
			// The event log is optional; a missing one leaves the list empty.
			if evs, err := events(id); err == nil {
				if len(evs) > recentEvents {
					evs = evs[len(evs)-recentEvents:]
				}
				msg.events = evs
			}
		}
		return msg
	}
}

// requestCancel asks the source to cancel the deployment.
func requestCancel(source Source, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := source.Cancel(ctx, id); err != nil {
			return errMsg(err)
		}
		return cancelledMsg{}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetch(m.source, m.events, m.id)
		case "c":
			if m.state != nil && !m.state.Status.IsTerminal() {
				return m, requestCancel(m.source, m.id)
			}
		}

	case tickMsg:
		if m.finished {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			fetch(m.source, m.events, m.id),
		)

	case snapshotMsg:
		m.durations = m.mergeDurations(msg.state)
		m.state = msg.state
		m.recent = msg.events
		m.lastUpdate = time.Now()
		m.err = nil
		if msg.state.Status.IsTerminal() {
			m.finished = true
			return m, tea.Quit
		}
		return m, nil

	case cancelledMsg:
		m.notice = "cancel requested"
		return m, fetch(m.source, m.events, m.id)

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// mergeDurations adds the attempts recorded since the last snapshot.
func (m Model) mergeDurations(next *deployment.DeploymentState) []float64 {
	seen := 0
	if m.state != nil {
		seen = len(m.state.StepHistory)
	}
	out := m.durations
	for i := seen; i < len(next.StepHistory); i++ {
		out = appendToHistory(out, next.StepHistory[i].Elapsed.Seconds())
	}
	return out
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.err != nil && m.state == nil {
		return m.renderError()
	}

	return m.renderDashboard()
}

// renderError renders the error view
func (m Model) renderError() string {
	header := headerStyle.Render("autodeploy Monitor")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot read deployment "+m.id) + "\n"
	content += "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the deployment view with progress and history.
func (m Model) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	content += headerStyle.Render(" autodeploy Monitor ") + "\n"
	if m.state == nil {
		content += dimStyle.Render("waiting for "+m.id) + "\n"
		content += "\n" + m.renderFooter()
		return containerStyle.Render(content)
	}
	d := m.state

	content += fmt.Sprintf("%s   %s   %s\n",
		statusBadge(d.Status),
		valueStyle.Render(d.ID),
		dimStyle.Render(lastUpdateStr))

	// Target
	content += "\n" + sectionStyle.Render("┃ Target") + "\n"
	content += labelStyle.Render("  Server: ") + valueStyle.Render(d.ServerInfo.Host)
	if d.Domain != "" {
		content += labelStyle.Render("  Domain: ") + valueStyle.Render(d.Domain)
	}
	content += labelStyle.Render("  Mode: ") + valueStyle.Render(string(d.Mode)) + "\n"
	if d.StartTime != nil {
		end := time.Now()
		if d.EndTime != nil {
			end = *d.EndTime
		}
		content += labelStyle.Render("  Elapsed: ") + valueStyle.Render(FormatElapsed(end.Sub(*d.StartTime))) + "\n"
	}

	// Steps
	done := d.CurrentStepIndex
	if d.Status == deployment.StatusSucceeded {
		done = len(d.Steps)
	}
	content += "\n" + sectionStyle.Render("┃ Steps") + "\n"
	content += labelStyle.Render("  Progress: ") +
		m.stepProgress.ViewAs(FormatRatio(done, len(d.Steps))) +
		" " + dimStyle.Render(FormatSteps(done, len(d.Steps))) + "\n"
	if step, ok := d.CurrentStep(); ok && !d.Status.IsTerminal() {
		content += labelStyle.Render("  Current: ") +
			valueStyle.Render(fmt.Sprintf("%d %s", d.CurrentStepIndex+1, step.Name)) +
			dimStyle.Render(fmt.Sprintf("  attempt %d/%d", len(d.AttemptsFor(d.CurrentStepIndex))+1, step.AttemptBudget)) + "\n"
	}
	content += labelStyle.Render("  Errors: ") + valueStyle.Render(fmt.Sprintf("%d", d.ErrorCount)) + "\n"

	// Attempts
	content += "\n" + sectionStyle.Render("┃ Attempts") + "\n"
	content += labelStyle.Render("  Duration: ") + createSparkline(m.durations) + "\n"
	history := d.StepHistory
	if len(history) > recentEvents {
		history = history[len(history)-recentEvents:]
	}
	for _, a := range history {
		line := "  " + outcomeBadge(a.Outcome) + " " +
			valueStyle.Render(fmt.Sprintf("%d %s", a.StepIndex+1, a.StepName)) +
			dimStyle.Render(fmt.Sprintf(" #%d %s", a.Attempt, FormatElapsed(a.Elapsed)))
		if a.PatternID != "" {
			line += " " + warningStyle.Render(a.PatternID)
		}
		content += line + "\n"
	}

	// Events
	if len(m.recent) > 0 {
		content += "\n" + sectionStyle.Render("┃ Events") + "\n"
		for _, e := range m.recent {
			content += "  " + dimStyle.Render(e.Time.Local().Format("15:04:05")) + " " +
				labelStyle.Render(string(e.Type))
			if e.Message != "" {
				content += " " + dimStyle.Render(e.Message)
			}
			content += "\n"
		}
	}

	for _, w := range d.Warnings {
		content += warningStyle.Render("⚠ "+w) + "\n"
	}
	if m.notice != "" {
		content += warningStyle.Render(m.notice) + "\n"
	}
	if m.err != nil {
		content += errorStyle.Render("⚠ "+m.err.Error()) + "\n"
	}

	content += "\n" + m.renderFooter()
	return containerStyle.Render(content)
}

func (m Model) renderFooter() string {
	return footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerKeyStyle.Render("[c]") + footerStyle.Render(" cancel  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
}
