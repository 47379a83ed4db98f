package reporter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/remediation"
)

// ConsoleSink mirrors events to a terminal in a human readable form.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer

	timeStyle    lipgloss.Style
	stepStyle    lipgloss.Style
	dimStyle     lipgloss.Style
	okStyle      lipgloss.Style
	warnStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	headerStyle  lipgloss.Style
	patternStyle lipgloss.Style
}

// NewConsoleSink writes to w. Colors follow the capabilities of w, so a
// plain buffer gets plain text.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	r := lipgloss.NewRenderer(w)
	return &ConsoleSink{
		w:            w,
		timeStyle:    r.NewStyle().Foreground(lipgloss.Color("245")),
		stepStyle:    r.NewStyle().Foreground(lipgloss.Color("45")).Bold(true),
		dimStyle:     r.NewStyle().Foreground(lipgloss.Color("245")),
		okStyle:      r.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		warnStyle:    r.NewStyle().Foreground(lipgloss.Color("226")).Bold(true),
		errorStyle:   r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		headerStyle:  r.NewStyle().Foreground(lipgloss.Color("51")).Bold(true),
		patternStyle: r.NewStyle().Foreground(lipgloss.Color("213")),
	}
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) Write(_ context.Context, e Event) error {
	line := s.render(e)
	if line == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.w, s.timeStyle.Render(e.Time.Local().Format("15:04:05"))+" "+line)
	return err
}

func (s *ConsoleSink) render(e Event) string {
	step := ""
	if e.HasStep() {
		step = s.stepStyle.Render(fmt.Sprintf("[%d] %s", e.StepIndex+1, e.StepName)) + " "
	}
	switch e.Type {
	case EventDeploymentCreated:
		return s.headerStyle.Render("deployment "+e.DeploymentID) + " " + s.dimStyle.Render(e.Message)
	case EventStepStarted:
		return step + s.dimStyle.Render("started")
	case EventPatternMatched:
		return step + s.severity(e.Severity).Render(strings.ToUpper(string(e.Severity))) + " " +
			s.patternStyle.Render(e.PatternID) + " " + s.dimStyle.Render(e.Message)
	case EventRecoveryStarted:
		return step + s.warnStyle.Render("recovering") + " " + s.dimStyle.Render("via "+e.HandlerID)
	case EventRecoveryFinished:
		return step + s.outcome(e.Outcome).Render("recovery "+e.Outcome) + s.elapsed(e)
	case EventStepAttempt:
		out := step + s.dimStyle.Render(fmt.Sprintf("attempt %d ", e.Attempt)) + s.outcome(e.Outcome).Render(e.Outcome) + s.elapsed(e)
		if e.Error != "" {
			out += " " + s.dimStyle.Render(e.Error)
		}
		return out
	case EventStepCompleted:
		return step + s.outcome(e.Outcome).Render(e.Outcome)
	case EventDeploymentFinished:
		return s.headerStyle.Render("deployment "+e.DeploymentID) + " " + s.outcome(string(e.To)).Render(string(e.To)) + s.elapsed(e)
	}
	return ""
}

func (s *ConsoleSink) elapsed(e Event) string {
	if e.Elapsed <= 0 {
		return ""
	}
	return " " + s.dimStyle.Render("("+e.Elapsed.Round(time.Millisecond).String()+")")
}

func (s *ConsoleSink) outcome(o string) lipgloss.Style {
	switch o {
	case string(deployment.OutcomeSucceeded), string(remediation.OutcomeRecovered):
		return s.okStyle
	case string(deployment.OutcomeRetrying), string(deployment.OutcomeCancelled):
		return s.warnStyle
	case string(deployment.OutcomeFailed), string(remediation.OutcomeExhausted):
		return s.errorStyle
	}
	return s.dimStyle
}

func (s *ConsoleSink) severity(sev catalog.Severity) lipgloss.Style {
	switch sev {
	case catalog.SeverityCritical, catalog.SeverityHigh:
		return s.errorStyle
	case catalog.SeverityMedium:
		return s.warnStyle
	}
	return s.dimStyle
}

func (s *ConsoleSink) Close() error { return nil }
