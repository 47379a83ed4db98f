package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// styles renders command output. Colors follow the capabilities of the
// writer, so redirected output is plain text.
type styles struct {
	header lipgloss.Style
	label  lipgloss.Style
	dim    lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	cell   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header: r.NewStyle().Foreground(lipgloss.Color("51")).Bold(true),
		label:  r.NewStyle().Foreground(lipgloss.Color("245")).Width(12),
		dim:    r.NewStyle().Foreground(lipgloss.Color("245")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		warn:   r.NewStyle().Foreground(lipgloss.Color("226")).Bold(true),
		bad:    r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		cell:   r.NewStyle().Padding(0, 1),
	}
}

func (s styles) status(st deployment.Status) string {
	switch st {
	case deployment.StatusSucceeded:
		return s.ok.Render(string(st))
	case deployment.StatusFailed:
		return s.bad.Render(string(st))
	case deployment.StatusCancelled, deployment.StatusRecovering:
		return s.warn.Render(string(st))
	}
	return string(st)
}

// printSummary writes the one-screen summary of a deployment.
func printSummary(w io.Writer, d *deployment.DeploymentState) {
	s := newStyles(w)
	row := func(label, value string) {
		fmt.Fprintln(w, s.label.Render(label)+value)
	}

	fmt.Fprintln(w, s.header.Render("Deployment "+d.ID))
	row("status", s.status(d.Status))
	host := d.ServerInfo.Host
	if d.ServerInfo.Local {
		host += " (local)"
	}
	row("server", host)
	if d.Domain != "" {
		row("domain", d.Domain)
	}
	row("steps", fmt.Sprintf("%d/%d", completedSteps(d), len(d.Steps)))
	if step, ok := d.CurrentStep(); ok && !d.Status.IsTerminal() {
		row("current", fmt.Sprintf("%d %s", d.CurrentStepIndex+1, step.Name))
	}
	row("errors", strconv.Itoa(d.ErrorCount))
	if d.StartTime != nil {
		end := time.Now()
		if d.EndTime != nil {
			end = *d.EndTime
		}
		row("elapsed", end.Sub(*d.StartTime).Round(time.Millisecond).String())
	}
	if d.ResumedFrom != "" {
		row("resumed", d.ResumedFrom)
	}
	if d.CancelRequested && !d.Status.IsTerminal() {
		row("cancel", s.warn.Render("requested"))
	}
	for _, warning := range d.Warnings {
		row("warning", s.warn.Render(warning))
	}
	if n := len(d.StepHistory); n > 0 {
		last := d.StepHistory[n-1]
		if last.Outcome == deployment.OutcomeFailed && last.Error != "" {
			row("last error", s.bad.Render(last.Error))
		}
	}
}

// completedSteps counts the steps before the cursor, or all of them once the
// deployment succeeded.
func completedSteps(d *deployment.DeploymentState) int {
	if d.Status == deployment.StatusSucceeded {
		return len(d.Steps)
	}
	return d.CurrentStepIndex
}

// printHistory writes the attempt table of a deployment.
func printHistory(w io.Writer, d *deployment.DeploymentState) {
	if len(d.StepHistory) == 0 {
		return
	}
	s := newStyles(w)
	rows := make([][]string, 0, len(d.StepHistory))
	for _, a := range d.StepHistory {
		exit := "-"
		switch {
		case a.TimedOut:
			exit = "timeout"
		case a.ExitCode != nil:
			exit = strconv.Itoa(*a.ExitCode)
		}
		rows = append(rows, []string{
			strconv.Itoa(a.StepIndex + 1),
			a.StepName,
			strconv.Itoa(a.Attempt),
			string(a.Outcome),
			exit,
			a.PatternID,
			a.Recovery,
			a.Elapsed.Round(time.Millisecond).String(),
		})
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderTable(s, []string{"#", "STEP", "TRY", "OUTCOME", "EXIT", "PATTERN", "RECOVERY", "ELAPSED"}, rows))
}

// printList writes one row per deployment.
func printList(w io.Writer, ds []*deployment.DeploymentState) {
	s := newStyles(w)
	if len(ds) == 0 {
		fmt.Fprintln(w, s.dim.Render("no deployments"))
		return
	}
	rows := make([][]string, 0, len(ds))
	for _, d := range ds {
		rows = append(rows, []string{
			d.ID,
			string(d.Status),
			d.ServerInfo.Host,
			fmt.Sprintf("%d/%d", completedSteps(d), len(d.Steps)),
			strconv.Itoa(d.ErrorCount),
			d.CreatedAt.Local().Format(time.DateTime),
		})
	}
	fmt.Fprintln(w, renderTable(s, []string{"ID", "STATUS", "SERVER", "STEPS", "ERRORS", "CREATED"}, rows))
}

// printCatalog writes the effective error catalog.
func printCatalog(w io.Writer, c *catalog.Catalog) {
	s := newStyles(w)
	rows := make([][]string, 0, c.Len())
	for _, p := range c.Patterns() {
		retries := "-"
		if p.MaxRetries > 0 {
			retries = strconv.Itoa(p.MaxRetries)
		}
		rows = append(rows, []string{
			p.ID,
			string(p.Severity),
			p.HandlerID,
			retries,
			truncate(p.Signature, 48),
		})
	}
	fmt.Fprintln(w, renderTable(s, []string{"ID", "SEVERITY", "HANDLER", "RETRIES", "SIGNATURE"}, rows))
}

func renderTable(s styles, headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(s.dim).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.header.Padding(0, 1)
			}
			return s.cell
		})
	return t.String()
}

// truncate shortens s to maxLen runes with an ellipsis.
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
