package main

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/autodeploy/internal/http"
	"github.com/fyrsmithlabs/autodeploy/internal/monitor"
	"github.com/fyrsmithlabs/autodeploy/internal/reporter"
)

func newWatchCmd(o *rootOptions) *cobra.Command {
	var (
		id       string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a deployment in a live dashboard",
		Long: `Follow a deployment in a live terminal dashboard.

The dashboard reads the state store, so it can follow a deployment run by
another process. It exits when the deployment finishes.

Keys:
  q  quit
  r  refresh now
  c  request cancellation

Examples:
  autodeploy watch --deployment-id 3f0c9a2e-...
  autodeploy watch --deployment-id 3f0c9a2e-... --interval 500ms`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, o)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			if _, err := a.store.Load(ctx, id); err != nil {
				return err
			}
			eventsDir, err := a.eventsDir()
			if err != nil {
				return err
			}
			var events monitor.EventsFunc
			if eventsDir != "" {
				events = func(id string) ([]reporter.Event, error) {
					return reporter.ReadEvents(eventsDir, id)
				}
			}

			model := monitor.NewModel(id, httpapi.FromStore(a.store), events, interval)
			p := tea.NewProgram(model,
				tea.WithContext(ctx),
				tea.WithInput(o.stdin),
				tea.WithOutput(o.stdout),
			)
			final, err := p.Run()
			if err != nil {
				return err
			}
			if m, ok := final.(monitor.Model); ok && m.Finished() {
				return exitFor(id, m.State(), nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "deployment-id", "", "deployment to follow (required)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	_ = cmd.MarkFlagRequired("deployment-id")
	return cmd
}
