package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
)

func newStatusCmd(o *rootOptions) *cobra.Command {
	var (
		id         string
		outputJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a deployment",
		Long: `Show the state of a deployment and its attempt history.

Examples:
  # Human readable summary
  autodeploy status --deployment-id 3f0c9a2e-...

  # Full state document
  autodeploy status --deployment-id 3f0c9a2e-... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, o)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			d, err := a.store.Load(ctx, id)
			if err != nil {
				return err
			}
			if outputJSON {
				data, err := deployment.Encode(d)
				if err != nil {
					return fmt.Errorf("failed to encode deployment: %w", err)
				}
				_, err = fmt.Fprintln(o.stdout, string(data))
				return err
			}
			printSummary(o.stdout, d)
			printHistory(o.stdout, d)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "deployment-id", "", "deployment to show (required)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print the state document as JSON")
	_ = cmd.MarkFlagRequired("deployment-id")
	return cmd
}

func newListCmd(o *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Long: `List deployments, newest first.

Examples:
  # All deployments
  autodeploy list

  # Only failed deployments
  autodeploy list --status failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := deployment.Status(status)
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, o)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			ds, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			if filter != "" {
				kept := ds[:0]
				for _, d := range ds {
					if d.Status == filter {
						kept = append(kept, d)
					}
				}
				ds = kept
			}
			printList(o.stdout, ds)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show deployments with this status")
	return cmd
}

func newCancelCmd(o *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Request cancellation of a deployment",
		Long: `Request cancellation of a deployment.

The request is recorded in the state store. The process running the
deployment interrupts the current command and ends the deployment as
cancelled. A pending deployment is cancelled when it would start.

Examples:
  autodeploy cancel --deployment-id 3f0c9a2e-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, o)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			if err := a.store.RequestCancel(ctx, id); err != nil {
				if errors.Is(err, store.ErrTerminal) {
					return fmt.Errorf("deployment %s has already finished: %w", id, err)
				}
				return err
			}
			fmt.Fprintf(o.stdout, "cancel requested for %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "deployment-id", "", "deployment to cancel (required)")
	_ = cmd.MarkFlagRequired("deployment-id")
	return cmd
}
