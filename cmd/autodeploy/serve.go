package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httpapi "github.com/fyrsmithlabs/autodeploy/internal/http"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the deployment status API",
		Long: `Serve the deployment status API and Prometheus metrics.

The API reads the state store, so it reports deployments run by any process
that shares the store. Cancel requests are recorded in the store and acted on
by the process running the deployment.

Endpoints:
  GET  /health
  GET  /metrics
  GET  /api/v1/deployments[?status=running]
  GET  /api/v1/deployments/:id
  GET  /api/v1/deployments/:id/events
  POST /api/v1/deployments/:id/cancel

Examples:
  autodeploy serve
  autodeploy serve --host 0.0.0.0 --port 9191`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, o)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

			if cmd.Flags().Changed("host") {
				a.cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			return serve(ctx, a)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}

// serve runs the API until ctx is done.
func serve(ctx context.Context, a *app) error {
	eventsDir, err := a.eventsDir()
	if err != nil {
		return err
	}

	deployments := httpapi.FromStore(a.store)
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpapi.NewStatusCollector(deployments, a.logger),
	)

	srv, err := httpapi.NewServer(deployments, a.logger, &httpapi.Config{
		Host:       a.cfg.Server.Host,
		Port:       a.cfg.Server.Port,
		EventsDir:  eventsDir,
		Gatherer:   a.registry,
		Registerer: a.registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		a.logger.Warn(sctx, "http server shutdown incomplete", zap.Error(err))
		return err
	}
	return <-errCh
}
