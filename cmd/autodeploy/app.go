package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/config"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/orchestrator"
	"github.com/fyrsmithlabs/autodeploy/internal/plan"
	"github.com/fyrsmithlabs/autodeploy/internal/remediation"
	"github.com/fyrsmithlabs/autodeploy/internal/reporter"
	"github.com/fyrsmithlabs/autodeploy/internal/runner"
	"github.com/fyrsmithlabs/autodeploy/internal/secrets"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
	"github.com/fyrsmithlabs/autodeploy/internal/telemetry"
)

// app holds the process-wide resources shared by the commands.
type app struct {
	opts      *rootOptions
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     store.Store
	registry  *prometheus.Registry
}

// newApp loads configuration and opens the store. Close must be called.
func newApp(ctx context.Context, o *rootOptions) (*app, error) {
	cfg, err := config.LoadWithFile(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lc, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("invalid logging config: %w", err), tel.Shutdown(ctx))
	}
	lc.Writer = o.stderr
	lc.OTEL = tel.IsEnabled()
	logger, err := logging.NewLogger(lc, tel.LoggerProvider())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create logger: %w", err), tel.Shutdown(ctx))
	}

	if err := tel.Err(); err != nil {
		logger.Warn(ctx, "telemetry export partially disabled", zap.Error(err))
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to open store: %w", err), tel.Shutdown(ctx))
	}

	logger.Debug(ctx, "autodeploy initialized",
		zap.String("version", version),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Bool("telemetry", tel.IsEnabled()))

	return &app{
		opts:      o,
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		store:     st,
		registry:  prometheus.NewRegistry(),
	}, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// eventsDir is where per-deployment event logs live when the reporter config
// leaves it unset.
func (a *app) eventsDir() (string, error) {
	if a.cfg.Reporter.EventsDir != "" {
		return config.ExpandPath(a.cfg.Reporter.EventsDir)
	}
	switch a.cfg.Store.Driver {
	case "memory":
		return "", nil
	case "sqlite":
		p, err := config.ExpandPath(a.cfg.Store.Path)
		if err != nil {
			return "", err
		}
		return filepath.Join(filepath.Dir(p), "events"), nil
	default:
		return config.ExpandPath(a.cfg.Store.Path)
	}
}

// reporter builds the event reporter. The console mirror goes to stderr.
func (a *app) reporter() (*reporter.Reporter, error) {
	dir, err := a.eventsDir()
	if err != nil {
		return nil, err
	}
	return reporter.FromConfig(a.cfg.Reporter, a.logger, reporter.Options{
		EventsDir:  dir,
		Console:    a.opts.stderr,
		Registerer: a.registry,
	})
}

// loadPlan loads a plan file. An empty path means no plan.
func loadPlan(path string) (*plan.Plan, error) {
	if path == "" {
		return nil, nil
	}
	p, err := plan.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return p, nil
}

// recovery builds the handler registry and error catalog. Without a plan the
// built-in ones are used.
func recovery(p *plan.Plan) (*remediation.Registry, *catalog.Catalog, error) {
	if p == nil {
		reg := remediation.DefaultRegistry()
		cat, err := catalog.New(catalog.Defaults(), reg)
		if err != nil {
			return nil, nil, err
		}
		return reg, cat, nil
	}
	reg, err := p.Registry()
	if err != nil {
		return nil, nil, err
	}
	cat, err := p.Catalog(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, cat, nil
}

// engineFor wires an engine able to run deployments against server.
func (a *app) engineFor(server deployment.ServerInfo, p *plan.Plan, rep *reporter.Reporter, interactive bool) (*orchestrator.Engine, error) {
	reg, cat, err := recovery(p)
	if err != nil {
		return nil, err
	}

	scrubber, err := secrets.FromConfig(a.cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to create scrubber: %w", err)
	}

	dispatcher := remediation.NewDispatcher(reg,
		remediation.WithLogger(a.logger),
		remediation.WithTimeout(a.cfg.Runner.RecoveryTimeout.Duration()),
		remediation.WithTracerProvider(otel.GetTracerProvider()),
		remediation.WithMeterProvider(otel.GetMeterProvider()),
	)
	r := runner.New(cat, dispatcher,
		runner.WithPolicy(runner.PolicyFromConfig(a.cfg.Runner)),
		runner.WithScrubber(scrubber),
		runner.WithLogger(a.logger),
	)

	dialer, err := a.dialer(server)
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{
		orchestrator.WithReporter(rep),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithTracerProvider(otel.GetTracerProvider()),
		orchestrator.WithMeterProvider(otel.GetMeterProvider()),
		orchestrator.WithDialOptions(session.WithLogger(a.logger)),
	}
	if interactive {
		opts = append(opts, orchestrator.WithGate(orchestrator.NewConfirmGate(a.opts.stdin, a.opts.stderr)))
	}
	return orchestrator.New(a.store, dialer, r, opts...), nil
}

// dialer returns the local dialer for local servers and an SSH dialer
// otherwise.
func (a *app) dialer(server deployment.ServerInfo) (session.Dialer, error) {
	local := &session.LocalDialer{}
	if server.Local {
		return local, nil
	}
	sshOpts, err := session.SSHOptionsFromConfig(a.cfg.SSH)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	remote, err := session.NewSSHDialer(sshOpts, session.NewRefResolver(), a.logger)
	if err != nil {
		return nil, err
	}
	return session.DialerFor(server, remote, local), nil
}
