package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/orchestrator"
	"github.com/fyrsmithlabs/autodeploy/internal/plan"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
)

const engineShutdownTimeout = 15 * time.Second

// deployFlags are the flags of the deploy command.
type deployFlags struct {
	planPath     string
	server       string
	port         int
	user         string
	domain       string
	authRef      string
	local        bool
	auto         bool
	interactive  bool
	profile      string
	deploymentID string
	resume       bool
	ackFailure   bool
}

// target is a fully resolved deployment request.
type target struct {
	planPath string
	server   deployment.ServerInfo
	domain   string
	mode     deployment.Mode
	profile  string
}

func newDeployCmd(o *rootOptions) *cobra.Command {
	f := &deployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run a deployment plan against a server",
		Long: `Run a deployment plan against a server.

Each step runs over SSH. Output is matched against the error catalog; known
failures run their recovery handler before the step is retried. The
deployment is persisted after every attempt, so an interrupted run can be
continued with "autodeploy resume".

Ctrl-C cancels the deployment. The running command is interrupted and the
deployment ends as cancelled.

Examples:
  # Deploy a plan to a server
  autodeploy deploy --plan web.yaml --server web-1.example.com --user deploy --domain example.com

  # Use a profile from the config file
  autodeploy deploy --profile staging

  # Confirm every step before it runs
  autodeploy deploy --profile staging --interactive

  # Run the plan on this machine
  autodeploy deploy --plan web.yaml --local --domain example.test

  # Continue a deployment
  autodeploy deploy --resume --deployment-id 3f0c9a2e-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.resume {
				return runResume(cmd, o, f.deploymentID, f.ackFailure)
			}
			return runDeploy(cmd, o, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.planPath, "plan", "", "plan file (.yaml, .yml or .toml)")
	fl.StringVar(&f.server, "server", "", "server host or ssh_config alias")
	fl.IntVar(&f.port, "port", 0, "ssh port (default from ssh_config or 22)")
	fl.StringVar(&f.user, "user", "", "ssh user")
	fl.StringVar(&f.domain, "domain", "", "domain substituted for {{domain}}")
	fl.StringVar(&f.authRef, "auth-ref", "", "credential reference (env:NAME, file:PATH or keyring:SERVICE/USER)")
	fl.BoolVar(&f.local, "local", false, "run commands on this machine instead of over ssh")
	fl.BoolVar(&f.auto, "auto", false, "run without confirmation (default)")
	fl.BoolVar(&f.interactive, "interactive", false, "confirm each step before it runs")
	fl.StringVar(&f.profile, "profile", "", "named profile from the config file")
	fl.StringVar(&f.deploymentID, "deployment-id", "", "deployment id (generated when empty)")
	fl.BoolVar(&f.resume, "resume", false, "continue the deployment named by --deployment-id")
	fl.BoolVar(&f.ackFailure, "ack-failure", false, "with --resume, continue a failed deployment")
	cmd.MarkFlagsMutuallyExclusive("auto", "interactive")
	cmd.MarkFlagsMutuallyExclusive("resume", "plan")
	cmd.MarkFlagsMutuallyExclusive("resume", "profile")

	return cmd
}

func newResumeCmd(o *rootOptions) *cobra.Command {
	var (
		id  string
		ack bool
	)
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted deployment",
		Long: `Continue an interrupted deployment.

A deployment left running by a crashed process re-runs its current step; steps
that already succeeded are never repeated. A cancelled deployment continues as
a new deployment that starts at the step where it stopped. A failed deployment
needs --ack-failure once the cause is fixed.

Examples:
  # Continue after a crash
  autodeploy resume --deployment-id 3f0c9a2e-...

  # Continue after fixing the cause of a failure
  autodeploy resume --deployment-id 3f0c9a2e-... --ack-failure`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResume(cmd, o, id, ack)
		},
	}
	cmd.Flags().StringVar(&id, "deployment-id", "", "deployment to resume (required)")
	cmd.Flags().BoolVar(&ack, "ack-failure", false, "continue a failed deployment")
	_ = cmd.MarkFlagRequired("deployment-id")
	return cmd
}

// resolveTarget merges the flags with the named profile. Flags win.
func resolveTarget(cmd *cobra.Command, cfg *config.Config, f *deployFlags) (target, error) {
	var p config.Profile
	if f.profile != "" {
		var err error
		if p, err = cfg.Profile(f.profile); err != nil {
			return target{}, err
		}
	}

	t := target{
		planPath: firstNonEmpty(f.planPath, p.Plan),
		server: deployment.ServerInfo{
			Host:    firstNonEmpty(f.server, p.Server),
			Port:    f.port,
			User:    firstNonEmpty(f.user, p.User),
			AuthRef: firstNonEmpty(f.authRef, p.AuthRef),
			Local:   f.local,
		},
		domain:  firstNonEmpty(f.domain, p.Domain),
		mode:    deployment.ModeAuto,
		profile: f.profile,
	}
	if t.server.Port == 0 {
		t.server.Port = p.Port
	}
	if !cmd.Flags().Changed("local") {
		t.server.Local = p.Local
	}
	switch {
	case f.interactive:
		t.mode = deployment.ModeInteractive
	case f.auto:
		t.mode = deployment.ModeAuto
	case p.Mode != "":
		t.mode = deployment.Mode(p.Mode)
	}

	if t.planPath == "" {
		return target{}, errors.New("a plan is required: use --plan or a profile with a plan")
	}
	if t.server.Host == "" {
		if !t.server.Local {
			return target{}, errors.New("a server is required: use --server, --local or a profile")
		}
		t.server.Host = "localhost"
	}
	if t.server.Port < 0 || t.server.Port > 65535 {
		return target{}, fmt.Errorf("port out of range: %d", t.server.Port)
	}
	return t, nil
}

func runDeploy(cmd *cobra.Command, o *rootOptions, f *deployFlags) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, o)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	t, err := resolveTarget(cmd, a.cfg, f)
	if err != nil {
		return err
	}

	p, err := loadPlan(t.planPath)
	if err != nil {
		return err
	}
	steps, err := p.Render(plan.Vars{
		Domain: t.domain,
		User:   t.server.User,
		Host:   t.server.Host,
	}, plan.Fallbacks{
		Timeout:       a.cfg.Runner.DefaultStepTimeout.Duration(),
		AttemptBudget: a.cfg.Runner.DefaultAttemptBudget,
	})
	if err != nil {
		return fmt.Errorf("failed to render plan: %w", err)
	}

	rep, err := a.reporter()
	if err != nil {
		return fmt.Errorf("failed to create reporter: %w", err)
	}
	defer func() { _ = rep.Close() }()

	engine, err := a.engineFor(t.server, p, rep, t.mode == deployment.ModeInteractive)
	if err != nil {
		return err
	}
	defer shutdownEngine(ctx, a.logger, engine)

	d, err := engine.Create(ctx, orchestrator.Request{
		ID:       f.deploymentID,
		Steps:    steps,
		Server:   t.server,
		Domain:   t.domain,
		Mode:     t.mode,
		Profile:  t.profile,
		PlanPath: p.Path,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx, d.ID); err != nil {
		return err
	}
	return waitAndReport(ctx, o, a.logger, engine, d.ID)
}

func runResume(cmd *cobra.Command, o *rootOptions, id string, ack bool) error {
	if id == "" {
		return errors.New("--deployment-id is required")
	}
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

	p, err := loadPlan(d.PlanPath)
	if err != nil {
		return fmt.Errorf("deployment %s: %w", id, err)
	}

	rep, err := a.reporter()
	if err != nil {
		return fmt.Errorf("failed to create reporter: %w", err)
	}
	defer func() { _ = rep.Close() }()

	engine, err := a.engineFor(d.ServerInfo, p, rep, d.Mode == deployment.ModeInteractive)
	if err != nil {
		return err
	}
	defer shutdownEngine(ctx, a.logger, engine)

	next, err := engine.Resume(ctx, id, orchestrator.ResumeOptions{AcknowledgeFailure: ack})
	if err != nil {
		return err
	}
	if next.ID != id {
		fmt.Fprintf(o.stderr, "deployment %s continues as %s\n", id, next.ID)
	}
	return waitAndReport(ctx, o, a.logger, engine, next.ID)
}

// waitAndReport waits for a run, cancelling it on SIGINT or SIGTERM, and
// prints the summary.
func waitAndReport(ctx context.Context, o *rootOptions, logger *logging.Logger, engine *orchestrator.Engine, id string) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCtx.Done():
			logger.Warn(logging.WithDeploymentID(ctx, id), "interrupted, cancelling deployment")
			if err := engine.Cancel(context.WithoutCancel(ctx), id); err != nil {
				logger.Warn(ctx, "failed to cancel deployment", zap.String("deployment_id", id), zap.Error(err))
			}
		case <-done:
		}
	}()

	d, err := engine.Wait(context.WithoutCancel(ctx), id)
	if d != nil {
		printSummary(o.stdout, d)
	}
	return exitFor(id, d, err)
}

// exitFor maps the result of a run to the process exit code.
func exitFor(id string, d *deployment.DeploymentState, err error) error {
	var ce *session.ConnectionError
	if errors.As(err, &ce) {
		return withExitCode(exitConnection, err)
	}
	if d == nil {
		if err == nil {
			err = fmt.Errorf("deployment %s: no result", id)
		}
		return err
	}

	switch d.Status {
	case deployment.StatusSucceeded:
		return nil
	case deployment.StatusFailed:
		return withExitCode(exitFailed, fmt.Errorf("deployment %s failed", d.ID))
	case deployment.StatusCancelled:
		return withExitCode(exitCancelled, fmt.Errorf("deployment %s cancelled", d.ID))
	}
	if errors.Is(err, orchestrator.ErrShutdown) {
		return withExitCode(exitCancelled, fmt.Errorf("deployment %s interrupted; continue with: autodeploy resume --deployment-id %s", d.ID, d.ID))
	}
	if err == nil {
		err = fmt.Errorf("deployment %s stopped while %s", d.ID, d.Status)
	}
	return err
}

func shutdownEngine(ctx context.Context, logger *logging.Logger, engine *orchestrator.Engine) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engineShutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(sctx); err != nil {
		logger.Warn(ctx, "engine shutdown incomplete", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
