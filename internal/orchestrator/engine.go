package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/reporter"
	"github.com/fyrsmithlabs/autodeploy/internal/runner"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/autodeploy/internal/orchestrator"

var errCancelRequested = errors.New("cancel requested")

// StepRunner runs one step to a terminal outcome. *runner.Runner implements it.
type StepRunner interface {
	RunStep(ctx context.Context, sc runner.StepContext) runner.StepResult
}

// Engine runs deployments. It is safe for concurrent use; each deployment
// runs on its own goroutine.
type Engine struct {
	store    store.Store
	dialer   session.Dialer
	runner   StepRunner
	reporter *reporter.Reporter
	logger   *logging.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	gates    []StepGate
	dialOpts []session.ManagedOption
	now      func() time.Time
	newID    func() string

	activeRuns   metric.Int64UpDownCounter
	finishedRuns metric.Int64Counter

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// run tracks one execution of a deployment in this process.
type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}

	// set before done is closed
	final *deployment.DeploymentState
	err   error
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithReporter sets where lifecycle events go.
func WithReporter(r *reporter.Reporter) Option {
	return func(e *Engine) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracerProvider sets where spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets where metrics go. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meter = mp.Meter(instrumentationName) }
}

// WithGate adds a gate checked before every step.
func WithGate(g StepGate) Option {
	return func(e *Engine) { e.gates = append(e.gates, g) }
}

// WithDialOptions configures how sessions are dialed.
func WithDialOptions(opts ...session.ManagedOption) Option {
	return func(e *Engine) { e.dialOpts = append(e.dialOpts, opts...) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces the uuid generator used for new deployments.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New creates an engine.
func New(st store.Store, dialer session.Dialer, r StepRunner, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		dialer:   dialer,
		runner:   r,
		reporter: reporter.Nop(),
		logger:   logging.Nop(),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		now:      time.Now,
		newID:    uuid.NewString,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("orchestrator")
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	var err error

	e.activeRuns, err = e.meter.Int64UpDownCounter(
		"autodeploy.deployments.active",
		metric.WithDescription("Deployments running in this process"),
		metric.WithUnit("{deployment}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create active deployments counter", zap.Error(err))
	}

	e.finishedRuns, err = e.meter.Int64Counter(
		"autodeploy.deployments.finished_total",
		metric.WithDescription("Deployments that reached a terminal status"),
		metric.WithUnit("{deployment}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create finished deployments counter", zap.Error(err))
	}
}

// Create persists a new pending deployment.
func (e *Engine) Create(ctx context.Context, req Request) (*deployment.DeploymentState, error) {
	id := req.ID
	if id == "" {
		id = e.newID()
	}
	d, err := deployment.New(id, req.Steps, req.Server, e.now().UTC())
	if err != nil {
		return nil, err
	}
	d.Domain = req.Domain
	d.Mode = req.Mode
	if d.Mode == "" {
		d.Mode = deployment.ModeAuto
	}
	d.Profile = req.Profile
	d.PlanPath = req.PlanPath

	if err := e.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deployment %s: %w", id, err)
	}

	ev := reporter.DeploymentEvent(reporter.EventDeploymentCreated, id)
	ev.To = d.Status
	ev.Message = fmt.Sprintf("%d steps on %s", len(d.Steps), d.ServerInfo.Host)
	e.reporter.Emit(ctx, ev)
	e.logger.Info(logging.WithDeploymentID(ctx, id), "deployment created",
		zap.Int("steps", len(d.Steps)),
		zap.String("host", d.ServerInfo.Host),
		zap.String("mode", string(d.Mode)))

	return d.Snapshot(), nil
}

// Start runs a pending deployment in the background. Use Wait for the result.
func (e *Engine) Start(ctx context.Context, id string) error {
	return e.launch(ctx, id, func(d *deployment.DeploymentState) error {
		if d.Status != deployment.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, id, d.Status)
		}
		return nil
	})
}

// Resume continues a deployment and returns the record that now runs.
//
// Pending deployments start. Running and recovering ones, left behind by a
// crashed process, re-run their current step. Cancelled deployments, and
// failed ones when opts.AcknowledgeFailure is set, continue as a successor
// deployment because terminal records are immutable.
func (e *Engine) Resume(ctx context.Context, id string, opts ResumeOptions) (*deployment.DeploymentState, error) {
	d, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	switch d.Status {
	case deployment.StatusPending, deployment.StatusRunning, deployment.StatusRecovering:
		if err := e.launch(ctx, id, func(cur *deployment.DeploymentState) error {
			if cur.Status.IsTerminal() {
				return fmt.Errorf("%w: %s is %s", ErrNotResumable, id, cur.Status)
			}
			return nil
		}); err != nil {
			return nil, err
		}
		return d, nil

	case deployment.StatusFailed:
		if !opts.AcknowledgeFailure {
			return nil, fmt.Errorf("%w: %s failed; acknowledge the failure to resume", ErrNotResumable, id)
		}
	case deployment.StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, id, d.Status)
	}

	nextID := opts.SuccessorID
	if nextID == "" {
		nextID = e.newID()
	}
	next, err := d.Successor(nextID, e.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotResumable, err)
	}
	if err := e.store.Create(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to create successor of %s: %w", id, err)
	}

	ev := reporter.DeploymentEvent(reporter.EventDeploymentCreated, nextID)
	ev.To = next.Status
	ev.Message = "resumed from " + id
	e.reporter.Emit(ctx, ev)
	e.logger.Info(logging.WithDeploymentID(ctx, nextID), "successor deployment created",
		zap.String("resumed_from", id),
		zap.Int("current_step_index", next.CurrentStepIndex))

	if err := e.Start(ctx, nextID); err != nil {
		return nil, err
	}
	return next.Snapshot(), nil
}

// Cancel requests cancellation. The request is recorded in the store so an
// engine in another process observes it too.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		r.cancel(errCancelRequested)
	}
	e.logger.Info(logging.WithDeploymentID(ctx, id), "cancel requested", zap.Bool("local", ok))
	return nil
}

// Status returns a copy of the stored deployment.
func (e *Engine) Status(ctx context.Context, id string) (*deployment.DeploymentState, error) {
	return e.store.Load(ctx, id)
}

// List returns every stored deployment, newest first.
func (e *Engine) List(ctx context.Context) ([]*deployment.DeploymentState, error) {
	return e.store.List(ctx)
}

// Wait blocks until the run of id in this process ends and returns its last
// state. The error is non-nil when the run stopped without reaching a
// terminal status, e.g. a *session.ConnectionError. For deployments not run
// here, Wait returns terminal records directly and ErrNotRunning otherwise.
func (e *Engine) Wait(ctx context.Context, id string) (*deployment.DeploymentState, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()

	if ok {
		select {
		case <-r.done:
			return r.final.Snapshot(), r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.IsTerminal() {
		return d, nil
	}
	return d, fmt.Errorf("%w: %s", ErrNotRunning, id)
}

// Shutdown interrupts every run and waits for them to stop. Interrupted
// deployments keep their status and can be resumed.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.runs {
		r.cancel(ErrShutdown)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// launch takes the lease of id, reloads it and starts a run when check
// passes.
func (e *Engine) launch(ctx context.Context, id string, check func(*deployment.DeploymentState) error) error {
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(nil)
		return ErrShutdown
	}
	if prev, ok := e.runs[id]; ok && !prev.finished() {
		e.mu.Unlock()
		cancel(nil)
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	e.runs[id] = r
	e.mu.Unlock()

	abort := func(err error) error {
		cancel(nil)
		e.mu.Lock()
		if e.runs[id] == r {
			delete(e.runs, id)
		}
		e.mu.Unlock()
		return err
	}

	lease, err := e.store.Acquire(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return abort(fmt.Errorf("%w: %s: %v", ErrAlreadyRunning, id, err))
		}
		return abort(err)
	}

	d, err := e.store.Load(ctx, id)
	if err == nil {
		err = check(d)
	}
	if err != nil {
		_ = lease.Release()
		return abort(err)
	}

	e.wg.Add(1)
	go e.execute(runCtx, d, lease, r)
	return nil
}
