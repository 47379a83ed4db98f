package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/remediation"
	"github.com/fyrsmithlabs/autodeploy/internal/reporter"
	"github.com/fyrsmithlabs/autodeploy/internal/runner"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
	"github.com/fyrsmithlabs/autodeploy/internal/session/sessiontest"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
	"github.com/fyrsmithlabs/autodeploy/internal/telemetry"
)

const (
	cmdUpdate  = "apt-get update"
	cmdInstall = "apt-get install -y nginx"
	cmdEnable  = "systemctl enable --now nginx"
)

var server = deployment.ServerInfo{Host: "web-1.example.com", User: "deploy"}

func testSteps() []deployment.StepDefinition {
	return []deployment.StepDefinition{
		{Name: "update", Command: cmdUpdate, Timeout: time.Minute, AttemptBudget: 3},
		{Name: "install-nginx", Command: cmdInstall, Timeout: time.Minute, AttemptBudget: 3},
		{Name: "enable-nginx", Command: cmdEnable, Timeout: time.Minute, AttemptBudget: 3},
	}
}

// eventSink records every event in memory.
type eventSink struct {
	mu     sync.Mutex
	events []reporter.Event
}

func (s *eventSink) Name() string { return "memory" }

func (s *eventSink) Write(_ context.Context, e reporter.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) Close() error { return nil }

func (s *eventSink) types(id string) []reporter.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reporter.EventType
	for _, e := range s.events {
		if e.DeploymentID == id {
			out = append(out, e.Type)
		}
	}
	return out
}

func (s *eventSink) transitions(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.DeploymentID == id && e.Type == reporter.EventStateTransition {
			out = append(out, string(e.From)+"->"+string(e.To))
		}
	}
	return out
}

func newTestRunner(t *testing.T) *runner.Runner {
	t.Helper()
	reg, err := remediation.NewRegistry(remediation.BuiltinDefinitions()...)
	require.NoError(t, err)
	for _, id := range []string{catalog.HandlerWaitForLock, catalog.HandlerRetryLater} {
		require.NoError(t, reg.Register(remediation.Definition{ID: id, Kind: remediation.KindWait, Delay: time.Millisecond}))
	}
	cat, err := catalog.New(catalog.Defaults(), reg)
	require.NoError(t, err)

	p := runner.DefaultPolicy()
	p.BackoffBase = time.Millisecond
	p.BackoffMax = 5 * time.Millisecond
	p.GracePeriod = 2 * time.Second
	return runner.New(cat, remediation.NewDispatcher(reg), runner.WithPolicy(p))
}

type harness struct {
	engine *Engine
	store  *store.Memory
	fake   *sessiontest.Session
	dialer *sessiontest.Dialer
	events *eventSink
	logger *logging.TestLogger
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemory(),
		fake:   sessiontest.NewSession(),
		events: &eventSink{},
		logger: logging.NewTestLogger(),
	}
	h.dialer = sessiontest.NewDialer(h.fake)
	h.engine = h.newEngine(t, opts...)
	return h
}

// newEngine returns another engine over the same store, like a second process.
func (h *harness) newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithReporter(reporter.New(nil, h.events)),
		WithLogger(h.logger.Logger),
		WithDialOptions(session.WithDialAttempts(1), session.WithDialInterval(time.Millisecond)),
	}
	e := New(h.store, h.dialer, newTestRunner(t), append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func (h *harness) create(t *testing.T, id string) *deployment.DeploymentState {
	t.Helper()
	d, err := h.engine.Create(context.Background(), Request{ID: id, Steps: testSteps(), Server: server, Domain: "example.com"})
	require.NoError(t, err)
	return d
}

func (h *harness) run(t *testing.T, id string) *deployment.DeploymentState {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background(), id))
	return h.wait(t, h.engine, id)
}

func (h *harness) wait(t *testing.T, e *Engine, id string) *deployment.DeploymentState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return final
}

// waitRunning blocks until command has been executed n times.
func (h *harness) waitRunning(t *testing.T, command string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.fake.Count(command) >= n }, 5*time.Second, 5*time.Millisecond)
}

func TestEngine_Create(t *testing.T) {
	h := newHarness(t, WithIDGenerator(func() string { return "generated" }))

	d, err := h.engine.Create(context.Background(), Request{Steps: testSteps(), Server: server})
	require.NoError(t, err)
	assert.Equal(t, "generated", d.ID)
	assert.Equal(t, deployment.StatusPending, d.Status)
	assert.Equal(t, deployment.ModeAuto, d.Mode)

	_, err = h.engine.Create(context.Background(), Request{ID: "generated", Steps: testSteps(), Server: server})
	assert.ErrorIs(t, err, store.ErrExists)

	_, err = h.engine.Create(context.Background(), Request{ID: "no-steps", Server: server})
	assert.Error(t, err)

	assert.Equal(t, []reporter.EventType{reporter.EventDeploymentCreated}, h.events.types("generated"))
}

func TestEngine_RunsAllSteps(t *testing.T) {
	h := newHarness(t)
	h.create(t, "dep-1")

	final := h.run(t, "dep-1")

	assert.Equal(t, deployment.StatusSucceeded, final.Status)
	assert.Equal(t, 3, final.CurrentStepIndex)
	require.Len(t, final.StepHistory, 3)
	for i, a := range final.StepHistory {
		assert.Equal(t, i, a.StepIndex)
		assert.Equal(t, 1, a.Attempt)
		assert.Equal(t, deployment.OutcomeSucceeded, a.Outcome)
	}
	assert.Zero(t, final.ErrorCount)
	assert.NotNil(t, final.StartTime)
	assert.NotNil(t, final.EndTime)
	assert.Equal(t, []string{cmdUpdate, cmdInstall, cmdEnable}, h.fake.Commands())

	stored, err := h.engine.Status(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusSucceeded, stored.Status)
	assert.Len(t, stored.StepHistory, 3)

	assert.Equal(t, []reporter.EventType{
		reporter.EventDeploymentCreated,
		reporter.EventStateTransition,
		reporter.EventStepStarted, reporter.EventStepAttempt, reporter.EventStepCompleted,
		reporter.EventStepStarted, reporter.EventStepAttempt, reporter.EventStepCompleted,
		reporter.EventStepStarted, reporter.EventStepAttempt, reporter.EventStepCompleted,
		reporter.EventStateTransition,
		reporter.EventDeploymentFinished,
	}, h.events.types("dep-1"))
	assert.Equal(t, []string{"pending->running", "running->succeeded"}, h.events.transitions("dep-1"))
	assert.Equal(t, 1, h.fake.Closes(), "session is closed after the run")

	h.logger.AssertLogged(t, zapcore.InfoLevel, "deployment finished")
}

func TestEngine_RecordsTelemetry(t *testing.T) {
	tel := telemetry.NewTestTelemetry(t)
	h := newHarness(t, WithTracerProvider(tel.TracerProvider()), WithMeterProvider(tel.MeterProvider()))
	h.create(t, "dep-tel")

	final := h.run(t, "dep-tel")
	require.Equal(t, deployment.StatusSucceeded, final.Status)

	v, ok := tel.SpanAttr("deployment.run", "deployment.id")
	require.True(t, ok, "run span recorded")
	assert.Equal(t, "dep-tel", v.AsString())
	v, _ = tel.SpanAttr("deployment.run", "deployment.steps")
	assert.Equal(t, int64(3), v.AsInt64())
	assert.Equal(t, int64(1), tel.CounterValue(t, "autodeploy.deployments.finished_total"))
	assert.Zero(t, tel.CounterValue(t, "autodeploy.deployments.active"))
}

func TestEngine_RecoversMediumPattern(t *testing.T) {
	h := newHarness(t)
	h.fake.On(cmdInstall,
		sessiontest.Script{Chunks: []string{"E: Could not get lock /var/lib/dpkg/lock-frontend\n"}, Hang: true},
		sessiontest.Exit(0, "Setting up nginx\n"),
	)
	h.create(t, "dep-1")

	final := h.run(t, "dep-1")

	assert.Equal(t, deployment.StatusSucceeded, final.Status)
	assert.Equal(t, 1, final.ErrorCount)
	install := final.AttemptsFor(1)
	require.Len(t, install, 2)
	assert.Equal(t, deployment.OutcomeRetrying, install[0].Outcome)
	assert.Equal(t, "dpkg-lock-held", install[0].PatternID)
	assert.Equal(t, catalog.SeverityMedium, install[0].Severity)
	assert.Equal(t, deployment.OutcomeSucceeded, install[1].Outcome)
	assert.Equal(t, 2, install[1].Attempt)

	assert.Equal(t, []string{
		"pending->running",
		"running->recovering",
		"recovering->running",
		"running->succeeded",
	}, h.events.transitions("dep-1"))
	types := h.events.types("dep-1")
	assert.Contains(t, types, reporter.EventPatternMatched)
	assert.Contains(t, types, reporter.EventRecoveryStarted)
	assert.Contains(t, types, reporter.EventRecoveryFinished)
}

func TestEngine_CriticalPatternFails(t *testing.T) {
	h := newHarness(t)
	h.fake.On(cmdInstall, sessiontest.Script{Chunks: []string{"dpkg: error: No space left on device\n"}, Hang: true})
	h.create(t, "dep-1")

	final := h.run(t, "dep-1")

	assert.Equal(t, deployment.StatusFailed, final.Status)
	assert.Equal(t, 1, final.CurrentStepIndex, "cursor stays on the failed step")
	install := final.AttemptsFor(1)
	require.Len(t, install, 1)
	assert.Equal(t, "disk-space-insufficient", install[0].PatternID)
	assert.Contains(t, install[0].OutputTail, "No space left on device")
	assert.Equal(t, 1, h.fake.Count(cmdInstall))
	assert.Zero(t, h.fake.Count(cmdEnable))

	h.events.mu.Lock()
	last := h.events.events[len(h.events.events)-1]
	h.events.mu.Unlock()
	assert.Equal(t, reporter.EventDeploymentFinished, last.Type)
	assert.Equal(t, deployment.StatusFailed, last.To)
	assert.Equal(t, deployment.ErrorKindPatternMatched, last.ErrorKind)
	h.logger.AssertLogged(t, zapcore.ErrorLevel, "deployment finished")
}

func TestEngine_UnmatchedFailureExhaustsBudget(t *testing.T) {
	h := newHarness(t)
	h.fake.On(cmdInstall, sessiontest.Exit(100, "E: something odd\n"))
	h.create(t, "dep-1")

	final := h.run(t, "dep-1")

	assert.Equal(t, deployment.StatusFailed, final.Status)
	assert.NotEmpty(t, final.AttemptsFor(1))
	assert.LessOrEqual(t, len(final.AttemptsFor(1)), 3)
}

func TestEngine_CancelIsPromptAndNeverFailed(t *testing.T) {
	h := newHarness(t)
	h.fake.On(cmdInstall, sessiontest.Script{Chunks: []string{"Unpacking nginx...\n"}, Hang: true})
	h.create(t, "dep-1")

	require.NoError(t, h.engine.Start(context.Background(), "dep-1"))
	h.waitRunning(t, cmdInstall, 1)

	start := time.Now()
	require.NoError(t, h.engine.Cancel(context.Background(), "dep-1"))
	final := h.wait(t, h.engine, "dep-1")

	assert.Less(t, time.Since(start), runner.CancelGracePeriod)
	assert.Equal(t, deployment.StatusCancelled, final.Status)
	assert.Equal(t, 1, final.CurrentStepIndex)
	require.NotEmpty(t, final.StepHistory)
	assert.Equal(t, deployment.OutcomeCancelled, final.StepHistory[len(final.StepHistory)-1].Outcome)

	stored, err := h.store.Load(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusCancelled, stored.Status)
	assert.True(t, stored.CancelRequested)
	assert.Zero(t, h.fake.Count(cmdEnable))
}

func TestEngine_CancelRequestedThroughStore(t *testing.T) {
	h := newHarness(t)
	h.fake.On(cmdInstall, sessiontest.Script{Hang: true})
	h.create(t, "dep-1")

	require.NoError(t, h.engine.Start(context.Background(), "dep-1"))
	h.waitRunning(t, cmdInstall, 1)

	// another process only sees the store
	require.NoError(t, h.store.RequestCancel(context.Background(), "dep-1"))

	final := h.wait(t, h.engine, "dep-1")
	assert.Equal(t, deployment.StatusCancelled, final.Status)
}

func TestEngine_CancelBeforeStart(t *testing.T) {
	h := newHarness(t)
	h.create(t, "dep-1")
	require.NoError(t, h.engine.Cancel(context.Background(), "dep-1"))

	final := h.run(t, "dep-1")
	assert.Equal(t, deployment.StatusCancelled, final.Status)
	assert.Empty(t, h.fake.Commands())

	assert.ErrorIs(t, h.engine.Cancel(context.Background(), "dep-1"), store.ErrTerminal)
	assert.ErrorIs(t, h.engine.Cancel(context.Background(), "missing"), store.ErrNotFound)
}

func TestEngine_StartRejectsStartedDeployment(t *testing.T) {
	h := newHarness(t)
	h.create(t, "dep-1")
	h.run(t, "dep-1")

	err := h.engine.Start(context.Background(), "dep-1")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestEngine_SameIDRunsOnce(t *testing.T) {
	h := newHarness(t)
	h.fake.On(cmdInstall, sessiontest.Script{Hang: true})
	h.create(t, "dep-1")
	h.create(t, "dep-2")

	require.NoError(t, h.engine.Start(context.Background(), "dep-1"))
	h.waitRunning(t, cmdInstall, 1)

	_, err := h.engine.Resume(context.Background(), "dep-1", ResumeOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// a second process sees the lease
	other := h.newEngine(t)
	_, err = other.Resume(context.Background(), "dep-1", ResumeOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// distinct ids run concurrently
	require.NoError(t, h.engine.Start(context.Background(), "dep-2"))
	h.waitRunning(t, cmdInstall, 2)

	require.NoError(t, h.engine.Cancel(context.Background(), "dep-1"))
	require.NoError(t, h.engine.Cancel(context.Background(), "dep-2"))
	assert.Equal(t, deployment.StatusCancelled, h.wait(t, h.engine, "dep-1").Status)
	assert.Equal(t, deployment.StatusCancelled, h.wait(t, h.engine, "dep-2").Status)
}

func TestEngine_ResumeAfterCrashDoesNotRepeatSteps(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	// The crashed process persisted step 1's success but not the cursor.
	d, err := deployment.New("dep-1", testSteps(), server, now)
	require.NoError(t, err)
	require.NoError(t, d.Transition(deployment.StatusRunning, now))
	require.NoError(t, d.AppendAttempt(deployment.StepAttempt{StepIndex: 0, Attempt: 1, Outcome: deployment.OutcomeSucceeded}))
	require.NoError(t, d.Advance(now))
	require.NoError(t, d.AppendAttempt(deployment.StepAttempt{StepIndex: 1, Attempt: 1, Outcome: deployment.OutcomeSucceeded}))
	require.NoError(t, h.store.Create(context.Background(), d))

	resumed, err := h.engine.Resume(context.Background(), "dep-1", ResumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "dep-1", resumed.ID)
	final := h.wait(t, h.engine, "dep-1")

	assert.Equal(t, deployment.StatusSucceeded, final.Status)
	assert.Equal(t, []string{cmdEnable}, h.fake.Commands())
	assert.Len(t, final.StepHistory, 3)
}

func TestEngine_ResumeRerunsInterruptedStep(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	d, err := deployment.New("dep-1", testSteps(), server, now)
	require.NoError(t, err)
	require.NoError(t, d.Transition(deployment.StatusRunning, now))
	require.NoError(t, d.AppendAttempt(deployment.StepAttempt{StepIndex: 0, Attempt: 1, Outcome: deployment.OutcomeSucceeded}))
	require.NoError(t, d.Advance(now))
	require.NoError(t, d.Transition(deployment.StatusRecovering, now))
	require.NoError(t, d.AppendAttempt(deployment.StepAttempt{StepIndex: 1, Attempt: 1, Outcome: deployment.OutcomeRetrying}))
	require.NoError(t, h.store.Create(context.Background(), d))

	_, err = h.engine.Resume(context.Background(), "dep-1", ResumeOptions{})
	require.NoError(t, err)
	final := h.wait(t, h.engine, "dep-1")

	assert.Equal(t, deployment.StatusSucceeded, final.Status)
	assert.Equal(t, []string{cmdInstall, cmdEnable}, h.fake.Commands())
	install := final.AttemptsFor(1)
	require.Len(t, install, 2)
	assert.Equal(t, 2, install[1].Attempt, "attempt numbers continue across resumes")
	assert.Equal(t, []string{"recovering->running", "running->succeeded"}, h.events.transitions("dep-1"))
}

func TestEngine_ResumeTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.create(t, "dep-1")
	h.run(t, "dep-1")
	first := h.fake.Commands()

	_, err := h.engine.Resume(context.Background(), "dep-1", ResumeOptions{})
	assert.ErrorIs(t, err, ErrNotResumable)
	assert.Equal(t, first, h.fake.Commands(), "no step ran again")
}

func TestEngine_ResumeCancelledCreatesSuccessor(t *testing.T) {
	h := newHarness(t)
	h.fake.On(cmdInstall, sessiontest.Script{Hang: true}, sessiontest.Exit(0))
	h.create(t, "dep-1")

	require.NoError(t, h.engine.Start(context.Background(), "dep-1"))
	h.waitRunning(t, cmdInstall, 1)
	require.NoError(t, h.engine.Cancel(context.Background(), "dep-1"))
	require.Equal(t, deployment.StatusCancelled, h.wait(t, h.engine, "dep-1").Status)

	next, err := h.engine.Resume(context.Background(), "dep-1", ResumeOptions{SuccessorID: "dep-1-r1"})
	require.NoError(t, err)
	assert.Equal(t, "dep-1-r1", next.ID)
	assert.Equal(t, "dep-1", next.ResumedFrom)
	assert.Equal(t, 1, next.CurrentStepIndex)

	final := h.wait(t, h.engine, "dep-1-r1")
	assert.Equal(t, deployment.StatusSucceeded, final.Status)
	assert.Equal(t, 1, h.fake.Count(cmdUpdate), "finished steps are not repeated")
	assert.Equal(t, 2, h.fake.Count(cmdInstall))

	orig, err := h.engine.Status(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusCancelled, orig.Status, "terminal records stay immutable")
}

func TestEngine_ResumeFailedNeedsAcknowledgement(t *testing.T) {
	h := newHarness(t, WithIDGenerator(func() string { return "dep-1-r1" }))
	h.fake.On(cmdInstall, sessiontest.Exit(0, "sudo: a password is required\n"), sessiontest.Exit(0))
	h.create(t, "dep-1")
	require.Equal(t, deployment.StatusFailed, h.run(t, "dep-1").Status)

	_, err := h.engine.Resume(context.Background(), "dep-1", ResumeOptions{})
	assert.ErrorIs(t, err, ErrNotResumable)

	next, err := h.engine.Resume(context.Background(), "dep-1", ResumeOptions{AcknowledgeFailure: true})
	require.NoError(t, err)
	assert.Equal(t, "dep-1-r1", next.ID)
	assert.Equal(t, deployment.StatusSucceeded, h.wait(t, h.engine, "dep-1-r1").Status)
}

func TestEngine_ConnectionErrorLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.dialer.FailConnects = 10
	h.create(t, "dep-1")

	require.NoError(t, h.engine.Start(context.Background(), "dep-1"))
	final, err := h.engine.Wait(context.Background(), "dep-1")

	var connErr *session.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, deployment.StatusPending, final.Status)
	require.Len(t, final.Warnings, 1)
	assert.Contains(t, final.Warnings[0], server.Host)
	assert.Empty(t, h.fake.Commands())

	// the lease was released, so the deployment can start again
	h.dialer.FailConnects = 0
	assert.Equal(t, deployment.StatusSucceeded, h.run(t, "dep-1").Status)
}

func TestEngine_InteractiveDecline(t *testing.T) {
	var out strings.Builder
	h := newHarness(t, WithGate(NewConfirmGate(strings.NewReader("y\nn\n"), &out)))
	_, err := h.engine.Create(context.Background(), Request{
		ID: "dep-1", Steps: testSteps(), Server: server, Mode: deployment.ModeInteractive,
	})
	require.NoError(t, err)

	final := h.run(t, "dep-1")

	assert.Equal(t, deployment.StatusCancelled, final.Status)
	assert.Equal(t, 1, final.CurrentStepIndex)
	assert.Equal(t, []string{cmdUpdate}, h.fake.Commands())
	assert.Contains(t, out.String(), "Step 1/3 update")
	assert.Contains(t, out.String(), "Step 2/3 install-nginx")
}

func TestEngine_GateErrorFails(t *testing.T) {
	h := newHarness(t, WithGate(GateFunc{ID: "maintenance-window", Fn: func(_ context.Context, _ *deployment.DeploymentState, idx int) error {
		if idx == 2 {
			return assert.AnError
		}
		return nil
	}}))
	h.create(t, "dep-1")

	final := h.run(t, "dep-1")
	assert.Equal(t, deployment.StatusFailed, final.Status)
	assert.Equal(t, 2, final.CurrentStepIndex)
	assert.Zero(t, h.fake.Count(cmdEnable))
}

func TestEngine_ShutdownLeavesDeploymentResumable(t *testing.T) {
	h := newHarness(t)
	h.fake.On(cmdInstall, sessiontest.Script{Hang: true}, sessiontest.Exit(0))
	h.create(t, "dep-1")

	require.NoError(t, h.engine.Start(context.Background(), "dep-1"))
	h.waitRunning(t, cmdInstall, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Shutdown(ctx))

	final, err := h.engine.Wait(context.Background(), "dep-1")
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, deployment.StatusRunning, final.Status)
	assert.ErrorIs(t, h.engine.Start(context.Background(), "dep-1"), ErrShutdown)

	next := h.newEngine(t)
	_, err = next.Resume(context.Background(), "dep-1", ResumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusSucceeded, h.wait(t, next, "dep-1").Status)
}

func TestEngine_WaitWithoutRun(t *testing.T) {
	h := newHarness(t)
	h.create(t, "dep-1")

	other := h.newEngine(t)
	_, err := other.Wait(context.Background(), "dep-1")
	assert.ErrorIs(t, err, ErrNotRunning)

	h.run(t, "dep-1")
	final, err := other.Wait(context.Background(), "dep-1")
	require.NoError(t, err)
	assert.Equal(t, deployment.StatusSucceeded, final.Status)

	_, err = other.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_List(t *testing.T) {
	h := newHarness(t)
	h.create(t, "dep-1")
	h.create(t, "dep-2")

	all, err := h.engine.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
