package deployment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSteps(n int) []StepDefinition {
	steps := make([]StepDefinition, n)
	for i := range steps {
		steps[i] = StepDefinition{
			Name:          "step-" + string(rune('a'+i)),
			Command:       "true",
			Timeout:       time.Minute,
			AttemptBudget: 3,
		}
	}
	return steps
}

func newState(t *testing.T, n int) *DeploymentState {
	t.Helper()
	d, err := New("dep-1", testSteps(n), ServerInfo{Host: "example.com", User: "deploy"}, t0)
	require.NoError(t, err)
	return d
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, false},
		{StatusPending, StatusCancelled, false},
		{StatusRunning, StatusRecovering, true},
		{StatusRecovering, StatusRunning, true},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRecovering, StatusFailed, true},
		{StatusRecovering, StatusCancelled, true},
		{StatusRecovering, StatusSucceeded, false},
		{StatusRunning, StatusPending, false},
		{StatusSucceeded, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", testSteps(1), ServerInfo{}, t0)
	assert.Error(t, err)

	_, err = New("../etc", testSteps(1), ServerInfo{}, t0)
	assert.Error(t, err)

	_, err = New("dep", nil, ServerInfo{}, t0)
	assert.Error(t, err)

	bad := testSteps(1)
	bad[0].AttemptBudget = 0
	_, err = New("dep", bad, ServerInfo{}, t0)
	assert.ErrorContains(t, err, "attempt_budget")

	bad = testSteps(1)
	bad[0].Timeout = 0
	_, err = New("dep", bad, ServerInfo{}, t0)
	assert.ErrorContains(t, err, "timeout")
}

func TestTransition_StampsTimes(t *testing.T) {
	d := newState(t, 1)
	assert.Equal(t, StatusPending, d.Status)
	assert.Nil(t, d.StartTime)

	require.NoError(t, d.Transition(StatusRunning, t0.Add(time.Second)))
	require.NotNil(t, d.StartTime)
	assert.Equal(t, t0.Add(time.Second), *d.StartTime)

	require.NoError(t, d.Transition(StatusFailed, t0.Add(2*time.Second)))
	require.NotNil(t, d.EndTime)

	err := d.Transition(StatusRunning, t0.Add(3*time.Second))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAdvance_RequiresSucceededAttempt(t *testing.T) {
	d := newState(t, 2)
	require.NoError(t, d.Transition(StatusRunning, t0))

	assert.ErrorIs(t, d.Advance(t0), ErrStepNotSucceeded)

	require.NoError(t, d.AppendAttempt(StepAttempt{StepIndex: 0, Attempt: 1, Outcome: OutcomeRetrying}))
	assert.ErrorIs(t, d.Advance(t0), ErrStepNotSucceeded)

	require.NoError(t, d.AppendAttempt(StepAttempt{StepIndex: 0, Attempt: 2, Outcome: OutcomeSucceeded}))
	require.NoError(t, d.Advance(t0))
	assert.Equal(t, 1, d.CurrentStepIndex)
	assert.Equal(t, 1, d.ErrorCount)

	step, ok := d.CurrentStep()
	require.True(t, ok)
	assert.Equal(t, "step-b", step.Name)
}

func TestAppendAttempt_TerminalIsImmutable(t *testing.T) {
	d := newState(t, 1)
	require.NoError(t, d.Transition(StatusRunning, t0))
	require.NoError(t, d.Transition(StatusCancelled, t0))

	assert.ErrorIs(t, d.AppendAttempt(StepAttempt{}), ErrImmutable)
	assert.ErrorIs(t, d.Advance(t0), ErrImmutable)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	d := newState(t, 2)
	code := 1
	require.NoError(t, d.AppendAttempt(StepAttempt{StepIndex: 0, Attempt: 1, Outcome: OutcomeFailed, ExitCode: &code}))
	d.Warn("heads up", t0)

	snap := d.Snapshot()
	snap.Steps[0].Name = "changed"
	snap.StepHistory[0].Attempt = 99
	*snap.StepHistory[0].ExitCode = 42
	snap.Warnings[0] = "changed"

	assert.Equal(t, "step-a", d.Steps[0].Name)
	assert.Equal(t, 1, d.StepHistory[0].Attempt)
	assert.Equal(t, 1, *d.StepHistory[0].ExitCode)
	assert.Equal(t, "heads up", d.Warnings[0])
}

func TestSuccessor(t *testing.T) {
	d := newState(t, 3)
	require.NoError(t, d.Transition(StatusRunning, t0))
	require.NoError(t, d.AppendAttempt(StepAttempt{StepIndex: 0, Attempt: 1, Outcome: OutcomeSucceeded}))
	require.NoError(t, d.Advance(t0))

	_, err := d.Successor("dep-2", t0)
	assert.Error(t, err, "live deployments have no successor")

	d.CancelRequested = true
	require.NoError(t, d.Transition(StatusCancelled, t0))

	next, err := d.Successor("dep-2", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "dep-2", next.ID)
	assert.Equal(t, "dep-1", next.ResumedFrom)
	assert.Equal(t, StatusPending, next.Status)
	assert.Equal(t, 1, next.CurrentStepIndex)
	assert.Len(t, next.StepHistory, 1)
	assert.False(t, next.CancelRequested)
	assert.Nil(t, next.EndTime)

	assert.Equal(t, StatusCancelled, d.Status, "original stays terminal")
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	d := newState(t, 4)
	require.NoError(t, d.Transition(StatusRunning, t0))
	code := 0
	for i := 0; i < 2; i++ {
		require.NoError(t, d.AppendAttempt(StepAttempt{
			StepIndex: i, StepName: d.Steps[i].Name, Attempt: 1,
			StartedAt: t0, EndedAt: t0.Add(time.Second), Elapsed: time.Second,
			Outcome: OutcomeSucceeded, ExitCode: &code,
		}))
		require.NoError(t, d.Advance(t0))
	}
	require.NoError(t, d.AppendAttempt(StepAttempt{
		StepIndex: 2, Attempt: 1, Outcome: OutcomeRetrying,
		PatternID: "package-conflict", Severity: catalog.SeverityMedium,
	}))

	data, err := Encode(d)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, d.Status, got.Status)
	assert.Equal(t, d.CurrentStepIndex, got.CurrentStepIndex)
	assert.Len(t, got.StepHistory, len(d.StepHistory))
	assert.Equal(t, catalog.SeverityMedium, got.StepHistory[2].Severity)
	assert.Equal(t, d.Steps, got.Steps)
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	d := newState(t, 1)
	data, err := Encode(d)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["added_in_future"] = map[string]any{"x": 1}
	raw["schema_version"] = 7
	data, err = json.Marshal(raw)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "dep-1", got.ID)
	assert.Equal(t, 7, got.SchemaVersion)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte(`{"status":"running"}`))
	assert.ErrorContains(t, err, "missing deployment_id")

	_, err = Decode([]byte(`{"deployment_id":"x","status":"exploded"}`))
	assert.ErrorContains(t, err, "unknown status")

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
