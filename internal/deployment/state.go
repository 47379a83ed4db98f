// internal/deployment/state.go
package deployment

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	// ErrStepNotSucceeded is returned when advancing past a step whose last
	// attempt did not succeed.
	ErrStepNotSucceeded = errors.New("current step has not succeeded")

	// ErrImmutable is returned when mutating a terminal deployment.
	ErrImmutable = errors.New("deployment is terminal")
)

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateID checks that id is safe to use as a file name and log field.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("deployment id cannot be empty")
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("deployment id exceeds max length %d", maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("deployment id %q contains invalid characters (must be alphanumeric, hyphen, underscore)", id)
	}
	return nil
}

// New creates a pending deployment.
func New(id string, steps []StepDefinition, server ServerInfo, now time.Time) (*DeploymentState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("deployment %s has no steps", id)
	}
	for i, s := range steps {
		if s.Name == "" {
			return nil, fmt.Errorf("step %d: name is required", i)
		}
		if s.Command == "" {
			return nil, fmt.Errorf("step %s: command is required", s.Name)
		}
		if s.Timeout <= 0 {
			return nil, fmt.Errorf("step %s: timeout must be > 0", s.Name)
		}
		if s.AttemptBudget < 1 {
			return nil, fmt.Errorf("step %s: attempt_budget must be >= 1", s.Name)
		}
	}

	return &DeploymentState{
		SchemaVersion: SchemaVersion,
		ID:            id,
		Status:        StatusPending,
		Steps:         append([]StepDefinition(nil), steps...),
		StepHistory:   []StepAttempt{},
		ServerInfo:    server,
		Mode:          ModeAuto,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Transition moves the deployment to status to, stamping start and end times.
func (d *DeploymentState) Transition(to Status, now time.Time) error {
	if !CanTransition(d.Status, to) {
		return transitionError(d.Status, to)
	}
	if d.Status == StatusPending && to == StatusRunning && d.StartTime == nil {
		t := now
		d.StartTime = &t
	}
	if to.IsTerminal() {
		t := now
		d.EndTime = &t
	}
	d.Status = to
	d.UpdatedAt = now
	return nil
}

// AppendAttempt records a finished attempt.
func (d *DeploymentState) AppendAttempt(a StepAttempt) error {
	if d.Status.IsTerminal() {
		return ErrImmutable
	}
	d.StepHistory = append(d.StepHistory, a)
	if a.Outcome == OutcomeFailed || a.Outcome == OutcomeRetrying {
		d.ErrorCount++
	}
	if !a.EndedAt.IsZero() {
		d.UpdatedAt = a.EndedAt
	}
	return nil
}

// Advance moves the cursor past the current step. The most recent attempt of
// the current step must have succeeded.
func (d *DeploymentState) Advance(now time.Time) error {
	if d.Status.IsTerminal() {
		return ErrImmutable
	}
	last, ok := d.LastAttempt(d.CurrentStepIndex)
	if !ok || last.Outcome != OutcomeSucceeded {
		return fmt.Errorf("%w: step %d", ErrStepNotSucceeded, d.CurrentStepIndex)
	}
	d.CurrentStepIndex++
	d.UpdatedAt = now
	return nil
}

// Warn appends an operator-visible warning.
func (d *DeploymentState) Warn(msg string, now time.Time) {
	d.Warnings = append(d.Warnings, msg)
	d.UpdatedAt = now
}

// IsComplete reports whether every step has succeeded.
func (d *DeploymentState) IsComplete() bool {
	return d.CurrentStepIndex >= len(d.Steps)
}

// CurrentStep returns the step under the cursor.
func (d *DeploymentState) CurrentStep() (StepDefinition, bool) {
	if d.IsComplete() {
		return StepDefinition{}, false
	}
	return d.Steps[d.CurrentStepIndex], true
}

// AttemptsFor returns the recorded attempts of step index.
func (d *DeploymentState) AttemptsFor(index int) []StepAttempt {
	var out []StepAttempt
	for _, a := range d.StepHistory {
		if a.StepIndex == index {
			out = append(out, a)
		}
	}
	return out
}

// LastAttempt returns the most recent attempt of step index.
func (d *DeploymentState) LastAttempt(index int) (StepAttempt, bool) {
	for i := len(d.StepHistory) - 1; i >= 0; i-- {
		if d.StepHistory[i].StepIndex == index {
			return d.StepHistory[i], true
		}
	}
	return StepAttempt{}, false
}

// Snapshot returns a deep copy safe to hand to readers.
func (d *DeploymentState) Snapshot() *DeploymentState {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Steps = append([]StepDefinition(nil), d.Steps...)
	cp.StepHistory = make([]StepAttempt, len(d.StepHistory))
	for i, a := range d.StepHistory {
		if a.ExitCode != nil {
			code := *a.ExitCode
			a.ExitCode = &code
		}
		cp.StepHistory[i] = a
	}
	cp.Warnings = append([]string(nil), d.Warnings...)
	if d.StartTime != nil {
		t := *d.StartTime
		cp.StartTime = &t
	}
	if d.EndTime != nil {
		t := *d.EndTime
		cp.EndTime = &t
	}
	return &cp
}

// Successor creates a pending deployment that continues a terminal one under
// a new id. The cursor and history carry over so completed steps are not
// re-run; the original record stays untouched.
func (d *DeploymentState) Successor(id string, now time.Time) (*DeploymentState, error) {
	if !d.Status.IsTerminal() {
		return nil, fmt.Errorf("deployment %s is %s, only terminal deployments have successors", d.ID, d.Status)
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	next := d.Snapshot()
	next.SchemaVersion = SchemaVersion
	next.ID = id
	next.Status = StatusPending
	next.ResumedFrom = d.ID
	next.CancelRequested = false
	next.ErrorCount = 0
	next.Warnings = nil
	next.StartTime = nil
	next.EndTime = nil
	next.CreatedAt = now
	next.UpdatedAt = now
	return next, nil
}

// Encode serializes d as an indented JSON document.
func Encode(d *DeploymentState) ([]byte, error) {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal deployment %s: %w", d.ID, err)
	}
	return append(b, '\n'), nil
}

// Decode parses a persisted document. Unknown fields are ignored so older
// binaries can read records written by newer ones.
func Decode(data []byte) (*DeploymentState, error) {
	var d DeploymentState
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse deployment document: %w", err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("parse deployment document: missing deployment_id")
	}
	if !d.Status.Valid() {
		return nil, fmt.Errorf("parse deployment document %s: unknown status %q", d.ID, d.Status)
	}
	if d.StepHistory == nil {
		d.StepHistory = []StepAttempt{}
	}
	return &d, nil
}
