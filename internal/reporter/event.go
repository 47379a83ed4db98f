package reporter

import (
	"encoding/json"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventDeploymentCreated  EventType = "deployment.created"
	EventStateTransition    EventType = "state.transition"
	EventStepStarted        EventType = "step.started"
	EventStepAttempt        EventType = "step.attempt"
	EventPatternMatched     EventType = "pattern.matched"
	EventRecoveryStarted    EventType = "recovery.started"
	EventRecoveryFinished   EventType = "recovery.finished"
	EventStepCompleted      EventType = "step.completed"
	EventDeploymentFinished EventType = "deployment.finished"
)

// NoStep marks events that do not belong to a step.
const NoStep = -1

// Event is one lifecycle event of a deployment.
type Event struct {
	ID           string
	Time         time.Time
	Type         EventType
	DeploymentID string
	// StepIndex is NoStep for deployment-level events.
	StepIndex int
	StepName  string
	Attempt   int
	Severity  catalog.Severity
	Outcome   string
	PatternID string
	HandlerID string
	From      deployment.Status
	To        deployment.Status
	ErrorKind deployment.ErrorKind
	Error     string
	Elapsed   time.Duration
	Message   string
}

// HasStep reports whether the event belongs to a step.
func (e Event) HasStep() bool {
	return e.StepIndex >= 0
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Empty fields are
// omitted.
func (e Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("event", string(e.Type))
	enc.AddString("deployment_id", e.DeploymentID)
	if e.ID != "" {
		enc.AddString("event_id", e.ID)
	}
	if e.HasStep() {
		enc.AddInt("step_index", e.StepIndex)
		enc.AddString("step_name", e.StepName)
	}
	if e.Attempt > 0 {
		enc.AddInt("attempt", e.Attempt)
	}
	addString(enc, "severity", string(e.Severity))
	addString(enc, "outcome", e.Outcome)
	addString(enc, "pattern_id", e.PatternID)
	addString(enc, "handler_id", e.HandlerID)
	addString(enc, "from", string(e.From))
	addString(enc, "to", string(e.To))
	addString(enc, "error_kind", string(e.ErrorKind))
	addString(enc, "error", e.Error)
	if e.Elapsed > 0 {
		enc.AddInt64("elapsed_ms", e.Elapsed.Milliseconds())
	}
	addString(enc, "message", e.Message)
	return nil
}

func addString(enc zapcore.ObjectEncoder, key, val string) {
	if val != "" {
		enc.AddString(key, val)
	}
}

// eventJSON is the wire form shared by the JSONL file and NATS.
type eventJSON struct {
	ID           string               `json:"event_id,omitempty"`
	Time         time.Time            `json:"ts"`
	Type         EventType            `json:"event"`
	DeploymentID string               `json:"deployment_id"`
	StepIndex    *int                 `json:"step_index,omitempty"`
	StepName     string               `json:"step_name,omitempty"`
	Attempt      int                  `json:"attempt,omitempty"`
	Severity     catalog.Severity     `json:"severity,omitempty"`
	Outcome      string               `json:"outcome,omitempty"`
	PatternID    string               `json:"pattern_id,omitempty"`
	HandlerID    string               `json:"handler_id,omitempty"`
	From         deployment.Status    `json:"from,omitempty"`
	To           deployment.Status    `json:"to,omitempty"`
	ErrorKind    deployment.ErrorKind `json:"error_kind,omitempty"`
	Error        string               `json:"error,omitempty"`
	ElapsedMS    int64                `json:"elapsed_ms,omitempty"`
	Message      string               `json:"message,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	w := eventJSON{
		ID:           e.ID,
		Time:         e.Time,
		Type:         e.Type,
		DeploymentID: e.DeploymentID,
		StepName:     e.StepName,
		Attempt:      e.Attempt,
		Severity:     e.Severity,
		Outcome:      e.Outcome,
		PatternID:    e.PatternID,
		HandlerID:    e.HandlerID,
		From:         e.From,
		To:           e.To,
		ErrorKind:    e.ErrorKind,
		Error:        e.Error,
		ElapsedMS:    e.Elapsed.Milliseconds(),
		Message:      e.Message,
	}
	if e.HasStep() {
		idx := e.StepIndex
		w.StepIndex = &idx
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		ID:           w.ID,
		Time:         w.Time,
		Type:         w.Type,
		DeploymentID: w.DeploymentID,
		StepIndex:    NoStep,
		StepName:     w.StepName,
		Attempt:      w.Attempt,
		Severity:     w.Severity,
		Outcome:      w.Outcome,
		PatternID:    w.PatternID,
		HandlerID:    w.HandlerID,
		From:         w.From,
		To:           w.To,
		ErrorKind:    w.ErrorKind,
		Error:        w.Error,
		Elapsed:      time.Duration(w.ElapsedMS) * time.Millisecond,
		Message:      w.Message,
	}
	if w.StepIndex != nil {
		e.StepIndex = *w.StepIndex
	}
	return nil
}

// DeploymentEvent returns a deployment-level event.
func DeploymentEvent(typ EventType, deploymentID string) Event {
	return Event{Type: typ, DeploymentID: deploymentID, StepIndex: NoStep}
}

// StepEvent returns an event for step index of a deployment.
func StepEvent(typ EventType, deploymentID string, index int, name string) Event {
	return Event{Type: typ, DeploymentID: deploymentID, StepIndex: index, StepName: name}
}
