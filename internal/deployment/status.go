// internal/deployment/status.go
package deployment

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not an edge of the
// lifecycle graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusRecovering Status = "recovering"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions lists the allowed edges. Terminal states have none.
var transitions = map[Status][]Status{
	StatusPending:    {StatusRunning},
	StatusRunning:    {StatusRecovering, StatusSucceeded, StatusFailed, StatusCancelled},
	StatusRecovering: {StatusRunning, StatusFailed, StatusCancelled},
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsLive reports whether a run of this deployment may be in flight.
func (s Status) IsLive() bool {
	return s == StatusRunning || s == StatusRecovering
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRecovering, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
