package remediation

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/session"
)

// Kind is the type of recovery a handler performs.
type Kind string

const (
	// KindCommands runs a command sequence on the target.
	KindCommands Kind = "commands"
	// KindWait sleeps for a fixed delay.
	KindWait Kind = "wait"
	// KindRespond answers a prompt on the running command's stdin.
	KindRespond Kind = "respond"
	// KindReconnect re-dials the session.
	KindReconnect Kind = "reconnect"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCommands, KindWait, KindRespond, KindReconnect:
		return true
	}
	return false
}

// Outcome is the result of a recovery.
type Outcome string

const (
	// OutcomeRecovered means the step may be retried (or, for inline
	// handlers, continue).
	OutcomeRecovered Outcome = "recovered"
	// OutcomeExhausted means recovery did not help.
	OutcomeExhausted Outcome = "exhausted"
)

// Definition describes a handler as it appears in a plan file.
type Definition struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	Description string        `json:"description,omitempty"`
	Commands    []string      `json:"commands,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Input       string        `json:"input,omitempty"`
	// Timeout bounds the whole recovery. Zero uses the dispatcher default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Validate checks that the definition is complete for its kind.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("handler id is required")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("handler %s: unknown kind %q (want commands, wait, respond or reconnect)", d.ID, d.Kind)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("handler %s: timeout must be >= 0", d.ID)
	}
	switch d.Kind {
	case KindCommands:
		if len(d.Commands) == 0 {
			return fmt.Errorf("handler %s: commands kind needs at least one command", d.ID)
		}
	case KindWait:
		if d.Delay <= 0 {
			return fmt.Errorf("handler %s: wait kind needs a positive delay", d.ID)
		}
	case KindRespond:
		if d.Input == "" {
			return fmt.Errorf("handler %s: respond kind needs input", d.ID)
		}
	}
	return nil
}

// Context is what a handler may act on.
type Context struct {
	DeploymentID string
	StepIndex    int
	StepName     string
	Attempt      int

	// Session is the deployment's session. Handler commands run on it.
	Session session.Session

	// Stdin is the running command's input. Only set for inline dispatch.
	Stdin io.Writer

	// Output receives handler command output, if set.
	Output io.Writer
}

// Handler performs one kind of recovery.
type Handler interface {
	ID() string
	Kind() Kind
	Recover(ctx context.Context, rc *Context) (Outcome, error)
}

// Result is what a dispatch reports.
type Result struct {
	HandlerID string
	Kind      Kind
	Outcome   Outcome
	// Err explains an exhausted outcome.
	Err     error
	Elapsed time.Duration
}
