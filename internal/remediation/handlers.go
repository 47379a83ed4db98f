package remediation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/session"
)

// defaultCommandTimeout bounds each handler command when the definition has
// no timeout.
const defaultCommandTimeout = 5 * time.Minute

// NewHandler builds the handler for a definition.
func NewHandler(def Definition) (Handler, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	switch def.Kind {
	case KindCommands:
		return &commandsHandler{def: def}, nil
	case KindWait:
		return &waitHandler{def: def}, nil
	case KindRespond:
		return &respondHandler{def: def}, nil
	case KindReconnect:
		return &reconnectHandler{def: def}, nil
	}
	return nil, fmt.Errorf("handler %s: unknown kind %q", def.ID, def.Kind)
}

type commandsHandler struct{ def Definition }

func (h *commandsHandler) ID() string { return h.def.ID }
func (h *commandsHandler) Kind() Kind { return KindCommands }

func (h *commandsHandler) Recover(ctx context.Context, rc *Context) (Outcome, error) {
	if rc.Session == nil {
		return OutcomeExhausted, errors.New("no session to run recovery commands on")
	}
	timeout := h.def.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	for i, cmd := range h.def.Commands {
		stream, err := rc.Session.Exec(ctx, cmd, timeout)
		if err != nil {
			return OutcomeExhausted, fmt.Errorf("failed to run recovery command %d: %w", i+1, err)
		}
		out, status, err := session.Collect(ctx, stream)
		if rc.Output != nil && len(out) > 0 {
			_, _ = rc.Output.Write(out)
		}
		if err != nil {
			return OutcomeExhausted, err
		}
		switch {
		case status.TimedOut:
			return OutcomeExhausted, fmt.Errorf("recovery command %d timed out after %s", i+1, timeout)
		case status.Err != nil:
			return OutcomeExhausted, fmt.Errorf("recovery command %d: %w", i+1, status.Err)
		case status.Code != 0:
			return OutcomeExhausted, fmt.Errorf("recovery command %d exited %d", i+1, status.Code)
		}
	}
	return OutcomeRecovered, nil
}

type waitHandler struct{ def Definition }

func (h *waitHandler) ID() string { return h.def.ID }
func (h *waitHandler) Kind() Kind { return KindWait }

func (h *waitHandler) Recover(ctx context.Context, _ *Context) (Outcome, error) {
	timer := time.NewTimer(h.def.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return OutcomeRecovered, nil
	case <-ctx.Done():
		return OutcomeExhausted, ctx.Err()
	}
}

type respondHandler struct{ def Definition }

func (h *respondHandler) ID() string { return h.def.ID }
func (h *respondHandler) Kind() Kind { return KindRespond }

func (h *respondHandler) Recover(_ context.Context, rc *Context) (Outcome, error) {
	if rc.Stdin == nil {
		return OutcomeExhausted, errors.New("no running command to respond to")
	}
	if _, err := io.WriteString(rc.Stdin, h.def.Input); err != nil {
		return OutcomeExhausted, fmt.Errorf("failed to write response: %w", err)
	}
	return OutcomeRecovered, nil
}

type reconnectHandler struct{ def Definition }

func (h *reconnectHandler) ID() string { return h.def.ID }
func (h *reconnectHandler) Kind() Kind { return KindReconnect }

func (h *reconnectHandler) Recover(ctx context.Context, rc *Context) (Outcome, error) {
	r, ok := rc.Session.(session.Reconnector)
	if !ok {
		return OutcomeExhausted, errors.New("session does not support reconnecting")
	}
	if err := r.Reconnect(ctx); err != nil {
		return OutcomeExhausted, err
	}
	return OutcomeRecovered, nil
}
