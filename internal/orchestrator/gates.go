package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// StepGate is checked before a step runs. Returning ErrStepDeclined cancels
// the deployment; any other error fails it.
type StepGate interface {
	Name() string
	Check(ctx context.Context, d *deployment.DeploymentState, index int) error
}

// ConfirmGate asks the operator to confirm each step of interactive
// deployments. Auto deployments pass without a prompt.
type ConfirmGate struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer

	// pending is an unfinished read left by a cancelled Check
	pending chan string
}

// NewConfirmGate prompts on out and reads answers from in.
func NewConfirmGate(in io.Reader, out io.Writer) *ConfirmGate {
	return &ConfirmGate{in: bufio.NewReader(in), out: out}
}

// Name returns the gate identifier
func (g *ConfirmGate) Name() string {
	return "operator-confirmation"
}

// Check prompts for step index and waits for an answer or ctx.
func (g *ConfirmGate) Check(ctx context.Context, d *deployment.DeploymentState, index int) error {
	if d.Mode != deployment.ModeInteractive {
		return nil
	}
	step := d.Steps[index]

	g.mu.Lock()
	defer g.mu.Unlock()

	fmt.Fprintf(g.out, "\nStep %d/%d %s\n  %s\nRun this step? [y/N] ", index+1, len(d.Steps), step.Name, step.Command)

	if g.pending == nil {
		g.pending = make(chan string, 1)
		go func(ch chan<- string) {
			line, _ := g.in.ReadString('\n')
			ch <- line
		}(g.pending)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case line := <-g.pending:
		g.pending = nil
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return nil
		}
		return fmt.Errorf("%w: %s", ErrStepDeclined, step.Name)
	}
}

// GateFunc adapts a function to StepGate.
type GateFunc struct {
	ID string
	Fn func(ctx context.Context, d *deployment.DeploymentState, index int) error
}

// Name returns the gate identifier
func (g GateFunc) Name() string { return g.ID }

// Check calls Fn.
func (g GateFunc) Check(ctx context.Context, d *deployment.DeploymentState, index int) error {
	return g.Fn(ctx, d, index)
}
