package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/remediation"
	"github.com/fyrsmithlabs/autodeploy/internal/reporter"
	"github.com/fyrsmithlabs/autodeploy/internal/runner"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
)

// execute is the goroutine that owns d for the length of one run.
func (e *Engine) execute(ctx context.Context, d *deployment.DeploymentState, lease store.Lease, r *run) {
	defer e.wg.Done()
	defer func() {
		if r.final == nil {
			r.final = d.Snapshot()
		}
		close(r.done)
		r.cancel(nil)
	}()
	defer func() {
		if err := lease.Release(); err != nil {
			e.logger.Warn(ctx, "failed to release lease", zap.Error(err))
		}
	}()

	ctx = logging.WithDeploymentID(ctx, d.ID)
	ctx, span := e.tracer.Start(ctx, "deployment.run", trace.WithAttributes(
		attribute.String("deployment.id", d.ID),
		attribute.String("deployment.host", d.ServerInfo.Host),
		attribute.Int("deployment.steps", len(d.Steps)),
		attribute.Int("deployment.cursor", d.CurrentStepIndex),
	))
	defer span.End()

	if e.activeRuns != nil {
		e.activeRuns.Add(ctx, 1)
		defer e.activeRuns.Add(context.WithoutCancel(ctx), -1)
	}

	e.watchCancel(ctx, d.ID, r)

	e.logger.Info(ctx, "deployment run started",
		zap.String("status", string(d.Status)),
		zap.Int("current_step_index", d.CurrentStepIndex),
		zap.Int("steps", len(d.Steps)))

	sess, err := session.Dial(ctx, e.dialer, d.ServerInfo, append([]session.ManagedOption{session.WithLogger(e.logger)}, e.dialOpts...)...)
	if err != nil {
		if errors.Is(context.Cause(ctx), errCancelRequested) {
			e.begin(ctx, d)
			e.finish(ctx, d, r, deployment.StatusCancelled, nil)
			return
		}
		e.logger.Error(ctx, "failed to connect", zap.String("host", d.ServerInfo.Host), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection failed")
		d.Warn(fmt.Sprintf("connection to %s failed: %v", d.ServerInfo.Host, err), e.now().UTC())
		e.save(ctx, d)
		r.err = err
		return
	}
	defer func() {
		if err := sess.Close(); err != nil {
			e.logger.Debug(ctx, "session close failed", zap.Error(err))
		}
	}()

	e.begin(ctx, d)
	if d.CancelRequested {
		e.finish(ctx, d, r, deployment.StatusCancelled, nil)
		return
	}

	for {
		if context.Cause(ctx) != nil {
			e.interrupted(ctx, d, r)
			return
		}

		idx := d.CurrentStepIndex
		step, ok := d.CurrentStep()
		if !ok {
			e.finish(ctx, d, r, deployment.StatusSucceeded, nil)
			return
		}

		// A previous run may have crashed between persisting the succeeded
		// attempt and advancing the cursor.
		if last, ok := d.LastAttempt(idx); ok && last.Outcome == deployment.OutcomeSucceeded {
			e.advance(ctx, d, last)
			continue
		}

		if err := e.checkGates(ctx, d, idx); err != nil {
			if errors.Is(err, ErrStepDeclined) {
				e.logger.Info(ctx, "step declined", zap.Int("step_index", idx), zap.String("step_name", step.Name))
				e.finish(ctx, d, r, deployment.StatusCancelled, err)
				return
			}
			if context.Cause(ctx) != nil {
				e.interrupted(ctx, d, r)
				return
			}
			e.finish(ctx, d, r, deployment.StatusFailed, err)
			return
		}

		e.reporter.Emit(ctx, reporter.StepEvent(reporter.EventStepStarted, d.ID, idx, step.Name))

		res := e.runner.RunStep(ctx, runner.StepContext{
			DeploymentID: d.ID,
			StepIndex:    idx,
			Step:         step,
			FirstAttempt: len(d.AttemptsFor(idx)) + 1,
			Session:      sess,
			Hooks:        e.hooks(d),
		})

		switch res.Outcome {
		case deployment.OutcomeSucceeded:
			last, _ := d.LastAttempt(idx)
			e.advance(ctx, d, last)
		case deployment.OutcomeCancelled:
			e.interrupted(ctx, d, r)
			return
		default:
			e.finish(ctx, d, r, deployment.StatusFailed, res.Err)
			return
		}
	}
}

// watchCancel cancels the run once a cancel request reaches the store.
func (e *Engine) watchCancel(ctx context.Context, id string, r *run) {
	ch, err := e.store.WatchCancel(ctx, id)
	if err != nil {
		e.logger.Warn(ctx, "cancel watch unavailable", zap.Error(err))
		return
	}
	go func() {
		select {
		case <-ch:
			r.cancel(errCancelRequested)
		case <-ctx.Done():
		}
	}()
}

// begin moves a pending or recovering deployment to running.
func (e *Engine) begin(ctx context.Context, d *deployment.DeploymentState) {
	if d.Status == deployment.StatusRunning {
		e.logger.Info(ctx, "re-running interrupted step", zap.Int("step_index", d.CurrentStepIndex))
		return
	}
	e.transition(ctx, d, deployment.StatusRunning)
}

func (e *Engine) checkGates(ctx context.Context, d *deployment.DeploymentState, idx int) error {
	for _, g := range e.gates {
		if err := g.Check(ctx, d.Snapshot(), idx); err != nil {
			return fmt.Errorf("gate %s: %w", g.Name(), err)
		}
	}
	return nil
}

// advance moves the cursor after a persisted succeeded attempt.
func (e *Engine) advance(ctx context.Context, d *deployment.DeploymentState, last deployment.StepAttempt) {
	idx := d.CurrentStepIndex
	name := d.Steps[idx].Name
	if err := d.Advance(e.now().UTC()); err != nil {
		e.logger.Error(ctx, "failed to advance cursor", zap.Error(err))
		return
	}
	e.save(ctx, d)

	ev := reporter.StepEvent(reporter.EventStepCompleted, d.ID, idx, name)
	ev.Attempt = last.Attempt
	ev.Outcome = string(deployment.OutcomeSucceeded)
	ev.Elapsed = last.Elapsed
	e.reporter.Emit(ctx, ev)
	trace.SpanFromContext(ctx).AddEvent("step.completed", trace.WithAttributes(
		attribute.Int("step.index", idx),
		attribute.String("step.name", name),
		attribute.Int("step.attempts", len(d.AttemptsFor(idx))),
	))
}

// interrupted handles a run whose context was cancelled. Cancel requests end
// the deployment; shutdown leaves it resumable.
func (e *Engine) interrupted(ctx context.Context, d *deployment.DeploymentState, r *run) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrShutdown) {
		d.Warn(fmt.Sprintf("interrupted at step %d by shutdown", d.CurrentStepIndex+1), e.now().UTC())
		e.save(ctx, d)
		e.logger.Warn(ctx, "deployment interrupted", zap.Int("step_index", d.CurrentStepIndex))
		r.err = ErrShutdown
		return
	}
	e.finish(ctx, d, r, deployment.StatusCancelled, nil)
}

// finish moves d to a terminal status and records the result of the run.
func (e *Engine) finish(ctx context.Context, d *deployment.DeploymentState, r *run, to deployment.Status, cause error) {
	span := trace.SpanFromContext(ctx)
	if cause != nil && to == deployment.StatusFailed {
		span.RecordError(cause)
	}
	if !e.transition(ctx, d, to) {
		r.err = fmt.Errorf("failed to finish deployment as %s", to)
	}

	ev := reporter.DeploymentEvent(reporter.EventDeploymentFinished, d.ID)
	ev.To = d.Status
	ev.Outcome = string(d.Status)
	if d.StartTime != nil && d.EndTime != nil {
		ev.Elapsed = d.EndTime.Sub(*d.StartTime)
	}
	if cause != nil {
		ev.Error = cause.Error()
		ev.ErrorKind = runner.KindOf(cause)
	}
	e.reporter.Emit(ctx, ev)

	if e.finishedRuns != nil {
		e.finishedRuns.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("status", string(d.Status))))
	}

	fields := []zap.Field{
		zap.String("status", string(d.Status)),
		zap.Int("error_count", d.ErrorCount),
		zap.Duration("elapsed", ev.Elapsed),
	}
	switch d.Status {
	case deployment.StatusSucceeded:
		span.SetStatus(codes.Ok, "")
		e.logger.Info(ctx, "deployment finished", fields...)
	case deployment.StatusCancelled:
		e.logger.Info(ctx, "deployment finished", fields...)
	default:
		span.SetStatus(codes.Error, string(d.Status))
		e.logger.Error(ctx, "deployment finished", append(fields, zap.Error(cause))...)
	}
	r.final = d.Snapshot()
}

// transition changes the status of d, persists it and reports it.
func (e *Engine) transition(ctx context.Context, d *deployment.DeploymentState, to deployment.Status) bool {
	from := d.Status
	if err := d.Transition(to, e.now().UTC()); err != nil {
		e.logger.Error(ctx, "invalid transition", zap.Error(err))
		return false
	}
	e.save(ctx, d)

	trace.SpanFromContext(ctx).AddEvent("state.transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	ev := reporter.DeploymentEvent(reporter.EventStateTransition, d.ID)
	if _, ok := d.CurrentStep(); ok && !to.IsTerminal() {
		ev.StepIndex = d.CurrentStepIndex
		ev.StepName = d.Steps[d.CurrentStepIndex].Name
	}
	ev.From = from
	ev.To = to
	e.reporter.Emit(ctx, ev)
	return true
}

// save persists d. Saves outlive cancellation so final states are recorded.
func (e *Engine) save(ctx context.Context, d *deployment.DeploymentState) {
	d.UpdatedAt = e.now().UTC()
	if err := e.store.Save(context.WithoutCancel(ctx), d); err != nil {
		e.logger.Error(ctx, "failed to save deployment", zap.Error(err))
	}
}

// hooks bind runner callbacks to d. They run on the execute goroutine.
func (e *Engine) hooks(d *deployment.DeploymentState) runner.Hooks {
	stepEvent := func(typ reporter.EventType, attempt int) reporter.Event {
		idx := d.CurrentStepIndex
		ev := reporter.StepEvent(typ, d.ID, idx, d.Steps[idx].Name)
		ev.Attempt = attempt
		return ev
	}

	return runner.Hooks{
		OnPatternMatched: func(ctx context.Context, attempt int, p *catalog.ErrorPattern) {
			ev := stepEvent(reporter.EventPatternMatched, attempt)
			ev.PatternID = p.ID
			ev.Severity = p.Severity
			ev.HandlerID = p.HandlerID
			ev.Message = p.Description
			e.reporter.Emit(ctx, ev)
		},
		OnRecovering: func(ctx context.Context, attempt int, p *catalog.ErrorPattern) {
			e.transition(ctx, d, deployment.StatusRecovering)
			ev := stepEvent(reporter.EventRecoveryStarted, attempt)
			ev.PatternID = p.ID
			ev.Severity = p.Severity
			ev.HandlerID = p.HandlerID
			e.reporter.Emit(ctx, ev)
		},
		OnRecovered: func(ctx context.Context, attempt int, p *catalog.ErrorPattern, res remediation.Result) {
			if d.Status == deployment.StatusRecovering {
				e.transition(ctx, d, deployment.StatusRunning)
			}
			ev := stepEvent(reporter.EventRecoveryFinished, attempt)
			ev.PatternID = p.ID
			ev.Severity = p.Severity
			ev.HandlerID = res.HandlerID
			ev.Outcome = string(res.Outcome)
			ev.Elapsed = res.Elapsed
			if res.Err != nil {
				ev.Error = res.Err.Error()
			}
			e.reporter.Emit(ctx, ev)
		},
		OnAttempt: func(ctx context.Context, a deployment.StepAttempt) error {
			if err := d.AppendAttempt(a); err != nil {
				return err
			}
			d.UpdatedAt = e.now().UTC()
			if err := e.store.Save(context.WithoutCancel(ctx), d); err != nil {
				return fmt.Errorf("failed to record attempt %d: %w", a.Attempt, err)
			}

			ev := stepEvent(reporter.EventStepAttempt, a.Attempt)
			ev.Outcome = string(a.Outcome)
			ev.PatternID = a.PatternID
			ev.Severity = a.Severity
			ev.ErrorKind = a.ErrorKind
			ev.Error = a.Error
			ev.Elapsed = a.Elapsed
			e.reporter.Emit(ctx, ev)
			return nil
		},
	}
}
