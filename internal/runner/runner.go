package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/logging"
	"github.com/fyrsmithlabs/autodeploy/internal/remediation"
	"github.com/fyrsmithlabs/autodeploy/internal/secrets"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
)

// Hooks observe a step while it runs. Every field is optional.
type Hooks struct {
	// OnAttemptStarted is called before the command of an attempt runs.
	OnAttemptStarted func(ctx context.Context, attempt int)
	// OnPatternMatched is called when output matches a catalog pattern.
	OnPatternMatched func(ctx context.Context, attempt int, p *catalog.ErrorPattern)
	// OnRecovering is called before a non-inline handler runs. The
	// deployment is in recovery until OnRecovered.
	OnRecovering func(ctx context.Context, attempt int, p *catalog.ErrorPattern)
	// OnRecovered is called after any handler, inline ones included.
	OnRecovered func(ctx context.Context, attempt int, p *catalog.ErrorPattern, res remediation.Result)
	// OnAttempt receives each finished attempt. An error stops the step.
	OnAttempt func(ctx context.Context, a deployment.StepAttempt) error
}

// StepContext is everything RunStep needs for one step.
type StepContext struct {
	DeploymentID string
	StepIndex    int
	Step         deployment.StepDefinition
	// FirstAttempt numbers the first attempt of this run. Attempt numbers
	// continue across resumes; zero means 1. Attempts made before a resume
	// count against the step's attempt budget, but a resumed step always
	// gets at least one attempt.
	FirstAttempt int
	Session      session.Session
	Hooks        Hooks
}

// StepResult is the terminal outcome of a step.
type StepResult struct {
	// Outcome is OutcomeSucceeded, OutcomeFailed or OutcomeCancelled.
	Outcome  deployment.Outcome
	Attempts []deployment.StepAttempt
	Err      error
}

// Runner executes steps.
type Runner struct {
	catalog    *catalog.Catalog
	dispatcher *remediation.Dispatcher
	scrubber   secrets.Scrubber
	policy     Policy
	logger     *logging.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithPolicy sets the retry and output policy.
func WithPolicy(p Policy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithScrubber sets the scrubber applied to output tails.
func WithScrubber(s secrets.Scrubber) Option {
	return func(r *Runner) { r.scrubber = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// New creates a runner.
func New(c *catalog.Catalog, d *remediation.Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		catalog:    c,
		dispatcher: d,
		scrubber:   secrets.NoopScrubber{},
		policy:     DefaultPolicy(),
		logger:     logging.Nop(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("runner")
	return r
}

// RunStep runs sc.Step until it succeeds, fails or is cancelled.
func (r *Runner) RunStep(ctx context.Context, sc StepContext) StepResult {
	ctx = logging.WithStep(ctx, sc.StepIndex, sc.Step.Name)
	if sc.DeploymentID != "" {
		ctx = logging.WithDeploymentID(ctx, sc.DeploymentID)
	}

	budget := sc.Step.AttemptBudget
	if budget < 1 {
		budget = 1
	}
	first := sc.FirstAttempt
	if first < 1 {
		first = 1
	}
	budget = max(budget-(first-1), 1)

	var (
		result StepResult
		hits   = make(map[string]int)
		bo     = r.policy.newBackOff()
	)

	for n := 1; ; n++ {
		number := first + n - 1
		if sc.Hooks.OnAttemptStarted != nil {
			sc.Hooks.OnAttemptStarted(ctx, number)
		}
		r.logger.Info(ctx, "step attempt started", zap.Int("attempt", number), zap.Int("budget", budget))

		ar := r.attempt(ctx, sc, number, hits)
		a := deployment.StepAttempt{
			StepIndex:  sc.StepIndex,
			StepName:   sc.Step.Name,
			Attempt:    number,
			StartedAt:  ar.start,
			EndedAt:    ar.end,
			Elapsed:    ar.end.Sub(ar.start),
			OutputTail: ar.tail,
			TimedOut:   ar.status.TimedOut,
		}
		if ar.exited {
			code := ar.status.Code
			a.ExitCode = &code
		}
		if ar.match != nil {
			a.PatternID = ar.match.ID
			a.Severity = ar.match.Severity
		}

		retry, err := r.decide(ctx, sc, &a, ar, hits, n, budget)
		a.ErrorKind = KindOf(err)
		if err != nil {
			a.Error = err.Error()
		}
		result.Attempts = append(result.Attempts, a)

		if sc.Hooks.OnAttempt != nil {
			if herr := sc.Hooks.OnAttempt(ctx, a); herr != nil {
				result.Outcome = deployment.OutcomeFailed
				result.Err = fmt.Errorf("failed to record attempt %d: %w", number, herr)
				return result
			}
		}

		r.logger.Info(ctx, "step attempt finished",
			zap.Int("attempt", number),
			zap.String("outcome", string(a.Outcome)),
			zap.String("pattern", a.PatternID),
			zap.Duration("elapsed", a.Elapsed),
		)

		if !retry {
			result.Outcome = a.Outcome
			result.Err = err
			return result
		}

		delay := bo.NextBackOff()
		r.logger.Debug(ctx, "retrying step", zap.Duration("delay", delay), zap.Error(err))
		if serr := r.sleep(ctx, delay); serr != nil {
			result.Outcome = deployment.OutcomeCancelled
			result.Err = serr
			return result
		}
	}
}

// decide sets a.Outcome and reports whether another attempt follows.
func (r *Runner) decide(ctx context.Context, sc StepContext, a *deployment.StepAttempt, ar attemptResult, hits map[string]int, n, budget int) (bool, error) {
	if ar.cancelled || (ctx.Err() != nil && !ar.succeeded()) {
		a.Outcome = deployment.OutcomeCancelled
		return false, context.Canceled
	}

	switch {
	case ar.match != nil && ar.match.Severity.IsCritical():
		a.Outcome = deployment.OutcomeFailed
		return false, &PatternMatchedError{Pattern: ar.match.ID, Severity: ar.match.Severity}

	case ar.match != nil && ar.inlineErr != nil:
		a.Outcome = deployment.OutcomeFailed
		a.Recovery = string(remediation.OutcomeExhausted)
		return false, &RecoveryExhaustedError{Pattern: ar.match.ID, Attempts: n, Err: ar.inlineErr}

	case ar.match != nil:
		p := ar.match
		hits[p.ID]++
		if hits[p.ID] > p.MaxRetries || n >= budget {
			a.Outcome = deployment.OutcomeFailed
			return false, &RecoveryExhaustedError{
				Pattern:  p.ID,
				Attempts: n,
				Err:      fmt.Errorf("retry limit reached (%d matches, max_retries %d, attempt budget %d)", hits[p.ID], p.MaxRetries, budget),
			}
		}

		if sc.Hooks.OnRecovering != nil {
			sc.Hooks.OnRecovering(ctx, a.Attempt, p)
		}
		res := r.dispatcher.Recover(ctx, p, &remediation.Context{
			DeploymentID: sc.DeploymentID,
			StepIndex:    sc.StepIndex,
			StepName:     sc.Step.Name,
			Attempt:      a.Attempt,
			Session:      sc.Session,
		})
		if sc.Hooks.OnRecovered != nil {
			sc.Hooks.OnRecovered(ctx, a.Attempt, p, res)
		}
		a.Recovery = string(res.Outcome)

		if ctx.Err() != nil {
			a.Outcome = deployment.OutcomeCancelled
			return false, context.Canceled
		}
		if res.Outcome != remediation.OutcomeRecovered {
			a.Outcome = deployment.OutcomeFailed
			return false, &RecoveryExhaustedError{Pattern: p.ID, Attempts: n, Err: res.Err}
		}
		a.Outcome = deployment.OutcomeRetrying
		return true, &PatternMatchedError{Pattern: p.ID, Severity: p.Severity}

	case ar.execErr != nil:
		a.Outcome = deployment.OutcomeFailed
		return false, ar.execErr

	case ar.status.TimedOut:
		err := &CommandTimeoutError{Step: sc.Step.Name, Timeout: sc.Step.Timeout}
		if n >= budget {
			a.Outcome = deployment.OutcomeFailed
			return false, err
		}
		a.Outcome = deployment.OutcomeRetrying
		return true, err

	case ar.status.Err != nil:
		a.Outcome = deployment.OutcomeFailed
		return false, ar.status.Err
	}

	if catalog.Classify(ar.status.Code, nil) == catalog.VerdictSuccess {
		a.Outcome = deployment.OutcomeSucceeded
		return false, nil
	}
	a.Outcome = deployment.OutcomeFailed
	return false, &UnrecoverableError{Step: sc.Step.Name, ExitCode: ar.status.Code}
}

// attemptResult is what one execution of the command produced.
type attemptResult struct {
	start, end time.Time
	status     session.ExitStatus
	// exited is set when status carries a real exit code.
	exited bool
	// match is the pattern that ended the attempt.
	match *catalog.ErrorPattern
	// inlineErr is set when an inline handler could not answer.
	inlineErr error
	execErr   error
	cancelled bool
	// timedOut is set when the step timeout fired before the command ended.
	timedOut bool
	tail     string
}

func (ar attemptResult) succeeded() bool {
	return ar.match == nil && ar.execErr == nil && ar.status.Success()
}

func (r *Runner) attempt(ctx context.Context, sc StepContext, number int, hits map[string]int) (ar attemptResult) {
	ar.start = r.now()
	matcher := catalog.NewMatcher(r.catalog, r.policy.MatchWindow)
	out := newTail(r.policy.OutputTailLines)
	defer func() {
		ar.end = r.now()
		scrubbed := r.scrubber.Scrub(strings.Join(out.Lines(), "\n"))
		if scrubbed.Redacted() {
			r.logger.Debug(ctx, "output tail redacted", zap.Strings("rules", scrubbed.RuleIDs()))
		}
		ar.tail = scrubbed.Text
	}()

	stream, err := sc.Session.Exec(ctx, sc.Step.Command, sc.Step.Timeout)
	if err != nil {
		if ctx.Err() != nil {
			ar.cancelled = true
			return ar
		}
		if !session.IsConnectionError(err) {
			err = &session.ConnectionError{Host: sc.Session.Host(), Err: err}
		}
		if ar.match = r.connectionDropped(matcher, out, err); ar.match == nil {
			ar.execErr = err
		}
		return ar
	}

	heartbeat := rate.Sometimes{Interval: r.policy.HeartbeatInterval}
	output := stream.Output()

	var (
		expired  <-chan time.Time
		deadline time.Time
	)
	if sc.Step.Timeout > 0 {
		timer := time.NewTimer(sc.Step.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

loop:
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				break loop
			}
			out.Write(chunk)
			heartbeat.Do(func() {
				r.logger.Info(ctx, "step still running",
					zap.Int("attempt", number),
					zap.Duration("elapsed", r.now().Sub(ar.start)),
				)
			})

			m, matched := matcher.Feed(chunk)
			if !matched {
				continue
			}
			p := m.Pattern
			if sc.Hooks.OnPatternMatched != nil {
				sc.Hooks.OnPatternMatched(ctx, number, p)
			}
			r.logger.Info(ctx, "error pattern matched",
				zap.String("pattern", p.ID),
				zap.String("severity", string(p.Severity)),
			)

			if !p.Severity.IsCritical() && r.dispatcher.IsInline(p) {
				if err := r.answer(ctx, sc, number, p, stream, hits); err != nil {
					ar.match = p
					ar.inlineErr = err
					deadline = r.stop(ctx, stream)
					break loop
				}
				matcher.Consume(m.End)
				continue
			}

			ar.match = p
			deadline = r.stop(ctx, stream)
			break loop

		case <-expired:
			ar.timedOut = true
			r.logger.Warn(ctx, "step timed out", zap.Int("attempt", number), zap.Duration("timeout", sc.Step.Timeout))
			deadline = r.stop(ctx, stream)
			break loop

		case <-ctx.Done():
			ar.cancelled = true
			deadline = r.stop(ctx, stream)
			break loop
		}
	}

	status, ok := r.await(stream, deadline)
	if !ok {
		r.logger.Warn(ctx, "command did not exit within the grace period", zap.Duration("grace", r.policy.grace()))
		if ar.timedOut {
			ar.status = session.ExitStatus{Code: -1, TimedOut: true}
			return ar
		}
		ar.status = session.ExitStatus{Code: -1, Err: errors.New("command did not exit after termination")}
		return ar
	}
	if ar.timedOut && !status.Success() {
		status = session.ExitStatus{Code: -1, TimedOut: true}
	}
	ar.status = status
	ar.exited = status.Err == nil && !status.TimedOut

	if ar.match == nil && !ar.cancelled && !stream.Terminated() && session.IsConnectionError(status.Err) {
		ar.match = r.connectionDropped(matcher, out, status.Err)
	}
	return ar
}

// answer dispatches an inline handler for a prompt seen in running output.
func (r *Runner) answer(ctx context.Context, sc StepContext, number int, p *catalog.ErrorPattern, stream *session.Stream, hits map[string]int) error {
	hits[p.ID]++
	if hits[p.ID] > p.MaxRetries {
		return fmt.Errorf("prompt %s answered %d times", p.ID, p.MaxRetries)
	}
	res := r.dispatcher.Recover(ctx, p, &remediation.Context{
		DeploymentID: sc.DeploymentID,
		StepIndex:    sc.StepIndex,
		StepName:     sc.Step.Name,
		Attempt:      number,
		Session:      sc.Session,
		Stdin:        stream.Stdin(),
	})
	if sc.Hooks.OnRecovered != nil {
		sc.Hooks.OnRecovered(ctx, number, p, res)
	}
	if res.Outcome != remediation.OutcomeRecovered {
		if res.Err != nil {
			return res.Err
		}
		return errors.New("inline handler did not answer")
	}
	return nil
}

// connectionDropped classifies a lost connection through the catalog, so a
// reconnect handler can pick it up like any other signature.
func (r *Runner) connectionDropped(m *catalog.Matcher, out *tail, err error) *catalog.ErrorPattern {
	line := []byte(fmt.Sprintf("connection closed by remote host: %v\n", err))
	out.Write(line)
	match, ok := m.Feed(line)
	if !ok {
		return nil
	}
	return match.Pattern
}

// stop terminates the command and drains what it already wrote. It returns
// the deadline by which the command must have ended; draining and waiting
// for the exit status share one grace period.
func (r *Runner) stop(ctx context.Context, stream *session.Stream) time.Time {
	stream.Terminate()
	deadline := time.Now().Add(r.policy.grace())
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case _, ok := <-stream.Output():
			if !ok {
				return deadline
			}
		case <-timer.C:
			r.logger.Warn(ctx, "output did not close after termination")
			return deadline
		}
	}
}

// await waits for the exit status until deadline, or for a grace period
// when the command was not stopped.
func (r *Runner) await(stream *session.Stream, deadline time.Time) (session.ExitStatus, bool) {
	select {
	case <-stream.Done():
		return stream.Status(), true
	default:
	}
	if deadline.IsZero() {
		deadline = time.Now().Add(r.policy.grace())
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-stream.Done():
		return stream.Status(), true
	case <-timer.C:
		return session.ExitStatus{}, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
