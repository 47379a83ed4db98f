package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/session"
)

// CommandTimeoutError reports a step command killed for exceeding its timeout.
type CommandTimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.Step, e.Timeout)
}

// PatternMatchedError reports a catalog pattern seen in step output.
type PatternMatchedError struct {
	Pattern  string
	Severity catalog.Severity
}

func (e *PatternMatchedError) Error() string {
	return fmt.Sprintf("output matched %s pattern %s", e.Severity, e.Pattern)
}

// RecoveryExhaustedError reports a matched failure that recovery could not
// clear within the retry limits.
type RecoveryExhaustedError struct {
	Pattern  string
	Attempts int
	Err      error
}

func (e *RecoveryExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recovery for %s exhausted after %d attempts: %v", e.Pattern, e.Attempts, e.Err)
	}
	return fmt.Sprintf("recovery for %s exhausted after %d attempts", e.Pattern, e.Attempts)
}

func (e *RecoveryExhaustedError) Unwrap() error {
	return e.Err
}

// UnrecoverableError reports a non-zero exit with no known signature.
type UnrecoverableError struct {
	Step     string
	ExitCode int
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("step %s exited %d with no recognised error pattern", e.Step, e.ExitCode)
}

// KindOf maps an error to the kind recorded on a StepAttempt.
func KindOf(err error) deployment.ErrorKind {
	if err == nil {
		return deployment.ErrorKindNone
	}
	var (
		timeout     *CommandTimeoutError
		matched     *PatternMatchedError
		exhausted   *RecoveryExhaustedError
		unrecovered *UnrecoverableError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return deployment.ErrorKindCancelled
	case errors.As(err, &exhausted):
		return deployment.ErrorKindRecoveryExhausted
	case errors.As(err, &matched):
		return deployment.ErrorKindPatternMatched
	case errors.As(err, &timeout):
		return deployment.ErrorKindCommandTimeout
	case errors.As(err, &unrecovered):
		return deployment.ErrorKindUnrecoverable
	case session.IsConnectionError(err):
		return deployment.ErrorKindConnection
	}
	return deployment.ErrorKindUnrecoverable
}
