// Package runner executes one deployment step with retries and recovery.
//
// RunStep runs the step command on the deployment's session while a
// catalog.Matcher watches the output. Exactly one event ends an attempt:
//
//   - the command completes (exit 0 succeeds, anything else without a
//     matched pattern is an UnrecoverableError)
//   - a pattern matches (critical fails the step immediately; other
//     severities terminate the command and dispatch recovery)
//   - the step timeout expires (CommandTimeoutError, retried within the
//     attempt budget without recovery)
//   - the context is cancelled (the step ends Cancelled, never Failed)
//
// Patterns whose handler is inline (a respond handler answering a prompt)
// do not end the attempt: the answer is written to the command's stdin and
// matching resumes after the prompt.
//
// Retries back off exponentially with jitter. Every attempt is passed to
// Hooks.OnAttempt before the next attempt starts or RunStep returns, so the
// caller can persist it.
package runner
