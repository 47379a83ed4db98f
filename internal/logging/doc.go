// Package logging is the structured logger shared by every autodeploy
// component.
//
// A Logger is a thin zap wrapper whose methods take a context. Deployment
// and step identity stored in the context with WithDeploymentID and WithStep
// is attached to every line, together with the active trace and span IDs,
// so a single attempt can be followed across the engine, the runner and the
// recovery dispatcher:
//
//	ctx = logging.WithDeploymentID(ctx, d.ID)
//	ctx = logging.WithStep(ctx, 3, "install-packages")
//	logger.Warn(ctx, "attempt failed", zap.Int("exit_code", 100))
//
// Lines go to stderr (stdout belongs to the console reporter) and, when a
// log provider is supplied, to OpenTelemetry through the otelzap bridge.
// Fields named like credentials and values that look like tokens are
// replaced at the encoder. Command output never reaches a log line before
// the secrets scrubber has seen it.
package logging
