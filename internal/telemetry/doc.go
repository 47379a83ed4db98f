// Package telemetry sets up OpenTelemetry tracing and metrics for
// autodeploy.
//
// New installs an OTLP tracer and meter provider as the otel globals, which
// the orchestrator and the recovery dispatcher pick up by default. A
// deployment run produces one "deployment.run" span carrying the reporter's
// events, with a "remediation.recover" child per recovery.
//
//	telemetry:
//	  enabled: true
//	  endpoint: localhost:4317
//	  protocol: grpc        # or http/protobuf
//	  sample_rate: 0.25
//
// Exporter setup failures never fail a deployment: the instance keeps the
// no-op providers and reports the problem through Err.
package telemetry
