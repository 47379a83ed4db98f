// Package reporter fans deployment lifecycle events out to sinks.
//
// A Reporter is created once per process and shared by every deployment.
// Emit never fails: sink errors are logged and the remaining sinks still
// receive the event.
//
// # Sinks
//
//   - LogSink writes one structured log line per event through the process
//     logger.
//   - FileSink appends to <root>/<deployment_id>/events.jsonl.
//   - MetricsSink updates the autodeploy_* Prometheus collectors.
//   - TraceSink adds span events to the span in the event context.
//   - NATSSink publishes to <subject>.<deployment_id>.
//   - ConsoleSink mirrors events to a terminal for the operator.
//
// # Usage
//
//	rep := reporter.New(logger,
//	    reporter.NewLogSink(logger),
//	    reporter.NewFileSink(stateDir),
//	)
//	defer rep.Close()
//
//	rep.Emit(ctx, reporter.Event{
//	    Type:         reporter.EventStepStarted,
//	    DeploymentID: id,
//	    StepIndex:    2,
//	    StepName:     "install",
//	})
package reporter
