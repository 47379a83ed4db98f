// Package remediation dispatches recovery procedures for matched error
// patterns.
//
// A Handler is one of a fixed set of kinds:
//   - KindCommands runs a remote command sequence through the deployment's
//     session. Any non-zero exit exhausts the handler.
//   - KindWait sleeps, typically while another process holds a lock.
//   - KindRespond writes a canned answer to the stdin of the command that is
//     still running. The attempt continues instead of ending.
//   - KindReconnect re-dials the session after a dropped connection.
//
// Handlers are registered by id in a Registry built at startup from plan
// definitions plus BuiltinDefinitions. The catalog checks pattern handler ids
// against Registry.Has, so a Dispatcher never sees an unknown id.
//
// # Usage
//
//	reg, err := remediation.NewRegistry(remediation.BuiltinDefinitions()...)
//	d := remediation.NewDispatcher(reg, remediation.WithLogger(logger))
//
//	res := d.Recover(ctx, pattern, &remediation.Context{
//	    DeploymentID: "4b1c...",
//	    StepIndex:    2,
//	    Session:      sess,
//	})
//	if res.Outcome == remediation.OutcomeRecovered {
//	    // retry the step
//	}
//
// Output produced by handler commands is never matched against the catalog.
// Recovery is one level deep.
package remediation
