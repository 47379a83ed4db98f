// Package orchestrator drives deployments through their lifecycle.
//
// # Overview
//
// The Engine owns the state machine of every deployment it runs:
//
//	pending → running ⇄ recovering → succeeded | failed | cancelled
//
// Each running deployment gets one goroutine and one session. Steps run in
// order through the runner; the cursor only moves after a step's succeeded
// attempt has been persisted, so a crashed run resumes at the step it was
// on without repeating finished work.
//
// # Persistence ordering
//
// For every attempt the engine first appends it to the history and saves,
// then advances the cursor and saves again. Saves use a context detached
// from cancellation so a cancelled run still records its final state.
//
// # Cancellation
//
// Cancel on the engine running the deployment cancels its context. Any other
// process sets the cancel flag in the store; the running engine watches the
// flag through store.WatchCancel.
//
// # Step gates
//
// Gates run before every step. ConfirmGate asks the operator before each
// step of an interactive deployment; declining cancels the deployment.
//
// # Usage
//
//	eng := orchestrator.New(st, dialer, run,
//	    orchestrator.WithReporter(rep),
//	    orchestrator.WithLogger(logger),
//	)
//	d, err := eng.Create(ctx, orchestrator.Request{Steps: steps, Server: server})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx, d.ID); err != nil {
//	    return err
//	}
//	final, err := eng.Wait(ctx, d.ID)
package orchestrator
