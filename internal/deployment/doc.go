// Package deployment defines the persisted model of a deployment run: its
// ordered steps, status lifecycle, cursor and append-only attempt history.
//
// Lifecycle:
//
//	pending -> running <-> recovering
//	running    -> succeeded | failed | cancelled
//	recovering -> failed | cancelled
//
// Terminal records are immutable. The cursor (CurrentStepIndex) only moves
// forward and only after the current step's last attempt succeeded.
package deployment
