package orchestrator

import (
	"errors"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

var (
	// ErrAlreadyRunning is returned when the deployment is already being
	// run by this engine or holds a live lease elsewhere.
	ErrAlreadyRunning = errors.New("deployment is already running")

	// ErrAlreadyStarted is returned by Start for deployments that are not
	// pending.
	ErrAlreadyStarted = errors.New("deployment already started")

	// ErrNotResumable is returned by Resume for succeeded deployments and
	// for failed ones without an acknowledgement.
	ErrNotResumable = errors.New("deployment cannot be resumed")

	// ErrNotRunning is returned by Wait for a live deployment that this
	// engine does not run.
	ErrNotRunning = errors.New("deployment is not running in this process")

	// ErrStepDeclined is returned by a gate when the operator refuses a step.
	ErrStepDeclined = errors.New("step declined by operator")
)

// Request describes a deployment to create.
type Request struct {
	// ID is optional; a random uuid is used when empty.
	ID       string
	Steps    []deployment.StepDefinition
	Server   deployment.ServerInfo
	Domain   string
	Mode     deployment.Mode
	Profile  string
	PlanPath string
}

// ResumeOptions control Resume.
type ResumeOptions struct {
	// AcknowledgeFailure allows resuming a failed deployment after the
	// operator fixed the cause.
	AcknowledgeFailure bool
	// SuccessorID names the successor of a terminal deployment. A random
	// uuid is used when empty.
	SuccessorID string
}

// ErrShutdown interrupts runs when the engine shuts down. Interrupted
// deployments are resumable.
var ErrShutdown = errors.New("engine shutting down")
