// internal/deployment/types.go
package deployment

import (
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
)

// SchemaVersion is written into every persisted document.
const SchemaVersion = 1

// Mode selects whether the operator confirms each step.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeInteractive Mode = "interactive"
)

// StepDefinition is one opaque unit of work. Command is produced by the
// caller's plan and is never inspected by the engine.
type StepDefinition struct {
	Name          string        `json:"name"`
	Command       string        `json:"command"`
	Timeout       time.Duration `json:"timeout"`
	AttemptBudget int           `json:"attempt_budget"`
}

// ServerInfo identifies the connection target.
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`
	User string `json:"user,omitempty"`
	// AuthRef points at credentials, e.g. "keyring:autodeploy/deploy",
	// "env:DEPLOY_PASSWORD" or "key:~/.ssh/id_ed25519".
	AuthRef string `json:"auth_ref,omitempty"`
	// Local runs commands on the operator machine instead of over SSH.
	Local bool `json:"local,omitempty"`
}

// Outcome is the result of one step attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrorKind classifies why an attempt did not succeed.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindConnection        ErrorKind = "connection"
	ErrorKindCommandTimeout    ErrorKind = "command_timeout"
	ErrorKindPatternMatched    ErrorKind = "pattern_matched"
	ErrorKindRecoveryExhausted ErrorKind = "recovery_exhausted"
	ErrorKindUnrecoverable     ErrorKind = "unrecoverable"
	ErrorKindCancelled         ErrorKind = "cancelled"
)

// StepAttempt records one execution of a step. Attempts are appended to the
// history and never edited.
type StepAttempt struct {
	StepIndex  int              `json:"step_index"`
	StepName   string           `json:"step_name"`
	Attempt    int              `json:"attempt"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Elapsed    time.Duration    `json:"elapsed"`
	OutputTail string           `json:"output_tail,omitempty"`
	PatternID  string           `json:"pattern_id,omitempty"`
	Severity   catalog.Severity `json:"severity,omitempty"`
	Outcome    Outcome          `json:"outcome"`
	ErrorKind  ErrorKind        `json:"error_kind,omitempty"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	TimedOut   bool             `json:"timed_out,omitempty"`
	Recovery   string           `json:"recovery,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// DeploymentState is the durable record of one deployment.
type DeploymentState struct {
	SchemaVersion    int              `json:"schema_version"`
	ID               string           `json:"deployment_id"`
	Status           Status           `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	Steps            []StepDefinition `json:"steps"`
	StepHistory      []StepAttempt    `json:"step_history"`
	ErrorCount       int              `json:"error_count"`
	Warnings         []string         `json:"warnings,omitempty"`
	ServerInfo       ServerInfo       `json:"server_info"`
	Domain           string           `json:"domain,omitempty"`
	Mode             Mode             `json:"mode,omitempty"`
	Profile          string           `json:"profile,omitempty"`
	PlanPath         string           `json:"plan_path,omitempty"`
	ResumedFrom      string           `json:"resumed_from,omitempty"`
	CancelRequested  bool             `json:"cancel_requested,omitempty"`
	StartTime        *time.Time       `json:"start_time,omitempty"`
	EndTime          *time.Time       `json:"end_time,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}
