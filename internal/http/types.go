package http

import (
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// DeploymentSummary is one row of GET /api/v1/deployments.
type DeploymentSummary struct {
	ID               string            `json:"deployment_id"`
	Status           deployment.Status `json:"status"`
	Host             string            `json:"host"`
	CurrentStepIndex int               `json:"current_step_index"`
	CurrentStep      string            `json:"current_step,omitempty"`
	Steps            int               `json:"steps"`
	ErrorCount       int               `json:"error_count"`
	CancelRequested  bool              `json:"cancel_requested,omitempty"`
	ResumedFrom      string            `json:"resumed_from,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ListResponse is the response body for GET /api/v1/deployments.
type ListResponse struct {
	Deployments []DeploymentSummary       `json:"deployments"`
	Counts      map[deployment.Status]int `json:"counts"`
}

// CancelResponse is the response body for POST /api/v1/deployments/:id/cancel.
type CancelResponse struct {
	ID              string            `json:"deployment_id"`
	Status          deployment.Status `json:"status"`
	CancelRequested bool              `json:"cancel_requested"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Message string `json:"message"`
}
