package http

import (
	"context"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
)

// Summarize converts a deployment into its list row.
func Summarize(d *deployment.DeploymentState) DeploymentSummary {
	s := DeploymentSummary{
		ID:               d.ID,
		Status:           d.Status,
		Host:             d.ServerInfo.Host,
		CurrentStepIndex: d.CurrentStepIndex,
		Steps:            len(d.Steps),
		ErrorCount:       d.ErrorCount,
		CancelRequested:  d.CancelRequested,
		ResumedFrom:      d.ResumedFrom,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if step, ok := d.CurrentStep(); ok {
		s.CurrentStep = step.Name
	}
	return s
}

// CountByStatus counts deployments per status. Every status is present so
// dashboards see zeros.
func CountByStatus(ds []*deployment.DeploymentState) map[deployment.Status]int {
	counts := map[deployment.Status]int{
		deployment.StatusPending:    0,
		deployment.StatusRunning:    0,
		deployment.StatusRecovering: 0,
		deployment.StatusSucceeded:  0,
		deployment.StatusFailed:     0,
		deployment.StatusCancelled:  0,
	}
	for _, d := range ds {
		counts[d.Status]++
	}
	return counts
}

// storeDeployments serves the API straight from a store.
type storeDeployments struct {
	store store.Store
}

// FromStore returns Deployments backed by st. Cancel only records the
// request; the process running the deployment acts on it.
func FromStore(st store.Store) Deployments {
	return storeDeployments{store: st}
}

func (s storeDeployments) Status(ctx context.Context, id string) (*deployment.DeploymentState, error) {
	return s.store.Load(ctx, id)
}

func (s storeDeployments) List(ctx context.Context) ([]*deployment.DeploymentState, error) {
	return s.store.List(ctx)
}

func (s storeDeployments) Cancel(ctx context.Context, id string) error {
	return s.store.RequestCancel(ctx, id)
}
