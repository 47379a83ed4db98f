// Package store persists deployment state.
//
// Every implementation stores one JSON document per deployment (see
// deployment.Encode) and enforces the same rules: terminal records are
// immutable, the step cursor never moves backwards, and at most one process
// holds the lease of a deployment at a time. storetest.Run checks them.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

var (
	// ErrNotFound is returned for unknown deployment ids.
	ErrNotFound = errors.New("deployment not found")
	// ErrExists is returned by Create for an id already stored.
	ErrExists = errors.New("deployment already exists")
	// ErrTerminal is returned when a write would modify a terminal record.
	ErrTerminal = errors.New("deployment is terminal")
	// ErrLeaseHeld is returned by Acquire while another owner is live.
	ErrLeaseHeld = errors.New("deployment lease held by another owner")
	// ErrCursorRegression is returned when a save would move the step
	// cursor backwards or drop recorded attempts.
	ErrCursorRegression = errors.New("step cursor regression")
)

// Store persists deployments. Implementations are safe for concurrent use.
type Store interface {
	// Create stores a new deployment.
	Create(ctx context.Context, d *deployment.DeploymentState) error
	// Save replaces the stored document. A pending cancel request is kept.
	Save(ctx context.Context, d *deployment.DeploymentState) error
	// Load returns a copy of the stored deployment.
	Load(ctx context.Context, id string) (*deployment.DeploymentState, error)
	// List returns all deployments, newest first.
	List(ctx context.Context) ([]*deployment.DeploymentState, error)
	// RequestCancel flags a live deployment for cancellation. It may be
	// called from a process that does not run the deployment.
	RequestCancel(ctx context.Context, id string) error
	// WatchCancel returns a channel that is closed once a cancel is
	// requested for id. Watching stops when ctx is done.
	WatchCancel(ctx context.Context, id string) (<-chan struct{}, error)
	// Acquire takes the exclusive run lease for id.
	Acquire(ctx context.Context, id string) (Lease, error)
	Close() error
}

// Lease is exclusive ownership of a deployment run.
type Lease interface {
	ID() string
	Release() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemory(), nil
	case "file", "":
		root, err := config.ExpandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewFile(root)
	case "sqlite":
		path, err := config.ExpandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		return OpenSQLite(ctx, path, WithPollInterval(cfg.PollInterval.Duration()))
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// checkSave enforces the write rules against the stored record.
func checkSave(stored, next *deployment.DeploymentState) error {
	if stored.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, stored.ID, stored.Status)
	}
	if next.CurrentStepIndex < stored.CurrentStepIndex {
		return fmt.Errorf("%w: %d -> %d", ErrCursorRegression, stored.CurrentStepIndex, next.CurrentStepIndex)
	}
	if len(next.StepHistory) < len(stored.StepHistory) {
		return fmt.Errorf("%w: step history shrank from %d to %d attempts", ErrCursorRegression, len(stored.StepHistory), len(next.StepHistory))
	}
	return nil
}

func validate(d *deployment.DeploymentState) error {
	if d == nil {
		return errors.New("deployment is nil")
	}
	if err := deployment.ValidateID(d.ID); err != nil {
		return err
	}
	if !d.Status.Valid() {
		return fmt.Errorf("unknown status %q", d.Status)
	}
	return nil
}

// encodeForSave stamps the cancel flag and encodes the document.
func encodeForSave(d *deployment.DeploymentState, cancelRequested bool) ([]byte, error) {
	c := d.Snapshot()
	c.CancelRequested = c.CancelRequested || cancelRequested
	return deployment.Encode(c)
}
