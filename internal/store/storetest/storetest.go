// Package storetest holds the behavioral contract every store.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
	"github.com/fyrsmithlabs/autodeploy/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewDeployment returns a pending three-step deployment created at createdAt.
func NewDeployment(t *testing.T, id string, createdAt time.Time) *deployment.DeploymentState {
	t.Helper()
	steps := []deployment.StepDefinition{
		{Name: "update", Command: "apt-get update", Timeout: time.Minute, AttemptBudget: 3},
		{Name: "install", Command: "apt-get install -y nginx", Timeout: time.Minute, AttemptBudget: 3},
		{Name: "enable", Command: "systemctl enable --now nginx", Timeout: time.Minute, AttemptBudget: 1},
	}
	d, err := deployment.New(id, steps, deployment.ServerInfo{Host: "web-1.example.com", User: "deploy"}, createdAt)
	require.NoError(t, err)
	return d
}

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("create load round trip", func(t *testing.T) {
		s := newStore(t)
		d := NewDeployment(t, "dep-1", t0)
		require.NoError(t, s.Create(ctx, d))

		got, err := s.Load(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)
		assert.Equal(t, deployment.StatusPending, got.Status)
		assert.Equal(t, d.Steps, got.Steps)
		assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("create twice", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDeployment(t, "dep-1", t0)))
		assert.ErrorIs(t, s.Create(ctx, NewDeployment(t, "dep-1", t0)), store.ErrExists)
	})

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.Save(ctx, NewDeployment(t, "nope", t0)), store.ErrNotFound)
		assert.ErrorIs(t, s.RequestCancel(ctx, "nope"), store.ErrNotFound)
		_, err = s.Acquire(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("save progress", func(t *testing.T) {
		s := newStore(t)
		d := NewDeployment(t, "dep-1", t0)
		require.NoError(t, s.Create(ctx, d))

		require.NoError(t, d.Transition(deployment.StatusRunning, t0))
		code := 0
		require.NoError(t, d.AppendAttempt(deployment.StepAttempt{
			StepIndex: 0, StepName: "update", Attempt: 1,
			Outcome: deployment.OutcomeSucceeded, ExitCode: &code,
		}))
		require.NoError(t, d.Advance(t0))
		require.NoError(t, s.Save(ctx, d))

		got, err := s.Load(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, deployment.StatusRunning, got.Status)
		assert.Equal(t, 1, got.CurrentStepIndex)
		require.Len(t, got.StepHistory, 1)
		require.NotNil(t, got.StepHistory[0].ExitCode)
		assert.Equal(t, 0, *got.StepHistory[0].ExitCode)
	})

	t.Run("terminal records are immutable", func(t *testing.T) {
		s := newStore(t)
		d := NewDeployment(t, "dep-1", t0)
		require.NoError(t, s.Create(ctx, d))
		require.NoError(t, d.Transition(deployment.StatusRunning, t0))
		require.NoError(t, d.Transition(deployment.StatusFailed, t0))
		require.NoError(t, s.Save(ctx, d))

		d.Warnings = append(d.Warnings, "late write")
		assert.ErrorIs(t, s.Save(ctx, d), store.ErrTerminal)
		assert.ErrorIs(t, s.RequestCancel(ctx, "dep-1"), store.ErrTerminal)

		got, err := s.Load(ctx, "dep-1")
		require.NoError(t, err)
		assert.Empty(t, got.Warnings)
	})

	t.Run("cursor never regresses", func(t *testing.T) {
		s := newStore(t)
		d := NewDeployment(t, "dep-1", t0)
		require.NoError(t, s.Create(ctx, d))
		require.NoError(t, d.Transition(deployment.StatusRunning, t0))
		require.NoError(t, d.AppendAttempt(deployment.StepAttempt{StepIndex: 0, Attempt: 1, Outcome: deployment.OutcomeSucceeded}))
		require.NoError(t, d.Advance(t0))
		require.NoError(t, s.Save(ctx, d))

		stale := d.Snapshot()
		stale.CurrentStepIndex = 0
		assert.ErrorIs(t, s.Save(ctx, stale), store.ErrCursorRegression)

		stale = d.Snapshot()
		stale.StepHistory = nil
		assert.ErrorIs(t, s.Save(ctx, stale), store.ErrCursorRegression)
	})

	t.Run("save keeps a pending cancel request", func(t *testing.T) {
		s := newStore(t)
		d := NewDeployment(t, "dep-1", t0)
		require.NoError(t, s.Create(ctx, d))
		require.NoError(t, d.Transition(deployment.StatusRunning, t0))
		require.NoError(t, s.Save(ctx, d))

		require.NoError(t, s.RequestCancel(ctx, "dep-1"))

		// the runner still holds a copy without the flag
		require.False(t, d.CancelRequested)
		require.NoError(t, s.Save(ctx, d))

		got, err := s.Load(ctx, "dep-1")
		require.NoError(t, err)
		assert.True(t, got.CancelRequested)
	})

	t.Run("list newest first", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"dep-old", "dep-new", "dep-mid"} {
			created := t0.Add([]time.Duration{0, 2 * time.Hour, time.Hour}[i])
			require.NoError(t, s.Create(ctx, NewDeployment(t, id, created)))
		}
		list, err := s.List(ctx)
		require.NoError(t, err)
		ids := make([]string, len(list))
		for i, d := range list {
			ids[i] = d.ID
		}
		assert.Equal(t, []string{"dep-new", "dep-mid", "dep-old"}, ids)
	})

	t.Run("list empty", func(t *testing.T) {
		s := newStore(t)
		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("cancel watch fires", func(t *testing.T) {
		s := newStore(t)
		d := NewDeployment(t, "dep-1", t0)
		require.NoError(t, s.Create(ctx, d))

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := s.WatchCancel(wctx, "dep-1")
		require.NoError(t, err)

		select {
		case <-ch:
			t.Fatal("watch fired before any request")
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, s.RequestCancel(ctx, "dep-1"))
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("cancel watch did not fire")
		}
	})

	t.Run("cancel watch after request", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDeployment(t, "dep-1", t0)))
		require.NoError(t, s.RequestCancel(ctx, "dep-1"))

		ch, err := s.WatchCancel(ctx, "dep-1")
		require.NoError(t, err)
		select {
		case <-ch:
		default:
			t.Fatal("watch on an already cancelled deployment must be closed")
		}
	})

	t.Run("lease is exclusive", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewDeployment(t, "dep-1", t0)))
		require.NoError(t, s.Create(ctx, NewDeployment(t, "dep-2", t0)))

		lease, err := s.Acquire(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, "dep-1", lease.ID())

		_, err = s.Acquire(ctx, "dep-1")
		assert.ErrorIs(t, err, store.ErrLeaseHeld)

		other, err := s.Acquire(ctx, "dep-2")
		require.NoError(t, err, "leases are per deployment")
		require.NoError(t, other.Release())

		require.NoError(t, lease.Release())
		require.NoError(t, lease.Release(), "release is idempotent")

		again, err := s.Acquire(ctx, "dep-1")
		require.NoError(t, err)
		require.NoError(t, again.Release())
	})

	t.Run("concurrent saves on distinct deployments", func(t *testing.T) {
		s := newStore(t)
		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d := NewDeployment(t, fmt.Sprintf("dep-%d", i), t0.Add(time.Duration(i)*time.Second))
				if err := s.Create(ctx, d); err != nil {
					errs <- err
					return
				}
				if err := d.Transition(deployment.StatusRunning, t0); err != nil {
					errs <- err
					return
				}
				errs <- s.Save(ctx, d)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, n)
		for _, d := range list {
			assert.Equal(t, deployment.StatusRunning, d.Status)
		}
	})

	t.Run("loaded copies are isolated", func(t *testing.T) {
		s := newStore(t)
		d := NewDeployment(t, "dep-1", t0)
		require.NoError(t, s.Create(ctx, d))

		d.Steps[0].Name = "mutated after create"
		got, err := s.Load(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, "update", got.Steps[0].Name)

		got.Steps[1].Name = "mutated after load"
		again, err := s.Load(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, "install", again.Steps[1].Name)
	})
}

// PairFactory opens two handles on the same backing storage, the way the
// process running a deployment and an operator's process see it.
type PairFactory func(t *testing.T) (owner, operator store.Store)

// RunShared executes the contract cases that need two handles on one store.
func RunShared(t *testing.T, newPair PairFactory) {
	t.Helper()
	ctx := context.Background()

	t.Run("cancel request racing the final save", func(t *testing.T) {
		owner, operator := newPair(t)
		const rounds = 50
		for i := 0; i < rounds; i++ {
			id := fmt.Sprintf("dep-%d", i)
			d := NewDeployment(t, id, t0)
			require.NoError(t, owner.Create(ctx, d))
			require.NoError(t, d.Transition(deployment.StatusRunning, t0))
			require.NoError(t, owner.Save(ctx, d))

			require.NoError(t, d.AppendAttempt(deployment.StepAttempt{StepIndex: 0, StepName: "update", Attempt: 1, Outcome: deployment.OutcomeSucceeded}))
			require.NoError(t, d.Transition(deployment.StatusSucceeded, t0))

			var (
				wg                 sync.WaitGroup
				saveErr, cancelErr error
			)
			start := make(chan struct{})
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				saveErr = owner.Save(ctx, d)
			}()
			go func() {
				defer wg.Done()
				<-start
				cancelErr = operator.RequestCancel(ctx, id)
			}()
			close(start)
			wg.Wait()

			require.NoError(t, saveErr, "round %d", i)
			if cancelErr != nil {
				require.ErrorIs(t, cancelErr, store.ErrTerminal, "round %d", i)
			}

			got, err := operator.Load(ctx, id)
			require.NoError(t, err)
			require.Equal(t, deployment.StatusSucceeded, got.Status, "round %d: a cancel request reverted the final save", i)
			require.Len(t, got.StepHistory, 1, "round %d", i)
		}
	})

	t.Run("cancel request seen by the owner", func(t *testing.T) {
		owner, operator := newPair(t)
		d := NewDeployment(t, "dep-1", t0)
		require.NoError(t, owner.Create(ctx, d))
		require.NoError(t, d.Transition(deployment.StatusRunning, t0))
		require.NoError(t, owner.Save(ctx, d))

		require.NoError(t, operator.RequestCancel(ctx, "dep-1"))
		require.NoError(t, owner.Save(ctx, d))

		require.NoError(t, d.Transition(deployment.StatusCancelled, t0))
		require.NoError(t, owner.Save(ctx, d))

		got, err := operator.Load(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, deployment.StatusCancelled, got.Status)
		assert.True(t, got.CancelRequested)
		assert.ErrorIs(t, operator.RequestCancel(ctx, "dep-1"), store.ErrTerminal)
	})
}
