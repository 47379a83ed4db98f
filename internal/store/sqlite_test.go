package store

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T, path string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), path, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSQLite_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
	openTestSQLite(t, path)
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestOpenSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newDeployment(t, "dep-1")))
	require.NoError(t, s.Close())

	s = openTestSQLite(t, path)
	got, err := s.Load(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "dep-1", got.ID)

	var version int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&version))
	assert.Equal(t, SchemaVersion, version)
}

func TestOpenSQLite_RejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = OpenSQLite(ctx, path)
	assert.ErrorContains(t, err, "newer than supported")
}

func TestSQLite_CancelAcrossHandles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	path := filepath.Join(t.TempDir(), "state.db")
	runner := openTestSQLite(t, path)
	operator := openTestSQLite(t, path)

	require.NoError(t, runner.Create(ctx, newDeployment(t, "dep-1")))
	ch, err := runner.WatchCancel(ctx, "dep-1")
	require.NoError(t, err)

	require.NoError(t, operator.RequestCancel(ctx, "dep-1"))
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel not observed through the database")
	}
}

func TestSQLite_LeaseAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	a := openTestSQLite(t, path)
	b := openTestSQLite(t, path)
	require.NoError(t, a.Create(ctx, newDeployment(t, "dep-1")))

	lease, err := a.Acquire(ctx, "dep-1")
	require.NoError(t, err)

	// same pid, live process: held
	_, err = b.Acquire(ctx, "dep-1")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, lease.Release())
	lease, err = b.Acquire(ctx, "dep-1")
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestSQLite_StaleLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, s.Create(ctx, newDeployment(t, "dep-1")))

	host, _ := os.Hostname()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (id, owner, pid, hostname, acquired_at) VALUES (?, ?, ?, ?, ?)`,
		"dep-1", "crashed-owner", math.MaxInt32, host, t0.UnixNano())
	require.NoError(t, err)

	lease, err := s.Acquire(ctx, "dep-1")
	require.NoError(t, err)
	defer lease.Release()

	var owner string
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT owner FROM leases WHERE id = ?`, "dep-1").Scan(&owner))
	assert.NotEqual(t, "crashed-owner", owner)
}
