package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// SchemaVersion is the version of the sqlite schema written by OpenSQLite.
const SchemaVersion = 1

// DefaultPollInterval is how often WatchCancel polls the database.
const DefaultPollInterval = time.Second

// SQLite stores deployments in a single sqlite database. Several processes may
// share the file; leases and cancel requests go through the database.
type SQLite struct {
	db           *sql.DB
	path         string
	pollInterval time.Duration
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithPollInterval sets how often WatchCancel checks for cancel requests.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// OpenSQLite opens (and creates if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite store path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store dir: %w", err)
		}
		// immediate transactions take the write lock up front, so a
		// read-check-write in Save cannot interleave with another process
		path = "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	// one connection serializes writers inside this process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping state store: %w", err)
	}

	s := &SQLite{db: db, path: path, pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.configure(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure(ctx context.Context) error {
	if s.path == ":memory:" {
		return nil
	}
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("set journal_mode=WAL: %w", err)
	}
	var timeout int
	if err := s.db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000;").Scan(&timeout); err != nil {
		return fmt.Errorf("set busy_timeout: %w", err)
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			document BLOB NOT NULL,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_created_at ON deployments(created_at);`,
		`CREATE TABLE IF NOT EXISTS leases (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			pid INTEGER NOT NULL,
			hostname TEXT NOT NULL,
			acquired_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("state store schema version %d is newer than supported %d", version, SchemaVersion)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) Create(ctx context.Context, d *deployment.DeploymentState) error {
	if err := validate(d); err != nil {
		return err
	}
	data, err := deployment.Encode(d)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO deployments
		(id, status, cursor, attempts, document, cancel_requested, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		d.ID, string(d.Status), d.CurrentStepIndex, len(d.StepHistory), data,
		boolInt(d.CancelRequested), d.CreatedAt.UnixNano(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert deployment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, d.ID)
	}
	return nil
}

func (s *SQLite) Save(ctx context.Context, d *deployment.DeploymentState) error {
	if err := validate(d); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := loadRow(ctx, tx, d.ID)
	if err != nil {
		return err
	}
	if err := checkSave(stored, d); err != nil {
		return err
	}
	data, err := encodeForSave(d, stored.CancelRequested)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE deployments
		SET status = ?, cursor = ?, attempts = ?, document = ?,
			cancel_requested = MAX(cancel_requested, ?), updated_at = ?
		WHERE id = ?`,
		string(d.Status), d.CurrentStepIndex, len(d.StepHistory), data,
		boolInt(d.CancelRequested), time.Now().UnixNano(), d.ID); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRow(ctx context.Context, q queryer, id string) (*deployment.DeploymentState, error) {
	var (
		data   []byte
		cancel int
	)
	err := q.QueryRowContext(ctx,
		`SELECT document, cancel_requested FROM deployments WHERE id = ?`, id).Scan(&data, &cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	d, err := deployment.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode deployment %s: %w", id, err)
	}
	d.CancelRequested = d.CancelRequested || cancel != 0
	return d, nil
}

func (s *SQLite) Load(ctx context.Context, id string) (*deployment.DeploymentState, error) {
	return loadRow(ctx, s.db, id)
}

func (s *SQLite) List(ctx context.Context) ([]*deployment.DeploymentState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document, cancel_requested FROM deployments ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*deployment.DeploymentState
	for rows.Next() {
		var (
			data   []byte
			cancel int
		)
		if err := rows.Scan(&data, &cancel); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		d, err := deployment.Decode(data)
		if err != nil {
			return nil, err
		}
		d.CancelRequested = d.CancelRequested || cancel != 0
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

// RequestCancel only sets the cancel_requested column; the document belongs
// to the process running the deployment and loadRow merges the flag.
func (s *SQLite) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		time.Now().UnixNano(), id,
		string(deployment.StatusSucceeded), string(deployment.StatusFailed), string(deployment.StatusCancelled))
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	d, err := loadRow(ctx, s.db, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrTerminal, id, d.Status)
}

// WatchCancel polls cancel_requested until it is set or ctx is done.
func (s *SQLite) WatchCancel(ctx context.Context, id string) (<-chan struct{}, error) {
	requested, err := s.cancelRequested(ctx, id)
	if err != nil {
		return nil, err
	}
	ch := make(chan struct{})
	if requested {
		close(ch)
		return ch, nil
	}
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ok, err := s.cancelRequested(ctx, id); err == nil && ok {
					close(ch)
					return
				}
			}
		}
	}()
	return ch, nil
}

func (s *SQLite) cancelRequested(ctx context.Context, id string) (bool, error) {
	var cancel int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM deployments WHERE id = ?`, id).Scan(&cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return cancel != 0, nil
}

// Acquire inserts a lease row. A row left by a dead process on this host is
// replaced.
func (s *SQLite) Acquire(ctx context.Context, id string) (Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM deployments WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("check deployment: %w", err)
	}

	host, _ := os.Hostname()
	var (
		heldPID  int
		heldHost string
	)
	err = tx.QueryRowContext(ctx, `SELECT pid, hostname FROM leases WHERE id = ?`, id).Scan(&heldPID, &heldHost)
	switch {
	case err == nil:
		if heldHost != host || isProcessAlive(heldPID) {
			return nil, fmt.Errorf("%w: %s (pid %d on %s)", ErrLeaseHeld, id, heldPID, heldHost)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("reclaim stale lease: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("read lease: %w", err)
	}

	owner := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO leases (id, owner, pid, hostname, acquired_at) VALUES (?, ?, ?, ?, ?)`,
		id, owner, os.Getpid(), host, time.Now().UnixNano()); err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return &sqliteLease{db: s.db, id: id, owner: owner}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqliteLease struct {
	db    *sql.DB
	id    string
	owner string
	once  sync.Once
}

func (l *sqliteLease) ID() string { return l.id }

func (l *sqliteLease) Release() error {
	var err error
	l.once.Do(func() {
		_, err = l.db.Exec(`DELETE FROM leases WHERE id = ? AND owner = ?`, l.id, l.owner)
	})
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLite)(nil)
