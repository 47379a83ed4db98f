package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

const (
	documentFile = "deployment.json"
	cancelFile   = "cancel"
	leaseFile    = "lease"
)

// File stores each deployment in its own directory:
//
//	<root>/<id>/deployment.json   state document, replaced atomically
//	<root>/<id>/cancel            present once a cancel was requested
//	<root>/<id>/lease             pid of the process running the deployment
//
// The reporter writes <root>/<id>/events.jsonl next to them.
type File struct {
	root  string
	locks keyedMutex
}

// NewFile creates a file store rooted at root.
func NewFile(root string) (*File, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("file store root dir is empty")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &File{root: root}, nil
}

// Root returns the store directory.
func (f *File) Root() string {
	return f.root
}

// Dir returns the directory of one deployment.
func (f *File) Dir(id string) string {
	return filepath.Join(f.root, id)
}

func (f *File) path(id, name string) string {
	return filepath.Join(f.root, id, name)
}

func (f *File) Create(_ context.Context, d *deployment.DeploymentState) error {
	if err := validate(d); err != nil {
		return err
	}
	unlock := f.locks.lock(d.ID)
	defer unlock()

	if err := os.MkdirAll(f.Dir(d.ID), 0700); err != nil {
		return fmt.Errorf("failed to create deployment dir: %w", err)
	}
	if _, err := os.Stat(f.path(d.ID, documentFile)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, d.ID)
	}
	data, err := deployment.Encode(d)
	if err != nil {
		return err
	}
	return f.write(d.ID, data)
}

func (f *File) Save(_ context.Context, d *deployment.DeploymentState) error {
	if err := validate(d); err != nil {
		return err
	}
	unlock := f.locks.lock(d.ID)
	defer unlock()

	stored, err := f.load(d.ID)
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
	return f.write(d.ID, data)
}

// write replaces the document through a temp file and rename.
func (f *File) write(id string, data []byte) error {
	dir := f.Dir(id)
	tmp, err := os.CreateTemp(dir, documentFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(id, documentFile)); err != nil {
		return fmt.Errorf("failed to rename deployment file: %w", err)
	}
	return nil
}

func (f *File) load(id string) (*deployment.DeploymentState, error) {
	if err := deployment.ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(id, documentFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read deployment: %w", err)
	}
	d, err := deployment.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path(id, documentFile), err)
	}
	// a marker that lost the race against the final save is ignored
	if !d.Status.IsTerminal() {
		if _, err := os.Stat(f.path(id, cancelFile)); err == nil {
			d.CancelRequested = true
		}
	}
	return d, nil
}

func (f *File) Load(_ context.Context, id string) (*deployment.DeploymentState, error) {
	return f.load(id)
}

func (f *File) List(_ context.Context) ([]*deployment.DeploymentState, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read store root: %w", err)
	}
	out := make([]*deployment.DeploymentState, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		d, err := f.load(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	sortNewestFirst(out)
	return out, nil
}

// RequestCancel drops the cancel marker. The document is owned by the
// process running the deployment and is never written here; load merges the
// marker into CancelRequested and the next Save persists it.
func (f *File) RequestCancel(_ context.Context, id string) error {
	d, err := f.load(id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, d.Status)
	}
	if err := os.WriteFile(f.path(id, cancelFile), nil, 0600); err != nil {
		return fmt.Errorf("failed to write cancel marker: %w", err)
	}
	return nil
}

func (f *File) Close() error { return nil }

// keyedMutex serializes access per deployment id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

var _ Store = (*File)(nil)
