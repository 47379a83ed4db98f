package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// leaseRecord is the content of a lease file.
type leaseRecord struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// unreadableLeaseAge is how old a lease file that cannot be parsed must be
// before it is reclaimed.
const unreadableLeaseAge = time.Minute

// Acquire publishes the lease file. A lease left behind by a dead process
// on this host is reclaimed. Acquirers and releasers serialize on a flock of
// <id>/lease.lock, and the lease file only ever appears with its content.
func (f *File) Acquire(_ context.Context, id string) (Lease, error) {
	if _, err := f.load(id); err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	rec := leaseRecord{PID: os.Getpid(), Hostname: host, AcquiredAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	path := f.path(id, leaseFile)

	unlock, err := lockPath(path + ".lock")
	if err != nil {
		return nil, err
	}
	defer unlock()

	for try := 0; try < 2; try++ {
		err := publishLease(path, data)
		if err == nil {
			return &fileLease{id: id, path: path, pid: rec.PID}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		held, herr := readLease(path)
		switch {
		case errors.Is(herr, os.ErrNotExist):
			continue
		case herr != nil:
			if !olderThan(path, unreadableLeaseAge) {
				return nil, fmt.Errorf("%w: %s (lease unreadable: %v)", ErrLeaseHeld, id, herr)
			}
		case held.Hostname != host || isProcessAlive(held.PID):
			return nil, fmt.Errorf("%w: %s (pid %d on %s)", ErrLeaseHeld, id, held.PID, held.Hostname)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to reclaim stale lease: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, id)
}

// publishLease writes data to a temp file and hard-links it to path, which
// fails with os.ErrExist when a lease is already there.
func publishLease(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), leaseFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	_, werr := tmp.Write(data)
	if serr := tmp.Sync(); werr == nil {
		werr = serr
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("failed to write lease: %w", werr)
	}
	if err := os.Link(tmpName, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ErrExist
		}
		return fmt.Errorf("failed to create lease: %w", err)
	}
	return nil
}

func olderThan(path string, age time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > age
}

func readLease(path string) (leaseRecord, error) {
	var rec leaseRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

type fileLease struct {
	id   string
	path string
	pid  int
	once sync.Once
}

func (l *fileLease) ID() string { return l.id }

// Release removes the lease file if it still belongs to this process.
func (l *fileLease) Release() error {
	var err error
	l.once.Do(func() {
		unlock, lerr := lockPath(l.path + ".lock")
		if lerr != nil {
			err = lerr
			return
		}
		defer unlock()

		rec, rerr := readLease(l.path)
		if rerr != nil {
			if !errors.Is(rerr, os.ErrNotExist) {
				err = rerr
			}
			return
		}
		if rec.PID != l.pid {
			return
		}
		if rerr := os.Remove(l.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = rerr
		}
	})
	return err
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering anything
	return p.Signal(syscall.Signal(0)) == nil
}
