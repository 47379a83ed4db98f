package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/autodeploy/internal/deployment"
)

// Memory keeps deployments in process memory. Documents are stored encoded so
// callers never share state with the store. A single mutex guards every id,
// so operations on distinct deployments serialize; it is meant for tests and
// dry runs, not for concurrent deployments at scale.
type Memory struct {
	mu       sync.Mutex
	docs     map[string][]byte
	leases   map[string]*memoryLease
	watchers map[string][]chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string][]byte),
		leases:   make(map[string]*memoryLease),
		watchers: make(map[string][]chan struct{}),
	}
}

func (m *Memory) Create(_ context.Context, d *deployment.DeploymentState) error {
	if err := validate(d); err != nil {
		return err
	}
	data, err := deployment.Encode(d)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, d.ID)
	}
	m.docs[d.ID] = data
	return nil
}

func (m *Memory) Save(_ context.Context, d *deployment.DeploymentState) error {
	if err := validate(d); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, err := m.load(d.ID)
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
	m.docs[d.ID] = data
	return nil
}

func (m *Memory) load(id string) (*deployment.DeploymentState, error) {
	data, ok := m.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return deployment.Decode(data)
}

func (m *Memory) Load(_ context.Context, id string) (*deployment.DeploymentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(id)
}

func (m *Memory) List(_ context.Context) ([]*deployment.DeploymentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*deployment.DeploymentState, 0, len(m.docs))
	for id := range m.docs {
		d, err := m.load(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) RequestCancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.load(id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, d.Status)
	}
	d.CancelRequested = true
	data, err := deployment.Encode(d)
	if err != nil {
		return err
	}
	m.docs[id] = data
	for _, ch := range m.watchers[id] {
		close(ch)
	}
	delete(m.watchers, id)
	return nil
}

func (m *Memory) WatchCancel(ctx context.Context, id string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.load(id)
	if err != nil {
		return nil, err
	}
	ch := make(chan struct{})
	if d.CancelRequested {
		close(ch)
		return ch, nil
	}
	m.watchers[id] = append(m.watchers[id], ch)
	context.AfterFunc(ctx, func() { m.unwatch(id, ch) })
	return ch, nil
}

func (m *Memory) unwatch(id string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.watchers[id]
	for i, c := range list {
		if c == ch {
			m.watchers[id] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (m *Memory) Acquire(_ context.Context, id string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, held := m.leases[id]; held {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, id)
	}
	l := &memoryLease{store: m, id: id}
	m.leases[id] = l
	return l, nil
}

func (m *Memory) Close() error { return nil }

type memoryLease struct {
	store *Memory
	id    string
	once  sync.Once
}

func (l *memoryLease) ID() string { return l.id }

func (l *memoryLease) Release() error {
	l.once.Do(func() {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		if l.store.leases[l.id] == l {
			delete(l.store.leases, l.id)
		}
	})
	return nil
}

func sortNewestFirst(ds []*deployment.DeploymentState) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.After(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

var _ Store = (*Memory)(nil)
