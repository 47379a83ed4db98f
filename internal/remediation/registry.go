package remediation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/autodeploy/internal/catalog"
)

// Registry maps handler ids to handlers. It satisfies catalog.HandlerSet.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]Definition
}

// NewRegistry builds a registry from definitions. Later definitions with the
// same id replace earlier ones, so plan handlers override built-ins.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		handlers: make(map[string]Handler, len(defs)),
		defs:     make(map[string]Definition, len(defs)),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates def and adds its handler.
func (r *Registry) Register(def Definition) error {
	h, err := NewHandler(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.ID] = h
	r.defs[def.ID] = def
	return nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[id]
	return ok
}

// Get returns the handler for id.
func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// Definition returns the definition registered under id.
func (r *Registry) Definition(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	return d, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ catalog.HandlerSet = (*Registry)(nil)

// BuiltinDefinitions returns the handlers referenced by catalog.Defaults.
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			ID:          catalog.HandlerWaitForLock,
			Kind:        KindWait,
			Description: "Wait for the current dpkg lock holder to finish",
			Delay:       15 * time.Second,
		},
		{
			ID:          catalog.HandlerRepairPackages,
			Kind:        KindCommands,
			Description: "Finish interrupted package configuration and fix broken dependencies",
			Commands: []string{
				"DEBIAN_FRONTEND=noninteractive dpkg --configure -a",
				"DEBIAN_FRONTEND=noninteractive apt-get -f install -y",
			},
			Timeout: 10 * time.Minute,
		},
		{
			ID:          catalog.HandlerRetryLater,
			Kind:        KindWait,
			Description: "Back off before retrying a transient network failure",
			Delay:       5 * time.Second,
		},
		{
			ID:          catalog.HandlerAnswerYes,
			Kind:        KindRespond,
			Description: "Answer yes to a confirmation prompt",
			Input:       "y\n",
		},
		{
			ID:          catalog.HandlerKeepConfig,
			Kind:        KindRespond,
			Description: "Keep the currently installed configuration file",
			Input:       "N\n",
		},
		{
			ID:          catalog.HandlerReconnect,
			Kind:        KindReconnect,
			Description: "Re-establish the dropped session",
		},
	}
}

// DefaultRegistry returns a registry holding only the built-in handlers.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(BuiltinDefinitions()...)
	if err != nil {
		panic(fmt.Sprintf("remediation: invalid built-in handler: %v", err))
	}
	return r
}
