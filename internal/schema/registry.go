package schema

import (
	"fmt"
	"sort"
	"sync"

	"kgraph/internal/logging"
	"kgraph/internal/types"
)

// Registry stores the active schema per knowledge base. Registration
// replaces the prior schema atomically; readers that captured a snapshot
// keep using it for the duration of their operation.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register parses, validates, and stores a raw descriptor. Returns the
// kb_id and any PII warnings. Fails with ErrSchemaInvalid without touching
// prior state.
func (r *Registry) Register(raw []byte) (string, []string, error) {
	timer := logging.StartTimer(logging.CategorySchema, "Register")
	defer timer.Stop()

	s, warnings, err := Parse(raw)
	if err != nil {
		logging.Get(logging.CategorySchema).Error("Schema rejected: %v", err)
		return "", nil, err
	}

	r.mu.Lock()
	_, replacing := r.schemas[s.KBID]
	r.schemas[s.KBID] = s
	r.mu.Unlock()

	if replacing {
		logging.Schema("Replaced schema for kb=%s (%d nodes, %d relationships, %d sources)",
			s.KBID, len(s.Nodes), len(s.Relationships), len(s.Mappings.Sources))
	} else {
		logging.Schema("Registered schema for kb=%s (%d nodes, %d relationships, %d sources)",
			s.KBID, len(s.Nodes), len(s.Relationships), len(s.Mappings.Sources))
	}
	for _, w := range warnings {
		logging.Get(logging.CategorySchema).Warn("kb=%s: %s", s.KBID, w)
	}
	return s.KBID, warnings, nil
}

// Validate runs the same checks as Register without storing anything.
// Used by CLI tooling.
func (r *Registry) Validate(raw []byte) ([]string, error) {
	_, warnings, err := Parse(raw)
	return warnings, err
}

// Get returns the active schema for kb_id.
func (r *Registry) Get(kbID string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[kbID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrKBNotFound, kbID)
	}
	return s, nil
}

// ListKBs returns the registered kb_ids in sorted order.
func (r *Registry) ListKBs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset drops all registered schemas. Test hook.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = make(map[string]*Schema)
}
