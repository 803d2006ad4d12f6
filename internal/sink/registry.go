package sink

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the named output tables published to the UI.
type Registry struct {
	mu   sync.RWMutex
	data map[string]*Table
}

func NewRegistry() *Registry {
	return &Registry{data: make(map[string]*Table)}
}

func (r *Registry) Register(t *Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[t.Name]; ok {
		return fmt.Errorf("register %q: %w", t.Name, ErrTableExists)
	}
	r.data[t.Name] = t
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.data, name)
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (*Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.data[name]
	return t, ok
}

// Snapshot returns the registered tables sorted by name.
func (r *Registry) Snapshot() []*Table {
	r.mu.RLock()
	out := make([]*Table, 0, len(r.data))
	for _, t := range r.data {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) ForEach(fn func(*Table) bool) {
	for _, t := range r.Snapshot() {
		if !fn(t) {
			break
		}
	}
}

// SnapshotView describes every table for JSON listing.
func (r *Registry) SnapshotView() []map[string]any {
	tables := r.Snapshot()
	out := make([]map[string]any, 0, len(tables))
	for _, t := range tables {
		out = append(out, map[string]any{
			"id":      t.ID,
			"name":    t.Name,
			"schema":  append(Schema(nil), t.Schema...),
			"rows":    t.Len(),
			"clients": t.Subscribers(),
		})
	}
	return out
}
