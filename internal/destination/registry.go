package destination

import (
	"sync"

	"github.com/arkilian/buffertable/pkg/types"
)

// Registry resolves tables by reference. The engine resolves its
// destination through the registry at each use rather than holding an
// owning reference, so the destination may appear, change, or disappear
// at runtime.
type Registry struct {
	mu     sync.RWMutex
	tables map[types.TableRef]Table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[types.TableRef]Table)}
}

// Register adds or replaces a table.
func (r *Registry) Register(t Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[t.Ref()] = t
}

// Deregister removes a table.
func (r *Registry) Deregister(ref types.TableRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables, ref)
}

// TryGet returns the table for ref, or nil if absent.
func (r *Registry) TryGet(ref types.TableRef) Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables[ref]
}
