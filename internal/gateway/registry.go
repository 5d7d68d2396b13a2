package gateway

import (
	"sync"

	"github.com/inkwell-collab/inkwell-server/internal/document"
)

// Registry is the Hub Registry (component I): a process-wide map from document id to Hub.
// Creation is mutually exclusive per id: concurrent callers for the same id observe exactly one
// construction.
type Registry struct {
	mu    sync.Mutex
	hubs  map[document.ID]*Hub
	build func(document.ID) *Hub
}

// NewRegistry creates a Registry that constructs new Hubs via build.
func NewRegistry(build func(document.ID) *Hub) *Registry {
	return &Registry{hubs: make(map[document.ID]*Hub), build: build}
}

// Get returns the live Hub for id, if any.
func (r *Registry) Get(id document.ID) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[id]
	return h, ok
}

// GetOrCreate returns the live Hub for id, constructing one via build if none exists yet.
func (r *Registry) GetOrCreate(id document.ID) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[id]; ok {
		return h
	}
	h := r.build(id)
	r.hubs[id] = h
	return h
}

// Drop removes hub from the registry if it is still the current entry for its id. A Hub calls
// this on itself after shutdown has flushed; a stale Hub (already replaced by a newer one) is a
// no-op so a slow reap never evicts a fresher Hub.
func (r *Registry) Drop(id document.ID, hub *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.hubs[id]; ok && current == hub {
		delete(r.hubs, id)
	}
}

// Len returns the number of live hubs, used for the broadcaster's health endpoint.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// TotalConnections sums ActiveConnections across every live Hub, used for the broadcaster's
// health endpoint.
func (r *Registry) TotalConnections() int {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	total := 0
	for _, h := range hubs {
		total += h.ActiveConnections()
	}
	return total
}
