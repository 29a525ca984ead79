// Package sessions tracks the sessions whose streams are held by this process.
package sessions

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSessionExists is returned by Register when the id is already held.
var ErrSessionExists = errors.New("sessions: session already registered")

// Registry tracks the sessions whose streams are held by this process.
// Entries are added and removed explicitly by the owner of each stream.
type Registry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Register adds v under id. At most one entry per id may be live.
func (r *Registry[T]) Register(id string, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	r.items[id] = v
	return nil
}

// Unregister removes id and reports whether it was present.
func (r *Registry[T]) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return false
	}
	delete(r.items, id)
	return true
}

// Get returns the entry for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	return v, ok
}

// Len returns the number of registered sessions.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// IDs returns the registered ids in sorted order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
