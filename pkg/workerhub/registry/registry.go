// Package registry provides a concurrency-safe keyed store used to hold the
// live worker set.
package registry

import (
	"sort"
	"sync"
)

// Registry maps keys to values under a sync.RWMutex. Reads vastly outnumber
// writes: every dispatched event ranges over the registry, while writes happen
// only on install and uninstall.
type Registry[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New creates an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{entries: make(map[K]V)}
}

// Swap stores value under key and returns the previous value, if any.
func (r *Registry[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous, loaded = r.entries[key]
	r.entries[key] = value
	return previous, loaded
}

// Get returns the value for key.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[key]
	return v, ok
}

// LoadAndDelete removes key and returns the value it held.
func (r *Registry[K, V]) LoadAndDelete(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[key]
	delete(r.entries, key)
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Values returns a snapshot of all values. Order is unspecified.
func (r *Registry[K, V]) Values() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, v)
	}
	return out
}

// Range calls fn for each entry of a snapshot taken under the read lock, so fn
// may mutate the registry. Iteration stops when fn returns false.
func (r *Registry[K, V]) Range(fn func(K, V) bool) {
	r.mu.RLock()
	snapshot := make(map[K]V, len(r.entries))
	for k, v := range r.entries {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// SortedKeys returns the keys of a string-keyed registry in order.
func SortedKeys[V any](r *Registry[string, V]) []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
