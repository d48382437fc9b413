// Package dedup tracks which capture keys have already been persisted and
// collapses duplicates within a single batch.
package dedup

import "sync"

// Index is a process-lifetime set of persisted dedup keys.
type Index struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{keys: make(map[string]struct{})}
}

// Seen reports whether any of keys has been marked.
func (x *Index) Seen(keys ...string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := x.keys[k]; ok {
			return true
		}
	}
	return false
}

// Mark records keys as persisted. Empty keys are ignored.
func (x *Index) Mark(keys ...string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, k := range keys {
		if k != "" {
			x.keys[k] = struct{}{}
		}
	}
}

// Len returns the number of distinct keys.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.keys)
}
