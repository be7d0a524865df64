package state

import (
	"sort"
	"sync"
)

// DefaultWorkingMemoryLimit caps keys per session.
const DefaultWorkingMemoryLimit = 256

// WorkingMemory is an ephemeral key/value scratchpad partitioned by session.
// Each session's map is bounded by key count; inserting past the limit
// evicts the oldest inserted key. Updating an existing key keeps its
// eviction position.
type WorkingMemory struct {
	mu       sync.RWMutex
	limit    int
	sessions map[string]*sessionMemory
}

type sessionMemory struct {
	values map[string]any
	order  []string
}

// NewWorkingMemory creates a WorkingMemory with the given per-session key
// limit. A non-positive limit uses the default.
func NewWorkingMemory(limit int) *WorkingMemory {
	if limit <= 0 {
		limit = DefaultWorkingMemoryLimit
	}
	return &WorkingMemory{
		limit:    limit,
		sessions: make(map[string]*sessionMemory),
	}
}

// Set stores a value under the session's key, evicting the oldest key if
// the session is at its limit.
func (w *WorkingMemory) Set(sessionID, key string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	mem := w.sessions[sessionID]
	if mem == nil {
		mem = &sessionMemory{values: make(map[string]any)}
		w.sessions[sessionID] = mem
	}

	if _, exists := mem.values[key]; exists {
		mem.values[key] = value
		return
	}

	if len(mem.order) >= w.limit {
		oldest := mem.order[0]
		mem.order = mem.order[1:]
		delete(mem.values, oldest)
	}
	mem.values[key] = value
	mem.order = append(mem.order, key)
}

// Get returns the value for a session key.
func (w *WorkingMemory) Get(sessionID, key string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	mem := w.sessions[sessionID]
	if mem == nil {
		return nil, false
	}
	value, ok := mem.values[key]
	return value, ok
}

// Has reports whether the session holds the key.
func (w *WorkingMemory) Has(sessionID, key string) bool {
	_, ok := w.Get(sessionID, key)
	return ok
}

// Delete removes a key from the session.
func (w *WorkingMemory) Delete(sessionID, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mem := w.sessions[sessionID]
	if mem == nil {
		return
	}
	if _, ok := mem.values[key]; !ok {
		return
	}
	delete(mem.values, key)
	for i, k := range mem.order {
		if k == key {
			mem.order = append(mem.order[:i], mem.order[i+1:]...)
			break
		}
	}
}

// List returns the session's keys in sorted order.
func (w *WorkingMemory) List(sessionID string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	mem := w.sessions[sessionID]
	if mem == nil {
		return nil
	}
	keys := make([]string, 0, len(mem.values))
	for key := range mem.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the session's key/value map, for handing to
// the planner as iteration context.
func (w *WorkingMemory) Snapshot(sessionID string) map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	mem := w.sessions[sessionID]
	if mem == nil || len(mem.values) == 0 {
		return nil
	}
	out := make(map[string]any, len(mem.values))
	for key, value := range mem.values {
		out[key] = value
	}
	return out
}

// Len returns the number of keys the session holds.
func (w *WorkingMemory) Len(sessionID string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	mem := w.sessions[sessionID]
	if mem == nil {
		return 0
	}
	return len(mem.values)
}

// Clear drops the entire session partition.
func (w *WorkingMemory) Clear(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sessions, sessionID)
}
