package crdt

import (
	"sort"
	"sync"
)

// entry is one last-writer-wins slot in a Map.
type entry struct {
	Value     []byte
	Timestamp int64 // logical clock: higher wins; ties broken by WriterID
	WriterID  string
	Tombstone bool
}

// ChangeKind classifies a single key mutation reported to a Map observer.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// Change describes one observed key mutation.
type Change struct {
	Key  string
	Kind ChangeKind
}

// Observer is notified with the full batch of key changes produced by one Map.Transact call.
type Observer func(changes []Change)

// Map is a last-writer-wins map CRDT: every key independently converges to the value with the
// highest (Timestamp, WriterID) pair across all replicas that have seen it. Deletes are
// tombstones so a delete concurrent with a stale write still wins if its timestamp is higher.
type Map struct {
	mu        sync.RWMutex
	entries   map[string]entry
	observers []Observer
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{entries: make(map[string]entry)}
}

// reset clears the map back to empty in place, reusing its backing map rather than allocating a
// new one, so a pooled Map can be handed back out without leaking the previous caller's entries.
func (m *Map) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	m.observers = m.observers[:0]
}

// Observe registers fn to be called after every Transact that produces at least one change.
// Returns a cancellation handle that removes the observer.
func (m *Map) Observe(fn Observer) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, fn)
	idx := len(m.observers) - 1
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(m.observers) {
			m.observers[idx] = nil
		}
	}
}

// Set is a single-key Transact; see Transact for semantics.
func (m *Map) Set(key string, value []byte, timestamp int64, writerID string) {
	m.Transact(func(tx *Txn) {
		tx.Set(key, value, timestamp, writerID)
	})
}

// Delete is a single-key Transact tombstone write.
func (m *Map) Delete(key string, timestamp int64, writerID string) {
	m.Transact(func(tx *Txn) {
		tx.Delete(key, timestamp, writerID)
	})
}

// Get returns the current value for key and whether it is present (not deleted).
func (m *Map) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.Tombstone {
		return nil, false
	}
	return e.Value, true
}

// Keys returns all live (non-tombstoned) keys, sorted for deterministic iteration.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.Tombstone {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Txn batches several key mutations so they are reported to observers as a single Change slice,
// matching the CRDT replica's "applies as one update" requirement for permission broadcasts.
type Txn struct {
	m       *Map
	changes []Change
}

// Set stages a last-writer-wins write of key inside the transaction.
func (tx *Txn) Set(key string, value []byte, timestamp int64, writerID string) {
	existing, had := tx.m.entries[key]
	if had && !wins(timestamp, writerID, existing.Timestamp, existing.WriterID) {
		return
	}

	tx.m.entries[key] = entry{Value: value, Timestamp: timestamp, WriterID: writerID}

	switch {
	case !had:
		tx.changes = append(tx.changes, Change{Key: key, Kind: ChangeInsert})
	case existing.Tombstone:
		tx.changes = append(tx.changes, Change{Key: key, Kind: ChangeInsert})
	default:
		tx.changes = append(tx.changes, Change{Key: key, Kind: ChangeUpdate})
	}
}

// Delete stages a tombstone write of key inside the transaction.
func (tx *Txn) Delete(key string, timestamp int64, writerID string) {
	existing, had := tx.m.entries[key]
	if had && !wins(timestamp, writerID, existing.Timestamp, existing.WriterID) {
		return
	}
	if had && existing.Tombstone {
		return
	}

	tx.m.entries[key] = entry{Timestamp: timestamp, WriterID: writerID, Tombstone: true}
	tx.changes = append(tx.changes, Change{Key: key, Kind: ChangeDelete})
}

// wins reports whether (ts, writer) should overwrite (existingTS, existingWriter) under the
// last-writer-wins rule: higher timestamp wins, ties broken by writer id.
func wins(ts int64, writer string, existingTS int64, existingWriter string) bool {
	if ts != existingTS {
		return ts > existingTS
	}
	return writer > existingWriter
}

// Transact applies fn against a transaction batching its writes, then notifies observers once
// with every change produced, iff at least one write took effect.
func (m *Map) Transact(fn func(tx *Txn)) {
	m.mu.Lock()
	tx := &Txn{m: m}
	fn(tx)
	changes := tx.changes
	observers := make([]Observer, 0, len(m.observers))
	for _, obs := range m.observers {
		if obs != nil {
			observers = append(observers, obs)
		}
	}
	m.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	for _, obs := range observers {
		obs(changes)
	}
}

// Merge folds in every entry from a remote snapshot under the last-writer-wins rule, reporting
// the merge as a single batch of changes to observers.
func (m *Map) Merge(entries map[string]entry) {
	m.Transact(func(tx *Txn) {
		for key, e := range entries {
			if e.Tombstone {
				tx.Delete(key, e.Timestamp, e.WriterID)
			} else {
				tx.Set(key, e.Value, e.Timestamp, e.WriterID)
			}
		}
	})
}

// snapshot returns every entry (including tombstones) for full-state encoding.
func (m *Map) snapshot() map[string]entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

// loadSnapshot replaces the Map's contents without notifying observers, used when decoding a
// persisted replica.
func (m *Map) loadSnapshot(entries map[string]entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]entry, len(entries))
	for k, v := range entries {
		m.entries[k] = v
	}
}
