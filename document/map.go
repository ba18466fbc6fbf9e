package document

import (
	"encoding/json"
	"sort"
)

// Namespaces used by the file transfer coordinator.
const (
	NamespaceSharedFiles = "shared-files"
	NamespaceFileChunks  = "file-chunks"
)

// entry values are raw JSON so deltas and snapshots embed them verbatim;
// a []byte here would base64 the value a second time on every snapshot.
type entry struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Clock   uint64          `json:"clock"`
	Actor   string          `json:"actor"`
	Deleted bool            `json:"deleted,omitempty"`
}

// wins reports whether candidate supersedes current under the
// last-writer-wins merge rule.
func (current entry) loses(candidate entry) bool {
	if candidate.Clock != current.Clock {
		return candidate.Clock > current.Clock
	}
	return candidate.Actor > current.Actor
}

// Map is one key-ordered namespace of a replicated document. All mutations
// and merges are serialized through the owning Document; Map methods only
// read.
type Map struct {
	doc       *Document
	namespace string
	entries   map[string]entry
	observers []func()
}

// Namespace returns the namespace name this map replicates.
func (m *Map) Namespace() string {
	return m.namespace
}

// Get returns the value stored under key, if present and not deleted.
func (m *Map) Get(key string) ([]byte, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Keys returns all live keys in lexicographic order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key, e := range m.entries {
		if !e.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	n := 0
	for _, e := range m.entries {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// Values returns a key-ordered snapshot of all live values.
func (m *Map) Values() [][]byte {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	keys := make([]string, 0, len(m.entries))
	for key, e := range m.entries {
		if !e.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := make([][]byte, 0, len(keys))
	for _, key := range keys {
		out = append(out, append([]byte(nil), m.entries[key].Value...))
	}
	return out
}

// Set writes key locally and broadcasts the update delta. The value must be
// a valid JSON document; anything else is rejected with ErrInvalidValue
// before the map is touched.
func (m *Map) Set(key string, value []byte) error {
	return m.doc.set(m, key, value)
}

// Delete tombstones key locally and broadcasts the update delta.
func (m *Map) Delete(key string) error {
	return m.doc.delete(m, key)
}

// Clear tombstones every live key in one update.
func (m *Map) Clear() error {
	return m.doc.clear(m)
}

// Observe registers fn to run after every change to this map, whether from a
// local write or a merged remote delta. If a persisted snapshot was loaded
// before fn attached, one synthetic notification fires immediately so late
// subscribers do not miss the initial state.
func (m *Map) Observe(fn func()) {
	m.doc.mu.Lock()
	m.observers = append(m.observers, fn)
	replay := m.doc.snapshotLoaded
	m.doc.mu.Unlock()

	if replay {
		fn()
	}
}
