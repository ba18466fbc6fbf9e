// Package document implements the replicated room document: key-ordered maps
// whose update deltas merge idempotently and commutatively on every peer.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// BroadcastFunc receives encoded update deltas for fan-out to remote peers.
// The payload handed in is the plaintext wire form; encryption happens on the
// way out of the process, above this package.
type BroadcastFunc func(update []byte)

// Document is the replicated state of one room. A single mutex serializes
// local mutations and remote merges, so no two writers race on the in-memory
// maps; cross-peer concurrency is resolved by the merge rule, not by locks.
type Document struct {
	id     string
	actor  string
	logger *zap.Logger

	mu             sync.Mutex
	clock          uint64
	namespaces     map[string]*Map
	broadcast      BroadcastFunc
	snapshotLoaded bool
}

// NewDocument creates an empty document. actor is the stable local peer
// identity used to order concurrent writes.
func NewDocument(id, actor string, logger *zap.Logger) (*Document, error) {
	if id == "" {
		return nil, errors.New("document ID is required")
	}
	if actor == "" {
		return nil, errors.New("actor ID is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Document{
		id:         id,
		actor:      actor,
		logger:     logger,
		namespaces: make(map[string]*Map),
	}, nil
}

// ID returns the document id (the room id in practice).
func (d *Document) ID() string {
	return d.id
}

// Actor returns the local writer identity.
func (d *Document) Actor() string {
	return d.actor
}

// SetBroadcast installs the fan-out hook for locally generated deltas.
func (d *Document) SetBroadcast(fn BroadcastFunc) {
	d.mu.Lock()
	d.broadcast = fn
	d.mu.Unlock()
}

// Map returns the replicated map for a namespace, creating it if needed.
func (d *Document) Map(namespace string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(namespace)
}

func (d *Document) mapLocked(namespace string) *Map {
	m, ok := d.namespaces[namespace]
	if !ok {
		m = &Map{
			doc:       d,
			namespace: namespace,
			entries:   make(map[string]entry),
		}
		d.namespaces[namespace] = m
	}
	return m
}

// ErrInvalidValue rejects map values that are not valid JSON. Values embed
// verbatim into delta and snapshot JSON, so the map can only hold JSON
// documents.
var ErrInvalidValue = errors.New("document: value must be valid JSON")

func (d *Document) set(m *Map, key string, value []byte) error {
	if key == "" {
		return errors.New("key is required")
	}
	if !json.Valid(value) {
		return ErrInvalidValue
	}

	d.mu.Lock()
	d.clock++
	e := entry{
		Value: append(json.RawMessage(nil), value...),
		Clock: d.clock,
		Actor: d.actor,
	}
	m.entries[key] = e
	payload, err := encodeDelta(delta{
		DocID: d.id,
		Ops: []deltaOp{{
			Namespace: m.namespace,
			Key:       key,
			Value:     json.RawMessage(e.Value),
			Clock:     e.Clock,
			Actor:     e.Actor,
		}},
	})
	observers := append([]func(){}, m.observers...)
	broadcast := d.broadcast
	d.mu.Unlock()

	if err != nil {
		return err
	}
	d.notify(observers)
	if broadcast != nil {
		broadcast(payload)
	}
	return nil
}

func (d *Document) delete(m *Map, key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	d.mu.Lock()
	if existing, ok := m.entries[key]; !ok || existing.Deleted {
		d.mu.Unlock()
		return nil
	}
	d.clock++
	e := entry{
		Clock:   d.clock,
		Actor:   d.actor,
		Deleted: true,
	}
	m.entries[key] = e
	payload, err := encodeDelta(delta{
		DocID: d.id,
		Ops: []deltaOp{{
			Namespace: m.namespace,
			Key:       key,
			Clock:     e.Clock,
			Actor:     e.Actor,
			Deleted:   true,
		}},
	})
	observers := append([]func(){}, m.observers...)
	broadcast := d.broadcast
	d.mu.Unlock()

	if err != nil {
		return err
	}
	d.notify(observers)
	if broadcast != nil {
		broadcast(payload)
	}
	return nil
}

func (d *Document) clear(m *Map) error {
	d.mu.Lock()
	var ops []deltaOp
	d.clock++
	for key, existing := range m.entries {
		if existing.Deleted {
			continue
		}
		e := entry{
			Clock:   d.clock,
			Actor:   d.actor,
			Deleted: true,
		}
		m.entries[key] = e
		ops = append(ops, deltaOp{
			Namespace: m.namespace,
			Key:       key,
			Clock:     e.Clock,
			Actor:     e.Actor,
			Deleted:   true,
		})
	}
	if len(ops) == 0 {
		d.mu.Unlock()
		return nil
	}
	payload, err := encodeDelta(delta{DocID: d.id, Ops: ops})
	observers := append([]func(){}, m.observers...)
	broadcast := d.broadcast
	d.mu.Unlock()

	if err != nil {
		return err
	}
	d.notify(observers)
	if broadcast != nil {
		broadcast(payload)
	}
	return nil
}

// ApplyRemote merges a remote update delta. Applying the same delta twice is
// a no-op and deltas commute: any arrival order converges to the same state.
// Malformed payloads are rejected without touching the maps.
func (d *Document) ApplyRemote(payload []byte) error {
	dec, err := decodeDelta(payload)
	if err != nil {
		d.logger.Warn("dropping malformed update delta",
			zap.String("doc_id", d.id), zap.Int("size", len(payload)), zap.Error(err))
		return err
	}
	if dec.DocID != d.id {
		d.logger.Warn("dropping update delta for foreign document",
			zap.String("doc_id", d.id), zap.String("delta_doc_id", dec.DocID))
		return ErrMalformedDelta
	}

	d.mu.Lock()
	changed := make(map[string]bool)
	for _, op := range dec.Ops {
		m := d.mapLocked(op.Namespace)
		candidate := entry{
			Value:   append(json.RawMessage(nil), op.Value...),
			Clock:   op.Clock,
			Actor:   op.Actor,
			Deleted: op.Deleted,
		}
		if op.Clock > d.clock {
			d.clock = op.Clock
		}
		current, exists := m.entries[op.Key]
		if exists && !current.loses(candidate) {
			continue
		}
		m.entries[op.Key] = candidate
		changed[op.Namespace] = true
	}

	var observers []func()
	for namespace := range changed {
		observers = append(observers, d.namespaces[namespace].observers...)
	}
	d.mu.Unlock()

	d.notify(observers)
	return nil
}

// ApplyRemoteSnapshot merges a full-state snapshot received from a peer at
// runtime. Same merge rule as ApplyRemote, but over a whole snapshot; unlike
// LoadSnapshot it fires observers for the namespaces that changed.
func (d *Document) ApplyRemoteSnapshot(raw []byte) error {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		d.logger.Warn("dropping malformed peer snapshot",
			zap.String("doc_id", d.id), zap.Int("size", len(raw)), zap.Error(err))
		return fmt.Errorf("parse peer snapshot: %w", err)
	}
	if snap.DocID != d.id {
		d.logger.Warn("dropping peer snapshot for foreign document",
			zap.String("doc_id", d.id), zap.String("snapshot_doc_id", snap.DocID))
		return fmt.Errorf("snapshot is for document %q, not %q", snap.DocID, d.id)
	}

	d.mu.Lock()
	if snap.Clock > d.clock {
		d.clock = snap.Clock
	}
	changed := make(map[string]bool)
	for name, ns := range snap.Namespaces {
		m := d.mapLocked(name)
		for key, e := range ns {
			current, exists := m.entries[key]
			if exists && !current.loses(e) {
				continue
			}
			m.entries[key] = e
			changed[name] = true
		}
	}
	var observers []func()
	for namespace := range changed {
		observers = append(observers, d.namespaces[namespace].observers...)
	}
	d.mu.Unlock()

	d.notify(observers)
	return nil
}

func (d *Document) notify(observers []func()) {
	for _, fn := range observers {
		fn()
	}
}

type snapshotNamespace map[string]entry

type snapshot struct {
	DocID      string                       `json:"doc_id"`
	Clock      uint64                       `json:"clock"`
	Namespaces map[string]snapshotNamespace `json:"namespaces"`
}

// Snapshot serializes the full document state, tombstones included, for
// persistence between sessions.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := snapshot{
		DocID:      d.id,
		Clock:      d.clock,
		Namespaces: make(map[string]snapshotNamespace, len(d.namespaces)),
	}
	for name, m := range d.namespaces {
		ns := make(snapshotNamespace, len(m.entries))
		for key, e := range m.entries {
			ns[key] = e
		}
		snap.Namespaces[name] = ns
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal document snapshot: %w", err)
	}
	return raw, nil
}

// SnapshotBatches serializes the document as a sequence of partial
// snapshots whose encoded size stays at or under maxBytes each. Entries are
// never split, so a single entry larger than the bound still travels whole
// in a batch of its own. Merging every batch through ApplyRemoteSnapshot
// reproduces the state Snapshot would have carried; an empty document yields
// one empty batch so the clock still propagates.
func (d *Document) SnapshotBatches(maxBytes int) ([][]byte, error) {
	if maxBytes <= 0 {
		return nil, errors.New("batch size must be positive")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	newBatch := func() snapshot {
		return snapshot{
			DocID:      d.id,
			Clock:      d.clock,
			Namespaces: make(map[string]snapshotNamespace),
		}
	}

	empty, err := json.Marshal(newBatch())
	if err != nil {
		return nil, fmt.Errorf("marshal document snapshot: %w", err)
	}
	baseCost := len(empty)

	var out [][]byte
	batch := newBatch()
	used := 0
	flush := func() error {
		raw, err := json.Marshal(batch)
		if err != nil {
			return fmt.Errorf("marshal document snapshot: %w", err)
		}
		out = append(out, raw)
		batch = newBatch()
		used = 0
		return nil
	}

	names := make([]string, 0, len(d.namespaces))
	for name := range d.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := d.namespaces[name]
		keys := make([]string, 0, len(m.entries))
		for key := range m.entries {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			e := m.entries[key]
			encoded, err := json.Marshal(e)
			if err != nil {
				return nil, fmt.Errorf("marshal snapshot entry %q: %w", key, err)
			}
			// Entry plus its quoted key, separators, and the namespace
			// wrapper it may open in this batch.
			cost := len(encoded) + len(key) + len(name) + 10
			if used > 0 && baseCost+used+cost > maxBytes {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			ns, ok := batch.Namespaces[name]
			if !ok {
				ns = make(snapshotNamespace)
				batch.Namespaces[name] = ns
			}
			ns[key] = e
			used += cost
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadSnapshot merges a persisted snapshot into the document. Entries from
// the snapshot go through the same merge rule as remote deltas, so loading is
// safe even after local writes happened.
func (d *Document) LoadSnapshot(raw []byte) error {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("parse document snapshot: %w", err)
	}
	if snap.DocID != d.id {
		return fmt.Errorf("snapshot is for document %q, not %q", snap.DocID, d.id)
	}

	d.mu.Lock()
	if snap.Clock > d.clock {
		d.clock = snap.Clock
	}
	for name, ns := range snap.Namespaces {
		m := d.mapLocked(name)
		for key, e := range ns {
			current, exists := m.entries[key]
			if exists && !current.loses(e) {
				continue
			}
			m.entries[key] = e
		}
	}
	d.snapshotLoaded = true
	d.mu.Unlock()

	return nil
}
