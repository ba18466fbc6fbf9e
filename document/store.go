package document

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Persister loads and saves document snapshots. This is the only persistence
// surface the replication core touches.
type Persister interface {
	SaveSnapshot(docID string, snapshot []byte) error
	// LoadSnapshot returns ok=false when no snapshot exists for docID.
	LoadSnapshot(docID string) (snapshot []byte, ok bool, err error)
}

// Store owns the canonical replicated documents, one per room. Everything
// else in the process reads file state through here so remote merges are
// immediately visible.
type Store struct {
	actor   string
	persist Persister
	logger  *zap.Logger

	mu   sync.Mutex
	docs map[string]*Document
}

// NewStore creates a document store. persist may be nil for purely in-memory
// operation (tests, ephemeral rooms).
func NewStore(actor string, persist Persister, logger *zap.Logger) (*Store, error) {
	if actor == "" {
		return nil, errors.New("actor ID is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		actor:   actor,
		persist: persist,
		logger:  logger,
		docs:    make(map[string]*Document),
	}, nil
}

// Document returns the replicated document for id, creating it on first use.
// A persisted snapshot, when present, is loaded before the document is handed
// out so late observers can be given the initial-load signal.
func (s *Store) Document(id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[id]; ok {
		return doc, nil
	}

	doc, err := NewDocument(id, s.actor, s.logger)
	if err != nil {
		return nil, err
	}

	if s.persist != nil {
		raw, ok, err := s.persist.LoadSnapshot(id)
		if err != nil {
			return nil, fmt.Errorf("load snapshot for %q: %w", id, err)
		}
		if ok {
			if err := doc.LoadSnapshot(raw); err != nil {
				return nil, err
			}
		}
	}

	s.docs[id] = doc
	return doc, nil
}

// Map is the get_map convenience: the namespace map of a room document.
func (s *Store) Map(docID, namespace string) (*Map, error) {
	doc, err := s.Document(docID)
	if err != nil {
		return nil, err
	}
	return doc.Map(namespace), nil
}

// Persist writes the current snapshot of one document.
func (s *Store) Persist(docID string) error {
	if s.persist == nil {
		return nil
	}

	s.mu.Lock()
	doc, ok := s.docs[docID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	raw, err := doc.Snapshot()
	if err != nil {
		return err
	}
	if err := s.persist.SaveSnapshot(docID, raw); err != nil {
		return fmt.Errorf("save snapshot for %q: %w", docID, err)
	}
	return nil
}

// PersistAll snapshots every open document, keeping the first error.
func (s *Store) PersistAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Persist(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
