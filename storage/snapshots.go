package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSnapshot upserts the replicated-document snapshot for a document id.
func (s *Store) SaveSnapshot(docID string, snapshot []byte) error {
	if docID == "" {
		return errors.New("doc_id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO document_snapshots (doc_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		docID,
		snapshot,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", docID, err)
	}

	return nil
}

// LoadSnapshot reads a snapshot. ok is false when none was ever saved.
func (s *Store) LoadSnapshot(docID string) ([]byte, bool, error) {
	if docID == "" {
		return nil, false, errors.New("doc_id is required")
	}

	var snapshot []byte
	err := s.db.QueryRow(
		`SELECT snapshot FROM document_snapshots WHERE doc_id = ?`,
		docID,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot %q: %w", docID, err)
	}

	return snapshot, true, nil
}

// DeleteSnapshot removes a snapshot, reporting ErrNotFound when absent.
func (s *Store) DeleteSnapshot(docID string) error {
	if docID == "" {
		return errors.New("doc_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM document_snapshots WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("delete snapshot %q: %w", docID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for snapshot delete: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
