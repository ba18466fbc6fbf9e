package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the file id has no metadata in the room.
	ErrNotFound = errors.New("transfer: file not found")
	// ErrUnauthorized indicates the caller may not perform the operation.
	ErrUnauthorized = errors.New("transfer: operation not allowed")
	// ErrEmptyName indicates a share request without a file name.
	ErrEmptyName = errors.New("transfer: file name is required")
	// ErrEmptyContent indicates a share request with no content.
	ErrEmptyContent = errors.New("transfer: file content is empty")
)

// FileTooLargeError rejects content above the large-tier ceiling. The size
// is carried so callers can show it.
type FileTooLargeError struct {
	Size int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("transfer: file of %d bytes exceeds the %d byte limit", e.Size, TierLargeMax)
}

// TooManyChunksError rejects content that would occupy more chunk entries
// than one file may hold. The computed count is carried so callers can show
// it.
type TooManyChunksError struct {
	ChunkCount int
}

func (e *TooManyChunksError) Error() string {
	return fmt.Sprintf("transfer: file needs %d chunks, the limit is %d", e.ChunkCount, MaxChunks)
}

// IncompleteTransferError reports the first missing chunk of a file whose
// metadata arrived before all of its chunks.
type IncompleteTransferError struct {
	FileID       string
	MissingIndex int
}

func (e *IncompleteTransferError) Error() string {
	return fmt.Sprintf("transfer: file %q is missing chunk %d", e.FileID, e.MissingIndex)
}
