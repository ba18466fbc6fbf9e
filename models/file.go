package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tier is the size class of a shared file.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t == TierSmall || t == TierMedium || t == TierLarge
}

// FilePayload is the closed set of payload shapes a SharedFile can carry:
// either the full content inline, or a count of separately stored chunks.
type FilePayload interface {
	isFilePayload()
}

// InlinePayload holds the full base64-encoded content of a small-tier file.
type InlinePayload struct {
	Content string
}

func (InlinePayload) isFilePayload() {}

// ChunkedPayload records how many ordered chunks a medium/large-tier file
// was split into. The chunks themselves live in the chunk namespace.
type ChunkedPayload struct {
	ChunkCount int
}

func (ChunkedPayload) isFilePayload() {}

// SharedFile is a file announced into a room. Immutable once announced,
// except deletion.
type SharedFile struct {
	FileID     string `json:"file_id"`
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes"`
	MimeType   string `json:"mime_type"`
	UploadedAt int64  `json:"uploaded_at"`
	UploadedBy string `json:"uploaded_by"`
	OwnerID    string `json:"owner_id"`
	Tier       Tier   `json:"tier"`

	// Payload is exactly one of InlinePayload or ChunkedPayload.
	Payload FilePayload `json:"-"`

	// IsLocal is computed at read time and never stored.
	IsLocal bool `json:"-"`
}

type sharedFileWire struct {
	FileID     string  `json:"file_id"`
	Name       string  `json:"name"`
	SizeBytes  int64   `json:"size_bytes"`
	MimeType   string  `json:"mime_type"`
	UploadedAt int64   `json:"uploaded_at"`
	UploadedBy string  `json:"uploaded_by"`
	OwnerID    string  `json:"owner_id"`
	Tier       Tier    `json:"tier"`
	Content    *string `json:"content,omitempty"`
	ChunkCount *int    `json:"chunk_count,omitempty"`
}

// MarshalJSON writes the wire shape with exactly one of content/chunk_count.
func (f SharedFile) MarshalJSON() ([]byte, error) {
	wire := sharedFileWire{
		FileID:     f.FileID,
		Name:       f.Name,
		SizeBytes:  f.SizeBytes,
		MimeType:   f.MimeType,
		UploadedAt: f.UploadedAt,
		UploadedBy: f.UploadedBy,
		OwnerID:    f.OwnerID,
		Tier:       f.Tier,
	}

	switch payload := f.Payload.(type) {
	case InlinePayload:
		wire.Content = &payload.Content
	case ChunkedPayload:
		wire.ChunkCount = &payload.ChunkCount
	default:
		return nil, errors.New("models: shared file payload is required")
	}

	return json.Marshal(wire)
}

// UnmarshalJSON rejects entries that violate the one-of payload invariant.
func (f *SharedFile) UnmarshalJSON(data []byte) error {
	var wire sharedFileWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode shared file: %w", err)
	}
	if (wire.Content == nil) == (wire.ChunkCount == nil) {
		return errors.New("models: shared file must carry exactly one of content or chunk_count")
	}

	f.FileID = wire.FileID
	f.Name = wire.Name
	f.SizeBytes = wire.SizeBytes
	f.MimeType = wire.MimeType
	f.UploadedAt = wire.UploadedAt
	f.UploadedBy = wire.UploadedBy
	f.OwnerID = wire.OwnerID
	f.Tier = wire.Tier
	if wire.Content != nil {
		f.Payload = InlinePayload{Content: *wire.Content}
	} else {
		f.Payload = ChunkedPayload{ChunkCount: *wire.ChunkCount}
	}
	return nil
}
