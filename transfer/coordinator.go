// Package transfer coordinates tiered file sharing through the replicated
// room document: small files travel inline, medium and large files are split
// into fixed-size chunks stored alongside the metadata.
package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomshare/document"
	"roomshare/models"
)

// yieldEveryChunks is how often large-tier shares yield the scheduler so a
// multi-hundred-chunk write does not starve the connection goroutines.
const yieldEveryChunks = 10

// PermissionGate answers authorization questions for destructive operations.
type PermissionGate interface {
	IsAdmin(peerID string) bool
}

// Options configures a Coordinator.
type Options struct {
	// LocalPeerID is the identity files are owned and authored by.
	LocalPeerID string
	// Gate authorizes remove/clear for non-owners. Nil means owner-only.
	Gate   PermissionGate
	Logger *zap.Logger

	// OnFilesChanged fires with the full listing after any metadata change,
	// local or remote.
	OnFilesChanged func(files []models.SharedFile)
	// OnProgress reports chunked share progress in (0, 1].
	OnProgress func(fileID string, fraction float64)
}

// Coordinator manages the shared-files and file-chunks namespaces of one
// room document.
type Coordinator struct {
	localPeerID string
	gate        PermissionGate
	logger      *zap.Logger

	files  *document.Map
	chunks *document.Map

	onFilesChanged func([]models.SharedFile)
	onProgress     func(string, float64)
}

// NewCoordinator builds a coordinator over the room document and wires the
// files-changed observer.
func NewCoordinator(doc *document.Document, options Options) (*Coordinator, error) {
	if doc == nil {
		return nil, errors.New("document is required")
	}
	if strings.TrimSpace(options.LocalPeerID) == "" {
		return nil, errors.New("local peer ID is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	c := &Coordinator{
		localPeerID:    options.LocalPeerID,
		gate:           options.Gate,
		logger:         options.Logger,
		files:          doc.Map(document.NamespaceSharedFiles),
		chunks:         doc.Map(document.NamespaceFileChunks),
		onFilesChanged: options.OnFilesChanged,
		onProgress:     options.OnProgress,
	}

	if c.onFilesChanged != nil {
		c.files.Observe(func() {
			c.onFilesChanged(c.ListFiles())
		})
	}

	return c, nil
}

// ShareRequest describes a file to announce into the room.
type ShareRequest struct {
	Name     string
	MimeType string
	Content  []byte
	// Tier is the requested tier; empty lets the size decide. An undersized
	// request is upgraded, never downgraded.
	Tier models.Tier
}

// ShareFile validates, tiers, and writes a file into the room. Metadata is
// written before chunks so a partially replicated file surfaces as an
// incomplete transfer instead of a phantom. Cancelling the context mid-share
// withdraws whatever was already written.
func (c *Coordinator) ShareFile(ctx context.Context, req ShareRequest) (models.SharedFile, error) {
	if strings.TrimSpace(req.Name) == "" {
		return models.SharedFile{}, ErrEmptyName
	}
	if len(req.Content) == 0 {
		return models.SharedFile{}, ErrEmptyContent
	}

	size := int64(len(req.Content))
	tier, err := DetermineTier(size, req.Tier)
	if err != nil {
		return models.SharedFile{}, err
	}
	if tier.Valid() && tier != req.Tier && req.Tier.Valid() {
		c.logger.Info("upgraded requested transfer tier",
			zap.String("name", req.Name),
			zap.String("requested", string(req.Tier)),
			zap.String("tier", string(tier)))
	}

	file := models.SharedFile{
		FileID:     uuid.NewString(),
		Name:       req.Name,
		SizeBytes:  size,
		MimeType:   req.MimeType,
		UploadedAt: time.Now().UnixMilli(),
		UploadedBy: c.localPeerID,
		OwnerID:    c.localPeerID,
		Tier:       tier,
		IsLocal:    true,
	}

	if tier == models.TierSmall {
		file.Payload = models.InlinePayload{
			Content: base64.StdEncoding.EncodeToString(req.Content),
		}
		if err := c.putFile(file); err != nil {
			return models.SharedFile{}, err
		}
		c.reportProgress(file.FileID, 1)
		return file, nil
	}

	total := chunkCount(size)
	if total > MaxChunks {
		return models.SharedFile{}, &TooManyChunksError{ChunkCount: total}
	}
	file.Payload = models.ChunkedPayload{ChunkCount: total}

	if err := c.putFile(file); err != nil {
		return models.SharedFile{}, err
	}

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			c.withdraw(file.FileID, i)
			return models.SharedFile{}, fmt.Errorf("share %q cancelled: %w", req.Name, err)
		}

		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(req.Content) {
			end = len(req.Content)
		}
		chunk := models.FileChunk{
			FileID: file.FileID,
			Index:  i,
			Data:   base64.StdEncoding.EncodeToString(req.Content[start:end]),
		}
		raw, err := json.Marshal(chunk)
		if err != nil {
			c.withdraw(file.FileID, i)
			return models.SharedFile{}, fmt.Errorf("encode chunk %d of %q: %w", i, req.Name, err)
		}
		if err := c.chunks.Set(models.ChunkKey(file.FileID, i), raw); err != nil {
			c.withdraw(file.FileID, i)
			return models.SharedFile{}, fmt.Errorf("store chunk %d of %q: %w", i, req.Name, err)
		}

		c.reportProgress(file.FileID, float64(i+1)/float64(total))
		if tier == models.TierLarge && (i+1)%yieldEveryChunks == 0 {
			runtime.Gosched()
		}
	}

	c.logger.Info("shared file",
		zap.String("file_id", file.FileID),
		zap.String("name", file.Name),
		zap.Int64("size_bytes", size),
		zap.String("tier", string(tier)),
		zap.Int("chunks", total))
	return file, nil
}

// DownloadFile reassembles a file's content from the room. A chunked file
// whose replication has not finished yields IncompleteTransferError naming
// the first missing chunk.
func (c *Coordinator) DownloadFile(fileID string) ([]byte, error) {
	file, err := c.getFile(fileID)
	if err != nil {
		return nil, err
	}

	switch payload := file.Payload.(type) {
	case models.InlinePayload:
		content, err := base64.StdEncoding.DecodeString(payload.Content)
		if err != nil {
			return nil, fmt.Errorf("decode inline content of %q: %w", fileID, err)
		}
		return content, nil
	case models.ChunkedPayload:
		content := make([]byte, 0, file.SizeBytes)
		for i := 0; i < payload.ChunkCount; i++ {
			raw, ok := c.chunks.Get(models.ChunkKey(fileID, i))
			if !ok {
				return nil, &IncompleteTransferError{FileID: fileID, MissingIndex: i}
			}
			var chunk models.FileChunk
			if err := json.Unmarshal(raw, &chunk); err != nil {
				return nil, fmt.Errorf("decode chunk %d of %q: %w", i, fileID, err)
			}
			data, err := base64.StdEncoding.DecodeString(chunk.Data)
			if err != nil {
				return nil, fmt.Errorf("decode chunk %d data of %q: %w", i, fileID, err)
			}
			content = append(content, data...)
		}
		return content, nil
	default:
		return nil, fmt.Errorf("file %q has no payload", fileID)
	}
}

// RemoveFile deletes a file if the caller owns it or is a room admin.
// Chunks go first so no metadata ever points at withdrawn content on peers
// that see the deltas in order.
func (c *Coordinator) RemoveFile(fileID string) error {
	file, err := c.getFile(fileID)
	if err != nil {
		return err
	}

	if file.OwnerID != c.localPeerID && !c.isAdmin(c.localPeerID) {
		return ErrUnauthorized
	}

	c.deleteChunks(file)
	if err := c.files.Delete(fileID); err != nil {
		return fmt.Errorf("delete file %q: %w", fileID, err)
	}

	c.logger.Info("removed file",
		zap.String("file_id", fileID),
		zap.String("name", file.Name))
	return nil
}

// ClearAllFiles wipes both namespaces. Admin only; chunks are cleared before
// metadata for the same ordering reason as RemoveFile.
func (c *Coordinator) ClearAllFiles() error {
	if !c.isAdmin(c.localPeerID) {
		return ErrUnauthorized
	}

	if err := c.chunks.Clear(); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if err := c.files.Clear(); err != nil {
		return fmt.Errorf("clear files: %w", err)
	}

	c.logger.Info("cleared all shared files")
	return nil
}

// ListFiles returns the room's files, newest first. IsLocal is computed
// against the local peer at read time.
func (c *Coordinator) ListFiles() []models.SharedFile {
	values := c.files.Values()
	out := make([]models.SharedFile, 0, len(values))
	for _, raw := range values {
		var file models.SharedFile
		if err := json.Unmarshal(raw, &file); err != nil {
			c.logger.Warn("skipping malformed shared file entry", zap.Error(err))
			continue
		}
		file.IsLocal = file.OwnerID == c.localPeerID
		out = append(out, file)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt == out[j].UploadedAt {
			return out[i].FileID < out[j].FileID
		}
		return out[i].UploadedAt > out[j].UploadedAt
	})
	return out
}

// GetFile returns one file's metadata with IsLocal computed.
func (c *Coordinator) GetFile(fileID string) (models.SharedFile, error) {
	return c.getFile(fileID)
}

func (c *Coordinator) getFile(fileID string) (models.SharedFile, error) {
	raw, ok := c.files.Get(fileID)
	if !ok {
		return models.SharedFile{}, ErrNotFound
	}
	var file models.SharedFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return models.SharedFile{}, fmt.Errorf("decode file %q: %w", fileID, err)
	}
	file.IsLocal = file.OwnerID == c.localPeerID
	return file, nil
}

func (c *Coordinator) putFile(file models.SharedFile) error {
	raw, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode file %q: %w", file.FileID, err)
	}
	if err := c.files.Set(file.FileID, raw); err != nil {
		return fmt.Errorf("store file %q: %w", file.FileID, err)
	}
	return nil
}

// withdraw removes the metadata and the first written chunks of an aborted
// share.
func (c *Coordinator) withdraw(fileID string, writtenChunks int) {
	for i := 0; i < writtenChunks; i++ {
		_ = c.chunks.Delete(models.ChunkKey(fileID, i))
	}
	_ = c.files.Delete(fileID)
}

func (c *Coordinator) deleteChunks(file models.SharedFile) {
	payload, ok := file.Payload.(models.ChunkedPayload)
	if !ok {
		return
	}
	for i := 0; i < payload.ChunkCount; i++ {
		_ = c.chunks.Delete(models.ChunkKey(file.FileID, i))
	}
}

func (c *Coordinator) isAdmin(peerID string) bool {
	return c.gate != nil && c.gate.IsAdmin(peerID)
}

func (c *Coordinator) reportProgress(fileID string, fraction float64) {
	if c.onProgress != nil {
		c.onProgress(fileID, fraction)
	}
}
