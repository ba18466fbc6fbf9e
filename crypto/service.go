package crypto

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrRoomNotInitialized indicates an operation against a room whose key was
// never derived.
var ErrRoomNotInitialized = errors.New("crypto: room encryption not initialized")

type cacheKey struct {
	roomID string
	digest [sha256.Size]byte
}

// Service holds per-room encryption state. It is the only owner of derived
// keys; they are never exposed through an accessor or written to disk.
type Service struct {
	logger *zap.Logger

	mu       sync.RWMutex
	roomKeys map[string][]byte
	keyCache map[cacheKey][]byte
}

// NewService creates an encryption service. A nil logger disables logging.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		logger:   logger,
		roomKeys: make(map[string][]byte),
		keyCache: make(map[cacheKey][]byte),
	}
}

// InitializeRoom derives and registers the room key. The derivation is
// deliberately CPU-expensive; ctx lets callers abandon it early. Previously
// derived keys are served from the cache so reconnects skip the KDF.
func (s *Service) InitializeRoom(ctx context.Context, roomID, password string) error {
	if roomID == "" {
		return errors.New("room ID is required")
	}

	ck := cacheKey{roomID: roomID, digest: passwordDigest(password)}

	s.mu.RLock()
	cached, ok := s.keyCache[ck]
	s.mu.RUnlock()

	var key []byte
	if ok {
		key = cached
	} else {
		done := make(chan []byte, 1)
		go func() {
			done <- DeriveRoomKey(roomID, password)
		}()
		select {
		case key = <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.roomKeys[roomID] = key
	s.keyCache[ck] = key
	s.mu.Unlock()

	s.logger.Debug("room encryption initialized", zap.String("room_id", roomID), zap.Bool("cached", ok))
	return nil
}

// DisableRoom drops the room's key. Messages for the room pass through
// unencrypted afterwards; the derivation cache is kept for reconnects.
func (s *Service) DisableRoom(roomID string) {
	s.mu.Lock()
	delete(s.roomKeys, roomID)
	s.mu.Unlock()
}

// Enabled reports whether the room has an active key.
func (s *Service) Enabled(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.roomKeys[roomID]
	return ok
}

// EncryptRoomMessage seals data for a room. Rooms without encryption pass
// data through unchanged: an explicit opt-out, not a silent failure.
func (s *Service) EncryptRoomMessage(roomID string, data []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.roomKeys[roomID]
	s.mu.RUnlock()
	if !ok {
		return data, nil
	}
	return Seal(key, data)
}

// DecryptRoomMessage opens an inbound payload for a room. Plaintext payloads
// (legacy/unencrypted marker) pass through for compatibility; a failed
// decrypt is reported as ErrDecryptFailed so the caller can drop the message
// without crashing the merge pipeline.
func (s *Service) DecryptRoomMessage(roomID string, data []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.roomKeys[roomID]
	s.mu.RUnlock()
	if !ok {
		return data, nil
	}
	if !IsEncryptedEnvelope(data) {
		return data, nil
	}

	plaintext, err := Open(key, data)
	if err != nil {
		s.logger.Warn("dropping undecryptable room message, likely wrong key",
			zap.String("room_id", roomID), zap.Int("size", len(data)))
		return nil, err
	}
	return plaintext, nil
}
