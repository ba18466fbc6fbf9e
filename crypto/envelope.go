package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// PlaintextMarker is the leading byte of unencrypted document updates.
	// Sealed envelopes never start with this byte.
	PlaintextMarker byte = 0x00

	gcmTagSize = 16
)

// ErrDecryptFailed indicates a wrong key or a tampered envelope.
var ErrDecryptFailed = errors.New("crypto: decrypt failed")

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce and
// returns nonce||ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid room key length: got %d want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	for {
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		// A nonce starting with the plaintext marker would make the envelope
		// indistinguishable from an unencrypted update during dispatch.
		if nonce[0] != PlaintextMarker {
			break
		}
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open splits nonce||ciphertext and decrypts. Wrong key or tampering surfaces
// as ErrDecryptFailed, never as garbage plaintext.
func Open(key, envelope []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid room key length: got %d want %d", len(key), KeySize)
	}
	if len(envelope) < NonceSize+gcmTagSize {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce, ciphertext := envelope[:NonceSize], envelope[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}

// IsEncryptedEnvelope is a structural check used to route inbound payloads
// during the plaintext-compatibility transition. It is a dispatch heuristic,
// not a security boundary.
func IsEncryptedEnvelope(b []byte) bool {
	return len(b) >= NonceSize+gcmTagSize && b[0] != PlaintextMarker
}
