package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is the PBKDF2 iteration count for room key derivation.
	KDFIterations = 100_000
	// saltWidth is the fixed width the room id is padded/truncated to.
	saltWidth = 16
)

// DeriveRoomKey derives the symmetric room key from the shared secret.
// The salt comes from the room id alone, so every peer that knows the same
// (roomID, password) pair derives an identical key without any exchange.
func DeriveRoomKey(roomID, password string) []byte {
	return pbkdf2.Key([]byte(password), roomSalt(roomID), KDFIterations, KeySize, sha256.New)
}

func roomSalt(roomID string) []byte {
	salt := make([]byte, saltWidth)
	copy(salt, roomID)
	return salt
}

// passwordDigest fingerprints a password for key-cache lookups without
// retaining the password itself.
func passwordDigest(password string) [sha256.Size]byte {
	return sha256.Sum256([]byte(password))
}
