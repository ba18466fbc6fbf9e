package transfer

import "roomshare/models"

const (
	// TierSmallMax is the inline-payload ceiling (5 MiB).
	TierSmallMax = 5 * 1024 * 1024
	// TierMediumMax is the medium-tier ceiling (50 MiB).
	TierMediumMax = 50 * 1024 * 1024
	// TierLargeMax is the absolute size ceiling (200 MiB).
	TierLargeMax = 200 * 1024 * 1024

	// ChunkSize is the fixed chunk payload size for chunked tiers.
	ChunkSize = 256 * 1024
	// MaxChunks caps how many chunks one file may occupy in the room.
	MaxChunks = 1000
)

// DetermineTier picks the transfer tier for a file size. A requested tier is
// honored unless the content needs a bigger one; tiers are upgraded
// automatically, never downgraded. Content above the large ceiling is
// rejected with FileTooLargeError.
func DetermineTier(size int64, requested models.Tier) (models.Tier, error) {
	if size > TierLargeMax {
		return "", &FileTooLargeError{Size: size}
	}

	var required models.Tier
	switch {
	case size <= TierSmallMax:
		required = models.TierSmall
	case size <= TierMediumMax:
		required = models.TierMedium
	default:
		required = models.TierLarge
	}

	if !requested.Valid() {
		return required, nil
	}
	if tierRank(requested) < tierRank(required) {
		return required, nil
	}
	return requested, nil
}

func tierRank(tier models.Tier) int {
	switch tier {
	case models.TierSmall:
		return 0
	case models.TierMedium:
		return 1
	case models.TierLarge:
		return 2
	default:
		return -1
	}
}

// chunkCount is the ceiling division of size by ChunkSize.
func chunkCount(size int64) int {
	return int((size + ChunkSize - 1) / ChunkSize)
}
