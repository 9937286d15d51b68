package ingestion

import (
	"errors"
	"sort"

	"seisflow/internal/domain"
)

// ErrInvalidOrdering is returned when chunks are not properly ordered.
var ErrInvalidOrdering = errors.New("chunks are not in deterministic order")

// SortChunks orders chunks by (channel_id ASC, start ASC, end ASC). The sort
// is stable so equal keys keep their arrival order.
func SortChunks(chunks []*domain.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return compareChunks(chunks[i], chunks[j]) < 0
	})
}

// ValidateChunkOrdering checks if chunks are properly ordered.
// Returns ErrInvalidOrdering if not.
func ValidateChunkOrdering(chunks []*domain.Chunk) error {
	for i := 1; i < len(chunks); i++ {
		if compareChunks(chunks[i-1], chunks[i]) > 0 {
			return ErrInvalidOrdering
		}
	}
	return nil
}

// compareChunks returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
//
// Order: (channel_id ASC, start ASC, end ASC)
func compareChunks(a, b *domain.Chunk) int {
	if a.ChannelID != b.ChannelID {
		if a.ChannelID < b.ChannelID {
			return -1
		}
		return 1
	}
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return a.End.Compare(b.End)
}
