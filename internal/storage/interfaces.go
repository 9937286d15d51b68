package storage

import (
	"context"
	"time"

	"seisflow/internal/domain"
)

// WaveformStore owns one logical table of chunks per channel.
//
// Inserts and range queries for the same channel may interleave. A query
// running concurrently with an insert may or may not observe the new chunk.
type WaveformStore interface {
	// Create provisions storage for a channel if absent. Idempotent.
	Create(ctx context.Context, channelID string) error

	// CreateStrict provisions storage for a channel. Returns ErrAlreadyExists if present.
	CreateStrict(ctx context.Context, channelID string) error

	// Drop removes all chunks and the channel's table. Idempotent.
	Drop(ctx context.Context, channelID string) error

	// Insert appends a chunk. No overlap check is performed.
	// Returns ErrChannelNotFound if the channel was never created.
	Insert(ctx context.Context, chunk *domain.Chunk) error

	// Query returns every chunk intersecting [start, end] (inclusive), ordered
	// by start ASC then insertion order. Chunks are returned in full.
	// Returns ErrChannelNotFound if the channel was never created.
	Query(ctx context.Context, channelID string, start, end time.Time) ([]*domain.Chunk, error)

	// LatestSampleTime returns the end of the newest chunk, or nil if the channel is empty.
	LatestSampleTime(ctx context.Context, channelID string) (*time.Time, error)

	// ApproximateSize returns the channel's storage footprint in bytes.
	ApproximateSize(ctx context.Context, channelID string) (int64, error)

	// Channels returns all provisioned channel ids, sorted.
	Channels(ctx context.Context) ([]string, error)
}

// ValidateChunk checks the fields every backend requires before insert.
func ValidateChunk(c *domain.Chunk) error {
	if c == nil || c.ChannelID == "" {
		return ErrInvalidInput
	}
	if c.SampleRate <= 0 || !c.DType.Valid() {
		return ErrInvalidInput
	}
	if c.End.Before(c.Start) {
		return ErrInvalidInput
	}
	return nil
}
