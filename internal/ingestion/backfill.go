package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"seisflow/internal/domain"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
	"seisflow/internal/storage"
)

// ChunkSource provides historical chunks, e.g. an archive file.
type ChunkSource interface {
	// Chunks returns every chunk in the source. Order is not guaranteed.
	Chunks(ctx context.Context) ([]*domain.Chunk, error)
}

// Backfiller loads historical chunks into the store. Chunk payloads are
// stored as they are; no recompression happens.
type Backfiller struct {
	store     storage.WaveformStore
	batchSize int
	logger    *logrus.Entry
}

// BackfillOptions contains configuration for creating a Backfiller.
type BackfillOptions struct {
	Store     storage.WaveformStore
	BatchSize int // chunks between progress logs
	Logger    *logrus.Entry
}

// BackfillResult summarises one run.
type BackfillResult struct {
	Channels  int
	Inserted  int
	Skipped   int
	Reordered bool // the source was not already in (channel, start) order
}

// NewBackfiller creates a new historical data backfiller.
func NewBackfiller(opts BackfillOptions) *Backfiller {
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = 1000
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("backfill")
	}

	return &Backfiller{
		store:     opts.Store,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run reads all chunks from src and inserts them in deterministic order.
// Invalid chunks are skipped; store failures abort the run.
func (b *Backfiller) Run(ctx context.Context, src ChunkSource) (BackfillResult, error) {
	chunks, err := src.Chunks(ctx)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("read source: %w", err)
	}
	return b.Insert(ctx, chunks)
}

// Insert stores chunks sorted by (channel, start), provisioning channels
// as they appear.
func (b *Backfiller) Insert(ctx context.Context, chunks []*domain.Chunk) (BackfillResult, error) {
	var res BackfillResult
	if err := ValidateChunkOrdering(chunks); err != nil {
		SortChunks(chunks)
		res.Reordered = true
	}

	begin := time.Now()
	current := ""
	for i, c := range chunks {
		if err := storage.ValidateChunk(c); err != nil {
			res.Skipped++
			b.logger.WithError(err).Warn("skipping invalid chunk")
			continue
		}

		if c.ChannelID != current {
			if err := b.store.Create(ctx, c.ChannelID); err != nil {
				return res, fmt.Errorf("create channel %s: %w", c.ChannelID, err)
			}
			current = c.ChannelID
			res.Channels++
		}

		start := time.Now()
		if err := b.store.Insert(ctx, c); err != nil {
			if errors.Is(err, storage.ErrInvalidInput) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("insert chunk %d of %s: %w", i, c.ChannelID, err)
		}
		observability.RecordChunkStored(c.ExpectedSamples(), time.Since(start))
		res.Inserted++

		if res.Inserted%b.batchSize == 0 {
			b.logger.WithField("inserted", res.Inserted).Info("backfill progress")
		}
	}

	b.logger.WithFields(logrus.Fields{
		"channels":  res.Channels,
		"inserted":  res.Inserted,
		"skipped":   res.Skipped,
		"reordered": res.Reordered,
		"elapsed":   time.Since(begin),
	}).Info("backfill complete")
	return res, nil
}
