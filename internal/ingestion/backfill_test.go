package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seisflow/internal/codec"
	"seisflow/internal/domain"
	"seisflow/internal/logging"
	"seisflow/internal/storage/memory"
)

type staticSource []*domain.Chunk

func (s staticSource) Chunks(context.Context) ([]*domain.Chunk, error) {
	return s, nil
}

func chunkAt(t *testing.T, channel string, n int) *domain.Chunk {
	t.Helper()
	payload, err := codec.Compress(domain.DTypeInt32, []float64{float64(n), float64(n)})
	require.NoError(t, err)
	start := t0.Add(time.Duration(n) * time.Second)
	return &domain.Chunk{
		ChannelID:  channel,
		Start:      start,
		End:        start.Add(10 * time.Millisecond),
		SampleRate: 100,
		DType:      domain.DTypeInt32,
		Payload:    payload,
	}
}

func TestSortChunks(t *testing.T) {
	chunks := []*domain.Chunk{
		chunkAt(t, "B", 1),
		chunkAt(t, "A", 2),
		chunkAt(t, "B", 0),
		chunkAt(t, "A", 1),
	}
	require.ErrorIs(t, ValidateChunkOrdering(chunks), ErrInvalidOrdering)

	SortChunks(chunks)
	require.NoError(t, ValidateChunkOrdering(chunks))

	var got []string
	for _, c := range chunks {
		got = append(got, c.ChannelID+c.Start.Format("05"))
	}
	assert.Equal(t, []string{"A01", "A02", "B00", "B01"}, got)
}

func TestBackfiller_Run(t *testing.T) {
	ctx := context.Background()
	store := memory.NewWaveformStore()
	b := NewBackfiller(BackfillOptions{Store: store, BatchSize: 1, Logger: logging.Discard()})

	invalid := chunkAt(t, "NZ.WEL.10.HHZ", 9)
	invalid.SampleRate = 0

	res, err := b.Run(ctx, staticSource{
		chunkAt(t, "NZ.WEL.10.HHZ", 2),
		chunkAt(t, "NZ.WEL.10.HHN", 0),
		chunkAt(t, "NZ.WEL.10.HHZ", 0),
		invalid,
	})
	require.NoError(t, err)
	assert.Equal(t, BackfillResult{Channels: 2, Inserted: 3, Skipped: 1, Reordered: true}, res)

	chunks, err := store.Query(ctx, "NZ.WEL.10.HHZ", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].Start.Equal(t0))
}

func TestBackfiller_OrderedSourceKeptAsIs(t *testing.T) {
	store := memory.NewWaveformStore()
	b := NewBackfiller(BackfillOptions{Store: store, Logger: logging.Discard()})

	src := staticSource{
		chunkAt(t, "NZ.WEL.10.HHN", 0),
		chunkAt(t, "NZ.WEL.10.HHZ", 0),
		chunkAt(t, "NZ.WEL.10.HHZ", 1),
	}
	res, err := b.Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, BackfillResult{Channels: 2, Inserted: 3}, res)
}
