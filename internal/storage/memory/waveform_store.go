package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"seisflow/internal/domain"
	"seisflow/internal/storage"
)

// channelTable holds the chunks of one channel. Each table has its own lock
// so traffic on one channel never contends with another.
type channelTable struct {
	mu     sync.RWMutex
	chunks []*domain.Chunk // insertion order
	bytes  int64
}

// WaveformStore is an in-memory implementation of storage.WaveformStore.
type WaveformStore struct {
	mu     sync.RWMutex // guards the tables map only
	tables map[string]*channelTable
}

// NewWaveformStore creates a new in-memory waveform store.
func NewWaveformStore() *WaveformStore {
	return &WaveformStore{
		tables: make(map[string]*channelTable),
	}
}

// Create provisions a channel if absent.
func (s *WaveformStore) Create(_ context.Context, channelID string) error {
	if channelID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[channelID]; !ok {
		s.tables[channelID] = &channelTable{}
	}
	return nil
}

// CreateStrict provisions a channel. Returns ErrAlreadyExists if present.
func (s *WaveformStore) CreateStrict(_ context.Context, channelID string) error {
	if channelID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[channelID]; ok {
		return storage.ErrAlreadyExists
	}
	s.tables[channelID] = &channelTable{}
	return nil
}

// Drop removes a channel and all its chunks. Idempotent.
func (s *WaveformStore) Drop(_ context.Context, channelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tables, channelID)
	return nil
}

// Insert appends a chunk to its channel.
func (s *WaveformStore) Insert(_ context.Context, chunk *domain.Chunk) error {
	if err := storage.ValidateChunk(chunk); err != nil {
		return err
	}

	table, err := s.table(chunk.ChannelID)
	if err != nil {
		return err
	}

	c := copyChunk(chunk)
	c.Start = domain.Microseconds(c.Start)
	c.End = domain.Microseconds(c.End)

	table.mu.Lock()
	table.chunks = append(table.chunks, c)
	table.bytes += int64(len(c.Payload))
	table.mu.Unlock()

	return nil
}

// Query returns chunks intersecting [start, end], ordered by start ASC.
func (s *WaveformStore) Query(_ context.Context, channelID string, start, end time.Time) ([]*domain.Chunk, error) {
	table, err := s.table(channelID)
	if err != nil {
		return nil, err
	}

	table.mu.RLock()
	var result []*domain.Chunk
	for _, c := range table.chunks {
		if c.Overlaps(start, end) {
			result = append(result, copyChunk(c))
		}
	}
	table.mu.RUnlock()

	// Stable sort keeps insertion order among equal starts
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Start.Before(result[j].Start)
	})

	return result, nil
}

// LatestSampleTime returns the latest chunk end, or nil if empty.
func (s *WaveformStore) LatestSampleTime(_ context.Context, channelID string) (*time.Time, error) {
	table, err := s.table(channelID)
	if err != nil {
		return nil, err
	}

	table.mu.RLock()
	defer table.mu.RUnlock()

	var latest *time.Time
	for _, c := range table.chunks {
		if latest == nil || c.End.After(*latest) {
			end := c.End
			latest = &end
		}
	}
	return latest, nil
}

// ApproximateSize returns the total payload bytes held for a channel.
func (s *WaveformStore) ApproximateSize(_ context.Context, channelID string) (int64, error) {
	table, err := s.table(channelID)
	if err != nil {
		return 0, err
	}

	table.mu.RLock()
	defer table.mu.RUnlock()
	return table.bytes, nil
}

// Channels returns provisioned channel ids, sorted.
func (s *WaveformStore) Channels(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *WaveformStore) table(channelID string) (*channelTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.tables[channelID]
	if !ok {
		return nil, storage.ErrChannelNotFound
	}
	return table, nil
}

func copyChunk(c *domain.Chunk) *domain.Chunk {
	cp := *c
	cp.Payload = append([]byte(nil), c.Payload...)
	return &cp
}

var _ storage.WaveformStore = (*WaveformStore)(nil)
