package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"seisflow/internal/domain"
	"seisflow/internal/storage"
)

// WaveformStore implements storage.WaveformStore on a single waveform_chunks
// table keyed by channel_id. Channel provisioning lives in the
// waveform_channels registry, a ReplacingMergeTree where the newest version
// of a row wins and deleted=1 marks a tombstone.
//
// ClickHouse has no transactions, so create/drop are serialized per process
// only. A drop issued by another process is not seen by this store's cache
// until restart.
type WaveformStore struct {
	conn  *Conn
	ddlMu sync.Mutex
	known sync.Map // channel id -> struct{}
	now   func() time.Time
}

// NewWaveformStore creates a new WaveformStore.
func NewWaveformStore(conn *Conn) *WaveformStore {
	return &WaveformStore{conn: conn, now: time.Now}
}

// Compile-time interface check.
var _ storage.WaveformStore = (*WaveformStore)(nil)

// Create registers the channel if absent.
func (s *WaveformStore) Create(ctx context.Context, channelID string) error {
	_, err := s.create(ctx, channelID)
	return err
}

// CreateStrict registers the channel. Returns ErrAlreadyExists if live.
func (s *WaveformStore) CreateStrict(ctx context.Context, channelID string) error {
	created, err := s.create(ctx, channelID)
	if err != nil {
		return err
	}
	if !created {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (s *WaveformStore) create(ctx context.Context, channelID string) (bool, error) {
	if channelID == "" {
		return false, storage.ErrInvalidInput
	}

	s.ddlMu.Lock()
	defer s.ddlMu.Unlock()

	exists, err := s.lookup(ctx, channelID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if err := s.writeRegistry(ctx, channelID, false); err != nil {
		return false, fmt.Errorf("register channel %s: %w", channelID, err)
	}
	s.known.Store(channelID, struct{}{})
	return true, nil
}

// Drop tombstones the channel and deletes its chunks. Idempotent.
func (s *WaveformStore) Drop(ctx context.Context, channelID string) error {
	s.ddlMu.Lock()
	defer s.ddlMu.Unlock()

	s.known.Delete(channelID)

	if err := s.writeRegistry(ctx, channelID, true); err != nil {
		return fmt.Errorf("tombstone channel %s: %w", channelID, err)
	}
	// Wait for the mutation so a following Query sees no rows
	mctx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 1,
	}))
	if err := s.conn.Exec(mctx, `ALTER TABLE waveform_chunks DELETE WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("delete chunks for %s: %w", channelID, err)
	}
	return nil
}

// Insert appends a chunk row.
func (s *WaveformStore) Insert(ctx context.Context, c *domain.Chunk) error {
	if err := storage.ValidateChunk(c); err != nil {
		return err
	}
	if err := s.requireChannel(ctx, c.ChannelID); err != nil {
		return err
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO waveform_chunks (
			channel_id, start_time, end_time, sample_rate, dtype, payload, inserted_ns
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		c.ChannelID,
		domain.Microseconds(c.Start),
		domain.Microseconds(c.End),
		c.SampleRate,
		string(c.DType),
		string(c.Payload),
		uint64(s.now().UnixNano()),
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Query returns chunks intersecting [start, end], ordered by start then insertion.
func (s *WaveformStore) Query(ctx context.Context, channelID string, start, end time.Time) ([]*domain.Chunk, error) {
	if err := s.requireChannel(ctx, channelID); err != nil {
		return nil, err
	}

	query := `
		SELECT start_time, end_time, sample_rate, dtype, payload
		FROM waveform_chunks
		WHERE channel_id = ? AND start_time <= ? AND end_time >= ?
		ORDER BY start_time ASC, inserted_ns ASC
	`

	rows, err := s.conn.Query(ctx, query, channelID, domain.Microseconds(end), domain.Microseconds(start))
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	return scanChunks(channelID, rows)
}

// LatestSampleTime returns the greatest chunk end, or nil if the channel is empty.
func (s *WaveformStore) LatestSampleTime(ctx context.Context, channelID string) (*time.Time, error) {
	if err := s.requireChannel(ctx, channelID); err != nil {
		return nil, err
	}

	var (
		latest time.Time
		count  uint64
	)
	err := s.conn.QueryRow(ctx, `
		SELECT max(end_time), count()
		FROM waveform_chunks
		WHERE channel_id = ?
	`, channelID).Scan(&latest, &count)
	if err != nil {
		return nil, fmt.Errorf("latest sample time: %w", err)
	}
	if count == 0 {
		return nil, nil
	}
	latest = latest.UTC()
	return &latest, nil
}

// ApproximateSize returns the payload bytes stored for the channel.
func (s *WaveformStore) ApproximateSize(ctx context.Context, channelID string) (int64, error) {
	if err := s.requireChannel(ctx, channelID); err != nil {
		return 0, err
	}

	var size uint64
	err := s.conn.QueryRow(ctx, `
		SELECT sum(length(payload))
		FROM waveform_chunks
		WHERE channel_id = ?
	`, channelID).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("approximate size: %w", err)
	}
	return int64(size), nil
}

// Channels returns live channel ids, sorted.
func (s *WaveformStore) Channels(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT channel_id
		FROM waveform_channels FINAL
		WHERE deleted = 0
		ORDER BY channel_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return ids, nil
}

// requireChannel returns ErrChannelNotFound unless the channel is live.
func (s *WaveformStore) requireChannel(ctx context.Context, channelID string) error {
	if _, ok := s.known.Load(channelID); ok {
		return nil
	}
	exists, err := s.lookup(ctx, channelID)
	if err != nil {
		return err
	}
	if !exists {
		return storage.ErrChannelNotFound
	}
	s.known.Store(channelID, struct{}{})
	return nil
}

// lookup reads the newest registry row for a channel.
func (s *WaveformStore) lookup(ctx context.Context, channelID string) (bool, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT argMax(deleted, version)
		FROM waveform_channels
		WHERE channel_id = ?
		GROUP BY channel_id
	`, channelID)
	if err != nil {
		return false, fmt.Errorf("lookup channel: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return false, rows.Err()
	}
	var deleted uint8
	if err := rows.Scan(&deleted); err != nil {
		return false, fmt.Errorf("scan channel: %w", err)
	}
	return deleted == 0, nil
}

func (s *WaveformStore) writeRegistry(ctx context.Context, channelID string, deleted bool) error {
	var flag uint8
	if deleted {
		flag = 1
	}
	return s.conn.Exec(ctx, `
		INSERT INTO waveform_channels (channel_id, table_name, deleted, version)
		VALUES (?, ?, ?, ?)
	`, channelID, storage.TableName(channelID), flag, uint64(s.now().UnixNano()))
}

// chRows is the subset of driver.Rows used by scanners.
type chRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanChunks scans multiple chunk rows.
func scanChunks(channelID string, rows chRows) ([]*domain.Chunk, error) {
	var chunks []*domain.Chunk

	for rows.Next() {
		var (
			c       domain.Chunk
			dtype   string
			payload string
		)
		if err := rows.Scan(&c.Start, &c.End, &c.SampleRate, &dtype, &payload); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.ChannelID = channelID
		c.Start = c.Start.UTC()
		c.End = c.End.UTC()
		c.DType = domain.DType(dtype)
		c.Payload = []byte(payload)
		chunks = append(chunks, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	return chunks, nil
}
