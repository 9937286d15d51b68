package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"seisflow/internal/domain"
	"seisflow/internal/storage"
)

// Options configures the Postgres waveform store.
type Options struct {
	// Hypertables converts each channel table into a TimescaleDB hypertable
	// partitioned on start. Requires the timescaledb extension.
	Hypertables bool
}

// WaveformStore implements storage.WaveformStore with one physical table per
// channel. The waveform_channels registry maps channel ids to table names.
type WaveformStore struct {
	pool *Pool
	opts Options
}

// NewWaveformStore creates a new WaveformStore.
func NewWaveformStore(pool *Pool, opts Options) *WaveformStore {
	return &WaveformStore{pool: pool, opts: opts}
}

// Compile-time interface check.
var _ storage.WaveformStore = (*WaveformStore)(nil)

// Create provisions the channel table if absent.
func (s *WaveformStore) Create(ctx context.Context, channelID string) error {
	_, err := s.create(ctx, channelID)
	return err
}

// CreateStrict provisions the channel table. Returns ErrAlreadyExists if registered.
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

// create runs DDL under a transaction-scoped advisory lock keyed by table
// name, so concurrent creates and drops of one channel serialize.
func (s *WaveformStore) create(ctx context.Context, channelID string) (bool, error) {
	if channelID == "" {
		return false, storage.ErrInvalidInput
	}
	table := storage.TableName(channelID)
	ident := pgx.Identifier{table}.Sanitize()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin create channel: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return false, fmt.Errorf("lock channel %s: %w", channelID, err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL,
			start       TIMESTAMPTZ NOT NULL,
			"end"       TIMESTAMPTZ NOT NULL,
			sample_rate DOUBLE PRECISION NOT NULL,
			dtype       TEXT NOT NULL,
			payload     BYTEA NOT NULL
		)
	`, ident)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return false, fmt.Errorf("create table for %s: %w", channelID, err)
	}

	index := pgx.Identifier{table + "_range_idx"}.Sanitize()
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (start, "end")`, index, ident)); err != nil {
		return false, fmt.Errorf("create index for %s: %w", channelID, err)
	}

	if s.opts.Hypertables {
		if _, err := tx.Exec(ctx,
			`SELECT create_hypertable($1::text::regclass, 'start', if_not_exists => TRUE, migrate_data => TRUE)`,
			table,
		); err != nil {
			return false, fmt.Errorf("create hypertable for %s: %w", channelID, err)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO waveform_channels (channel_id, table_name)
		VALUES ($1, $2)
		ON CONFLICT (channel_id) DO NOTHING
	`, channelID, table)
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, fmt.Errorf("register channel %s: table name collision: %w", channelID, storage.ErrAlreadyExists)
		}
		return false, fmt.Errorf("register channel %s: %w", channelID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit create channel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Drop removes the channel table and its registry row. Idempotent.
func (s *WaveformStore) Drop(ctx context.Context, channelID string) error {
	table := storage.TableName(channelID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin drop channel: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, table); err != nil {
		return fmt.Errorf("lock channel %s: %w", channelID, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{table}.Sanitize())); err != nil {
		return fmt.Errorf("drop table for %s: %w", channelID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM waveform_channels WHERE channel_id = $1`, channelID); err != nil {
		return fmt.Errorf("unregister channel %s: %w", channelID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit drop channel: %w", err)
	}
	return nil
}

// Insert appends a chunk to the channel table.
func (s *WaveformStore) Insert(ctx context.Context, c *domain.Chunk) error {
	if err := storage.ValidateChunk(c); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (start, "end", sample_rate, dtype, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, pgx.Identifier{storage.TableName(c.ChannelID)}.Sanitize())

	_, err := s.pool.Exec(ctx, query,
		domain.Microseconds(c.Start),
		domain.Microseconds(c.End),
		c.SampleRate,
		string(c.DType),
		c.Payload,
	)
	if err != nil {
		if isUndefinedTableError(err) {
			return storage.ErrChannelNotFound
		}
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// Query returns chunks intersecting [start, end], ordered by start then id.
func (s *WaveformStore) Query(ctx context.Context, channelID string, start, end time.Time) ([]*domain.Chunk, error) {
	query := fmt.Sprintf(`
		SELECT start, "end", sample_rate, dtype, payload
		FROM %s
		WHERE start <= $2 AND "end" >= $1
		ORDER BY start ASC, id ASC
	`, pgx.Identifier{storage.TableName(channelID)}.Sanitize())

	rows, err := s.pool.Query(ctx, query, domain.Microseconds(start), domain.Microseconds(end))
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, storage.ErrChannelNotFound
		}
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	chunks, err := scanChunks(channelID, rows)
	if err != nil {
		if isUndefinedTableError(err) {
			return nil, storage.ErrChannelNotFound
		}
		return nil, err
	}
	return chunks, nil
}

// LatestSampleTime returns the greatest chunk end, or nil if the table is empty.
func (s *WaveformStore) LatestSampleTime(ctx context.Context, channelID string) (*time.Time, error) {
	query := fmt.Sprintf(`SELECT max("end") FROM %s`, pgx.Identifier{storage.TableName(channelID)}.Sanitize())

	var latest *time.Time
	if err := s.pool.QueryRow(ctx, query).Scan(&latest); err != nil {
		if isUndefinedTableError(err) {
			return nil, storage.ErrChannelNotFound
		}
		return nil, fmt.Errorf("latest sample time: %w", err)
	}
	if latest != nil {
		utc := latest.UTC()
		latest = &utc
	}
	return latest, nil
}

// ApproximateSize reports the size of the registered table including indexes
// and toast. Unregistered channels return ErrChannelNotFound.
func (s *WaveformStore) ApproximateSize(ctx context.Context, channelID string) (int64, error) {
	table, err := s.TableFor(ctx, channelID)
	if err != nil {
		return 0, err
	}

	query := `SELECT pg_total_relation_size($1::text::regclass)`
	if s.opts.Hypertables {
		query = `SELECT hypertable_size($1::text::regclass)`
	}

	var size *int64
	if err := s.pool.QueryRow(ctx, query, table).Scan(&size); err != nil {
		if isUndefinedTableError(err) {
			return 0, storage.ErrChannelNotFound
		}
		return 0, fmt.Errorf("approximate size: %w", err)
	}
	if size == nil {
		return 0, nil
	}
	return *size, nil
}

// Channels returns all registered channel ids, sorted.
func (s *WaveformStore) Channels(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT channel_id FROM waveform_channels ORDER BY channel_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan channels: %w", err)
	}
	return ids, nil
}

// TableFor returns the registered table name of a channel.
func (s *WaveformStore) TableFor(ctx context.Context, channelID string) (string, error) {
	var table string
	err := s.pool.QueryRow(ctx,
		`SELECT table_name FROM waveform_channels WHERE channel_id = $1`, channelID,
	).Scan(&table)
	if err != nil {
		if isNotFoundError(err) {
			return "", storage.ErrChannelNotFound
		}
		return "", fmt.Errorf("get channel table: %w", err)
	}
	return table, nil
}

// scanChunks scans multiple chunk rows.
func scanChunks(channelID string, rows pgx.Rows) ([]*domain.Chunk, error) {
	var chunks []*domain.Chunk

	for rows.Next() {
		var (
			c     domain.Chunk
			dtype string
		)
		if err := rows.Scan(&c.Start, &c.End, &c.SampleRate, &dtype, &c.Payload); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.ChannelID = channelID
		c.Start = c.Start.UTC()
		c.End = c.End.UTC()
		c.DType = domain.DType(dtype)
		chunks = append(chunks, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	return chunks, nil
}
