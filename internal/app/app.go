// Package app wires configuration into the storage, query, ingestion,
// detector, stream and archive components used by the CLI commands.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"seisflow/internal/config"
	"seisflow/internal/dsp"
	"seisflow/internal/query"
	"seisflow/internal/storage"
	chstore "seisflow/internal/storage/clickhouse"
	"seisflow/internal/storage/memory"
	"seisflow/internal/storage/migrations"
	pgstore "seisflow/internal/storage/postgres"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger *logrus.Entry

	mu  sync.Mutex
	mem *memory.WaveformStore // shared by every command of one process
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger *logrus.Entry) *App {
	return &App{Config: cfg, Logger: logger.WithField("component", "app")}
}

// OpenStore connects the configured backend, running migrations first when
// auto_migrate is set. The returned func releases the connection.
func (a *App) OpenStore(ctx context.Context) (storage.WaveformStore, func(), error) {
	return a.openStore(ctx, false)
}

func (a *App) openStore(ctx context.Context, migrate bool) (storage.WaveformStore, func(), error) {
	cfg := a.Config.Storage
	log := a.Logger.WithField("backend", cfg.Backend)

	switch cfg.Backend {
	case config.BackendMemory:
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.mem == nil {
			log.Warn("using in-memory storage; data is lost on exit")
			a.mem = memory.NewWaveformStore()
		}
		return a.mem, func() {}, nil

	case config.BackendPostgres:
		pool, err := pgstore.NewPoolWithConfig(ctx, pgstore.PoolConfig{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		if migrate || cfg.Postgres.AutoMigrate {
			applied, err := migrations.RunPostgresMigrations(ctx, pool)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("postgres migrations: %w", err)
			}
			log.WithField("applied", len(applied)).Info("postgres migrations complete")
		}
		store := pgstore.NewWaveformStore(pool, pgstore.Options{Hypertables: cfg.Postgres.Hypertables})
		return store, pool.Close, nil

	case config.BackendClickHouse:
		var (
			conn *chstore.Conn
			err  error
		)
		if migrate || cfg.ClickHouse.AutoMigrate {
			conn, err = migrations.RunClickhouseMigrations(ctx, cfg.ClickHouse.DSN)
			if err != nil {
				return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
			}
			log.Info("clickhouse migrations complete")
		} else {
			conn, err = chstore.NewConn(ctx, cfg.ClickHouse.DSN)
			if err != nil {
				return nil, nil, err
			}
		}
		closer := func() {
			if err := conn.Close(); err != nil {
				log.WithError(err).Warn("close clickhouse connection")
			}
		}
		return chstore.NewWaveformStore(conn), closer, nil
	}

	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// NewQueryService builds the query service over store from query settings.
func (a *App) NewQueryService(store storage.WaveformStore) *query.Service {
	q := a.Config.Query
	return query.NewService(store, query.Options{
		Retry: query.RetryPolicy{MaxAttempts: q.MaxAttempts, Interval: q.RetryInterval},
		Spectrogrammer: query.STFTSpectrogrammer{Config: dsp.STFTConfig{
			SegmentLen: q.SegmentLen,
			Overlap:    q.SegmentOverlap,
		}},
		AutoPoints:  q.AutoPoints,
		MaxParallel: q.MaxParallel,
		Logger:      a.Logger.WithField("component", "query"),
	})
}

// Migrate applies the schema migrations of the configured backend.
func (a *App) Migrate(ctx context.Context) error {
	_, closeStore, err := a.openStore(ctx, true)
	if err != nil {
		return err
	}
	closeStore()
	return nil
}
