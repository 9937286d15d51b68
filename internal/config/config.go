// Package config loads seisflow configuration from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"seisflow/internal/archive"
	"seisflow/internal/detector"
	"seisflow/internal/domain"
	"seisflow/internal/feed"
	"seisflow/internal/ingestion"
	"seisflow/internal/logging"
	"seisflow/internal/stream"
	"seisflow/internal/wire"
)

// EnvPrefix prefixes every environment override, e.g. SEISFLOW_STORAGE_BACKEND.
const EnvPrefix = "SEISFLOW"

// Storage backends.
const (
	BackendMemory     = "memory"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Query     QueryConfig     `mapstructure:"query"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Server    ServerConfig    `mapstructure:"server"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects and configures the waveform store.
type StorageConfig struct {
	Backend    string           `mapstructure:"backend"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
}

// PostgresConfig encapsulates PostgreSQL connectivity.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Hypertables     bool          `mapstructure:"hypertables"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// ClickHouseConfig encapsulates ClickHouse connectivity.
type ClickHouseConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// FeedConfig configures the live packet feed.
type FeedConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	WS      feed.WSConfig `mapstructure:",squash"`
}

// IngestionConfig configures chunk storage of feed packets.
type IngestionConfig struct {
	// DType is the storage sample type; empty keeps the packet's type.
	DType string                `mapstructure:"dtype"`
	Retry ingestion.RetryPolicy `mapstructure:"retry"`
}

// QueryConfig configures trace reads and packet building.
type QueryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	AutoPoints     int           `mapstructure:"auto_points"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	SegmentLen     int           `mapstructure:"segment_len"`
	SegmentOverlap int           `mapstructure:"segment_overlap"`
}

// DetectorConfig toggles and tunes the realtime detector.
type DetectorConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	detector.Config `mapstructure:",squash"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Stream          stream.Config `mapstructure:"stream"`
}

// ArchiveConfig configures exports.
type ArchiveConfig struct {
	Dir         string           `mapstructure:"dir"`
	Compression string           `mapstructure:"compression"`
	Upload      bool             `mapstructure:"upload"`
	S3          archive.S3Config `mapstructure:"s3"`
}

// LoadDotEnv loads .env files into the environment. Missing files are
// ignored and existing variables are never overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("seisflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	if err := readConfig(v, path != ""); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "seisflow")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 2)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")
	v.SetDefault("storage.postgres.hypertables", false)
	v.SetDefault("storage.postgres.auto_migrate", true)
	v.SetDefault("storage.clickhouse.dsn", "")
	v.SetDefault("storage.clickhouse.auto_migrate", true)

	ws := feed.DefaultWSConfig()
	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.endpoint", "")
	v.SetDefault("feed.channels", []string{})
	v.SetDefault("feed.reconnect_delay", ws.ReconnectDelay.String())
	v.SetDefault("feed.max_reconnect_delay", ws.MaxReconnectDelay.String())
	v.SetDefault("feed.ping_interval", ws.PingInterval.String())
	v.SetDefault("feed.read_timeout", ws.ReadTimeout.String())
	v.SetDefault("feed.write_timeout", ws.WriteTimeout.String())
	v.SetDefault("feed.buffer", ws.Buffer)

	v.SetDefault("ingestion.dtype", "")
	v.SetDefault("ingestion.retry.max_attempts", 3)
	v.SetDefault("ingestion.retry.interval", "250ms")

	v.SetDefault("query.max_attempts", 3)
	v.SetDefault("query.retry_interval", "200ms")
	v.SetDefault("query.auto_points", wire.DefaultAutoPoints)
	v.SetDefault("query.max_parallel", 8)
	v.SetDefault("query.segment_len", 256)
	v.SetDefault("query.segment_overlap", 128)

	det := detector.DefaultConfig()
	v.SetDefault("detector.enabled", true)
	v.SetDefault("detector.onset_std", det.OnsetStd)
	v.SetDefault("detector.onset_ratio", det.OnsetRatio)
	v.SetDefault("detector.offset_std", det.OffsetStd)
	v.SetDefault("detector.offset_ratio", det.OffsetRatio)
	v.SetDefault("detector.min_duration", det.MinDuration.String())
	v.SetDefault("detector.min_history_packets", det.MinHistoryPackets)
	v.SetDefault("detector.retention", det.Retention.String())
	v.SetDefault("detector.reference_window", det.ReferenceWindow.String())
	v.SetDefault("detector.ref_epsilon", det.RefEpsilon)
	v.SetDefault("detector.freq_min", det.FreqMin)
	v.SetDefault("detector.freq_max", det.FreqMax)
	v.SetDefault("detector.filter_sections", det.FilterSections)
	v.SetDefault("detector.taper_fraction", det.TaperFraction)
	v.SetDefault("detector.trigger_component", det.TriggerComponent)
	v.SetDefault("detector.pick_before", det.PickBefore.String())
	v.SetDefault("detector.pick_after", det.PickAfter.String())
	v.SetDefault("detector.ste", det.STE.String())
	v.SetDefault("detector.lte", det.LTE.String())
	v.SetDefault("detector.cf_start", det.CFStart)
	v.SetDefault("detector.cf_end", det.CFEnd)

	st := stream.DefaultConfig()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.stream.requests_per_second", st.RequestsPerSecond)
	v.SetDefault("server.stream.burst", st.Burst)
	v.SetDefault("server.stream.request_timeout", st.RequestTimeout.String())
	v.SetDefault("server.stream.write_timeout", st.WriteTimeout.String())
	v.SetDefault("server.stream.ping_interval", st.PingInterval.String())
	v.SetDefault("server.stream.send_buffer", st.SendBuffer)
	v.SetDefault("server.stream.read_limit", st.ReadLimit)

	v.SetDefault("archive.dir", "archive")
	v.SetDefault("archive.compression", "zstd")
	v.SetDefault("archive.upload", false)
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.prefix", "seisflow")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.path_style", false)
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.timeout", "2m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case BackendClickHouse:
		if c.Storage.ClickHouse.DSN == "" {
			return fmt.Errorf("storage.clickhouse.dsn is required for the clickhouse backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, postgres, clickhouse (got %q)", c.Storage.Backend)
	}

	if c.Feed.Enabled && c.Feed.WS.Endpoint == "" {
		return fmt.Errorf("feed.endpoint is required when the feed is enabled")
	}
	if c.Ingestion.DType != "" {
		if _, err := domain.ParseDType(c.Ingestion.DType); err != nil {
			return fmt.Errorf("ingestion.dtype: %w", err)
		}
	}
	if c.Query.MaxAttempts < 1 {
		return fmt.Errorf("query.max_attempts must be at least 1")
	}
	if c.Query.AutoPoints < 0 {
		return fmt.Errorf("query.auto_points cannot be negative")
	}
	if c.Detector.Enabled {
		if err := c.Detector.Config.Validate(); err != nil {
			return fmt.Errorf("detector: %w", err)
		}
	}
	if c.Server.Stream.RequestsPerSecond < 0 {
		return fmt.Errorf("server.stream.requests_per_second cannot be negative")
	}
	if c.Archive.Upload && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive.upload is enabled")
	}
	return nil
}

// StorageDType returns the configured ingestion dtype, or "" to keep packet types.
func (c *Config) StorageDType() domain.DType {
	if c.Ingestion.DType == "" {
		return ""
	}
	d, _ := domain.ParseDType(c.Ingestion.DType)
	return d
}
