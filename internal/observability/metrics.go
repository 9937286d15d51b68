// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	PacketsReceived  prometheus.Counter
	ChunksStored     prometheus.Counter
	SamplesStored    prometheus.Counter
	IngestErrors     *prometheus.CounterVec
	InsertLatency    prometheus.Histogram
	ChannelsCreated  prometheus.Counter
	FeedReconnects   prometheus.Counter
	FeedMessageBytes prometheus.Histogram

	// Assembly and query metrics
	ChunksSkipped  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryErrors    *prometheus.CounterVec
	QueryRetries   prometheus.Counter
	PacketBytes    *prometheus.HistogramVec
	PointsReturned *prometheus.HistogramVec

	// Detector metrics
	DetectorPacketsRejected *prometheus.CounterVec
	OnsetsArmed             prometheus.Counter
	DetectionsConfirmed     prometheus.Counter
	DetectionsDiscarded     prometheus.Counter
	PicksMade               prometheus.Counter
	PickWindowsIncomplete   prometheus.Counter
	DetectorGroups          prometheus.Gauge

	// Stream server metrics
	StreamConnections  prometheus.Gauge
	StreamMessagesSent *prometheus.CounterVec
	StreamRateLimited  prometheus.Counter

	// Archive metrics
	ArchiveRowsWritten prometheus.Counter
	ArchiveUploads     *prometheus.CounterVec

	// Health metrics
	LastSuccessfulIngestion prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith creates a new Metrics instance registered on reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "seisflow"
	}
	f := promauto.With(reg)

	return &Metrics{
		// Ingestion metrics
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "packets_received_total",
			Help:      "Total number of waveform packets received from feeds",
		}),
		ChunksStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "chunks_stored_total",
			Help:      "Total number of compressed chunks written to storage",
		}),
		SamplesStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "samples_stored_total",
			Help:      "Total number of samples written to storage",
		}),
		IngestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "errors_total",
			Help:      "Total number of ingestion errors by stage",
		}, []string{"stage"}),
		InsertLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "insert_latency_seconds",
			Help:      "Chunk insert latency in seconds including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		ChannelsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "channels_created_total",
			Help:      "Total number of channels provisioned on first sight",
		}),
		FeedReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of feed reconnect attempts",
		}),
		FeedMessageBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "message_bytes",
			Help:      "Size of feed messages in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),

		// Assembly and query metrics
		ChunksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assembler",
			Name:      "chunks_skipped_total",
			Help:      "Total number of chunks skipped during assembly by reason",
		}, []string{"reason"}),
		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query duration in seconds by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "errors_total",
			Help:      "Total number of failed queries by kind",
		}, []string{"kind"}),
		QueryRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "retries_total",
			Help:      "Total number of store query retries",
		}),
		PacketBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "packet_bytes",
			Help:      "Encoded packet size in bytes by kind",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"kind"}),
		PointsReturned: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "points",
			Help:      "Number of samples per packet by downsample mode",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
		}, []string{"mode"}),

		// Detector metrics
		DetectorPacketsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "packets_rejected_total",
			Help:      "Total number of malformed packets skipped by reason",
		}, []string{"reason"}),
		OnsetsArmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "onsets_total",
			Help:      "Total number of onset triggers",
		}),
		DetectionsConfirmed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "detections_total",
			Help:      "Total number of confirmed detections",
		}),
		DetectionsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "detections_discarded_total",
			Help:      "Total number of triggers discarded as too short",
		}),
		PicksMade: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "picks_total",
			Help:      "Total number of per-channel picks",
		}),
		PickWindowsIncomplete: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "pick_windows_incomplete_total",
			Help:      "Total number of channels skipped for insufficient pick window",
		}),
		DetectorGroups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "groups",
			Help:      "Number of active detector groups",
		}),

		// Stream server metrics
		StreamConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections",
			Help:      "Number of open websocket connections",
		}),
		StreamMessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent by type",
		}, []string{"type"}),
		StreamRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		}),

		// Archive metrics
		ArchiveRowsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "rows_written_total",
			Help:      "Total number of chunk rows written to parquet",
		}),
		ArchiveUploads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "uploads_total",
			Help:      "Total number of archive uploads by status",
		}, []string{"status"}),

		// Health metrics
		LastSuccessfulIngestion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_ingestion_timestamp",
			Help:      "Unix timestamp of last successful chunk insert",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordChunkStored records a successful insert.
func RecordChunkStored(samples int, latency time.Duration) {
	DefaultMetrics.ChunksStored.Inc()
	DefaultMetrics.SamplesStored.Add(float64(samples))
	DefaultMetrics.InsertLatency.Observe(latency.Seconds())
	DefaultMetrics.LastSuccessfulIngestion.SetToCurrentTime()
}

// RecordIngestError records an ingestion failure at the given stage.
func RecordIngestError(stage string) {
	DefaultMetrics.IngestErrors.WithLabelValues(stage).Inc()
}

// RecordChunkSkipped records a chunk dropped during assembly.
func RecordChunkSkipped(reason string) {
	DefaultMetrics.ChunksSkipped.WithLabelValues(reason).Inc()
}

// RecordQuery records query metrics.
func RecordQuery(kind string, d time.Duration, err error) {
	DefaultMetrics.QueryDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		DefaultMetrics.QueryErrors.WithLabelValues(kind).Inc()
	}
}

// RecordPacket records the size and point count of an encoded packet.
func RecordPacket(kind, mode string, bytes, points int) {
	DefaultMetrics.PacketBytes.WithLabelValues(kind).Observe(float64(bytes))
	if mode != "" {
		DefaultMetrics.PointsReturned.WithLabelValues(mode).Observe(float64(points))
	}
}

// RecordDetectorReject records a malformed packet skipped by the detector.
func RecordDetectorReject(reason string) {
	DefaultMetrics.DetectorPacketsRejected.WithLabelValues(reason).Inc()
}

// RecordStreamMessage records an outbound websocket message.
func RecordStreamMessage(msgType string) {
	DefaultMetrics.StreamMessagesSent.WithLabelValues(msgType).Inc()
}
