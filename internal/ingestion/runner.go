package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"seisflow/internal/codec"
	"seisflow/internal/domain"
	"seisflow/internal/feed"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
	"seisflow/internal/storage"
)

// ErrSourceClosed is returned by Run when the feed stops delivering.
var ErrSourceClosed = errors.New("feed source closed")

// PacketSink receives every well-formed packet, e.g. the detector manager,
// whether or not it could be stored.
type PacketSink interface {
	OnData(ctx context.Context, t domain.Trace)
}

// RetryPolicy bounds retries of store writes.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Source feed.Source
	Store  storage.WaveformStore
	Sink   PacketSink // optional
	// DType is the storage sample type. Empty keeps each packet's own type.
	DType  domain.DType
	Retry  RetryPolicy
	Logger *logrus.Entry
}

// RunnerStats counts packets handled since start.
type RunnerStats struct {
	PacketsReceived int64
	ChunksStored    int64
	PacketsRejected int64
	InsertFailures  int64
	// DroppedChannel counts packets of channels an operator dropped while
	// they were still in the feed.
	DroppedChannel int64
}

// Runner stores live feed packets as compressed chunks and tees them to the sink.
type Runner struct {
	source feed.Source
	store  storage.WaveformStore
	sink   PacketSink
	dtype  domain.DType
	retry  RetryPolicy
	log    *logrus.Entry

	known   sync.Map // channel id -> struct{}
	dropped sync.Map // channel id -> struct{}; never re-provisioned

	received atomic.Int64
	stored   atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.Interval == 0 {
		retry.Interval = 250 * time.Millisecond
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("ingestion")
	}

	return &Runner{
		source: opts.Source,
		store:  opts.Store,
		sink:   opts.Sink,
		dtype:  opts.DType,
		retry:  retry,
		log:    logger,
	}
}

// Run consumes the feed until ctx is cancelled or the feed closes.
// Packet failures are logged and counted, never returned.
func (r *Runner) Run(ctx context.Context) error {
	packets, err := r.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.log.Info("ingestion runner started")

	for {
		select {
		case <-ctx.Done():
			r.log.WithFields(r.statsFields()).Info("ingestion runner stopping")
			return ctx.Err()

		case t, ok := <-packets:
			if !ok {
				r.log.WithFields(r.statsFields()).Warn("feed closed")
				return ErrSourceClosed
			}
			if err := r.Handle(ctx, t); err != nil {
				r.log.WithError(err).WithFields(logrus.Fields{
					"channel": t.ChannelID,
					"start":   t.Start,
				}).Warn("packet not stored")
			}
		}
	}
}

// Handle forwards one packet to the sink and stores it. Malformed packets
// reach neither; storage failures do not hold packets back from the sink.
// The channel is provisioned on first sight unless it was dropped since.
func (r *Runner) Handle(ctx context.Context, t domain.Trace) error {
	r.received.Add(1)
	observability.DefaultMetrics.PacketsReceived.Inc()

	if err := validatePacket(t); err != nil {
		r.rejected.Add(1)
		observability.RecordIngestError("malformed")
		return err
	}
	if r.sink != nil {
		r.sink.OnData(ctx, t)
	}

	chunk, err := r.chunk(t)
	if err != nil {
		r.rejected.Add(1)
		observability.RecordIngestError("encode")
		return err
	}

	begin := time.Now()
	if err := r.insert(ctx, chunk); err != nil {
		if errors.Is(err, storage.ErrChannelNotFound) {
			r.skipped.Add(1)
			observability.RecordIngestError("dropped_channel")
			return err
		}
		r.failed.Add(1)
		observability.RecordIngestError("insert")
		return err
	}
	r.stored.Add(1)
	observability.RecordChunkStored(t.Len(), time.Since(begin))
	return nil
}

// Stats returns current runner statistics.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		PacketsReceived: r.received.Load(),
		ChunksStored:    r.stored.Load(),
		PacketsRejected: r.rejected.Load(),
		InsertFailures:  r.failed.Load(),
		DroppedChannel:  r.skipped.Load(),
	}
}

func (r *Runner) statsFields() logrus.Fields {
	s := r.Stats()
	return logrus.Fields{
		"received": s.PacketsReceived,
		"stored":   s.ChunksStored,
		"rejected": s.PacketsRejected,
		"failed":   s.InsertFailures,
		"dropped":  s.DroppedChannel,
	}
}

func validatePacket(t domain.Trace) error {
	if t.ChannelID == "" || t.Start.IsZero() {
		return fmt.Errorf("%w: packet without channel or start", storage.ErrInvalidInput)
	}
	if t.SampleRate <= 0 || math.IsNaN(t.SampleRate) || math.IsInf(t.SampleRate, 0) {
		return fmt.Errorf("%w: sample rate %v", storage.ErrInvalidInput, t.SampleRate)
	}
	if t.Empty() {
		return fmt.Errorf("%w: empty packet", storage.ErrInvalidInput)
	}
	return nil
}

// chunk compresses a validated packet into a storable chunk.
func (r *Runner) chunk(t domain.Trace) (*domain.Chunk, error) {
	dtype := r.dtype
	if dtype == "" {
		dtype = t.DType
	}
	if dtype == "" {
		dtype = domain.DTypeFloat32
	}

	payload, err := codec.Compress(dtype, t.Samples)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", t.ChannelID, err)
	}

	start := domain.Microseconds(t.Start)
	return &domain.Chunk{
		ChannelID:  t.ChannelID,
		Start:      start,
		End:        domain.Microseconds(domain.ChunkEnd(start, t.SampleRate, t.Len())),
		SampleRate: t.SampleRate,
		DType:      dtype,
		Payload:    payload,
	}, nil
}

// insert writes c, provisioning its channel as needed and retrying
// transient failures. A channel that disappears after provisioning was
// dropped by an operator: it is not created again, but inserts resume if
// someone re-creates it.
func (r *Runner) insert(ctx context.Context, c *domain.Chunk) error {
	id := c.ChannelID
	op := func() error {
		if _, dropped := r.dropped.Load(id); !dropped {
			if err := r.ensureChannel(ctx, id); err != nil {
				return classify(err)
			}
		}
		err := r.store.Insert(ctx, c)
		switch {
		case errors.Is(err, storage.ErrChannelNotFound):
			r.known.Delete(id)
			if _, loaded := r.dropped.LoadOrStore(id, struct{}{}); !loaded {
				r.log.WithField("channel", id).Warn("channel dropped, no longer storing its packets")
			}
			return backoff.Permanent(err)
		case err == nil:
			if _, was := r.dropped.LoadAndDelete(id); was {
				r.known.Store(id, struct{}{})
				r.log.WithField("channel", id).Info("channel re-created, storing resumed")
			}
			return nil
		}
		return classify(err)
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.retry.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(r.retry.Interval), uint64(r.retry.MaxAttempts-1))
	}
	notify := func(err error, wait time.Duration) {
		r.log.WithError(err).WithFields(logrus.Fields{
			"channel": c.ChannelID,
			"wait":    wait,
		}).Debug("insert failed, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (r *Runner) ensureChannel(ctx context.Context, id string) error {
	if _, ok := r.known.Load(id); ok {
		return nil
	}
	if err := r.store.Create(ctx, id); err != nil {
		return fmt.Errorf("create channel %s: %w", id, err)
	}
	if _, loaded := r.known.LoadOrStore(id, struct{}{}); !loaded {
		observability.DefaultMetrics.ChannelsCreated.Inc()
		r.log.WithField("channel", id).Info("channel provisioned")
	}
	return nil
}

// classify marks errors that retrying cannot fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrInvalidInput) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}
