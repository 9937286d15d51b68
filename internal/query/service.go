package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"seisflow/internal/assembler"
	"seisflow/internal/domain"
	"seisflow/internal/dsp"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
	"seisflow/internal/storage"
	"seisflow/internal/wire"
)

// Commands carried in packet headers.
const (
	CommandWaveform    = "waveform"
	CommandSpectrogram = "spectrogram"
)

// ErrInvalidRange is returned when a request's end precedes its start.
var ErrInvalidRange = errors.New("invalid time range")

// Transform post-processes an assembled trace, e.g. instrument response
// removal. It must not modify its input.
type Transform interface {
	Apply(ctx context.Context, t domain.Trace) (domain.Trace, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, t domain.Trace) (domain.Trace, error)

// Apply calls f.
func (f TransformFunc) Apply(ctx context.Context, t domain.Trace) (domain.Trace, error) {
	return f(ctx, t)
}

// Spectrogrammer computes a power spectrogram of a trace.
type Spectrogrammer interface {
	Spectrogram(t domain.Trace) (wire.Spectrogram, error)
}

// STFTSpectrogrammer is the default Spectrogrammer.
type STFTSpectrogrammer struct {
	Config dsp.STFTConfig
}

// Spectrogram runs a Hann-windowed STFT over t. Masked samples count as 0.
func (s STFTSpectrogrammer) Spectrogram(t domain.Trace) (wire.Spectrogram, error) {
	spec, err := dsp.STFT(t.Samples, t.SampleRate, s.Config)
	if err != nil {
		return wire.Spectrogram{}, err
	}
	return wire.Spectrogram{Times: spec.Times, Freqs: spec.Freqs, Power: spec.Power}, nil
}

// RetryPolicy bounds retries of store reads.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first; <=1 disables retry
	Interval    time.Duration // constant wait between attempts
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: 200 * time.Millisecond}
}

// Options configures a Service.
type Options struct {
	Retry          RetryPolicy
	Transform      Transform      // optional
	Spectrogrammer Spectrogrammer // defaults to STFTSpectrogrammer
	AutoPoints     int            // ModeAuto budget; 0 means wire.DefaultAutoPoints
	MaxParallel    int            // concurrent channel reads in Traces; 0 means 8
	Logger         *logrus.Entry
}

// TraceOptions shape an assembled trace. The zero value returns the chunks'
// samples as stored, gaps closed and untrimmed.
type TraceOptions struct {
	// GapFill places samples on a regular grid spanning exactly [start, end];
	// grid points no chunk covers are NaN.
	GapFill bool
	// Trim drops samples outside [start, end]. Implied by GapFill.
	Trim bool
}

// Request is a waveform or spectrogram request for one channel.
type Request struct {
	RequestID  string
	ChannelID  string
	Start      time.Time
	End        time.Time
	Downsample wire.Downsample
	Options    TraceOptions
}

// Service answers trace and packet requests from a WaveformStore.
type Service struct {
	store     storage.WaveformStore
	assembler *assembler.Assembler
	opts      Options
	log       *logrus.Entry
}

// NewService creates a query service over store.
func NewService(store storage.WaveformStore, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logging.Component("query")
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Spectrogrammer == nil {
		opts.Spectrogrammer = STFTSpectrogrammer{}
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 8
	}
	return &Service{
		store:     store,
		assembler: assembler.New(assembler.Options{Logger: opts.Logger}),
		opts:      opts,
		log:       opts.Logger,
	}
}

// Trace fetches and assembles the samples of one channel in [start, end],
// then applies the configured transform.
func (s *Service) Trace(ctx context.Context, channelID string, start, end time.Time) (domain.Trace, error) {
	return s.TraceWith(ctx, channelID, start, end, TraceOptions{})
}

// TraceWith is Trace with explicit shaping options.
func (s *Service) TraceWith(ctx context.Context, channelID string, start, end time.Time, opts TraceOptions) (domain.Trace, error) {
	begin := time.Now()
	t, err := s.trace(ctx, channelID, start, end, opts)
	observability.RecordQuery("trace", time.Since(begin), err)
	return t, err
}

func (s *Service) trace(ctx context.Context, channelID string, start, end time.Time, opts TraceOptions) (domain.Trace, error) {
	if end.Before(start) {
		return domain.Trace{}, fmt.Errorf("%w: %s before %s", ErrInvalidRange, end, start)
	}

	chunks, err := s.fetch(ctx, channelID, start, end)
	if err != nil {
		return domain.Trace{}, err
	}

	var t domain.Trace
	if opts.GapFill {
		t, err = s.assembler.AssembleFilled(chunks, start, end, math.NaN())
	} else {
		t, err = s.assembler.Assemble(chunks, start, end)
	}
	if err != nil {
		return domain.Trace{}, fmt.Errorf("assemble %s: %w", channelID, err)
	}
	if opts.Trim && !opts.GapFill {
		t = t.Slice(start, end)
	}
	if t.ChannelID == "" {
		t.ChannelID = channelID
	}

	if s.opts.Transform != nil && !t.Empty() {
		t, err = s.opts.Transform.Apply(ctx, t)
		if err != nil {
			return domain.Trace{}, fmt.Errorf("transform %s: %w", channelID, err)
		}
	}
	return t, nil
}

// fetch queries the store, retrying transient failures with a constant backoff.
func (s *Service) fetch(ctx context.Context, channelID string, start, end time.Time) ([]*domain.Chunk, error) {
	var chunks []*domain.Chunk
	op := func() error {
		var err error
		chunks, err = s.store.Query(ctx, channelID, start, end)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if s.opts.Retry.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.Retry.Interval), uint64(s.opts.Retry.MaxAttempts-1))
	}
	notify := func(err error, wait time.Duration) {
		observability.DefaultMetrics.QueryRetries.Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"channel": channelID,
			"wait":    wait,
		}).Warn("store query failed, retrying")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("query %s: %w", channelID, err)
	}
	return chunks, nil
}

func retryable(err error) bool {
	return !errors.Is(err, storage.ErrNotFound) &&
		!errors.Is(err, storage.ErrInvalidInput) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Traces fetches several channels in parallel. The result is keyed by
// channel id; the first error cancels the remaining reads.
func (s *Service) Traces(ctx context.Context, channelIDs []string, start, end time.Time) (map[string]domain.Trace, error) {
	traces := make([]domain.Trace, len(channelIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)
	for i, id := range channelIDs {
		g.Go(func() error {
			t, err := s.Trace(ctx, id, start, end)
			if err != nil {
				return err
			}
			traces[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Trace, len(channelIDs))
	for i, id := range channelIDs {
		out[id] = traces[i]
	}
	return out, nil
}

// WaveformPacket answers a waveform request with an encoded packet.
func (s *Service) WaveformPacket(ctx context.Context, req Request) ([]byte, error) {
	t, err := s.TraceWith(ctx, req.ChannelID, req.Start, req.End, req.Options)
	if err != nil {
		return nil, err
	}

	ds := req.Downsample
	if ds.AutoPoints == 0 {
		ds.AutoPoints = s.opts.AutoPoints
	}
	t = ds.Apply(t)

	h := wire.Header{RequestID: req.RequestID, Command: CommandWaveform, ChannelID: req.ChannelID}
	b, err := wire.EncodeWaveform(wire.NewWaveformPacket(h, t, req.Start, req.End))
	if err != nil {
		return nil, fmt.Errorf("encode waveform: %w", err)
	}
	observability.RecordPacket(wire.KindWaveform.String(), string(modeOf(ds)), len(b), t.Len())
	return b, nil
}

// SpectrogramPacket answers a spectrogram request with an encoded packet.
func (s *Service) SpectrogramPacket(ctx context.Context, req Request) ([]byte, error) {
	t, err := s.TraceWith(ctx, req.ChannelID, req.Start, req.End, req.Options)
	if err != nil {
		return nil, err
	}

	var spec wire.Spectrogram
	if t.Len() >= 2 {
		spec, err = s.opts.Spectrogrammer.Spectrogram(t)
		if err != nil {
			return nil, fmt.Errorf("spectrogram %s: %w", req.ChannelID, err)
		}
	}

	h := wire.Header{RequestID: req.RequestID, Command: CommandSpectrogram, ChannelID: req.ChannelID}
	p, err := wire.NewSpectrogramPacket(h, spec, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	b, err := wire.EncodeSpectrogram(p)
	if err != nil {
		return nil, fmt.Errorf("encode spectrogram: %w", err)
	}
	observability.RecordPacket(wire.KindSpectrogram.String(), "", len(b), len(p.Data))
	return b, nil
}

func modeOf(d wire.Downsample) wire.Mode {
	if d.Mode == "" {
		return wire.ModeAuto
	}
	return d.Mode
}

// ChannelStatus summarises one provisioned channel.
type ChannelStatus struct {
	ChannelID  string     `json:"channel_id"`
	LatestTime *time.Time `json:"latest_sample_time,omitempty"`
	SizeBytes  int64      `json:"size_bytes"`
}

// Health lists every channel with its newest sample time and storage size.
func (s *Service) Health(ctx context.Context) ([]ChannelStatus, error) {
	ids, err := s.store.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	out := make([]ChannelStatus, 0, len(ids))
	for _, id := range ids {
		latest, err := s.store.LatestSampleTime(ctx, id)
		if errors.Is(err, storage.ErrChannelNotFound) {
			// Dropped since listing
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest sample time %s: %w", id, err)
		}
		size, err := s.store.ApproximateSize(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrChannelNotFound) {
			return nil, fmt.Errorf("size %s: %w", id, err)
		}
		out = append(out, ChannelStatus{ChannelID: id, LatestTime: latest, SizeBytes: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}
