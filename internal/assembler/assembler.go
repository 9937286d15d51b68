// Package assembler turns stored chunks into a continuous in-memory trace.
package assembler

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"seisflow/internal/codec"
	"seisflow/internal/domain"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
)

// ErrInconsistentFormat is returned when contributing chunks disagree on dtype
// (or, for filled assembly, on sample rate).
var ErrInconsistentFormat = errors.New("inconsistent chunk format")

// Options configures an Assembler.
type Options struct {
	Logger *logrus.Entry
}

// Assembler concatenates chunks into traces. Safe for concurrent use.
type Assembler struct {
	log *logrus.Entry
}

// New creates an Assembler.
func New(opts Options) *Assembler {
	log := opts.Logger
	if log == nil {
		log = logging.Component("assembler")
	}
	return &Assembler{log: log}
}

// TraceHeader summarises a trace without its samples.
type TraceHeader struct {
	ChannelID  string
	Start      time.Time
	End        time.Time
	SampleRate float64
	DType      domain.DType
	Count      int
}

// Header returns the header of t.
func Header(t domain.Trace) TraceHeader {
	return TraceHeader{
		ChannelID:  t.ChannelID,
		Start:      t.Start,
		End:        t.End(),
		SampleRate: t.SampleRate,
		DType:      t.DType,
		Count:      t.Len(),
	}
}

// decoded is one chunk that survived decompression.
type decoded struct {
	chunk   *domain.Chunk
	samples []float64
}

// Assemble sorts chunks by start and concatenates their samples in order.
// Overlaps are not removed and gaps are not filled: the trace start is the
// first contributing chunk's start, not queryStart. Corrupt or empty chunks
// are logged and skipped. An empty input yields an empty trace anchored at
// queryStart.
func (a *Assembler) Assemble(chunks []*domain.Chunk, queryStart, queryEnd time.Time) (domain.Trace, error) {
	parts, err := a.decode(chunks)
	if err != nil {
		return domain.Trace{}, err
	}
	if len(parts) == 0 {
		return emptyTrace(chunks, queryStart), nil
	}

	first := parts[0].chunk
	total := 0
	for _, p := range parts {
		total += len(p.samples)
	}

	samples := make([]float64, 0, total)
	for _, p := range parts {
		samples = append(samples, p.samples...)
	}

	a.log.WithFields(logrus.Fields{
		"channel":     first.ChannelID,
		"chunks":      len(parts),
		"samples":     total,
		"query_start": queryStart,
		"query_end":   queryEnd,
	}).Debug("trace assembled")

	return domain.Trace{
		ChannelID:  first.ChannelID,
		Start:      first.Start,
		SampleRate: first.SampleRate,
		DType:      first.DType,
		Samples:    samples,
	}, nil
}

// AssembleFilled places samples on a regular grid covering [start, end] at the
// first contributing chunk's rate. Later chunks overwrite earlier ones where
// they overlap; grid points no chunk covers take fill (NaN marks them masked).
func (a *Assembler) AssembleFilled(chunks []*domain.Chunk, start, end time.Time, fill float64) (domain.Trace, error) {
	parts, err := a.decode(chunks)
	if err != nil {
		return domain.Trace{}, err
	}
	if len(parts) == 0 || end.Before(start) {
		return emptyTrace(chunks, start), nil
	}

	first := parts[0].chunk
	rate := first.SampleRate
	for _, p := range parts[1:] {
		if math.Abs(p.chunk.SampleRate-rate) > 1e-9*rate {
			return domain.Trace{}, fmt.Errorf("%w: sample rate %g after %g", ErrInconsistentFormat, p.chunk.SampleRate, rate)
		}
	}

	n := int(math.Floor(end.Sub(start).Seconds()*rate+1e-9)) + 1
	grid := domain.Trace{
		ChannelID:  first.ChannelID,
		Start:      start,
		SampleRate: rate,
		DType:      first.DType,
		Samples:    make([]float64, n),
	}
	for i := range grid.Samples {
		grid.Samples[i] = fill
	}

	for _, p := range parts {
		offset := grid.IndexAt(p.chunk.Start)
		for i, v := range p.samples {
			j := offset + i
			if j < 0 {
				continue
			}
			if j >= n {
				break
			}
			grid.Samples[j] = v
		}
	}
	return grid, nil
}

// decode sorts chunks stably by start, decompresses them, and drops the ones
// that cannot contribute. A dtype change among contributors aborts.
func (a *Assembler) decode(chunks []*domain.Chunk) ([]decoded, error) {
	sorted := make([]*domain.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c != nil {
			sorted = append(sorted, c)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	var parts []decoded
	for _, c := range sorted {
		samples, err := codec.Decompress(c.Payload, c.DType, 0)
		if err != nil {
			reason := "corrupt"
			if errors.Is(err, codec.ErrUnsupportedDType) {
				reason = "dtype"
			}
			a.skip(c, reason, err)
			continue
		}
		if len(samples) == 0 {
			a.skip(c, "empty", nil)
			continue
		}

		if len(parts) > 0 && c.DType != parts[0].chunk.DType {
			return nil, fmt.Errorf("%w: chunk at %s has dtype %s, expected %s",
				ErrInconsistentFormat, c.Start.Format(time.RFC3339Nano), c.DType, parts[0].chunk.DType)
		}
		parts = append(parts, decoded{chunk: c, samples: samples})
	}
	return parts, nil
}

func (a *Assembler) skip(c *domain.Chunk, reason string, err error) {
	observability.RecordChunkSkipped(reason)

	entry := a.log.WithFields(logrus.Fields{
		"channel": c.ChannelID,
		"start":   c.Start,
		"reason":  reason,
	})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn("skipping chunk")
}

func emptyTrace(chunks []*domain.Chunk, start time.Time) domain.Trace {
	t := domain.Trace{Start: start}
	for _, c := range chunks {
		if c != nil {
			t.ChannelID = c.ChannelID
			break
		}
	}
	return t
}
