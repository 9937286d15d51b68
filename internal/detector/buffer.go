package detector

import (
	"errors"
	"fmt"
	"math"
	"time"

	"seisflow/internal/domain"
)

// ErrInsufficientWindow is returned when a buffer cannot fill a requested window.
var ErrInsufficientWindow = errors.New("insufficient buffered samples")

// streamBuffer is the rolling sample window of one stream. Samples are
// contiguous: a packet that does not continue the buffer within half a
// sample replaces it.
type streamBuffer struct {
	id      string
	origin  time.Time // time of absolute sample 0
	rate    float64
	first   int64 // absolute index of samples[0]
	samples []float64
	packets int // contiguous packets held since the last reset
}

func newStreamBuffer(t domain.Trace) *streamBuffer {
	b := &streamBuffer{id: t.ChannelID}
	b.reset(t)
	return b
}

func (b *streamBuffer) reset(t domain.Trace) {
	b.origin = t.Start
	b.rate = t.SampleRate
	b.first = 0
	b.samples = append(b.samples[:0], t.Samples...)
	b.packets = 1
}

// start returns the time of the oldest buffered sample.
func (b *streamBuffer) start() time.Time {
	return b.timeAt(b.first)
}

func (b *streamBuffer) timeAt(abs int64) time.Time {
	return b.origin.Add(domain.SecondsToDuration(float64(abs) / b.rate))
}

// next returns the expected time of the sample after the newest one.
func (b *streamBuffer) next() time.Time {
	return b.timeAt(b.first + int64(len(b.samples)))
}

// append adds t to the buffer. Returns false when t did not continue the
// buffer and replaced it instead.
func (b *streamBuffer) append(t domain.Trace) bool {
	halfSample := 0.5 / b.rate
	if t.SampleRate != b.rate || math.Abs(t.Start.Sub(b.next()).Seconds()) > halfSample {
		b.reset(t)
		return false
	}
	b.samples = append(b.samples, t.Samples...)
	b.packets++
	return true
}

// evict drops samples older than retention relative to the newest sample.
func (b *streamBuffer) evict(retention time.Duration) {
	keep := int(math.Floor(retention.Seconds()*b.rate)) + 1
	drop := len(b.samples) - keep
	if drop <= 0 {
		return
	}
	// Shift in place so the backing array does not grow without bound
	n := copy(b.samples, b.samples[drop:])
	b.samples = b.samples[:n]
	b.first += int64(drop)
}

// tail returns a copy of the n samples ending skip samples before the newest.
func (b *streamBuffer) tail(skip, n int) ([]float64, error) {
	end := len(b.samples) - skip
	if n <= 0 || end-n < 0 {
		return nil, fmt.Errorf("%w: need %d samples before the last %d, have %d", ErrInsufficientWindow, n, skip, len(b.samples))
	}
	return append([]float64(nil), b.samples[end-n:end]...), nil
}

// window returns a copy of the samples within [from, to] and the time of the
// first returned sample. The window must lie entirely inside the buffer.
func (b *streamBuffer) window(from, to time.Time) ([]float64, time.Time, error) {
	if len(b.samples) == 0 {
		return nil, time.Time{}, ErrInsufficientWindow
	}
	rel0 := from.Sub(b.start()).Seconds() * b.rate
	rel1 := to.Sub(b.start()).Seconds() * b.rate
	i0 := int(math.Ceil(rel0 - 1e-6))
	i1 := int(math.Floor(rel1 + 1e-6))
	if i0 < 0 || i1 > len(b.samples)-1 || i1 < i0 {
		return nil, time.Time{}, fmt.Errorf("%w: window %s..%s, buffer %s..%s",
			ErrInsufficientWindow,
			from.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano),
			b.start().Format(time.RFC3339Nano), b.timeAt(b.first+int64(len(b.samples)-1)).Format(time.RFC3339Nano))
	}
	return append([]float64(nil), b.samples[i0:i1+1]...), b.timeAt(b.first + int64(i0)), nil
}
