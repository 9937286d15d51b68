package domain

import (
	"math"
	"time"
)

// Trace is an assembled, in-memory continuous waveform.
// Masked or gapped samples are NaN.
type Trace struct {
	ChannelID  string
	Start      time.Time // time of first sample
	SampleRate float64
	DType      DType
	Samples    []float64
}

// Len returns the number of samples.
func (t Trace) Len() int {
	return len(t.Samples)
}

// Empty reports whether the trace holds no samples.
func (t Trace) Empty() bool {
	return len(t.Samples) == 0
}

// End returns start + (len-1)/sample_rate. For empty traces End equals Start.
func (t Trace) End() time.Time {
	return ChunkEnd(t.Start, t.SampleRate, len(t.Samples))
}

// Duration returns End - Start.
func (t Trace) Duration() time.Duration {
	return t.End().Sub(t.Start)
}

// TimeAt returns the timestamp of sample i.
func (t Trace) TimeAt(i int) time.Time {
	if t.SampleRate <= 0 {
		return t.Start
	}
	return t.Start.Add(SecondsToDuration(float64(i) / t.SampleRate))
}

// IndexAt returns the sample index closest to ts. The result may be out of range.
func (t Trace) IndexAt(ts time.Time) int {
	return int(math.Round(ts.Sub(t.Start).Seconds() * t.SampleRate))
}

// Slice returns the samples within [start, end] inclusive. The returned trace
// shares no memory with t. Trimming is opt-in; assembly never trims.
func (t Trace) Slice(start, end time.Time) Trace {
	out := Trace{ChannelID: t.ChannelID, Start: start, SampleRate: t.SampleRate, DType: t.DType}
	if t.Empty() || t.SampleRate <= 0 || end.Before(start) {
		return out
	}

	first := int(math.Ceil(start.Sub(t.Start).Seconds()*t.SampleRate - 1e-9))
	last := int(math.Floor(end.Sub(t.Start).Seconds()*t.SampleRate + 1e-9))
	if first < 0 {
		first = 0
	}
	if last > len(t.Samples)-1 {
		last = len(t.Samples) - 1
	}
	if first > last {
		return out
	}

	out.Start = t.TimeAt(first)
	out.Samples = append([]float64(nil), t.Samples[first:last+1]...)
	return out
}

// MinMax returns the extrema over non-NaN samples. Returns (0, 0) when none exist.
func (t Trace) MinMax() (float64, float64) {
	minV, maxV := math.Inf(1), math.Inf(-1)
	for _, v := range t.Samples {
		if math.IsNaN(v) {
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if math.IsInf(minV, 1) {
		return 0, 0
	}
	return minV, maxV
}
