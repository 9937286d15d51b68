package wire

import (
	"fmt"
	"math"
	"time"

	"seisflow/internal/domain"
)

// waveformFixed is the header size after the common prefix:
// start_ms, end_ms, first_sample_ms, sample_rate, sample_count, min, max.
const waveformFixed = 8 + 8 + 8 + 4 + 4 + 4 + 4

// WaveformHeaderLen is the byte length of a waveform packet with no samples.
const WaveformHeaderLen = prefixLen + waveformFixed

// WaveformPacket is the decoded form of a waveform packet. Masked samples
// are NaN in Samples and travel as 0 with a cleared validity bit.
type WaveformPacket struct {
	Header
	StartMs       int64   // requested window start, unix ms
	EndMs         int64   // requested window end, unix ms
	FirstSampleMs float64 // time of Samples[0], unix ms with sub-ms fraction
	SampleRate    float32
	Min           float32
	Max           float32
	Samples       []float32
}

// NewWaveformPacket builds a packet for trace answering a request for
// [start, end]. Min and max are taken over unmasked samples.
func NewWaveformPacket(h Header, trace domain.Trace, start, end time.Time) WaveformPacket {
	p := WaveformPacket{
		Header:        h,
		StartMs:       start.UnixMilli(),
		EndMs:         end.UnixMilli(),
		FirstSampleMs: float64(trace.Start.UnixMicro()) / 1000,
		SampleRate:    float32(trace.SampleRate),
		Samples:       make([]float32, len(trace.Samples)),
	}
	for i, v := range trace.Samples {
		p.Samples[i] = float32(v)
	}
	if len(trace.Samples) > 0 {
		lo, hi := trace.MinMax()
		p.Min, p.Max = float32(lo), float32(hi)
	}
	return p
}

// FirstSample returns FirstSampleMs as a time.
func (p WaveformPacket) FirstSample() time.Time {
	return time.UnixMicro(int64(math.Round(p.FirstSampleMs * 1000))).UTC()
}

// Trace converts the packet back to a trace. Masked samples are NaN.
func (p WaveformPacket) Trace() domain.Trace {
	samples := make([]float64, len(p.Samples))
	for i, v := range p.Samples {
		samples[i] = float64(v)
	}
	return domain.Trace{
		ChannelID:  p.ChannelID,
		Start:      p.FirstSample(),
		SampleRate: float64(p.SampleRate),
		DType:      domain.DTypeFloat32,
		Samples:    samples,
	}
}

// maskLen returns the validity mask size for n samples.
func maskLen(n int) int {
	return (n + 7) / 8
}

// EncodeWaveform serialises p.
func EncodeWaveform(p WaveformPacket) ([]byte, error) {
	if err := p.Header.validate(); err != nil {
		return nil, err
	}
	n := len(p.Samples)
	if n > math.MaxInt32 {
		return nil, fmt.Errorf("too many samples: %d", n)
	}

	b := make([]byte, WaveformHeaderLen+4*n+maskLen(n))
	putPrefix(b, KindWaveform, p.Header)

	off := prefixLen
	le.PutUint64(b[off:], uint64(p.StartMs))
	le.PutUint64(b[off+8:], uint64(p.EndMs))
	le.PutUint64(b[off+16:], math.Float64bits(p.FirstSampleMs))
	le.PutUint32(b[off+24:], math.Float32bits(p.SampleRate))
	le.PutUint32(b[off+28:], uint32(int32(n)))
	le.PutUint32(b[off+32:], math.Float32bits(p.Min))
	le.PutUint32(b[off+36:], math.Float32bits(p.Max))

	data := b[WaveformHeaderLen:]
	mask := data[4*n:]
	for i, v := range p.Samples {
		if isNaN32(v) {
			continue // stays 0 with a cleared bit
		}
		le.PutUint32(data[4*i:], math.Float32bits(v))
		mask[i/8] |= 0x80 >> (i % 8)
	}

	return b, nil
}

// DecodeWaveform parses a waveform packet. The buffer length must match the
// declared sample count exactly.
func DecodeWaveform(b []byte) (WaveformPacket, error) {
	h, err := readPrefix(b, KindWaveform)
	if err != nil {
		return WaveformPacket{}, err
	}
	if len(b) < WaveformHeaderLen {
		return WaveformPacket{}, fmt.Errorf("%w: %d bytes is shorter than the waveform header", ErrCorruptPacket, len(b))
	}

	off := prefixLen
	p := WaveformPacket{
		Header:        h,
		StartMs:       int64(le.Uint64(b[off:])),
		EndMs:         int64(le.Uint64(b[off+8:])),
		FirstSampleMs: math.Float64frombits(le.Uint64(b[off+16:])),
		SampleRate:    math.Float32frombits(le.Uint32(b[off+24:])),
		Min:           math.Float32frombits(le.Uint32(b[off+32:])),
		Max:           math.Float32frombits(le.Uint32(b[off+36:])),
	}

	count := int32(le.Uint32(b[off+28:]))
	if count < 0 {
		return WaveformPacket{}, fmt.Errorf("%w: negative sample count %d", ErrCorruptPacket, count)
	}
	n := int(count)
	if want := WaveformHeaderLen + 4*n + maskLen(n); len(b) != want {
		return WaveformPacket{}, fmt.Errorf("%w: %d bytes for %d samples, want %d", ErrCorruptPacket, len(b), n, want)
	}

	data := b[WaveformHeaderLen:]
	mask := data[4*n:]
	p.Samples = make([]float32, n)
	for i := range p.Samples {
		if mask[i/8]&(0x80>>(i%8)) == 0 {
			p.Samples[i] = float32(math.NaN())
			continue
		}
		p.Samples[i] = math.Float32frombits(le.Uint32(data[4*i:]))
	}

	return p, nil
}

func isNaN32(v float32) bool {
	return v != v
}
