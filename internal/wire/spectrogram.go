package wire

import (
	"fmt"
	"math"
	"time"
)

// spectrogramFixed is the header size after the common prefix:
// start_ms, end_ms, time_min, time_max, freq_min, freq_max,
// time_bins, freq_bins, min, max.
const spectrogramFixed = 8 + 8 + 4*8 + 4 + 4 + 4 + 4

// SpectrogramHeaderLen is the byte length of a spectrogram packet with no bins.
const SpectrogramHeaderLen = prefixLen + spectrogramFixed

// Spectrogram is a power matrix with its bin centres. Power is indexed
// [freq][time].
type Spectrogram struct {
	Times []float64 // seconds from the trace start
	Freqs []float64 // Hz
	Power [][]float64
}

// SpectrogramPacket is the decoded form of a spectrogram packet. The tail is
// always the raw float64 matrix in row-major freq × time order; rendered
// images are never sent.
type SpectrogramPacket struct {
	Header
	StartMs  int64
	EndMs    int64
	TimeMin  float64
	TimeMax  float64
	FreqMin  float64
	FreqMax  float64
	TimeBins int32
	FreqBins int32
	Min      float32
	Max      float32
	Data     []float64 // len == TimeBins*FreqBins
}

// NewSpectrogramPacket flattens s into a packet for a request covering [start, end].
func NewSpectrogramPacket(h Header, s Spectrogram, start, end time.Time) (SpectrogramPacket, error) {
	p := SpectrogramPacket{
		Header:   h,
		StartMs:  start.UnixMilli(),
		EndMs:    end.UnixMilli(),
		TimeBins: int32(len(s.Times)),
		FreqBins: int32(len(s.Freqs)),
	}
	if len(s.Power) != len(s.Freqs) {
		return SpectrogramPacket{}, fmt.Errorf("spectrogram has %d rows for %d frequencies", len(s.Power), len(s.Freqs))
	}
	if len(s.Times) > 0 {
		p.TimeMin, p.TimeMax = s.Times[0], s.Times[len(s.Times)-1]
	}
	if len(s.Freqs) > 0 {
		p.FreqMin, p.FreqMax = s.Freqs[0], s.Freqs[len(s.Freqs)-1]
	}

	p.Data = make([]float64, 0, len(s.Times)*len(s.Freqs))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, row := range s.Power {
		if len(row) != len(s.Times) {
			return SpectrogramPacket{}, fmt.Errorf("spectrogram row %d has %d bins, want %d", i, len(row), len(s.Times))
		}
		for _, v := range row {
			if !math.IsNaN(v) {
				lo, hi = math.Min(lo, v), math.Max(hi, v)
			}
		}
		p.Data = append(p.Data, row...)
	}
	if !math.IsInf(lo, 1) {
		p.Min, p.Max = float32(lo), float32(hi)
	}
	return p, nil
}

// At returns the value at frequency bin f and time bin t.
func (p SpectrogramPacket) At(f, t int) float64 {
	return p.Data[f*int(p.TimeBins)+t]
}

// EncodeSpectrogram serialises p.
func EncodeSpectrogram(p SpectrogramPacket) ([]byte, error) {
	if err := p.Header.validate(); err != nil {
		return nil, err
	}
	if p.TimeBins < 0 || p.FreqBins < 0 {
		return nil, fmt.Errorf("negative bin count %d×%d", p.FreqBins, p.TimeBins)
	}
	cells := int(p.TimeBins) * int(p.FreqBins)
	if len(p.Data) != cells {
		return nil, fmt.Errorf("data has %d values for %d×%d bins", len(p.Data), p.FreqBins, p.TimeBins)
	}

	b := make([]byte, SpectrogramHeaderLen+8*cells)
	putPrefix(b, KindSpectrogram, p.Header)

	off := prefixLen
	le.PutUint64(b[off:], uint64(p.StartMs))
	le.PutUint64(b[off+8:], uint64(p.EndMs))
	le.PutUint64(b[off+16:], math.Float64bits(p.TimeMin))
	le.PutUint64(b[off+24:], math.Float64bits(p.TimeMax))
	le.PutUint64(b[off+32:], math.Float64bits(p.FreqMin))
	le.PutUint64(b[off+40:], math.Float64bits(p.FreqMax))
	le.PutUint32(b[off+48:], uint32(p.TimeBins))
	le.PutUint32(b[off+52:], uint32(p.FreqBins))
	le.PutUint32(b[off+56:], math.Float32bits(p.Min))
	le.PutUint32(b[off+60:], math.Float32bits(p.Max))

	data := b[SpectrogramHeaderLen:]
	for i, v := range p.Data {
		le.PutUint64(data[8*i:], math.Float64bits(v))
	}

	return b, nil
}

// DecodeSpectrogram parses a spectrogram packet.
func DecodeSpectrogram(b []byte) (SpectrogramPacket, error) {
	h, err := readPrefix(b, KindSpectrogram)
	if err != nil {
		return SpectrogramPacket{}, err
	}
	if len(b) < SpectrogramHeaderLen {
		return SpectrogramPacket{}, fmt.Errorf("%w: %d bytes is shorter than the spectrogram header", ErrCorruptPacket, len(b))
	}

	off := prefixLen
	p := SpectrogramPacket{
		Header:   h,
		StartMs:  int64(le.Uint64(b[off:])),
		EndMs:    int64(le.Uint64(b[off+8:])),
		TimeMin:  math.Float64frombits(le.Uint64(b[off+16:])),
		TimeMax:  math.Float64frombits(le.Uint64(b[off+24:])),
		FreqMin:  math.Float64frombits(le.Uint64(b[off+32:])),
		FreqMax:  math.Float64frombits(le.Uint64(b[off+40:])),
		TimeBins: int32(le.Uint32(b[off+48:])),
		FreqBins: int32(le.Uint32(b[off+52:])),
		Min:      math.Float32frombits(le.Uint32(b[off+56:])),
		Max:      math.Float32frombits(le.Uint32(b[off+60:])),
	}
	if p.TimeBins < 0 || p.FreqBins < 0 {
		return SpectrogramPacket{}, fmt.Errorf("%w: negative bin count %d×%d", ErrCorruptPacket, p.FreqBins, p.TimeBins)
	}

	// Compare cell counts rather than byte lengths: 8*cells can overflow.
	cells := int64(p.TimeBins) * int64(p.FreqBins)
	payload := int64(len(b) - SpectrogramHeaderLen)
	if payload%8 != 0 || cells != payload/8 {
		return SpectrogramPacket{}, fmt.Errorf("%w: %d payload bytes for %d×%d bins", ErrCorruptPacket, payload, p.FreqBins, p.TimeBins)
	}

	data := b[SpectrogramHeaderLen:]
	p.Data = make([]float64, cells)
	for i := range p.Data {
		p.Data[i] = math.Float64frombits(le.Uint64(data[8*i:]))
	}

	return p, nil
}
