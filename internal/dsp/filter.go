package dsp

import (
	"fmt"
	"math"
)

// biquad is one second-order section in direct form II transposed.
type biquad struct {
	b0, b1, b2, a1, a2 float64
}

func (q biquad) apply(x []float64) {
	var z1, z2 float64
	for i, v := range x {
		y := q.b0*v + z1
		z1 = q.b1*v - q.a1*y + z2
		z2 = q.b2*v - q.a2*y
		x[i] = y
	}
}

// butterworthQ returns the section Q factors of an order-2n Butterworth filter.
func butterworthQ(sections int) []float64 {
	order := 2 * sections
	qs := make([]float64, sections)
	for k := 1; k <= sections; k++ {
		theta := float64(2*k-1) * math.Pi / float64(2*order)
		qs[k-1] = 1 / (2 * math.Cos(theta))
	}
	return qs
}

func lowpassSection(fc, fs, q float64) biquad {
	w0 := 2 * math.Pi * fc / fs
	cosw, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 - cosw) / 2 / a0,
		b1: (1 - cosw) / a0,
		b2: (1 - cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

func highpassSection(fc, fs, q float64) biquad {
	w0 := 2 * math.Pi * fc / fs
	cosw, alpha := math.Cos(w0), math.Sin(w0)/(2*q)
	a0 := 1 + alpha
	return biquad{
		b0: (1 + cosw) / 2 / a0,
		b1: -(1 + cosw) / a0,
		b2: (1 + cosw) / 2 / a0,
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
}

// Lowpass applies a causal Butterworth lowpass of order 2*sections.
func Lowpass(x []float64, fs, fc float64, sections int) ([]float64, error) {
	if fc <= 0 || fc >= fs/2 {
		return nil, fmt.Errorf("%w: lowpass %g Hz at %g Hz sampling", ErrInvalidBand, fc, fs)
	}
	out := append([]float64(nil), x...)
	for _, q := range butterworthQ(max(sections, 1)) {
		lowpassSection(fc, fs, q).apply(out)
	}
	return out, nil
}

// Highpass applies a causal Butterworth highpass of order 2*sections.
func Highpass(x []float64, fs, fc float64, sections int) ([]float64, error) {
	if fc <= 0 || fc >= fs/2 {
		return nil, fmt.Errorf("%w: highpass %g Hz at %g Hz sampling", ErrInvalidBand, fc, fs)
	}
	out := append([]float64(nil), x...)
	for _, q := range butterworthQ(max(sections, 1)) {
		highpassSection(fc, fs, q).apply(out)
	}
	return out, nil
}

// Bandpass applies a Butterworth highpass at fmin followed by a lowpass at
// fmax. When fmax is at or above nyquist only the highpass is applied.
func Bandpass(x []float64, fs, fmin, fmax float64, sections int) ([]float64, error) {
	if fs <= 0 || fmin <= 0 || fmin >= fmax {
		return nil, fmt.Errorf("%w: %g-%g Hz at %g Hz sampling", ErrInvalidBand, fmin, fmax, fs)
	}
	out, err := Highpass(x, fs, fmin, sections)
	if err != nil {
		return nil, err
	}
	if fmax >= fs/2 {
		return out, nil
	}
	return Lowpass(out, fs, fmax, sections)
}
