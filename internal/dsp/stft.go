package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// STFTConfig controls segmenting for STFT.
type STFTConfig struct {
	SegmentLen int // samples per segment; 0 means 256
	Overlap    int // samples shared by consecutive segments; 0 means SegmentLen/2
}

// Spectrum is a one-sided power spectral density per segment.
// Power is indexed [freq][time].
type Spectrum struct {
	Times []float64 // segment centres, seconds from the first sample
	Freqs []float64 // Hz
	Power [][]float64
}

// STFT computes a Hann-windowed short-time power spectral density of x
// sampled at fs. Segments are detrended by their mean. Inputs shorter than
// one segment use a single segment of the input length.
func STFT(x []float64, fs float64, cfg STFTConfig) (Spectrum, error) {
	if fs <= 0 {
		return Spectrum{}, fmt.Errorf("invalid sample rate %g", fs)
	}
	nseg := cfg.SegmentLen
	if nseg <= 0 {
		nseg = 256
	}
	if nseg > len(x) {
		nseg = len(x)
	}
	if nseg < 2 {
		return Spectrum{}, nil
	}
	overlap := cfg.Overlap
	if overlap <= 0 || overlap >= nseg {
		overlap = nseg / 2
	}
	step := nseg - overlap

	win := make([]float64, nseg)
	for i := range win {
		win[i] = 1
	}
	win = window.Hann(win)
	var winPow float64
	for _, w := range win {
		winPow += w * w
	}
	scale := 1 / (fs * winPow)

	fft := fourier.NewFFT(nseg)
	nfreq := nseg/2 + 1

	s := Spectrum{
		Freqs: make([]float64, nfreq),
		Power: make([][]float64, nfreq),
	}
	for k := range s.Freqs {
		s.Freqs[k] = fft.Freq(k) * fs
	}

	seg := make([]float64, nseg)
	coeffs := make([]complex128, nfreq)
	for start := 0; start+nseg <= len(x); start += step {
		var mean float64
		for _, v := range x[start : start+nseg] {
			mean += finiteOrZero(v)
		}
		mean /= float64(nseg)
		for i := range seg {
			seg[i] = (finiteOrZero(x[start+i]) - mean) * win[i]
		}

		coeffs = fft.Coefficients(coeffs, seg)
		for k, c := range coeffs {
			p := cmplx.Abs(c)
			p = p * p * scale
			if k != 0 && !(nseg%2 == 0 && k == nfreq-1) {
				p *= 2
			}
			s.Power[k] = append(s.Power[k], p)
		}
		s.Times = append(s.Times, (float64(start)+float64(nseg)/2)/fs)
	}

	return s, nil
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
