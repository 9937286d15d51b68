// Package dsp holds the numeric helpers used by the detector and the
// spectrogram query path. All functions are pure and return fresh slices.
package dsp

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat"
)

// ErrInvalidBand is returned for filter corners outside (0, nyquist).
var ErrInvalidBand = errors.New("invalid filter band")

// Detrend removes the least-squares line from x.
func Detrend(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) < 2 {
		return out
	}

	idx := make([]float64, len(x))
	for i := range idx {
		idx[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(idx, x, nil, false)
	for i, v := range x {
		out[i] = v - (alpha + beta*float64(i))
	}
	return out
}

// Demean removes the mean from x.
func Demean(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	m := stat.Mean(x, nil)
	for i, v := range x {
		out[i] = v - m
	}
	return out
}

// Taper applies a cosine (Hann) taper to fraction of the samples at each end.
// fraction is clamped to [0, 0.5].
func Taper(x []float64, fraction float64) []float64 {
	out := append([]float64(nil), x...)
	n := len(x)
	if n < 2 || fraction <= 0 {
		return out
	}
	if fraction > 0.5 {
		fraction = 0.5
	}

	w := int(math.Floor(fraction * float64(n)))
	if w < 1 {
		return out
	}
	for i := 0; i < w; i++ {
		g := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(w)))
		out[i] *= g
		out[n-1-i] *= g
	}
	return out
}

// Std returns the population standard deviation of x, or 0 for fewer than two samples.
func Std(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	_, variance := stat.PopMeanVariance(x, nil)
	return math.Sqrt(variance)
}

// TrailingMeanEnergy returns the mean of x² over the w samples ending at each
// index. The first w-1 outputs average over the samples available.
func TrailingMeanEnergy(x []float64, w int) []float64 {
	out := make([]float64, len(x))
	if w < 1 {
		return out
	}
	var sum float64
	for i, v := range x {
		sum += v * v
		if i >= w {
			sum -= x[i-w] * x[i-w]
		}
		n := w
		if i+1 < w {
			n = i + 1
		}
		out[i] = clampZero(sum) / float64(n)
	}
	return out
}

// ForwardMeanEnergy returns the mean of x² over the w samples starting at each
// index. The last w-1 outputs average over the samples available.
func ForwardMeanEnergy(x []float64, w int) []float64 {
	out := make([]float64, len(x))
	if w < 1 {
		return out
	}
	var sum float64
	for i := len(x) - 1; i >= 0; i-- {
		sum += x[i] * x[i]
		if i+w < len(x) {
			sum -= x[i+w] * x[i+w]
		}
		n := w
		if len(x)-i < w {
			n = len(x) - i
		}
		out[i] = clampZero(sum) / float64(n)
	}
	return out
}

// clampZero removes negative drift left by running-sum subtraction.
func clampZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// ArgMax returns the index of the largest finite value, or -1 if none exist.
func ArgMax(x []float64) int {
	best := -1
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if best < 0 || v > x[best] {
			best = i
		}
	}
	return best
}
