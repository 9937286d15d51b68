package dsp

import (
	"errors"
	"math"
	"testing"
)

func sine(n int, fs, freq, amp float64) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return x
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestDetrend_RemovesLine(t *testing.T) {
	x := make([]float64, 100)
	for i := range x {
		x[i] = 3 + 0.5*float64(i)
	}
	out := Detrend(x)
	for i, v := range out {
		if !almostEqual(v, 0, 1e-9) {
			t.Fatalf("Sample %d: expected 0, got %v", i, v)
		}
	}
	if x[10] != 8 {
		t.Error("Detrend must not modify its input")
	}
}

func TestDemean(t *testing.T) {
	out := Demean([]float64{1, 2, 3})
	if out[0] != -1 || out[1] != 0 || out[2] != 1 {
		t.Errorf("Unexpected demean result: %v", out)
	}
}

func TestTaper_Ends(t *testing.T) {
	x := make([]float64, 100)
	for i := range x {
		x[i] = 1
	}
	out := Taper(x, 0.1)
	if out[0] != 0 || out[99] != 0 {
		t.Errorf("Expected zero at both ends, got %v and %v", out[0], out[99])
	}
	if out[50] != 1 {
		t.Errorf("Expected untouched middle, got %v", out[50])
	}
	if out[5] <= 0 || out[5] >= 1 {
		t.Errorf("Expected partial gain inside taper, got %v", out[5])
	}
}

func TestStd(t *testing.T) {
	if got := Std([]float64{2, 4, 4, 4, 5, 5, 7, 9}); !almostEqual(got, 2, 1e-12) {
		t.Errorf("Expected population std 2, got %v", got)
	}
	if Std([]float64{5}) != 0 || Std(nil) != 0 {
		t.Error("Expected 0 for short input")
	}
	// A sine of amplitude A has std A/sqrt(2)
	if got := Std(sine(1000, 100, 5, 10)); !almostEqual(got, 10/math.Sqrt2, 0.05) {
		t.Errorf("Expected ~7.07, got %v", got)
	}
}

func TestMeanEnergy(t *testing.T) {
	x := []float64{1, 2, 3, 4}

	trail := TrailingMeanEnergy(x, 2)
	wantTrail := []float64{1, 2.5, 6.5, 12.5}
	for i := range wantTrail {
		if !almostEqual(trail[i], wantTrail[i], 1e-12) {
			t.Errorf("Trailing[%d]: expected %v, got %v", i, wantTrail[i], trail[i])
		}
	}

	fwd := ForwardMeanEnergy(x, 2)
	wantFwd := []float64{2.5, 6.5, 12.5, 16}
	for i := range wantFwd {
		if !almostEqual(fwd[i], wantFwd[i], 1e-12) {
			t.Errorf("Forward[%d]: expected %v, got %v", i, wantFwd[i], fwd[i])
		}
	}
}

func TestArgMax(t *testing.T) {
	if i := ArgMax([]float64{1, math.NaN(), 7, math.Inf(1), 3}); i != 2 {
		t.Errorf("Expected 2, got %d", i)
	}
	if i := ArgMax(nil); i != -1 {
		t.Errorf("Expected -1, got %d", i)
	}
}

func TestBandpass_PassesInBandRejectsOutOfBand(t *testing.T) {
	fs := 100.0
	n := 4000

	inBand, err := Bandpass(sine(n, fs, 5, 1), fs, 1, 10, 2)
	if err != nil {
		t.Fatalf("Bandpass failed: %v", err)
	}
	low, _ := Bandpass(sine(n, fs, 0.1, 1), fs, 1, 10, 2)
	high, _ := Bandpass(sine(n, fs, 40, 1), fs, 1, 10, 2)

	// Skip the filter transient
	settle := n / 2
	gIn := Std(inBand[settle:]) / (1 / math.Sqrt2)
	gLow := Std(low[settle:]) / (1 / math.Sqrt2)
	gHigh := Std(high[settle:]) / (1 / math.Sqrt2)

	if gIn < 0.9 || gIn > 1.1 {
		t.Errorf("Expected ~unity gain in band, got %v", gIn)
	}
	if gLow > 0.05 {
		t.Errorf("Expected strong attenuation at 0.1 Hz, got %v", gLow)
	}
	if gHigh > 0.05 {
		t.Errorf("Expected strong attenuation at 40 Hz, got %v", gHigh)
	}
}

func TestBandpass_InvalidBand(t *testing.T) {
	x := sine(100, 100, 5, 1)
	for _, tt := range []struct{ fs, lo, hi float64 }{
		{100, 0, 10},
		{100, 10, 5},
		{0, 1, 10},
		{100, 60, 70},
	} {
		if _, err := Bandpass(x, tt.fs, tt.lo, tt.hi, 2); !errors.Is(err, ErrInvalidBand) {
			t.Errorf("%+v: expected ErrInvalidBand, got %v", tt, err)
		}
	}

	// fmax above nyquist degrades to highpass
	if _, err := Bandpass(x, 100, 1, 80, 2); err != nil {
		t.Errorf("Expected highpass fallback, got %v", err)
	}
}

func TestSTFT_PeakAtToneFrequency(t *testing.T) {
	fs := 100.0
	x := sine(2048, fs, 12.5, 3)

	s, err := STFT(x, fs, STFTConfig{SegmentLen: 256})
	if err != nil {
		t.Fatalf("STFT failed: %v", err)
	}
	if len(s.Freqs) != 129 {
		t.Fatalf("Expected 129 frequency bins, got %d", len(s.Freqs))
	}
	// 2048 samples, 256 per segment, 128 step -> 15 segments
	if len(s.Times) != 15 {
		t.Errorf("Expected 15 segments, got %d", len(s.Times))
	}
	if len(s.Power) != len(s.Freqs) || len(s.Power[0]) != len(s.Times) {
		t.Fatalf("Unexpected matrix shape %dx%d", len(s.Power), len(s.Power[0]))
	}

	column := make([]float64, len(s.Freqs))
	for k := range s.Freqs {
		column[k] = s.Power[k][3]
	}
	peak := ArgMax(column)
	if !almostEqual(s.Freqs[peak], 12.5, fs/256) {
		t.Errorf("Expected peak near 12.5 Hz, got %v Hz", s.Freqs[peak])
	}
}

func TestSTFT_ShortInput(t *testing.T) {
	s, err := STFT([]float64{1}, 100, STFTConfig{})
	if err != nil {
		t.Fatalf("STFT failed: %v", err)
	}
	if len(s.Times) != 0 {
		t.Errorf("Expected no segments, got %d", len(s.Times))
	}
}
