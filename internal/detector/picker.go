package detector

import (
	"fmt"
	"math"
	"time"

	"seisflow/internal/domain"
	"seisflow/internal/dsp"
)

// pick estimates the arrival time on one stream around tOn.
//
// The window [tOn-PickBefore, tOn+PickAfter] is demeaned and bandpassed.
// The characteristic function is the forward mean energy over LTE divided
// by the trailing mean energy over STE, defined as 0 where the trailing
// energy is 0. The pick is the time of its maximum within [CFStart, CFEnd).
func pick(buf *streamBuffer, tOn time.Time, cfg Config) (time.Time, error) {
	window, start, err := buf.window(tOn.Add(-cfg.PickBefore), tOn.Add(cfg.PickAfter))
	if err != nil {
		return time.Time{}, err
	}

	filtered, err := dsp.Bandpass(dsp.Demean(window), buf.rate, cfg.FreqMin, cfg.FreqMax, cfg.FilterSections)
	if err != nil {
		return time.Time{}, err
	}

	cf := characteristic(filtered, buf.rate, cfg)

	lo, hi := cfg.CFStart, cfg.CFEnd
	if hi > len(cf) {
		hi = len(cf)
	}
	if lo >= hi {
		return time.Time{}, fmt.Errorf("%w: characteristic function range [%d:%d] on %d samples",
			ErrInsufficientWindow, cfg.CFStart, cfg.CFEnd, len(cf))
	}

	i := dsp.ArgMax(cf[lo:hi])
	if i < 0 {
		return time.Time{}, fmt.Errorf("no finite characteristic function values")
	}
	return start.Add(domain.SecondsToDuration(float64(lo+i) / buf.rate)), nil
}

func characteristic(x []float64, rate float64, cfg Config) []float64 {
	lteN := int(math.Max(1, math.Round(cfg.LTE.Seconds()*rate)))
	steN := int(math.Max(1, math.Round(cfg.STE.Seconds()*rate)))

	lte := dsp.ForwardMeanEnergy(x, lteN)
	ste := dsp.TrailingMeanEnergy(x, steN)

	cf := make([]float64, len(x))
	for i := range cf {
		if ste[i] == 0 {
			continue
		}
		cf[i] = lte[i] / ste[i]
	}
	return cf
}
