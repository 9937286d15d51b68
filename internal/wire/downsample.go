package wire

import (
	"fmt"
	"strings"

	"seisflow/internal/domain"
)

// Mode selects how a point budget is derived for a request.
type Mode string

// Downsampling modes.
const (
	ModeAuto       Mode = "auto"
	ModeMatchWidth Mode = "match_width"
	ModeMaxPoints  Mode = "max_points"
	ModeNone       Mode = "none"
)

// DefaultAutoPoints is the budget used by ModeAuto when none is configured.
const DefaultAutoPoints = 5000

// ParseMode parses a downsampling mode. The empty string means ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeMatchWidth, ModeMaxPoints, ModeNone:
		return m, nil
	default:
		return "", fmt.Errorf("unknown downsample mode %q", s)
	}
}

// Downsample describes a client's point budget.
type Downsample struct {
	Mode       Mode
	Width      int // display width in pixels, for ModeMatchWidth
	MaxPoints  int // for ModeMaxPoints
	AutoPoints int // budget for ModeAuto; 0 means DefaultAutoPoints
}

// Budget returns the target point count, or 0 for no reduction.
func (d Downsample) Budget() int {
	switch d.Mode {
	case ModeAuto, "":
		if d.AutoPoints > 0 {
			return d.AutoPoints
		}
		return DefaultAutoPoints
	case ModeMatchWidth:
		if d.Width > 0 {
			return 2 * d.Width
		}
		return 0
	case ModeMaxPoints:
		return d.MaxPoints
	default:
		return 0
	}
}

// Apply reduces t to the budget with LTTB. The kept samples are laid out on
// a regular grid spanning the original duration, so the returned trace
// carries an effective sample rate of (n-1)/duration. Traces already within
// budget are returned unchanged.
func (d Downsample) Apply(t domain.Trace) domain.Trace {
	return Reduce(t, d.Budget())
}

// Reduce applies LTTB to t with the given budget. See Downsample.Apply.
func Reduce(t domain.Trace, budget int) domain.Trace {
	n := t.Len()
	if budget <= 0 || budget >= n || t.SampleRate <= 0 {
		return t
	}

	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i) / t.SampleRate
	}
	idx := LTTBIndices(xs, t.Samples, budget)

	out := domain.Trace{
		ChannelID:  t.ChannelID,
		Start:      t.Start,
		SampleRate: t.SampleRate,
		DType:      t.DType,
		Samples:    make([]float64, len(idx)),
	}
	for k, i := range idx {
		out.Samples[k] = t.Samples[i]
	}
	if duration := t.Duration().Seconds(); duration > 0 && len(idx) > 1 {
		out.SampleRate = float64(len(idx)-1) / duration
	}
	return out
}
