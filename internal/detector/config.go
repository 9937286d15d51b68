// Package detector implements the realtime onset/offset detector and the
// per-channel arrival picker run on each confirmed event.
package detector

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the detector thresholds and windows.
type Config struct {
	// Onset fires when the filtered packet std exceeds OnsetStd and its ratio
	// to the reference window std exceeds OnsetRatio.
	OnsetStd   float64 `mapstructure:"onset_std"`
	OnsetRatio float64 `mapstructure:"onset_ratio"`

	// Offset fires when the filtered packet std drops below OffsetStd and its
	// ratio to the reference window std drops below OffsetRatio.
	OffsetStd   float64 `mapstructure:"offset_std"`
	OffsetRatio float64 `mapstructure:"offset_ratio"`

	// MinDuration is the shortest t_off - t_on that is reported.
	MinDuration time.Duration `mapstructure:"min_duration"`

	// MinHistoryPackets is the number of contiguous trigger packets that must
	// precede a packet before it can raise an onset.
	MinHistoryPackets int `mapstructure:"min_history_packets"`

	// Retention bounds each stream buffer.
	Retention time.Duration `mapstructure:"retention"`

	// ReferenceWindow is the span before a packet used for std_ref.
	// Zero means the packet's own length.
	ReferenceWindow time.Duration `mapstructure:"reference_window"`

	// RefEpsilon is the smallest std_ref that allows an onset.
	RefEpsilon float64 `mapstructure:"ref_epsilon"`

	// Pre-conditioning of evaluated packets.
	FreqMin        float64 `mapstructure:"freq_min"`
	FreqMax        float64 `mapstructure:"freq_max"`
	FilterSections int     `mapstructure:"filter_sections"`
	TaperFraction  float64 `mapstructure:"taper_fraction"`

	// TriggerComponent selects the trigger stream of a group by id suffix
	// (for example "HHZ"). Empty means the first stream seen.
	TriggerComponent string `mapstructure:"trigger_component"`

	// Picking window around t_on and characteristic function parameters.
	PickBefore time.Duration `mapstructure:"pick_before"`
	PickAfter  time.Duration `mapstructure:"pick_after"`
	STE        time.Duration `mapstructure:"ste"`
	LTE        time.Duration `mapstructure:"lte"`
	CFStart    int           `mapstructure:"cf_start"`
	CFEnd      int           `mapstructure:"cf_end"`
}

// DefaultConfig returns the standard detector configuration.
func DefaultConfig() Config {
	return Config{
		OnsetStd:          500,
		OnsetRatio:        1.3,
		OffsetStd:         400,
		OffsetRatio:       1.0,
		MinDuration:       10 * time.Second,
		MinHistoryPackets: 10,
		Retention:         30 * time.Minute,
		FreqMin:           1,
		FreqMax:           10,
		FilterSections:    2,
		TaperFraction:     0.05,
		PickBefore:        10 * time.Second,
		PickAfter:         5 * time.Second,
		STE:               500 * time.Millisecond,
		LTE:               2 * time.Second,
		CFStart:           200,
		CFEnd:             1500,
	}
}

// Validate checks the configuration for values the detector cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.OnsetStd <= 0 || c.OffsetStd <= 0 {
		errs = append(errs, errors.New("onset_std and offset_std must be positive"))
	}
	if c.OnsetRatio <= 0 || c.OffsetRatio <= 0 {
		errs = append(errs, errors.New("onset_ratio and offset_ratio must be positive"))
	}
	if c.MinHistoryPackets < 0 {
		errs = append(errs, errors.New("min_history_packets must not be negative"))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	if c.Retention < c.PickBefore+c.PickAfter {
		errs = append(errs, fmt.Errorf("retention %s is shorter than the pick window", c.Retention))
	}
	if c.FreqMin <= 0 || c.FreqMax <= c.FreqMin {
		errs = append(errs, fmt.Errorf("invalid band %g-%g Hz", c.FreqMin, c.FreqMax))
	}
	if c.FilterSections < 1 {
		errs = append(errs, errors.New("filter_sections must be at least 1"))
	}
	if c.TaperFraction < 0 || c.TaperFraction > 0.5 {
		errs = append(errs, errors.New("taper_fraction must be within [0, 0.5]"))
	}
	if c.STE <= 0 || c.LTE <= 0 {
		errs = append(errs, errors.New("ste and lte must be positive"))
	}
	if c.CFStart < 0 || c.CFEnd <= c.CFStart {
		errs = append(errs, fmt.Errorf("invalid characteristic function range [%d:%d]", c.CFStart, c.CFEnd))
	}
	return errors.Join(errs...)
}
