package domain

import "time"

// Pick is a per-channel estimated arrival time for a confirmed event.
type Pick struct {
	StreamID        string
	TPick           time.Time
	OffsetFromOnset time.Duration // TPick - TOn
}

// DetectionResult is produced once per confirmed event by the realtime detector.
// It is handed to an external collaborator and never persisted by this module.
type DetectionResult struct {
	GroupKey string // station group that triggered
	TOn      time.Time
	TOff     time.Time
	Picks    []Pick // ordered by stream id
}

// Duration returns TOff - TOn.
func (r DetectionResult) Duration() time.Duration {
	return r.TOff.Sub(r.TOn)
}
