package stream

import (
	"fmt"
	"time"

	"seisflow/internal/domain"
	"seisflow/internal/query"
	"seisflow/internal/wire"
)

// Commands accepted from clients.
const (
	CommandWaveform            = query.CommandWaveform
	CommandSpectrogram         = query.CommandSpectrogram
	CommandSubscribeDetections = "subscribe_detections"
)

// Request is a client text frame.
type Request struct {
	RequestID  string    `json:"request_id"`
	Command    string    `json:"command"`
	ChannelID  string    `json:"channel_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Downsample string    `json:"downsample,omitempty"`
	Width      int       `json:"width,omitempty"`
	MaxPoints  int       `json:"max_points,omitempty"`
	GapFill    bool      `json:"gap_fill,omitempty"`
	Trim       bool      `json:"trim,omitempty"`
}

// queryRequest validates r and converts it for the query service.
func (r Request) queryRequest() (query.Request, error) {
	if r.ChannelID == "" {
		return query.Request{}, fmt.Errorf("channel_id is required")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return query.Request{}, fmt.Errorf("start and end are required")
	}
	if r.End.Before(r.Start) {
		return query.Request{}, fmt.Errorf("end %s is before start %s", r.End.Format(time.RFC3339Nano), r.Start.Format(time.RFC3339Nano))
	}
	mode, err := wire.ParseMode(r.Downsample)
	if err != nil {
		return query.Request{}, err
	}
	return query.Request{
		RequestID: r.RequestID,
		ChannelID: r.ChannelID,
		Start:     r.Start.UTC(),
		End:       r.End.UTC(),
		Downsample: wire.Downsample{
			Mode:      mode,
			Width:     r.Width,
			MaxPoints: r.MaxPoints,
		},
		Options: query.TraceOptions{GapFill: r.GapFill, Trim: r.Trim},
	}, nil
}

// Message types sent as text frames.
const (
	TypeError      = "error"
	TypeSubscribed = "subscribed"
	TypeDetection  = "detection"
)

// StatusMessage acknowledges a request or reports its failure.
type StatusMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PickMessage is one pick of a DetectionMessage.
type PickMessage struct {
	StreamID      string    `json:"stream_id"`
	TPick         time.Time `json:"t_pick"`
	OffsetSeconds float64   `json:"offset_seconds"`
}

// DetectionMessage is broadcast to subscribed clients.
type DetectionMessage struct {
	Type            string        `json:"type"`
	GroupKey        string        `json:"group_key"`
	TOn             time.Time     `json:"t_on"`
	TOff            time.Time     `json:"t_off"`
	DurationSeconds float64       `json:"duration_seconds"`
	Picks           []PickMessage `json:"picks"`
}

// NewDetectionMessage converts a detection result to its wire form.
func NewDetectionMessage(r domain.DetectionResult) DetectionMessage {
	m := DetectionMessage{
		Type:            TypeDetection,
		GroupKey:        r.GroupKey,
		TOn:             r.TOn,
		TOff:            r.TOff,
		DurationSeconds: r.Duration().Seconds(),
		Picks:           make([]PickMessage, 0, len(r.Picks)),
	}
	for _, p := range r.Picks {
		m.Picks = append(m.Picks, PickMessage{
			StreamID:      p.StreamID,
			TPick:         p.TPick,
			OffsetSeconds: p.OffsetFromOnset.Seconds(),
		})
	}
	return m
}
