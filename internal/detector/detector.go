package detector

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"seisflow/internal/domain"
	"seisflow/internal/dsp"
	"seisflow/internal/logging"
	"seisflow/internal/observability"
)

// State is the detector state of one station group.
type State int

// Detector states.
const (
	StateIdle State = iota
	StateOnsetArmed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOnsetArmed:
		return "onset_armed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// errMalformed marks packets rejected before they reach the buffers.
var errMalformed = errors.New("malformed packet")

// Detector runs the onset/offset state machine for one station group.
// It is not safe for concurrent use; Manager serializes calls per group.
type Detector struct {
	key     string
	cfg     Config
	log     *logrus.Entry
	streams map[string]*streamBuffer
	trigger string

	state State
	tOn   time.Time
}

// NewDetector creates a detector for the group key.
func NewDetector(key string, cfg Config, log *logrus.Entry) *Detector {
	if log == nil {
		log = logging.Component("detector")
	}
	return &Detector{
		key:     key,
		cfg:     cfg,
		log:     log.WithField("group", key),
		streams: make(map[string]*streamBuffer),
	}
}

// State returns the current state.
func (d *Detector) State() State {
	return d.state
}

// OnsetTime returns t_on while armed.
func (d *Detector) OnsetTime() (time.Time, bool) {
	return d.tOn, d.state == StateOnsetArmed
}

// TriggerStream returns the stream whose packets drive the state machine.
func (d *Detector) TriggerStream() string {
	return d.trigger
}

// OnData feeds one packet of one stream. It returns a result when the packet
// confirms an event and nil otherwise. Bad input is logged and skipped.
func (d *Detector) OnData(t domain.Trace) *domain.DetectionResult {
	if err := validatePacket(t); err != nil {
		observability.RecordDetectorReject("malformed")
		d.log.WithError(err).WithField("stream", t.ChannelID).Warn("skipping packet")
		return nil
	}

	buf, history := d.bufferFor(t)
	buf.evict(d.cfg.Retention)

	if t.ChannelID != d.trigger {
		return nil
	}
	if d.state == StateIdle && history < d.cfg.MinHistoryPackets {
		return nil
	}

	stdNow, stdRef, err := d.ratioInputs(buf, t)
	if err != nil {
		observability.RecordDetectorReject("evaluate")
		d.log.WithError(err).WithField("stream", t.ChannelID).Debug("cannot evaluate packet")
		return nil
	}

	switch d.state {
	case StateIdle:
		d.evaluateOnset(t, stdNow, stdRef)
		return nil
	case StateOnsetArmed:
		return d.evaluateOffset(t, stdNow, stdRef)
	default:
		return nil
	}
}

// bufferFor appends t to its stream buffer and returns the buffer and the
// number of contiguous packets that preceded t.
func (d *Detector) bufferFor(t domain.Trace) (*streamBuffer, int) {
	if d.trigger == "" && d.matchesTrigger(t.ChannelID) {
		d.trigger = t.ChannelID
		d.log.WithField("stream", t.ChannelID).Info("trigger stream selected")
	}

	buf, ok := d.streams[t.ChannelID]
	if !ok {
		d.streams[t.ChannelID] = newStreamBuffer(t)
		return d.streams[t.ChannelID], 0
	}
	if !buf.append(t) {
		d.log.WithFields(logrus.Fields{
			"stream":   t.ChannelID,
			"start":    t.Start,
			"expected": buf.next(),
		}).Info("stream discontinuity, buffer reset")
		return buf, 0
	}
	return buf, buf.packets - 1
}

func (d *Detector) matchesTrigger(streamID string) bool {
	if d.cfg.TriggerComponent == "" {
		return true
	}
	return strings.HasSuffix(streamID, d.cfg.TriggerComponent)
}

// ratioInputs returns std_now of the packet and std_ref of the window
// immediately preceding it, both detrended, tapered and bandpassed.
func (d *Detector) ratioInputs(buf *streamBuffer, t domain.Trace) (float64, float64, error) {
	refLen := t.Len()
	if d.cfg.ReferenceWindow > 0 {
		refLen = int(math.Round(d.cfg.ReferenceWindow.Seconds() * t.SampleRate))
	}
	ref, err := buf.tail(t.Len(), refLen)
	if err != nil {
		return 0, 0, err
	}

	now, err := d.condition(t.Samples, t.SampleRate)
	if err != nil {
		return 0, 0, err
	}
	refCond, err := d.condition(ref, t.SampleRate)
	if err != nil {
		return 0, 0, err
	}
	return dsp.Std(now), dsp.Std(refCond), nil
}

func (d *Detector) condition(x []float64, rate float64) ([]float64, error) {
	x = dsp.Taper(dsp.Detrend(x), d.cfg.TaperFraction)
	return dsp.Bandpass(x, rate, d.cfg.FreqMin, d.cfg.FreqMax, d.cfg.FilterSections)
}

func (d *Detector) evaluateOnset(t domain.Trace, stdNow, stdRef float64) {
	if stdRef <= d.cfg.RefEpsilon {
		return
	}
	ratio := stdNow / stdRef
	if stdNow > d.cfg.OnsetStd && ratio > d.cfg.OnsetRatio {
		d.state = StateOnsetArmed
		d.tOn = t.Start
		observability.DefaultMetrics.OnsetsArmed.Inc()
		d.log.WithFields(logrus.Fields{
			"t_on":    d.tOn,
			"std_now": stdNow,
			"std_ref": stdRef,
			"ratio":   ratio,
		}).Info("onset")
	}
}

func (d *Detector) evaluateOffset(t domain.Trace, stdNow, stdRef float64) *domain.DetectionResult {
	if stdNow >= d.cfg.OffsetStd {
		return nil
	}
	// A silent reference cannot decay further; treat it as ratio 0
	ratio := 0.0
	if stdRef > d.cfg.RefEpsilon {
		ratio = stdNow / stdRef
	}
	if ratio >= d.cfg.OffsetRatio {
		return nil
	}

	tOn, tOff := d.tOn, t.Start
	d.state = StateIdle
	d.tOn = time.Time{}

	log := d.log.WithFields(logrus.Fields{
		"t_on":     tOn,
		"t_off":    tOff,
		"duration": tOff.Sub(tOn),
		"std_now":  stdNow,
		"ratio":    ratio,
	})
	if tOff.Sub(tOn) <= d.cfg.MinDuration {
		observability.DefaultMetrics.DetectionsDiscarded.Inc()
		log.Info("offset before minimum duration, trigger discarded")
		return nil
	}

	result := &domain.DetectionResult{
		GroupKey: d.key,
		TOn:      tOn,
		TOff:     tOff,
		Picks:    d.pickAll(tOn),
	}
	observability.DefaultMetrics.DetectionsConfirmed.Inc()
	log.WithField("picks", len(result.Picks)).Info("detection confirmed")
	return result
}

// pickAll runs the picker on every stream buffer. Streams whose buffer
// cannot fill the pick window are logged and skipped.
func (d *Detector) pickAll(tOn time.Time) []domain.Pick {
	ids := make([]string, 0, len(d.streams))
	for id := range d.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var picks []domain.Pick
	for _, id := range ids {
		tPick, err := pick(d.streams[id], tOn, d.cfg)
		if err != nil {
			if errors.Is(err, ErrInsufficientWindow) {
				observability.DefaultMetrics.PickWindowsIncomplete.Inc()
			}
			d.log.WithError(err).WithField("stream", id).Warn("no pick for stream")
			continue
		}
		observability.DefaultMetrics.PicksMade.Inc()
		picks = append(picks, domain.Pick{
			StreamID:        id,
			TPick:           tPick,
			OffsetFromOnset: tPick.Sub(tOn),
		})
	}
	return picks
}

func validatePacket(t domain.Trace) error {
	switch {
	case t.ChannelID == "":
		return fmt.Errorf("%w: empty stream id", errMalformed)
	case t.Start.IsZero():
		return fmt.Errorf("%w: missing start time", errMalformed)
	case t.SampleRate <= 0 || math.IsNaN(t.SampleRate) || math.IsInf(t.SampleRate, 0):
		return fmt.Errorf("%w: sample rate %v", errMalformed, t.SampleRate)
	case t.Len() < 2:
		return fmt.Errorf("%w: %d samples", errMalformed, t.Len())
	}
	for i, v := range t.Samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite sample at %d", errMalformed, i)
		}
	}
	return nil
}
