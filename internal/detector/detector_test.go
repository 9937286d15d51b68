package detector

import (
	"context"
	"math"
	"testing"
	"time"

	"seisflow/internal/domain"
	"seisflow/internal/logging"
)

const (
	rate      = 100.0
	perPacket = 100 // 1 s packets

	quietAmp = 70   // filtered std ~48
	eventAmp = 1200 // filtered std ~820
	decayAmp = 300  // filtered std ~205
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// packet returns the n-th one-second packet of a 5 Hz sine with the given
// amplitude. Phase is continuous across packets.
func packet(stream string, n int, amp float64) domain.Trace {
	samples := make([]float64, perPacket)
	for i := range samples {
		abs := n*perPacket + i
		samples[i] = amp * math.Sin(2*math.Pi*5*float64(abs)/rate)
	}
	return domain.Trace{
		ChannelID:  stream,
		Start:      t0.Add(time.Duration(n) * time.Second),
		SampleRate: rate,
		DType:      domain.DTypeInt32,
		Samples:    samples,
	}
}

func newTestDetector(cfg Config) *Detector {
	return NewDetector("NZ.WEL", cfg, logging.Discard())
}

// feed sends packets [from, to) of one amplitude and fails on any result.
func feed(t *testing.T, d *Detector, stream string, from, to int, amp float64) {
	t.Helper()
	for n := from; n < to; n++ {
		if r := d.OnData(packet(stream, n, amp)); r != nil {
			t.Fatalf("Unexpected detection at packet %d: %+v", n, r)
		}
	}
}

func TestDetector_ScenarioA_StableAmplitudeStaysIdle(t *testing.T) {
	d := newTestDetector(DefaultConfig())

	feed(t, d, "NZ.WEL.10.HHZ", 0, 3, quietAmp)
	if d.State() != StateIdle {
		t.Fatalf("Expected idle after 3 packets, got %s", d.State())
	}

	feed(t, d, "NZ.WEL.10.HHZ", 3, 40, quietAmp)
	if d.State() != StateIdle {
		t.Errorf("Expected idle after 40 stable packets, got %s", d.State())
	}
}

func TestDetector_ScenarioB_EventConfirmed(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	stream := "NZ.WEL.10.HHZ"

	feed(t, d, stream, 0, 10, quietAmp)

	// Spike with 10 packets of history arms the detector
	if r := d.OnData(packet(stream, 10, eventAmp)); r != nil {
		t.Fatal("Onset must not produce a result")
	}
	if d.State() != StateOnsetArmed {
		t.Fatalf("Expected onset_armed after spike, got %s", d.State())
	}
	tOn, armed := d.OnsetTime()
	if !armed || !tOn.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("Expected t_on %v, got %v", t0.Add(10*time.Second), tOn)
	}

	// Sustained event keeps std above the offset threshold
	feed(t, d, stream, 11, 21, eventAmp)
	if d.State() != StateOnsetArmed {
		t.Fatalf("Expected onset_armed during event, got %s", d.State())
	}

	result := d.OnData(packet(stream, 21, decayAmp))
	if result == nil {
		t.Fatal("Expected detection on decay packet")
	}
	if d.State() != StateIdle {
		t.Errorf("Expected idle after offset, got %s", d.State())
	}
	if result.Duration() <= 10*time.Second {
		t.Errorf("Expected duration > 10s, got %s", result.Duration())
	}
	if !result.TOff.Equal(t0.Add(21 * time.Second)) {
		t.Errorf("Expected t_off %v, got %v", t0.Add(21*time.Second), result.TOff)
	}
	if result.GroupKey != "NZ.WEL" {
		t.Errorf("Expected group NZ.WEL, got %s", result.GroupKey)
	}

	// Emitted exactly once
	feed(t, d, stream, 22, 30, decayAmp)
}

func TestDetector_ScenarioB_SingleReferencePacket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinHistoryPackets = 1
	d := newTestDetector(cfg)
	stream := "NZ.WEL.10.HHZ"

	feed(t, d, stream, 0, 1, quietAmp)
	feed(t, d, stream, 1, 2, eventAmp)
	if d.State() != StateOnsetArmed {
		t.Fatalf("Expected onset_armed, got %s", d.State())
	}
	feed(t, d, stream, 2, 13, eventAmp)

	if r := d.OnData(packet(stream, 13, decayAmp)); r == nil {
		t.Fatal("Expected detection")
	}
}

func TestDetector_ScenarioC_ShortEventRejected(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	stream := "NZ.WEL.10.HHZ"

	feed(t, d, stream, 0, 10, quietAmp)
	feed(t, d, stream, 10, 13, eventAmp)
	if d.State() != StateOnsetArmed {
		t.Fatalf("Expected onset_armed, got %s", d.State())
	}

	// Offset 3 s after onset
	if r := d.OnData(packet(stream, 13, decayAmp)); r != nil {
		t.Errorf("Expected no detection for 3 s event, got %+v", r)
	}
	if d.State() != StateIdle {
		t.Errorf("Expected idle after rejected event, got %s", d.State())
	}
	if _, armed := d.OnsetTime(); armed {
		t.Error("Expected t_on cleared")
	}
}

func TestDetector_InsufficientHistory(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	stream := "NZ.WEL.10.HHZ"

	feed(t, d, stream, 0, 5, quietAmp)
	feed(t, d, stream, 5, 6, eventAmp)
	if d.State() != StateIdle {
		t.Errorf("Expected idle with only 5 packets of history, got %s", d.State())
	}
}

func TestDetector_GapResetsHistory(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	stream := "NZ.WEL.10.HHZ"

	feed(t, d, stream, 0, 10, quietAmp)
	// Skip packet 10; the buffer restarts at packet 11
	feed(t, d, stream, 11, 13, quietAmp)
	feed(t, d, stream, 13, 14, eventAmp)
	if d.State() != StateIdle {
		t.Errorf("Expected idle after discontinuity, got %s", d.State())
	}
}

func TestDetector_ZeroReferenceNoOnset(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	stream := "NZ.WEL.10.HHZ"

	feed(t, d, stream, 0, 10, 0)
	feed(t, d, stream, 10, 11, eventAmp)
	if d.State() != StateIdle {
		t.Errorf("Expected idle when reference std is zero, got %s", d.State())
	}
}

func TestDetector_MalformedPacketsSkipped(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	stream := "NZ.WEL.10.HHZ"

	feed(t, d, stream, 0, 10, quietAmp)

	nan := packet(stream, 10, eventAmp)
	nan.Samples[3] = math.NaN()
	zeroRate := packet(stream, 10, eventAmp)
	zeroRate.SampleRate = 0
	empty := packet(stream, 10, eventAmp)
	empty.Samples = nil
	noID := packet("", 10, eventAmp)

	for _, bad := range []domain.Trace{nan, zeroRate, empty, noID, {}} {
		if r := d.OnData(bad); r != nil {
			t.Fatalf("Unexpected result for malformed packet")
		}
	}
	if d.State() != StateIdle {
		t.Fatalf("Expected idle after malformed packets, got %s", d.State())
	}

	// Rejected packets do not break continuity
	feed(t, d, stream, 10, 11, eventAmp)
	if d.State() != StateOnsetArmed {
		t.Errorf("Expected onset_armed after valid spike, got %s", d.State())
	}
}

func TestDetector_OnlyTriggerStreamDrivesState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerComponent = "HHZ"
	d := newTestDetector(cfg)

	for n := 0; n < 10; n++ {
		d.OnData(packet("NZ.WEL.10.HHN", n, quietAmp))
		d.OnData(packet("NZ.WEL.10.HHZ", n, quietAmp))
	}
	if d.TriggerStream() != "NZ.WEL.10.HHZ" {
		t.Fatalf("Expected HHZ trigger, got %q", d.TriggerStream())
	}

	d.OnData(packet("NZ.WEL.10.HHN", 10, eventAmp))
	if d.State() != StateIdle {
		t.Errorf("Expected non-trigger spike to be ignored, got %s", d.State())
	}
}

func TestManager_PicksAcrossStreams(t *testing.T) {
	results := make(chan domain.DetectionResult, 1)
	m := NewManager(DefaultConfig(), ChanHandler{C: results}, ManagerOptions{Logger: logging.Discard()})
	ctx := context.Background()

	amp := func(n int) float64 {
		switch {
		case n < 10:
			return quietAmp
		case n < 21:
			return eventAmp
		default:
			return decayAmp
		}
	}

	for n := 0; n <= 21; n++ {
		m.OnData(ctx, packet("NZ.WEL.10.HHZ", n, amp(n)))
		m.OnData(ctx, packet("NZ.WEL.10.HHN", n, amp(n)))
		if n >= 5 {
			// Starts too late to fill the pick window
			m.OnData(ctx, packet("NZ.WEL.10.HHE", n, amp(n)))
		}
		// Another station runs independently
		m.OnData(ctx, packet("NZ.BFZ.10.HHZ", n, quietAmp))
	}

	var result domain.DetectionResult
	select {
	case result = <-results:
	default:
		t.Fatal("Expected a detection")
	}

	if groups := m.Groups(); len(groups) != 2 || groups[0] != "NZ.BFZ" || groups[1] != "NZ.WEL" {
		t.Errorf("Unexpected groups: %v", groups)
	}
	if state, ok := m.State("NZ.BFZ"); !ok || state != StateIdle {
		t.Errorf("Expected NZ.BFZ idle, got %s", state)
	}

	if len(result.Picks) != 2 {
		t.Fatalf("Expected 2 picks (HHE skipped), got %d: %+v", len(result.Picks), result.Picks)
	}
	if result.Picks[0].StreamID != "NZ.WEL.10.HHN" || result.Picks[1].StreamID != "NZ.WEL.10.HHZ" {
		t.Errorf("Expected picks ordered by stream id, got %+v", result.Picks)
	}
	for _, p := range result.Picks {
		if p.OffsetFromOnset.Abs() > 500*time.Millisecond {
			t.Errorf("%s: pick %v is %v from onset", p.StreamID, p.TPick, p.OffsetFromOnset)
		}
		if !p.TPick.Equal(result.TOn.Add(p.OffsetFromOnset)) {
			t.Errorf("%s: inconsistent offset", p.StreamID)
		}
	}
}

func TestManager_HandlerErrorDoesNotPropagate(t *testing.T) {
	calls := 0
	h := HandlerFunc(func(context.Context, domain.DetectionResult) error {
		calls++
		return context.Canceled
	})
	cfg := DefaultConfig()
	m := NewManager(cfg, MultiHandler{h, LogHandler{Logger: logging.Discard()}}, ManagerOptions{Logger: logging.Discard()})

	for n := 0; n <= 21; n++ {
		a := float64(quietAmp)
		if n >= 10 && n < 21 {
			a = eventAmp
		} else if n == 21 {
			a = decayAmp
		}
		m.OnData(context.Background(), packet("NZ.WEL.10.HHZ", n, a))
	}
	if calls != 1 {
		t.Errorf("Expected handler called once, got %d", calls)
	}
}

func TestStationGroup(t *testing.T) {
	if g := StationGroup("NZ.WEL.10.HHZ"); g != "NZ.WEL" {
		t.Errorf("Expected NZ.WEL, got %s", g)
	}
	if g := StationGroup("opaque-id"); g != "opaque-id" {
		t.Errorf("Expected opaque id as its own group, got %s", g)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.FreqMax = 0.5
	cfg.Retention = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("Expected validation error")
	}
}
