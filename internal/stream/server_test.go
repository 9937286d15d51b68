package stream

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seisflow/internal/codec"
	"seisflow/internal/domain"
	"seisflow/internal/logging"
	"seisflow/internal/query"
	"seisflow/internal/storage/memory"
	"seisflow/internal/wire"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	ctx := context.Background()

	store := memory.NewWaveformStore()
	require.NoError(t, store.Create(ctx, "NZ.WEL.10.HHZ"))
	samples := make([]float64, 1000)
	for i := range samples {
		samples[i] = float64(i % 50)
	}
	payload, err := codec.Compress(domain.DTypeInt32, samples)
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, &domain.Chunk{
		ChannelID:  "NZ.WEL.10.HHZ",
		Start:      t0,
		End:        domain.ChunkEnd(t0, 100, len(samples)),
		SampleRate: 100,
		DType:      domain.DTypeInt32,
		Payload:    payload,
	}))

	svc := query.NewService(store, query.Options{Logger: logging.Discard()})
	srv := NewServer(svc, cfg, Options{Logger: logging.Discard()})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, req any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

func read(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return kind, data
}

func readStatus(t *testing.T, conn *websocket.Conn) StatusMessage {
	t.Helper()
	kind, data := read(t, conn)
	require.Equal(t, websocket.TextMessage, kind)
	var m StatusMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func waveformRequest(id string) Request {
	return Request{
		RequestID:  id,
		Command:    CommandWaveform,
		ChannelID:  "NZ.WEL.10.HHZ",
		Start:      t0,
		End:        t0.Add(10 * time.Second),
		Downsample: "max_points",
		MaxPoints:  100,
	}
}

func TestServer_Waveform(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	conn := dial(t, ts)

	send(t, conn, waveformRequest("req-1"))
	kind, data := read(t, conn)
	require.Equal(t, websocket.BinaryMessage, kind)

	p, err := wire.DecodeWaveform(data)
	require.NoError(t, err)
	assert.Equal(t, "req-1", p.RequestID)
	assert.Equal(t, CommandWaveform, p.Command)
	assert.Equal(t, "NZ.WEL.10.HHZ", p.ChannelID)
	assert.Len(t, p.Samples, 100)
	assert.Equal(t, float32(0), p.Min)
}

func TestServer_WaveformTrimAndGapFill(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	conn := dial(t, ts)

	req := waveformRequest("trim-1")
	req.Start, req.End = t0.Add(2*time.Second), t0.Add(3*time.Second)
	req.Downsample = "none"
	req.Trim = true
	send(t, conn, req)

	_, data := read(t, conn)
	p, err := wire.DecodeWaveform(data)
	require.NoError(t, err)
	require.Len(t, p.Samples, 101)
	assert.Equal(t, float32(0), p.Samples[0])
	assert.Equal(t, float32(49), p.Samples[49])

	// The chunk ends at 9.99 s, so the grid tail is empty
	req = waveformRequest("fill-1")
	req.Start, req.End = t0.Add(9*time.Second), t0.Add(11*time.Second)
	req.Downsample = "none"
	req.GapFill = true
	send(t, conn, req)

	_, data = read(t, conn)
	p, err = wire.DecodeWaveform(data)
	require.NoError(t, err)
	require.Len(t, p.Samples, 201)
	assert.Equal(t, float32(49), p.Samples[99])
	assert.True(t, math.IsNaN(float64(p.Samples[100])))
}

func TestServer_Spectrogram(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	conn := dial(t, ts)

	req := waveformRequest("sg-1")
	req.Command = CommandSpectrogram
	send(t, conn, req)

	kind, data := read(t, conn)
	require.Equal(t, websocket.BinaryMessage, kind)
	k, err := wire.PeekKind(data)
	require.NoError(t, err)
	assert.Equal(t, wire.KindSpectrogram, k)

	p, err := wire.DecodeSpectrogram(data)
	require.NoError(t, err)
	assert.Equal(t, "sg-1", p.RequestID)
	assert.NotZero(t, p.FreqBins)
}

func TestServer_GeneratesRequestID(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	conn := dial(t, ts)

	send(t, conn, waveformRequest(""))
	_, data := read(t, conn)
	p, err := wire.DecodeWaveform(data)
	require.NoError(t, err)

	_, err = uuid.Parse(p.RequestID)
	assert.NoError(t, err, "expected generated uuid, got %q", p.RequestID)
}

func TestServer_Errors(t *testing.T) {
	_, ts := newTestServer(t, DefaultConfig())
	conn := dial(t, ts)

	tests := []struct {
		name string
		req  any
	}{
		{"unknown command", Request{RequestID: "a", Command: "delete"}},
		{"missing channel", Request{RequestID: "b", Command: CommandWaveform, Start: t0, End: t0.Add(time.Second)}},
		{"reversed range", Request{RequestID: "c", Command: CommandWaveform, ChannelID: "NZ.WEL.10.HHZ", Start: t0.Add(time.Second), End: t0}},
		{"bad mode", Request{RequestID: "d", Command: CommandWaveform, ChannelID: "NZ.WEL.10.HHZ", Start: t0, End: t0.Add(time.Second), Downsample: "zoom"}},
		{"unknown channel", Request{RequestID: "e", Command: CommandWaveform, ChannelID: "XX.NONE..HHZ", Start: t0, End: t0.Add(time.Second)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			send(t, conn, tc.req)
			m := readStatus(t, conn)
			assert.Equal(t, TypeError, m.Type)
			assert.Equal(t, tc.req.(Request).RequestID, m.RequestID)
			assert.NotEmpty(t, m.Error)
		})
	}

	// Malformed JSON
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	m := readStatus(t, conn)
	assert.Equal(t, TypeError, m.Type)

	// Binary frames are rejected
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	m = readStatus(t, conn)
	assert.Equal(t, TypeError, m.Type)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	_, ts := newTestServer(t, cfg)
	conn := dial(t, ts)

	send(t, conn, waveformRequest("first"))
	kind, _ := read(t, conn)
	assert.Equal(t, websocket.BinaryMessage, kind)

	send(t, conn, waveformRequest("second"))
	m := readStatus(t, conn)
	assert.Equal(t, TypeError, m.Type)
	assert.Equal(t, "second", m.RequestID)
	assert.Contains(t, m.Error, "rate limit")
}

func TestServer_DetectionBroadcast(t *testing.T) {
	srv, ts := newTestServer(t, DefaultConfig())
	subscriber := dial(t, ts)
	other := dial(t, ts)

	send(t, subscriber, Request{RequestID: "sub", Command: CommandSubscribeDetections})
	ack := readStatus(t, subscriber)
	require.Equal(t, TypeSubscribed, ack.Type)
	require.Equal(t, "sub", ack.RequestID)
	require.Eventually(t, func() bool { return srv.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	result := domain.DetectionResult{
		GroupKey: "NZ.WEL",
		TOn:      t0,
		TOff:     t0.Add(12 * time.Second),
		Picks: []domain.Pick{
			{StreamID: "NZ.WEL.10.HHZ", TPick: t0.Add(200 * time.Millisecond), OffsetFromOnset: 200 * time.Millisecond},
		},
	}
	require.NoError(t, srv.HandleDetection(context.Background(), result))

	kind, data := read(t, subscriber)
	require.Equal(t, websocket.TextMessage, kind)
	var m DetectionMessage
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, TypeDetection, m.Type)
	assert.Equal(t, "NZ.WEL", m.GroupKey)
	assert.Equal(t, 12.0, m.DurationSeconds)
	require.Len(t, m.Picks, 1)
	assert.InDelta(t, 0.2, m.Picks[0].OffsetSeconds, 1e-9)

	// The unsubscribed client only sees its own replies
	send(t, other, waveformRequest("other"))
	kind, _ = read(t, other)
	assert.Equal(t, websocket.BinaryMessage, kind)
}

func TestServer_ClientsTracked(t *testing.T) {
	srv, ts := newTestServer(t, DefaultConfig())
	conn := dial(t, ts)
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return srv.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
