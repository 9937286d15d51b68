package app

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seisflow/internal/config"
	"seisflow/internal/domain"
	"seisflow/internal/feed"
	"seisflow/internal/ingestion"
	"seisflow/internal/logging"
	"seisflow/internal/query"
	"seisflow/internal/storage"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seisflow.yaml")
	content := "server:\n  addr: 127.0.0.1:0\n  metrics_addr: 127.0.0.1:0\n  shutdown_timeout: 2s\narchive:\n  dir: " +
		filepath.Join(t.TempDir(), "archive") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return NewApp(cfg, logging.Discard())
}

func packets(channel string, n int) feed.SliceSource {
	out := make(feed.SliceSource, n)
	for i := range out {
		samples := make([]float64, 100)
		for j := range samples {
			samples[j] = float64(i*100 + j)
		}
		out[i] = domain.Trace{
			ChannelID:  channel,
			Start:      t0.Add(time.Duration(i) * time.Second),
			SampleRate: 100,
			DType:      domain.DTypeInt32,
			Samples:    samples,
		}
	}
	return out
}

func TestApp_ChannelLifecycle(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.CreateChannel(ctx, "NZ.WEL.10.HHZ", true))
	err := a.CreateChannel(ctx, "NZ.WEL.10.HHZ", true)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	require.NoError(t, a.CreateChannel(ctx, "NZ.WEL.10.HHZ", false))

	channels, err := a.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "NZ.WEL.10.HHZ", channels[0].ChannelID)
	assert.Nil(t, channels[0].LatestTime)

	require.NoError(t, a.DropChannel(ctx, "NZ.WEL.10.HHZ"))
	channels, err = a.Channels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestApp_ServeIngestsFeed(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a.Serve(ctx, ServeOptions{Source: packets("NZ.WEL.10.HHZ", 5)})
	}()

	require.Eventually(t, func() bool {
		channels, err := a.Channels(context.Background())
		return err == nil && len(channels) == 1 && channels[0].LatestTime != nil &&
			channels[0].LatestTime.Equal(t0.Add(4*time.Second+990*time.Millisecond))
	}, 5*time.Second, 20*time.Millisecond)

	sum, err := a.Trace(context.Background(), "NZ.WEL.10.HHZ", t0, t0.Add(5*time.Second), query.TraceOptions{})
	require.NoError(t, err)
	assert.Equal(t, 500, sum.Samples)
	assert.Equal(t, 0, sum.Gaps)
	assert.Equal(t, t0, sum.Start)

	filled, err := a.Trace(context.Background(), "NZ.WEL.10.HHZ", t0, t0.Add(10*time.Second), query.TraceOptions{GapFill: true})
	require.NoError(t, err)
	assert.Equal(t, 1001, filled.Samples)
	assert.Equal(t, 501, filled.Gaps)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestApp_ExportImport(t *testing.T) {
	src := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- src.Serve(ctx, ServeOptions{Source: packets("NZ.WEL.10.HHZ", 3)})
	}()
	require.Eventually(t, func() bool {
		channels, err := src.Channels(context.Background())
		return err == nil && len(channels) == 1 && channels[0].LatestTime != nil &&
			channels[0].LatestTime.Equal(t0.Add(2*time.Second+990*time.Millisecond))
	}, 5*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	report, err := src.Export(context.Background(), ExportOptions{From: t0, To: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Channels)
	assert.EqualValues(t, 3, report.Rows)
	assert.Empty(t, report.Key)
	assert.FileExists(t, report.Path)
	assert.Equal(t, src.Config.Archive.Dir, filepath.Dir(report.Path))

	dst := newTestApp(t)
	res, err := dst.Import(context.Background(), report.Path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Channels)
	assert.Equal(t, 3, res.Inserted)

	sum, err := dst.Trace(context.Background(), "NZ.WEL.10.HHZ", t0, t0.Add(time.Minute), query.TraceOptions{})
	require.NoError(t, err)
	assert.Equal(t, 300, sum.Samples)
}

func TestApp_ExportRejectsInvertedRange(t *testing.T) {
	a := newTestApp(t)
	_, err := a.Export(context.Background(), ExportOptions{From: t0, To: t0.Add(-time.Second)})
	assert.Error(t, err)
}

func TestHealthHandler(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, a.CreateChannel(ctx, "NZ.WEL.10.HHZ", false))

	store, closeStore, err := a.OpenStore(ctx)
	require.NoError(t, err)
	defer closeStore()

	rec := httptest.NewRecorder()
	healthHandler(a.NewQueryService(store))(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status   string `json:"status"`
		Channels []struct {
			ChannelID string `json:"channel_id"`
		} `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Channels, 1)
	assert.Equal(t, "NZ.WEL.10.HHZ", body.Channels[0].ChannelID)
}

func sinePacket(channel string, n int, amp float64) domain.Trace {
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = math.Round(amp * math.Sin(2*math.Pi*5*float64(n*100+i)/100))
	}
	return domain.Trace{
		ChannelID:  channel,
		Start:      t0.Add(time.Duration(n) * time.Second),
		SampleRate: 100,
		DType:      domain.DTypeInt32,
		Samples:    samples,
	}
}

func TestApp_DetectReplaysStoredData(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	store, closeStore, err := a.OpenStore(ctx)
	require.NoError(t, err)
	defer closeStore()

	runner := ingestion.NewRunner(ingestion.RunnerOptions{Store: store, Logger: logging.Discard()})
	for n := 0; n < 26; n++ {
		amp := 70.0
		switch {
		case n >= 10 && n <= 20:
			amp = 1200
		case n > 20:
			amp = 300
		}
		require.NoError(t, runner.Handle(ctx, sinePacket("NZ.WEL.10.HHZ", n, amp)))
	}

	report, err := a.Detect(ctx, DetectOptions{From: t0, To: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 26, report.Replay.Packets)
	require.Len(t, report.Detections, 1)

	d := report.Detections[0]
	assert.Equal(t, "NZ.WEL", d.GroupKey)
	assert.True(t, d.TOn.Equal(t0.Add(10*time.Second)), "t_on %s", d.TOn)
	assert.True(t, d.TOff.Equal(t0.Add(21*time.Second)), "t_off %s", d.TOff)
	assert.Greater(t, d.DurationSeconds, 10.0)
}
