package app

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"seisflow/internal/detector"
	"seisflow/internal/domain"
	"seisflow/internal/replay"
	"seisflow/internal/stream"
)

// DetectOptions selects the stored data replayed through the detector.
type DetectOptions struct {
	Channels []string // empty replays every channel
	From     time.Time
	To       time.Time
}

// DetectReport lists the detections found by a replay.
type DetectReport struct {
	Replay     replay.Result             `json:"replay"`
	Detections []stream.DetectionMessage `json:"detections"`
}

// Detect replays stored chunks through a fresh detector and returns every
// confirmed event in the order it was confirmed.
func (a *App) Detect(ctx context.Context, opts DetectOptions) (DetectReport, error) {
	store, closeStore, err := a.OpenStore(ctx)
	if err != nil {
		return DetectReport{}, err
	}
	defer closeStore()

	log := a.Logger.WithField("component", "detector")

	var (
		mu      sync.Mutex
		results []domain.DetectionResult
	)
	collect := detector.HandlerFunc(func(_ context.Context, r domain.DetectionResult) error {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
		return nil
	})
	manager := detector.NewManager(a.Config.Detector.Config, detector.MultiHandler{
		detector.LogHandler{Logger: log},
		collect,
	}, detector.ManagerOptions{Logger: log})

	runner := replay.NewRunner(store, replay.Options{Logger: a.Logger.WithField("component", "replay")})
	res, err := runner.Run(ctx, opts.Channels, opts.From, opts.To, replay.SinkEngine{Sink: manager})
	if err != nil {
		return DetectReport{Replay: res}, err
	}

	report := DetectReport{Replay: res, Detections: make([]stream.DetectionMessage, 0, len(results))}
	for _, r := range results {
		report.Detections = append(report.Detections, stream.NewDetectionMessage(r))
	}
	a.Logger.WithFields(logrus.Fields{
		"packets":    res.Packets,
		"detections": len(results),
	}).Info("detection replay complete")
	return report, nil
}
