package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"seisflow/internal/domain"
	"seisflow/internal/query"
)

// CreateChannel provisions storage for id. Strict creation fails when the
// channel already exists.
func (a *App) CreateChannel(ctx context.Context, id string, strict bool) error {
	store, closeStore, err := a.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if strict {
		err = store.CreateStrict(ctx, id)
	} else {
		err = store.Create(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("create channel %s: %w", id, err)
	}
	a.Logger.WithField("channel", id).Info("channel created")
	return nil
}

// DropChannel removes id and all of its chunks.
func (a *App) DropChannel(ctx context.Context, id string) error {
	store, closeStore, err := a.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Drop(ctx, id); err != nil {
		return fmt.Errorf("drop channel %s: %w", id, err)
	}
	a.Logger.WithField("channel", id).Info("channel dropped")
	return nil
}

// Channels reports every provisioned channel with its newest sample time
// and storage footprint.
func (a *App) Channels(ctx context.Context) ([]query.ChannelStatus, error) {
	store, closeStore, err := a.OpenStore(ctx)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	return a.NewQueryService(store).Health(ctx)
}

// TraceSummary describes an assembled trace without its samples.
type TraceSummary struct {
	ChannelID  string    `json:"channel_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	SampleRate float64   `json:"sample_rate"`
	Samples    int       `json:"samples"`
	Gaps       int       `json:"gap_samples"`
}

// Trace assembles one channel over [start, end] and summarises it.
func (a *App) Trace(ctx context.Context, id string, start, end time.Time, opts query.TraceOptions) (TraceSummary, error) {
	store, closeStore, err := a.OpenStore(ctx)
	if err != nil {
		return TraceSummary{}, err
	}
	defer closeStore()

	t, err := a.NewQueryService(store).TraceWith(ctx, id, start, end, opts)
	if err != nil {
		return TraceSummary{}, err
	}
	sum := summarize(t)
	a.Logger.WithFields(logrus.Fields{
		"channel": id,
		"samples": sum.Samples,
	}).Debug("trace assembled")
	return sum, nil
}

func summarize(t domain.Trace) TraceSummary {
	sum := TraceSummary{
		ChannelID:  t.ChannelID,
		Start:      t.Start,
		SampleRate: t.SampleRate,
		Samples:    len(t.Samples),
	}
	sum.End = t.End()
	for _, v := range t.Samples {
		if math.IsNaN(v) {
			sum.Gaps++
		}
	}
	return sum
}
