// Package feed delivers live waveform packets to the ingestion runner.
package feed

import (
	"context"

	"seisflow/internal/domain"
)

// Source provides a live stream of waveform packets.
type Source interface {
	// Subscribe starts delivery. The returned channel is closed when the
	// source stops, either because ctx ended or the source was closed.
	Subscribe(ctx context.Context) (<-chan domain.Trace, error)
}

// ChanSource adapts an existing channel to Source. It is used for replay
// and tests.
type ChanSource struct {
	C <-chan domain.Trace
}

// Subscribe returns the wrapped channel.
func (s ChanSource) Subscribe(context.Context) (<-chan domain.Trace, error) {
	return s.C, nil
}

// SliceSource replays a fixed list of packets, then closes.
type SliceSource []domain.Trace

// Subscribe starts replay in a goroutine.
func (s SliceSource) Subscribe(ctx context.Context) (<-chan domain.Trace, error) {
	ch := make(chan domain.Trace)
	go func() {
		defer close(ch)
		for _, t := range s {
			select {
			case ch <- t:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
