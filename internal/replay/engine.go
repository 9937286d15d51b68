package replay

import (
	"context"

	"seisflow/internal/domain"
	"seisflow/internal/ingestion"
)

// Engine consumes replayed packets.
type Engine interface {
	// OnPacket is called for each packet in order. Packets are ordered by
	// (start, channel id).
	OnPacket(ctx context.Context, t domain.Trace) error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, t domain.Trace) error

// OnPacket calls f.
func (f EngineFunc) OnPacket(ctx context.Context, t domain.Trace) error {
	return f(ctx, t)
}

// SinkEngine forwards packets to a live packet sink such as the detector manager.
type SinkEngine struct {
	Sink ingestion.PacketSink
}

// OnPacket hands t to the sink.
func (e SinkEngine) OnPacket(ctx context.Context, t domain.Trace) error {
	e.Sink.OnData(ctx, t)
	return nil
}
