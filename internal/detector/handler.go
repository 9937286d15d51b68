package detector

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"seisflow/internal/domain"
)

// Handler receives confirmed detections. Implementations turn them into
// catalog events, notifications or broadcasts.
type Handler interface {
	HandleDetection(ctx context.Context, result domain.DetectionResult) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, result domain.DetectionResult) error

// HandleDetection calls f.
func (f HandlerFunc) HandleDetection(ctx context.Context, result domain.DetectionResult) error {
	return f(ctx, result)
}

// LogHandler logs every detection.
type LogHandler struct {
	Logger *logrus.Entry
}

// HandleDetection logs the result and its picks.
func (h LogHandler) HandleDetection(_ context.Context, r domain.DetectionResult) error {
	entry := h.Logger.WithFields(logrus.Fields{
		"group":    r.GroupKey,
		"t_on":     r.TOn,
		"t_off":    r.TOff,
		"duration": r.Duration().String(),
	})
	entry.WithField("picks", len(r.Picks)).Info("detection")
	for _, p := range r.Picks {
		entry.WithFields(logrus.Fields{
			"stream": p.StreamID,
			"t_pick": p.TPick,
			"offset": p.OffsetFromOnset.String(),
		}).Debug("pick")
	}
	return nil
}

// ChanHandler sends detections on C, blocking until delivered or ctx ends.
type ChanHandler struct {
	C chan<- domain.DetectionResult
}

// HandleDetection sends r on the channel.
func (h ChanHandler) HandleDetection(ctx context.Context, r domain.DetectionResult) error {
	select {
	case h.C <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MultiHandler fans a detection out to every handler and joins their errors.
type MultiHandler []Handler

// HandleDetection calls each handler in order.
func (hs MultiHandler) HandleDetection(ctx context.Context, r domain.DetectionResult) error {
	var errs []error
	for _, h := range hs {
		if err := h.HandleDetection(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
