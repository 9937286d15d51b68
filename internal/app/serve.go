package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"seisflow/internal/detector"
	"seisflow/internal/feed"
	"seisflow/internal/ingestion"
	"seisflow/internal/observability"
	"seisflow/internal/query"
	"seisflow/internal/stream"
)

// ServeOptions overrides parts of the configuration for one serve run.
type ServeOptions struct {
	// Source replaces the configured websocket feed. Used by tests and replays.
	Source feed.Source
}

// Serve runs the stream server, and when enabled the live feed ingestion and
// realtime detector, until ctx is cancelled or a signal arrives.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := a.NewQueryService(store)
	streams := stream.NewServer(svc, a.Config.Server.Stream, stream.Options{
		Logger: a.Logger.WithField("component", "stream"),
	})

	var (
		runner  *ingestion.Runner
		manager *detector.Manager
	)

	source := opts.Source
	if source == nil && a.Config.Feed.Enabled {
		source = feed.NewWSSource(a.Config.Feed.WS, feed.WSOptions{
			Logger: a.Logger.WithField("component", "feed"),
		})
	}
	if source != nil {
		ropts := ingestion.RunnerOptions{
			Source: source,
			Store:  store,
			DType:  a.Config.StorageDType(),
			Retry:  a.Config.Ingestion.Retry,
			Logger: a.Logger.WithField("component", "ingestion"),
		}
		if a.Config.Detector.Enabled {
			dlog := a.Logger.WithField("component", "detector")
			manager = detector.NewManager(a.Config.Detector.Config, detector.MultiHandler{
				detector.LogHandler{Logger: dlog},
				streams,
			}, detector.ManagerOptions{Logger: dlog})
			ropts.Sink = manager
		}
		runner = ingestion.NewRunner(ropts)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", streams)
	mux.HandleFunc("/health", healthHandler(svc))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"clients": streams.Clients(),
		}
		if runner != nil {
			status["ingestion"] = runner.Stats()
		}
		if manager != nil {
			status["detector_groups"] = manager.Groups()
		}
		writeJSON(w, http.StatusOK, status)
	})

	servers := []*http.Server{{Addr: a.Config.Server.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	if addr := a.Config.Server.MetricsAddr; addr == "" || addr == a.Config.Server.Addr {
		mux.Handle("/metrics", observability.Handler())
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", observability.Handler())
		servers = append(servers, &http.Server{Addr: addr, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		g.Go(func() error {
			a.Logger.WithField("addr", srv.Addr).Info("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if runner != nil {
		g.Go(func() error {
			err := runner.Run(gctx)
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, ingestion.ErrSourceClosed):
				// Keep serving stored data.
				a.Logger.WithFields(logrus.Fields{"stats": runner.Stats()}).Warn("feed closed; ingestion stopped")
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer done()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.Logger.WithError(err).WithField("addr", srv.Addr).Warn("http shutdown")
			}
		}
		return nil
	})

	go forceExitOnSecondSignal(gctx, a)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.WithError(err).Error("serve terminated with error")
		return err
	}
	a.Logger.Info("shutdown complete")
	return nil
}

// forceExitOnSecondSignal exits immediately on a second interrupt received
// after shutdown has started.
func forceExitOnSecondSignal(ctx context.Context, a *App) {
	<-ctx.Done()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.Logger.WithField("signal", sig.String()).Warn("second signal, forcing exit")
		os.Exit(1)
	case <-time.After(a.Config.Server.ShutdownTimeout + 5*time.Second):
	}
}

func healthHandler(svc *query.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := svc.Health(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"channels": channels,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
