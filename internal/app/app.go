package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"scenecollab/server/internal/config"
	servernet "scenecollab/server/internal/net"
	"scenecollab/server/internal/net/ws"
	"scenecollab/server/internal/store"
	"scenecollab/server/internal/telemetry"
	"scenecollab/server/logging"
	loggingSinks "scenecollab/server/logging/sinks"
)

type Config struct {
	Server config.Config
	// Log receives process-level messages. Defaults to stderr.
	Log     *zerolog.Logger
	Version string
	// Registry collects the server's metrics. A fresh registry is used when
	// nil.
	Registry *prometheus.Registry
	// Listener overrides listening on Server.Addr.
	Listener net.Listener
	// Ready is called with the bound address once the server accepts
	// connections.
	Ready func(addr net.Addr)
}

// Run serves the relay until ctx is cancelled, then shuts down gracefully
// and flushes every room to the snapshot store.
func Run(ctx context.Context, cfg Config) error {
	zl := cfg.Log
	if zl == nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Logger()
		zl = &fallback
	}
	telemetryLogger := telemetry.WrapLogger(zl)

	router, closeSinks, err := newRouter(cfg.Server)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
		closeSinks()
	}()

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics, err := telemetry.NewPrometheus(registry, cfg.Server.MetricsNamespace)
	if err != nil {
		return err
	}

	storeLogger := zl.With().Str("component", "store").Logger()
	snapshots, err := store.Open(store.Config{
		Path:       cfg.Server.DataDir,
		SyncWrites: cfg.Server.SyncWrites,
		Logger:     &storeLogger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := snapshots.Close(); cerr != nil {
			telemetryLogger.Printf("failed to close store: %v", cerr)
		}
	}()

	hub := ws.NewHub(ws.HubConfig{
		Publisher:       router,
		Metrics:         metrics,
		Logger:          telemetryLogger,
		Store:           snapshots,
		PersistDebounce: cfg.Server.PersistDebounce,
		JournalCapacity: cfg.Server.JournalCapacity,
	})

	handler := servernet.NewHTTPHandler(hub, servernet.HTTPHandlerConfig{
		Logger:      telemetryLogger,
		Gatherer:    registry,
		Telemetry: func() map[string]uint64 {
			counters := metrics.Snapshot()
			for key, value := range router.Counters() {
				counters[key] = value
			}
			return counters
		},
		EnablePprof: cfg.Server.EnablePprof,
		Version:     cfg.Version,
	})

	listener := cfg.Listener
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
		}
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	telemetryLogger.Printf("server listening on %s", listener.Addr())
	if cfg.Ready != nil {
		cfg.Ready(listener.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// Websocket connections are hijacked, so Shutdown does not wait for
		// them; the hub closes them and flushes the rooms.
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		telemetryLogger.Printf("server stopped")
		return nil
	})
	return g.Wait()
}

func newRouter(cfg config.Config) (*logging.Router, func(), error) {
	logCfg := cfg.LoggingConfig()
	var named []logging.NamedSink
	var closers []io.Closer
	if logCfg.HasSink("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: loggingSinks.NewConsoleSink(os.Stdout, logCfg.Console)})
	}
	if logCfg.HasSink("json") {
		var w io.Writer = os.Stdout
		if logCfg.JSON.FilePath != "" {
			file, err := os.OpenFile(logCfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open json log %s: %w", logCfg.JSON.FilePath, err)
			}
			closers = append(closers, file)
			w = file
		}
		named = append(named, logging.NamedSink{Name: "json", Sink: loggingSinks.NewJSON(w, logCfg.JSON.FlushInterval)})
	}

	router, err := logging.NewRouter(logging.ClockFunc(time.Now), logCfg, named)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	return router, func() {
		for _, c := range closers {
			c.Close()
		}
	}, nil
}
