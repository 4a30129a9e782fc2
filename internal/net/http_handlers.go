package net

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scenecollab/server/internal/net/ws"
	"scenecollab/server/internal/schema"
	"scenecollab/server/internal/telemetry"
)

type HTTPHandlerConfig struct {
	Logger telemetry.Logger
	// Gatherer backs /metrics. The default prometheus registry is used when
	// nil.
	Gatherer prometheus.Gatherer
	// Telemetry reports in-process counters on /diagnostics.
	Telemetry   func() map[string]uint64
	EnablePprof bool
	Version     string
}

func NewHTTPHandler(hub *ws.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	started := time.Now()

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var counters map[string]uint64
		if cfg.Telemetry != nil {
			counters = cfg.Telemetry()
		}
		payload := struct {
			Status     string               `json:"status"`
			Version    string               `json:"version,omitempty"`
			ServerTime int64                `json:"serverTime"`
			UptimeMs   int64                `json:"uptimeMillis"`
			Rooms      []ws.RoomDiagnostics `json:"rooms"`
			Telemetry  map[string]uint64    `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			Version:    cfg.Version,
			ServerTime: time.Now().UnixMilli(),
			UptimeMs:   time.Since(started).Milliseconds(),
			Rooms:      hub.Diagnostics(),
			Telemetry:  counters,
		}
		writeJSON(w, logger, payload)
	})

	// GET /rooms/<id> returns the room's reconstructed document.
	mux.HandleFunc("/rooms/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		roomID := strings.TrimPrefix(r.URL.Path, "/rooms/")
		if roomID == "" || strings.Contains(roomID, "/") {
			httpError(w, "missing room", nethttp.StatusBadRequest)
			return
		}
		doc, err := hub.Document(roomID)
		switch {
		case errors.Is(err, ws.ErrUnknownRoom):
			httpError(w, "unknown room", nethttp.StatusNotFound)
			return
		case err != nil:
			logger.Printf("reconstruct room %s: %v", roomID, err)
			httpError(w, "room state is not a valid document", nethttp.StatusConflict)
			return
		}
		writeJSON(w, logger, doc)
	})

	mux.HandleFunc("/schema", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, logger, schema.JSONSchema())
	})

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	handler := ws.NewHandler(hub, ws.HandlerConfig{Logger: logger})
	mux.HandleFunc("/ws", handler.Handle)

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, logger telemetry.Logger, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("encode response: %v", err)
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
