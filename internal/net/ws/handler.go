package ws

import (
	nethttp "net/http"

	"github.com/gorilla/websocket"

	"scenecollab/server/internal/telemetry"
)

type HandlerConfig struct {
	Logger telemetry.Logger
	// CheckOrigin overrides the upgrader's origin check. Every origin is
	// accepted when nil.
	CheckOrigin func(r *nethttp.Request) bool
}

type Handler struct {
	hub      *Hub
	logger   telemetry.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *nethttp.Request) bool {
			return true
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}

	return &Handler{
		hub:      hub,
		logger:   logger,
		upgrader: upgrader,
	}
}

// Handle upgrades a request of the form /ws?room=<document>&client=<id> and
// serves the connection until it closes.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		nethttp.Error(w, "missing room", nethttp.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		nethttp.Error(w, "missing client", nethttp.StatusBadRequest)
		return
	}
	if clientID == RelayID {
		nethttp.Error(w, "reserved client id", nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", clientID, err)
		return
	}

	h.Serve(roomID, clientID, conn)
}
