package ws

import (
	"errors"

	"github.com/gorilla/websocket"
)

// maxMessageSize bounds a single inbound frame. Full replica states of large
// scenes are the biggest messages a client sends.
const maxMessageSize = 32 << 20

// Serve subscribes conn to roomID and pumps its frames into the hub until the
// connection fails or closes.
func (h *Handler) Serve(roomID, clientID string, conn *websocket.Conn) {
	if h == nil || h.hub == nil || conn == nil {
		return
	}

	sub, err := h.hub.Subscribe(roomID, clientID, conn)
	if err != nil {
		h.logger.Printf("subscribe %s to %s failed: %v", clientID, roomID, err)
		if errors.Is(err, ErrHubClosed) {
			message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteMessage(websocket.CloseMessage, message)
		}
		conn.Close()
		return
	}

	conn.SetReadLimit(maxMessageSize)
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			reason := "closed"
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err.Error()
			}
			h.hub.Disconnect(roomID, sub, reason)
			return
		}
		if messageType != websocket.BinaryMessage {
			h.logger.Printf("discarding non-binary message from %s", clientID)
			continue
		}
		if err := h.hub.HandleMessage(roomID, sub, payload); err != nil {
			h.logger.Printf("discarding message from %s: %v", clientID, err)
		}
	}
}
