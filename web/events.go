package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

type wireEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HandleEvents upgrades the connection and streams every device event the
// server forwards until the browser goes away.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()
	slog.Info("Event feed connected", "addr", r.RemoteAddr)

	events, cancel := h.srv.ObserveEvents()
	defer cancel()

	// Reader goroutine notices the peer closing.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					slog.Warn("Event feed connection error", "addr", r.RemoteAddr, "error", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			slog.Info("Event feed disconnected", "addr", r.RemoteAddr)
			return
		case ev := <-events:
			data, err := json.Marshal(wireEvent{EventType: ev.Type, Data: ev.Data})
			if err != nil {
				slog.Warn("Event encoding failed", "event_type", ev.Type, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("Event feed write failed", "addr", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}
