// Package web serves the read-only HTTP surface of a haptic server:
// status and client listings as JSON, Prometheus metrics, and a
// WebSocket feed of forwarded device events.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gohaptic/gohaptic/server"
)

type Handler struct {
	srv *server.Server
}

func NewHandler(srv *server.Server) *Handler {
	return &Handler{srv: srv}
}

// Routes returns the HTTP routes for the dashboard API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/status", h.HandleStatus)
	r.Get("/api/clients", h.HandleClients)
	r.Get("/api/events", h.HandleEvents)
	r.Handle("/metrics", promhttp.HandlerFor(h.srv.Metrics().Registry(), promhttp.HandlerOpts{}))
	return r
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.srv.StatusSnapshot())
}

func (h *Handler) HandleClients(w http.ResponseWriter, r *http.Request) {
	type clientElement struct {
		Id       string `json:"id"`
		Addr     string `json:"addr"`
		LastSeen string `json:"last_seen"`
	}
	clients := h.srv.Registry().List()
	res := make([]clientElement, 0, len(clients))
	for _, c := range clients {
		res = append(res, clientElement{
			Id:       c.ID,
			Addr:     c.Addr.String(),
			LastSeen: c.LastSeen.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encoding failed", "error", err)
	}
}
