package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Handler exposes the gateway over HTTP: the WebSocket upgrade, a REST
// state endpoint for clients that have not connected yet, and stats.
type Handler struct {
	service *Service
}

// NewHandler creates the HTTP handler for a gateway service.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// HandleSessionSocket upgrades a client onto a session's push feed.
func (h *Handler) HandleSessionSocket(w http.ResponseWriter, r *http.Request) {
	sessionIDStr := r.URL.Query().Get("session_id")
	if sessionIDStr == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		http.Error(w, "invalid session_id format", http.StatusBadRequest)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	if h.service.binding(sessionID) == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	if err := h.service.manager.Upgrade(w, r, clientID, sessionID); err != nil {
		log.Error().
			Err(err).
			Str("session_id", sessionID.String()).
			Str("client_id", clientID).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleSessionState returns the current state frame over plain HTTP.
func (h *Handler) HandleSessionState(w http.ResponseWriter, r *http.Request) {
	sessionIDStr := r.URL.Query().Get("session_id")
	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		http.Error(w, "invalid session_id format", http.StatusBadRequest)
		return
	}

	b := h.service.binding(sessionID)
	if b == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	snap := b.Snaps.View()
	stuck := false
	if b.Stuck != nil {
		stuck = b.Stuck()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(BuildState(&snap, h.service.clock, stuck)); err != nil {
		log.Error().Err(err).Msg("failed to encode state response")
	}
}

// HandleStats returns connection statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.service.Stats()); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

// RegisterRoutes mounts the gateway endpoints on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/session", h.HandleSessionSocket)
	mux.HandleFunc("/ws/stats", h.HandleStats)
	mux.HandleFunc("/api/session/state", h.HandleSessionState)
}

// CORSHandler wraps a mux with the gateway's CORS policy.
func CORSHandler(next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(next)
}
