package handler

import (
	"net/http"

	"github.com/psam21/ncoin-messaging/internal/cache"
	"github.com/psam21/ncoin-messaging/internal/relay"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	relayClient *relay.Client
	cacheClient *cache.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(relayClient *relay.Client, cacheClient *cache.Client) *HealthHandler {
	return &HealthHandler{
		relayClient: relayClient,
		cacheClient: cacheClient,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	// Check relay connection
	if h.relayClient == nil || !h.relayClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "relay not connected",
		})
		return
	}

	// Check conversation cache
	if h.cacheClient != nil {
		if err := h.cacheClient.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "cache not reachable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
