package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/store"
)

// APIHandler serves the system endpoints: version, health, API 404s.
type APIHandler struct {
	store     *store.Store
	logger    arbor.ILogger
	startedAt time.Time
}

// NewAPIHandler creates a new APIHandler instance.
func NewAPIHandler(s *store.Store, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		store:     s,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// VersionHandler handles GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetFullVersion(),
	})
}

// HealthHandler handles GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"jobs":    h.store.Count(),
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		"version": common.GetVersion(),
	})
}

// NotFoundHandler handles unmatched /api/ routes
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "Endpoint not found: "+r.URL.Path)
}
