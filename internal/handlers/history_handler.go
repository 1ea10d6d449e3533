package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/history"
)

// HistoryHandler exposes the run history over HTTP.
type HistoryHandler struct {
	tracker *history.Tracker
	logger  arbor.ILogger
}

// NewHistoryHandler creates a new HistoryHandler instance.
func NewHistoryHandler(tracker *history.Tracker, logger arbor.ILogger) *HistoryHandler {
	return &HistoryHandler{
		tracker: tracker,
		logger:  logger,
	}
}

// ListRunsHandler handles GET /api/runs
func (h *HistoryHandler) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	runs := h.tracker.Runs()
	payload := map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	}
	if active, ok := h.tracker.Active(); ok {
		payload["active_run_id"] = active.ID
	}
	WriteJSON(w, http.StatusOK, payload)
}

// ActivateRunHandler handles POST /api/runs/{id}/activate
func (h *HistoryHandler) ActivateRunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs"), "/")
	id := strings.TrimSuffix(rest, "/activate")
	id = strings.Trim(id, "/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Run id is required")
		return
	}

	if err := h.tracker.Activate(id); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, "Active run switched")
}
