package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/artifacts"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// ArtifactHandler exposes output-file management and merges over HTTP.
type ArtifactHandler struct {
	coordinator *artifacts.Coordinator
	merges      interfaces.MergeStorage
	logger      arbor.ILogger
}

// NewArtifactHandler creates a new ArtifactHandler instance.
func NewArtifactHandler(coordinator *artifacts.Coordinator, merges interfaces.MergeStorage, logger arbor.ILogger) *ArtifactHandler {
	return &ArtifactHandler{
		coordinator: coordinator,
		merges:      merges,
		logger:      logger,
	}
}

// DeleteFileHandler handles DELETE /api/jobs/{key}/files/{filename}
func (h *ArtifactHandler) DeleteFileHandler(w http.ResponseWriter, r *http.Request, key models.JobKey, filename string) {
	if filename == "" {
		WriteError(w, http.StatusBadRequest, "Filename is required")
		return
	}
	if err := h.coordinator.Delete(r.Context(), key, filename); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, "File deleted")
}

// MergeJobHandler handles POST /api/jobs/{key}/merge
func (h *ArtifactHandler) MergeJobHandler(w http.ResponseWriter, r *http.Request, key models.JobKey) {
	report, err := h.coordinator.MergeJob(r.Context(), key)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// MergeGlobalHandler handles POST /api/merge-global
func (h *ArtifactHandler) MergeGlobalHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Keys) == 0 {
		WriteError(w, http.StatusBadRequest, "At least one job key is required")
		return
	}

	keys := make([]models.JobKey, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = models.JobKey(k)
	}

	report, err := h.coordinator.MergeGlobal(r.Context(), keys)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// ListMergesHandler handles GET /api/merges
func (h *ArtifactHandler) ListMergesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	records, err := h.merges.ListMerges(r.Context(), 100)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"merges": records,
		"count":  len(records),
	})
}
