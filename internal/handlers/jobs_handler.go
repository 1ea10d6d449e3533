package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/history"
	"github.com/ternarybob/harvester/internal/lifecycle"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/ternarybob/harvester/internal/store"
)

// JobHandler exposes the job lifecycle over HTTP.
type JobHandler struct {
	store      *store.Store
	controller *lifecycle.Controller
	tracker    *history.Tracker
	logger     arbor.ILogger
}

// NewJobHandler creates a new JobHandler instance. tracker may be nil when
// run history is disabled.
func NewJobHandler(s *store.Store, controller *lifecycle.Controller, tracker *history.Tracker, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		store:      s,
		controller: controller,
		tracker:    tracker,
		logger:     logger,
	}
}

type startJobRequest struct {
	Tool   string            `json:"tool"`
	Key    string            `json:"key"`
	Inputs map[string]string `json:"inputs"`
}

// StartJobHandler handles POST /api/jobs/start
func (h *JobHandler) StartJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	key := models.JobKey(req.Key)
	if key == "" {
		// Multi-run tools relaunch without a stable target; mint a fresh
		// client-side key so earlier runs keep their records.
		key = models.JobKey(common.NewSessionKey())
	}
	prev, hadPrev := h.store.Get(key)

	if err := h.controller.Start(r.Context(), lifecycle.StartRequest{
		Tool:   req.Tool,
		Key:    key,
		Inputs: req.Inputs,
	}); err != nil {
		WriteDomainError(w, err)
		return
	}

	record, ok := h.store.Get(key)
	launched := ok && (!hadPrev || record.RunID != prev.RunID)
	if launched && h.tracker != nil {
		h.tracker.Record(r.Context(), models.NewRunRecord(record.RunID, record.CorrelationID(), req.Tool, req.Inputs))
	}

	if !launched {
		// Two-phase tools open the interactive session on the first call.
		WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "session_opened",
			"message": "Interactive session opened, start again to launch the job",
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "started",
		"key":    string(key),
		"run_id": record.RunID,
	})
}

// ListJobsHandler handles GET /api/jobs
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	jobs := h.store.List()
	activeKey := h.store.Active()

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":       jobs,
		"active_key": string(activeKey),
		"count":      len(jobs),
	})
}

// GetJobHandler handles GET /api/jobs/{key}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, key models.JobKey) {
	record, ok := h.store.Get(key)
	if !ok {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

// StopJobHandler handles POST /api/jobs/{key}/stop
func (h *JobHandler) StopJobHandler(w http.ResponseWriter, r *http.Request, key models.JobKey) {
	if err := h.controller.Stop(r.Context(), key); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, "Job stopped")
}

// ActivateJobHandler handles POST /api/jobs/{key}/activate
func (h *JobHandler) ActivateJobHandler(w http.ResponseWriter, r *http.Request, key models.JobKey) {
	if err := h.controller.SetActive(key); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, "Active job switched")
}

// ClearLogHandler handles POST /api/jobs/{key}/clear-log
func (h *JobHandler) ClearLogHandler(w http.ResponseWriter, r *http.Request, key models.JobKey) {
	if err := h.controller.ClearLog(key); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, "Job log cleared")
}

// ParseJobKey extracts the job key segment from a path like
// /api/jobs/{key}/... after the given prefix.
func ParseJobKey(path, prefix string) (models.JobKey, string) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	key := models.JobKey(parts[0])
	if len(parts) == 1 {
		return key, ""
	}
	return key, parts[1]
}
