package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/harvester/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs/start", s.app.JobHandler.StartJobHandler) // POST - launch or open session
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler)       // GET - list all jobs
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)                     // GET/POST/DELETE /{key} and subpaths

	// API routes - Merges
	mux.HandleFunc("/api/merge-global", s.app.ArtifactHandler.MergeGlobalHandler) // POST - cross-job merge
	mux.HandleFunc("/api/merges", s.app.ArtifactHandler.ListMergesHandler)        // GET - merge ledger

	// API routes - Run history
	mux.HandleFunc("/api/runs", s.app.HistoryHandler.ListRunsHandler) // GET - run history
	mux.HandleFunc("/api/runs/", s.handleRunRoutes)                   // POST /{id}/activate

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobRoutes routes job-scoped requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	key, rest := handlers.ParseJobKey(r.URL.Path, "/api/jobs/")
	if key == "" {
		http.Error(w, "Job key is required", http.StatusBadRequest)
		return
	}

	switch {
	case rest == "" && r.Method == http.MethodGet:
		s.app.JobHandler.GetJobHandler(w, r, key)

	case rest == "stop" && r.Method == http.MethodPost:
		s.app.JobHandler.StopJobHandler(w, r, key)

	case rest == "activate" && r.Method == http.MethodPost:
		s.app.JobHandler.ActivateJobHandler(w, r, key)

	case rest == "clear-log" && r.Method == http.MethodPost:
		s.app.JobHandler.ClearLogHandler(w, r, key)

	case rest == "merge" && r.Method == http.MethodPost:
		s.app.ArtifactHandler.MergeJobHandler(w, r, key)

	case strings.HasPrefix(rest, "files/") && r.Method == http.MethodDelete:
		filename := strings.TrimPrefix(rest, "files/")
		s.app.ArtifactHandler.DeleteFileHandler(w, r, key, filename)

	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleRunRoutes routes run-history requests to the appropriate handler
func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/activate") {
		s.app.HistoryHandler.ActivateRunHandler(w, r)
		return
	}
	http.Error(w, "Not found", http.StatusNotFound)
}
