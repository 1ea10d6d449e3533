// -----------------------------------------------------------------------
// Job Record - canonical per-key state for one scraping job
// -----------------------------------------------------------------------

package models

import (
	"path"
	"strings"
	"time"
)

// JobKey identifies one concurrent unit of scraping work: a target region
// name ("DELHI") or a generated session key. A key is reused only after the
// prior job with that key reached a terminal status.
type JobKey string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusStopped  JobStatus = "stopped"
	JobStatusError    JobStatus = "error"
)

// Terminal reports whether the status permits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusStopped || s == JobStatusError
}

// JobRecord is the canonical state of one job. The store owns all records;
// writers mutate them only through total functions applied by the store.
type JobRecord struct {
	Key         JobKey            `json:"key"`
	Tool        string            `json:"tool"`
	RunID       string            `json:"run_id"`
	SessionID   string            `json:"session_id,omitempty"` // server-assigned correlation id, when known
	InputValues map[string]string `json:"input_values"`         // immutable snapshot captured at start
	Log         []string          `json:"log"`                  // append-only output lines
	Status      JobStatus         `json:"status"`
	OutputFiles []string          `json:"output_files"` // insertion order preserved, unique per job
	Connected   bool              `json:"connected"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"` // set only on the terminal transition
}

// NewJobRecord creates a pending record with an immutable copy of the input
// values.
func NewJobRecord(key JobKey, tool, runID string, inputs map[string]string) *JobRecord {
	snapshot := make(map[string]string, len(inputs))
	for k, v := range inputs {
		snapshot[k] = v
	}
	return &JobRecord{
		Key:         key,
		Tool:        tool,
		RunID:       runID,
		InputValues: snapshot,
		Log:         []string{},
		Status:      JobStatusPending,
		OutputFiles: []string{},
		StartedAt:   time.Now(),
	}
}

// Clone returns a deep copy. The store hands out clones so readers never
// alias owned state.
func (r *JobRecord) Clone() *JobRecord {
	clone := *r
	clone.InputValues = make(map[string]string, len(r.InputValues))
	for k, v := range r.InputValues {
		clone.InputValues[k] = v
	}
	clone.Log = append([]string(nil), r.Log...)
	clone.OutputFiles = append([]string(nil), r.OutputFiles...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}

// AppendLog appends one output line.
func (r *JobRecord) AppendLog(line string) {
	r.Log = append(r.Log, line)
}

// ClearLog empties the log. Only an explicit user action calls this.
func (r *JobRecord) ClearLog() {
	r.Log = []string{}
}

// RegisterFile adds a filename to the output set, reducing full paths to the
// trailing component and deduplicating. Returns true if the set changed.
func (r *JobRecord) RegisterFile(filename string) bool {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return false
	}
	for _, existing := range r.OutputFiles {
		if existing == name {
			return false
		}
	}
	r.OutputFiles = append(r.OutputFiles, name)
	return true
}

// RemoveFile removes a filename from the output set. This is the only way
// the set shrinks, and only a successful delete calls it.
func (r *JobRecord) RemoveFile(filename string) bool {
	for i, existing := range r.OutputFiles {
		if existing == filename {
			r.OutputFiles = append(r.OutputFiles[:i], r.OutputFiles[i+1:]...)
			return true
		}
	}
	return false
}

// SetStatus transitions the job. A terminal status is set at most once;
// any status change attempted after terminality is refused. Returns true if
// the transition applied.
func (r *JobRecord) SetStatus(status JobStatus) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = status
	if status.Terminal() {
		now := time.Now()
		r.EndedAt = &now
		r.Connected = false
	}
	return true
}

// IsRunning reports whether the job is actively producing output.
func (r *JobRecord) IsRunning() bool {
	return r.Status == JobStatusRunning
}

// CorrelationID returns the identifier used to join this job to the file
// manager: the server-assigned session id when present, otherwise the run id.
func (r *JobRecord) CorrelationID() string {
	if r.SessionID != "" {
		return r.SessionID
	}
	return r.RunID
}
