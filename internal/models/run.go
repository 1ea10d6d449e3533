package models

import "time"

// RunRecord is one entry in a tool's run history. Tools that support
// re-parameterized relaunch keep every run so prior results stay reachable.
// ID is a synthesized client-side key and is never reused; SessionID is the
// server-assigned correlation id used for file polling and merges.
type RunRecord struct {
	ID          string            `json:"id" badgerhold:"key"`
	SessionID   string            `json:"session_id"`
	Tool        string            `json:"tool"`
	ParamSet    map[string]string `json:"param_set"`
	Status      JobStatus         `json:"status"`
	OutputFiles []string          `json:"output_files"`
	IsActive    bool              `json:"is_active"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
}

// NewRunRecord creates a run history entry for a freshly started job.
func NewRunRecord(id, sessionID, tool string, params map[string]string) *RunRecord {
	snapshot := make(map[string]string, len(params))
	for k, v := range params {
		snapshot[k] = v
	}
	return &RunRecord{
		ID:          id,
		SessionID:   sessionID,
		Tool:        tool,
		ParamSet:    snapshot,
		Status:      JobStatusPending,
		OutputFiles: []string{},
		IsActive:    true,
		StartedAt:   time.Now(),
	}
}

// Clone returns a deep copy of the run record.
func (r *RunRecord) Clone() *RunRecord {
	clone := *r
	clone.ParamSet = make(map[string]string, len(r.ParamSet))
	for k, v := range r.ParamSet {
		clone.ParamSet[k] = v
	}
	clone.OutputFiles = append([]string(nil), r.OutputFiles...)
	if r.EndedAt != nil {
		t := *r.EndedAt
		clone.EndedAt = &t
	}
	return &clone
}
