package models

import "time"

// MergeOutcome classifies the result of a merge operation.
type MergeOutcome string

const (
	// MergeOutcomeSuccess: artifact produced and persistence succeeded.
	MergeOutcomeSuccess MergeOutcome = "success"
	// MergeOutcomePartial: artifact produced but persistence failed.
	MergeOutcomePartial MergeOutcome = "partial"
)

// MergeResult is the raw response from the file manager's merge endpoints:
// the downloaded artifact plus the persistence metadata reported via the
// X-DB-Status / X-DB-Records-Inserted / X-DB-Error response headers.
type MergeResult struct {
	ArtifactPath    string
	DBStatus        string
	RecordsInserted int
	DBError         string
}

// Persisted reports whether the persistence side effect succeeded.
func (m *MergeResult) Persisted() bool {
	return m.DBStatus == "success" && m.DBError == ""
}

// MergeReport is the operator-facing summary of a merge operation.
type MergeReport struct {
	CorrelationID   string       `json:"correlation_id"`
	JobKeys         []string     `json:"job_keys"`
	FileCount       int          `json:"file_count"`
	ArtifactPath    string       `json:"artifact_path"`
	Outcome         MergeOutcome `json:"outcome"`
	RecordsInserted int          `json:"records_inserted"`
	DBError         string       `json:"db_error,omitempty"`
}

// MergeRecord is the persisted ledger entry for a merge, stored in Badger.
type MergeRecord struct {
	ID              string    `json:"id" badgerhold:"key"`
	CorrelationID   string    `json:"correlation_id"`
	JobKeys         []string  `json:"job_keys"`
	FileCount       int       `json:"file_count"`
	ArtifactPath    string    `json:"artifact_path"`
	Outcome         string    `json:"outcome"`
	RecordsInserted int       `json:"records_inserted"`
	DBError         string    `json:"db_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
