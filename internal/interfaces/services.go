package interfaces

import (
	"context"

	"github.com/ternarybob/harvester/internal/models"
)

// FileManagerService abstracts the remote file manager that owns each job's
// output files. The wire format belongs to that service; this interface
// exposes only what the engine consumes.
type FileManagerService interface {
	// ListFiles returns the authoritative file list for a correlation id.
	ListFiles(ctx context.Context, correlationID string) ([]string, error)

	// DeleteFile removes one file scoped by correlation id.
	DeleteFile(ctx context.Context, correlationID, filename string) error

	// MergeDownload combines all files for a correlation id into one
	// artifact, downloads it, and reports persistence metadata.
	MergeDownload(ctx context.Context, correlationID string) (*models.MergeResult, error)

	// MergeGlobal combines the named file sets across jobs under a fresh
	// correlation id, downloads the combined artifact, and reports
	// aggregate persistence metadata.
	MergeGlobal(ctx context.Context, correlationID string, files map[string][]string) (*models.MergeResult, error)
}

// WorkerService abstracts the out-of-band HTTP surface of the remote
// scraping worker.
type WorkerService interface {
	// NotifyStop sends a best-effort stop command for a correlation id.
	NotifyStop(ctx context.Context, correlationID string) error

	// OpenSession opens an interactive session for two-phase tools and
	// returns the server-assigned session id.
	OpenSession(ctx context.Context, params map[string]string) (string, error)
}

// MergeStorage persists the merge ledger.
type MergeStorage interface {
	SaveMerge(ctx context.Context, record *models.MergeRecord) error
	ListMerges(ctx context.Context, limit int) ([]*models.MergeRecord, error)
}

// HistoryStorage persists run history entries.
type HistoryStorage interface {
	SaveRun(ctx context.Context, record *models.RunRecord) error
	ListRuns(ctx context.Context) ([]*models.RunRecord, error)
}
