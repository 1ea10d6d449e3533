// -----------------------------------------------------------------------
// Artifact Coordinator - delete, per-job merge, cross-job merge
// -----------------------------------------------------------------------

package artifacts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/ternarybob/harvester/internal/store"
)

// Coordinator tracks jobs' output-file sets against the file manager
// service: per-file delete, single-job merge-and-download, and the
// cross-job global merge.
type Coordinator struct {
	store  *store.Store
	files  interfaces.FileManagerService
	merges interfaces.MergeStorage
	events interfaces.EventService
	logger arbor.ILogger
}

// New creates a coordinator. merges may be nil when the merge ledger is
// disabled (tests).
func New(s *store.Store, files interfaces.FileManagerService, merges interfaces.MergeStorage, events interfaces.EventService, logger arbor.ILogger) *Coordinator {
	return &Coordinator{
		store:  s,
		files:  files,
		merges: merges,
		events: events,
		logger: logger,
	}
}

// Delete removes one output file. The filename leaves the job's set only
// after the remote delete succeeds; a failed delete changes nothing locally.
func (c *Coordinator) Delete(ctx context.Context, key models.JobKey, filename string) error {
	record, ok := c.store.Get(key)
	if !ok {
		return fmt.Errorf("job %s: %w", key, models.ErrJobNotFound)
	}

	if err := c.files.DeleteFile(ctx, record.CorrelationID(), filename); err != nil {
		c.logger.Warn().Err(err).
			Str("key", string(key)).
			Str("filename", filename).
			Msg("File delete failed, output set unchanged")
		return err
	}

	c.store.Apply(key, func(prev *models.JobRecord) {
		prev.RemoveFile(filename)
	})

	c.logger.Info().Str("key", string(key)).Str("filename", filename).Msg("Output file deleted")
	return nil
}

// MergeJob combines all of one job's files into a single artifact,
// downloads it, and classifies the outcome: full success when the
// persistence side effect succeeded, partial success when the artifact was
// produced but persistence failed.
func (c *Coordinator) MergeJob(ctx context.Context, key models.JobKey) (*models.MergeReport, error) {
	record, ok := c.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", key, models.ErrJobNotFound)
	}
	if len(record.OutputFiles) == 0 {
		return nil, fmt.Errorf("job %s has no output files to merge", key)
	}

	correlationID := record.CorrelationID()
	result, err := c.files.MergeDownload(ctx, correlationID)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", string(key)).Msg("Merge request failed")
		return nil, err
	}

	report := c.buildReport(result, correlationID, []string{string(key)}, len(record.OutputFiles))

	c.store.Apply(key, func(prev *models.JobRecord) {
		prev.AppendLog(fmt.Sprintf("[INFO] Files merged into: %s", result.ArtifactPath))
	})
	c.recordMerge(ctx, report)
	return report, nil
}

// MergeGlobal combines the named jobs' file sets under a freshly minted
// correlation id. Individual jobs' output sets are never mutated.
func (c *Coordinator) MergeGlobal(ctx context.Context, keys []models.JobKey) (*models.MergeReport, error) {
	files := make(map[string][]string)
	jobKeys := make([]string, 0, len(keys))
	total := 0

	for _, key := range keys {
		record, ok := c.store.Get(key)
		if !ok || len(record.OutputFiles) == 0 {
			continue
		}
		files[record.CorrelationID()] = record.OutputFiles
		jobKeys = append(jobKeys, string(key))
		total += len(record.OutputFiles)
	}
	if total == 0 {
		return nil, fmt.Errorf("no output files to merge across %d jobs", len(keys))
	}

	correlationID := common.NewGlobalMergeID()
	result, err := c.files.MergeGlobal(ctx, correlationID, files)
	if err != nil {
		c.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Global merge failed")
		return nil, err
	}

	report := c.buildReport(result, correlationID, jobKeys, total)
	c.recordMerge(ctx, report)
	return report, nil
}

func (c *Coordinator) buildReport(result *models.MergeResult, correlationID string, jobKeys []string, fileCount int) *models.MergeReport {
	outcome := models.MergeOutcomeSuccess
	if !result.Persisted() {
		outcome = models.MergeOutcomePartial
		c.logger.Warn().
			Str("correlation_id", correlationID).
			Str("db_error", result.DBError).
			Msg("Merge artifact produced but persistence failed")
	}

	return &models.MergeReport{
		CorrelationID:   correlationID,
		JobKeys:         jobKeys,
		FileCount:       fileCount,
		ArtifactPath:    result.ArtifactPath,
		Outcome:         outcome,
		RecordsInserted: result.RecordsInserted,
		DBError:         result.DBError,
	}
}

// recordMerge appends the merge to the persisted ledger and notifies the
// presentation layer. Ledger failures are logged, not surfaced: the merge
// itself already succeeded.
func (c *Coordinator) recordMerge(ctx context.Context, report *models.MergeReport) {
	if c.merges != nil {
		record := &models.MergeRecord{
			ID:              uuid.New().String(),
			CorrelationID:   report.CorrelationID,
			JobKeys:         report.JobKeys,
			FileCount:       report.FileCount,
			ArtifactPath:    report.ArtifactPath,
			Outcome:         string(report.Outcome),
			RecordsInserted: report.RecordsInserted,
			DBError:         report.DBError,
			CreatedAt:       time.Now(),
		}
		if err := c.merges.SaveMerge(ctx, record); err != nil {
			c.logger.Warn().Err(err).Str("correlation_id", report.CorrelationID).Msg("Failed to persist merge record")
		}
	}

	c.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventMergeCompleted,
		Payload: map[string]interface{}{
			"correlation_id":   report.CorrelationID,
			"outcome":          string(report.Outcome),
			"records_inserted": report.RecordsInserted,
		},
	})
}
