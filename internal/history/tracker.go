// -----------------------------------------------------------------------
// Run History Tracker - ordered per-tool run history with one active run
// -----------------------------------------------------------------------

package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
)

// Tracker keeps the ordered run history for tools that support
// re-parameterized relaunch. Exactly one run is active at a time; switching
// the active run is a view operation and never touches run state. Entries
// are mirrored to persistent storage so history survives restarts.
type Tracker struct {
	mu      sync.RWMutex
	runs    []*models.RunRecord // insertion order, oldest first
	byID    map[string]*models.RunRecord
	storage interfaces.HistoryStorage
	logger  arbor.ILogger
}

// New creates a tracker. storage may be nil (history kept in memory only).
func New(storage interfaces.HistoryStorage, logger arbor.ILogger) *Tracker {
	return &Tracker{
		byID:    make(map[string]*models.RunRecord),
		storage: storage,
		logger:  logger,
	}
}

// Load restores persisted history. Called once at startup, before any
// Record; the restored runs are all marked inactive since no job survives
// a restart.
func (t *Tracker) Load(ctx context.Context) error {
	if t.storage == nil {
		return nil
	}
	records, err := t.storage.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to load run history: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, record := range records {
		record.IsActive = false
		if record.Status == models.JobStatusPending || record.Status == models.JobStatusRunning {
			record.Status = models.JobStatusError
			if record.EndedAt == nil {
				now := time.Now()
				record.EndedAt = &now
			}
		}
		t.runs = append(t.runs, record)
		t.byID[record.ID] = record
	}

	t.logger.Info().Int("runs", len(t.runs)).Msg("Run history loaded")
	return nil
}

// Record appends a new run and makes it the active one. Prior runs stay in
// the list with their state untouched, so their results remain reachable.
func (t *Tracker) Record(ctx context.Context, run *models.RunRecord) {
	t.mu.Lock()
	for _, existing := range t.runs {
		existing.IsActive = false
	}
	run.IsActive = true
	t.runs = append(t.runs, run)
	t.byID[run.ID] = run
	snapshot := run.Clone()
	t.mu.Unlock()

	t.persist(ctx, snapshot)
}

// Activate switches the active run to id. Only the view pointer moves.
func (t *Tracker) Activate(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, models.ErrJobNotFound)
	}
	for _, run := range t.runs {
		run.IsActive = false
	}
	target.IsActive = true
	return nil
}

// Runs returns the history in insertion order, oldest first.
func (t *Tracker) Runs() []*models.RunRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*models.RunRecord, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, run.Clone())
	}
	return out
}

// Active returns the currently displayed run, if any.
func (t *Tracker) Active() (*models.RunRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, run := range t.runs {
		if run.IsActive {
			return run.Clone(), true
		}
	}
	return nil, false
}

// UpdateStatus applies a status transition to the run matching sessionID.
// Transitions arrive keyed by correlation id because that is all the worker
// knows; runs the tracker never recorded are ignored.
func (t *Tracker) UpdateStatus(ctx context.Context, sessionID string, status models.JobStatus) {
	t.mu.Lock()
	var updated *models.RunRecord
	for _, run := range t.runs {
		if run.SessionID != sessionID {
			continue
		}
		if run.Status.Terminal() {
			break
		}
		run.Status = status
		if status.Terminal() && run.EndedAt == nil {
			now := time.Now()
			run.EndedAt = &now
		}
		updated = run.Clone()
		break
	}
	t.mu.Unlock()

	if updated != nil {
		t.persist(ctx, updated)
	}
}

// RegisterFile mirrors a newly registered output file onto the run matching
// sessionID.
func (t *Tracker) RegisterFile(ctx context.Context, sessionID, filename string) {
	t.mu.Lock()
	var updated *models.RunRecord
	for _, run := range t.runs {
		if run.SessionID != sessionID {
			continue
		}
		exists := false
		for _, f := range run.OutputFiles {
			if f == filename {
				exists = true
				break
			}
		}
		if !exists {
			run.OutputFiles = append(run.OutputFiles, filename)
			updated = run.Clone()
		}
		break
	}
	t.mu.Unlock()

	if updated != nil {
		t.persist(ctx, updated)
	}
}

// SubscribeEvents wires the tracker to the event bus so run entries follow
// job transitions without the lifecycle layer knowing about history.
func (t *Tracker) SubscribeEvents(events interfaces.EventService) error {
	if err := events.Subscribe(interfaces.EventJobUpdate, t.onJobUpdate); err != nil {
		return err
	}
	return events.Subscribe(interfaces.EventFileRegistered, t.onFileRegistered)
}

func (t *Tracker) onJobUpdate(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return nil
	}
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		sessionID, _ = payload["run_id"].(string)
	}
	status, _ := payload["status"].(string)
	if sessionID == "" || status == "" {
		return nil
	}
	t.UpdateStatus(ctx, sessionID, models.JobStatus(status))
	return nil
}

func (t *Tracker) onFileRegistered(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		return nil
	}
	sessionID, _ := payload["session_id"].(string)
	filename, _ := payload["filename"].(string)
	if sessionID == "" || filename == "" {
		return nil
	}
	t.RegisterFile(ctx, sessionID, filename)
	return nil
}

func (t *Tracker) persist(ctx context.Context, run *models.RunRecord) {
	if t.storage == nil {
		return
	}
	if err := t.storage.SaveRun(ctx, run); err != nil {
		t.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to persist run record")
	}
}
