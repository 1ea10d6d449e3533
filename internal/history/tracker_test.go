package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/models"
)

type fakeHistoryStorage struct {
	mu    sync.Mutex
	saved map[string]*models.RunRecord
	runs  []*models.RunRecord
}

func (f *fakeHistoryStorage) SaveRun(ctx context.Context, record *models.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string]*models.RunRecord)
	}
	f.saved[record.ID] = record
	return nil
}

func (f *fakeHistoryStorage) ListRuns(ctx context.Context) ([]*models.RunRecord, error) {
	return f.runs, nil
}

func newTestTracker() (*Tracker, *fakeHistoryStorage) {
	storage := &fakeHistoryStorage{}
	return New(storage, arbor.NewLogger()), storage
}

func TestRecordActivatesNewRun(t *testing.T) {
	tracker, storage := newTestTracker()

	first := models.NewRunRecord("run_1", "sess-1", "ireps", map[string]string{"start_date": "01/01/2026"})
	tracker.Record(context.Background(), first)

	second := models.NewRunRecord("run_2", "sess-2", "ireps", map[string]string{"start_date": "01/02/2026"})
	tracker.Record(context.Background(), second)

	runs := tracker.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, "run_1", runs[0].ID)
	assert.False(t, runs[0].IsActive)
	assert.True(t, runs[1].IsActive)

	active, ok := tracker.Active()
	require.True(t, ok)
	assert.Equal(t, "run_2", active.ID)

	storage.mu.Lock()
	assert.Len(t, storage.saved, 2)
	storage.mu.Unlock()
}

func TestActivateSwitchesViewOnly(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Record(context.Background(), models.NewRunRecord("run_1", "sess-1", "ireps", nil))
	tracker.Record(context.Background(), models.NewRunRecord("run_2", "sess-2", "ireps", nil))

	require.NoError(t, tracker.Activate("run_1"))

	active, ok := tracker.Active()
	require.True(t, ok)
	assert.Equal(t, "run_1", active.ID)

	// Switching the view changes no run state.
	runs := tracker.Runs()
	assert.Equal(t, models.JobStatusPending, runs[1].Status)

	assert.ErrorIs(t, tracker.Activate("ghost"), models.ErrJobNotFound)
}

func TestUpdateStatusBySession(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Record(context.Background(), models.NewRunRecord("run_1", "sess-1", "ireps", nil))

	tracker.UpdateStatus(context.Background(), "sess-1", models.JobStatusRunning)
	tracker.UpdateStatus(context.Background(), "sess-1", models.JobStatusComplete)
	// Terminal runs ignore later transitions.
	tracker.UpdateStatus(context.Background(), "sess-1", models.JobStatusError)

	runs := tracker.Runs()
	assert.Equal(t, models.JobStatusComplete, runs[0].Status)
	assert.NotNil(t, runs[0].EndedAt)

	// Unknown sessions are ignored.
	tracker.UpdateStatus(context.Background(), "ghost", models.JobStatusRunning)
}

func TestRegisterFileDedupes(t *testing.T) {
	tracker, _ := newTestTracker()
	tracker.Record(context.Background(), models.NewRunRecord("run_1", "sess-1", "ireps", nil))

	tracker.RegisterFile(context.Background(), "sess-1", "a.xlsx")
	tracker.RegisterFile(context.Background(), "sess-1", "a.xlsx")
	tracker.RegisterFile(context.Background(), "sess-1", "b.xlsx")

	runs := tracker.Runs()
	assert.Equal(t, []string{"a.xlsx", "b.xlsx"}, runs[0].OutputFiles)
}

func TestLoadRestoresAndNormalizes(t *testing.T) {
	now := time.Now()
	storage := &fakeHistoryStorage{runs: []*models.RunRecord{
		{ID: "run_1", SessionID: "sess-1", Tool: "ireps", Status: models.JobStatusComplete, IsActive: true, StartedAt: now, EndedAt: &now},
		{ID: "run_2", SessionID: "sess-2", Tool: "ireps", Status: models.JobStatusRunning, IsActive: true, StartedAt: now},
	}}
	tracker := New(storage, arbor.NewLogger())

	require.NoError(t, tracker.Load(context.Background()))

	runs := tracker.Runs()
	require.Len(t, runs, 2)
	// Nothing survives a restart as active or running.
	for _, run := range runs {
		assert.False(t, run.IsActive)
	}
	assert.Equal(t, models.JobStatusError, runs[1].Status)
	assert.NotNil(t, runs[1].EndedAt)
}

func TestNilStorage(t *testing.T) {
	tracker := New(nil, arbor.NewLogger())
	require.NoError(t, tracker.Load(context.Background()))
	tracker.Record(context.Background(), models.NewRunRecord("run_1", "sess-1", "ireps", nil))
	assert.Len(t, tracker.Runs(), 1)
}
