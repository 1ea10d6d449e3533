package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/ternarybob/harvester/internal/store"
)

type fakeConnector struct {
	mu      sync.Mutex
	opened  map[models.JobKey]models.StartCommand
	closed  []models.JobKey
	openErr error
}

func (f *fakeConnector) Open(ctx context.Context, key models.JobKey, cmd models.StartCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	if f.opened == nil {
		f.opened = make(map[models.JobKey]models.StartCommand)
	}
	f.opened[key] = cmd
	return nil
}

func (f *fakeConnector) Close(key models.JobKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, key)
}

func (f *fakeConnector) Connected(key models.JobKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.opened[key]
	return ok
}

type fakePollControl struct {
	mu      sync.Mutex
	stopped []models.JobKey
}

func (f *fakePollControl) StopPolling(key models.JobKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
}

type fakeWorker struct {
	mu        sync.Mutex
	stops     []string
	stopErr   error
	sessionID string
	openErr   error
}

func (f *fakeWorker) NotifyStop(ctx context.Context, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, correlationID)
	return f.stopErr
}

func (f *fakeWorker) OpenSession(ctx context.Context, params map[string]string) (string, error) {
	if f.openErr != nil {
		return "", f.openErr
	}
	return f.sessionID, nil
}

type nopEvents struct{}

func (nopEvents) Subscribe(interfaces.EventType, interfaces.EventHandler) error { return nil }
func (nopEvents) Publish(context.Context, interfaces.Event) error               { return nil }
func (nopEvents) PublishSync(context.Context, interfaces.Event) error           { return nil }
func (nopEvents) Close() error                                                  { return nil }

func testTools() map[string]common.ToolConfig {
	return map[string]common.ToolConfig{
		"eproc": {RequiredFields: []string{"username", "password", "start_date", "end_date"}},
		"ireps": {RequiredFields: []string{"start_date", "end_date"}, TwoPhase: true},
	}
}

func eprocInputs() map[string]string {
	return map[string]string{
		"username":   "u",
		"password":   "p",
		"start_date": "01/01/2026",
		"end_date":   "31/01/2026",
	}
}

func newTestController(conns *fakeConnector, polls *fakePollControl, workerSvc *fakeWorker) (*Controller, *store.Store) {
	s := store.New(arbor.NewLogger())
	c := New(s, conns, polls, workerSvc, nopEvents{}, testTools(), arbor.NewLogger())
	return c, s
}

func TestStartValidationShortCircuits(t *testing.T) {
	conns := &fakeConnector{}
	c, s := newTestController(conns, &fakePollControl{}, &fakeWorker{})

	tests := []struct {
		name   string
		req    StartRequest
		fields []string
	}{
		{
			name:   "missing tool",
			req:    StartRequest{Key: "DELHI"},
			fields: []string{"tool"},
		},
		{
			name:   "missing key",
			req:    StartRequest{Tool: "eproc", Inputs: eprocInputs()},
			fields: []string{"key"},
		},
		{
			name: "blank required inputs",
			req: StartRequest{Tool: "eproc", Key: "DELHI", Inputs: map[string]string{
				"username":   "u",
				"password":   "  ",
				"start_date": "01/01/2026",
			}},
			fields: []string{"password", "end_date"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Start(context.Background(), tt.req)
			verr, ok := models.IsValidationError(err)
			require.True(t, ok, "expected validation error, got %v", err)
			assert.ElementsMatch(t, tt.fields, verr.Fields)
		})
	}

	// No side effects: nothing dialed, nothing recorded.
	assert.Empty(t, conns.opened)
	assert.Equal(t, 0, s.Count())
}

func TestStartUnknownTool(t *testing.T) {
	c, _ := newTestController(&fakeConnector{}, &fakePollControl{}, &fakeWorker{})
	err := c.Start(context.Background(), StartRequest{Tool: "nope", Key: "DELHI"})
	assert.Error(t, err)
}

func TestStartLaunchesJob(t *testing.T) {
	conns := &fakeConnector{}
	c, s := newTestController(conns, &fakePollControl{}, &fakeWorker{})

	require.NoError(t, c.Start(context.Background(), StartRequest{
		Tool: "eproc", Key: "DELHI", Inputs: eprocInputs(),
	}))

	record, ok := s.Get("DELHI")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusPending, record.Status)
	assert.NotEmpty(t, record.RunID)

	cmd := conns.opened["DELHI"]
	assert.Equal(t, "start_scraping", cmd.Event)
	assert.Equal(t, record.RunID, cmd.RunID)
	assert.Equal(t, "u", cmd.Params["username"])
}

func TestStartDuplicateActiveKey(t *testing.T) {
	c, _ := newTestController(&fakeConnector{}, &fakePollControl{}, &fakeWorker{})
	req := StartRequest{Tool: "eproc", Key: "DELHI", Inputs: eprocInputs()}

	require.NoError(t, c.Start(context.Background(), req))
	err := c.Start(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrDuplicateActiveJob)
}

func TestStartConnectFailureMarksError(t *testing.T) {
	conns := &fakeConnector{openErr: errors.New("dial tcp: connection refused")}
	c, s := newTestController(conns, &fakePollControl{}, &fakeWorker{})

	err := c.Start(context.Background(), StartRequest{Tool: "eproc", Key: "DELHI", Inputs: eprocInputs()})
	require.Error(t, err)

	record, ok := s.Get("DELHI")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusError, record.Status)
	require.NotEmpty(t, record.Log)
	assert.Contains(t, record.Log[0], "[ERROR]")
}

func TestTwoPhaseStart(t *testing.T) {
	conns := &fakeConnector{}
	workerSvc := &fakeWorker{sessionID: "sess-42"}
	c, s := newTestController(conns, &fakePollControl{}, workerSvc)

	inputs := map[string]string{"start_date": "01/01/2026", "end_date": "31/01/2026"}
	req := StartRequest{Tool: "ireps", Key: "job_1", Inputs: inputs}

	// First call opens the interactive session only.
	require.NoError(t, c.Start(context.Background(), req))
	sessionID, ok := c.SessionID("job_1")
	require.True(t, ok)
	assert.Equal(t, "sess-42", sessionID)
	assert.Empty(t, conns.opened)
	assert.Equal(t, 0, s.Count())

	// Second call launches the main job against that session.
	require.NoError(t, c.Start(context.Background(), req))
	record, ok := s.Get("job_1")
	require.True(t, ok)
	assert.Equal(t, "sess-42", record.SessionID)
	assert.Equal(t, "sess-42", conns.opened["job_1"].Params["session_id"])
}

func TestStopReleasesOpenSession(t *testing.T) {
	workerSvc := &fakeWorker{sessionID: "sess-42"}
	c, s := newTestController(&fakeConnector{}, &fakePollControl{}, workerSvc)

	inputs := map[string]string{"start_date": "01/01/2026", "end_date": "31/01/2026"}
	require.NoError(t, c.Start(context.Background(), StartRequest{Tool: "ireps", Key: "job_1", Inputs: inputs}))
	require.Equal(t, 0, s.Count())

	// Stop between session-open and the main job launch releases the
	// interactive session on the worker side.
	require.NoError(t, c.Stop(context.Background(), "job_1"))

	_, ok := c.SessionID("job_1")
	assert.False(t, ok)
	workerSvc.mu.Lock()
	assert.Equal(t, []string{"sess-42"}, workerSvc.stops)
	workerSvc.mu.Unlock()

	// With the session gone the key is back to idle.
	assert.ErrorIs(t, c.Stop(context.Background(), "job_1"), models.ErrJobNotFound)
}

func TestStartMainWithoutSessionIsPrecondition(t *testing.T) {
	c, _ := newTestController(&fakeConnector{}, &fakePollControl{}, &fakeWorker{})

	err := c.StartMain(context.Background(), StartRequest{
		Tool: "ireps", Key: "job_1",
		Inputs: map[string]string{"start_date": "01/01/2026", "end_date": "31/01/2026"},
	})
	assert.ErrorIs(t, err, models.ErrPrecondition)
}

func TestStopTerminatesBeforeSocketClose(t *testing.T) {
	conns := &fakeConnector{}
	polls := &fakePollControl{}
	workerSvc := &fakeWorker{}
	c, s := newTestController(conns, polls, workerSvc)

	require.NoError(t, c.Start(context.Background(), StartRequest{Tool: "eproc", Key: "DELHI", Inputs: eprocInputs()}))
	require.NoError(t, c.Stop(context.Background(), "DELHI"))

	record, _ := s.Get("DELHI")
	assert.Equal(t, models.JobStatusStopped, record.Status)
	assert.Equal(t, []models.JobKey{"DELHI"}, polls.stopped)
	assert.Equal(t, []models.JobKey{"DELHI"}, conns.closed)

	// The out-of-band stop notification is fire-and-forget.
	require.Eventually(t, func() bool {
		workerSvc.mu.Lock()
		defer workerSvc.mu.Unlock()
		return len(workerSvc.stops) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotentOnTerminalJob(t *testing.T) {
	conns := &fakeConnector{}
	c, _ := newTestController(conns, &fakePollControl{}, &fakeWorker{})

	require.NoError(t, c.Start(context.Background(), StartRequest{Tool: "eproc", Key: "DELHI", Inputs: eprocInputs()}))
	require.NoError(t, c.Stop(context.Background(), "DELHI"))
	require.NoError(t, c.Stop(context.Background(), "DELHI"))

	assert.Len(t, conns.closed, 1)
}

func TestStopUnknownKey(t *testing.T) {
	c, _ := newTestController(&fakeConnector{}, &fakePollControl{}, &fakeWorker{})
	err := c.Stop(context.Background(), "GHOST")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestStopNotificationFailureOnlyWarns(t *testing.T) {
	conns := &fakeConnector{}
	workerSvc := &fakeWorker{stopErr: errors.New("worker unreachable")}
	c, s := newTestController(conns, &fakePollControl{}, workerSvc)

	require.NoError(t, c.Start(context.Background(), StartRequest{Tool: "eproc", Key: "DELHI", Inputs: eprocInputs()}))
	require.NoError(t, c.Stop(context.Background(), "DELHI"))

	require.Eventually(t, func() bool {
		record, _ := s.Get("DELHI")
		for _, line := range record.Log {
			if line == "[WARN] Worker stop notification failed: worker unreachable" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	record, _ := s.Get("DELHI")
	assert.Equal(t, models.JobStatusStopped, record.Status)
}

func TestJobsAreIsolated(t *testing.T) {
	conns := &fakeConnector{}
	polls := &fakePollControl{}
	c, s := newTestController(conns, polls, &fakeWorker{})

	require.NoError(t, c.Start(context.Background(), StartRequest{Tool: "eproc", Key: "DELHI", Inputs: eprocInputs()}))
	require.NoError(t, c.Start(context.Background(), StartRequest{Tool: "eproc", Key: "MUMBAI", Inputs: eprocInputs()}))

	require.NoError(t, c.Stop(context.Background(), "DELHI"))

	mumbai, _ := s.Get("MUMBAI")
	assert.Equal(t, models.JobStatusPending, mumbai.Status)
	assert.NotContains(t, polls.stopped, models.JobKey("MUMBAI"))
	assert.NotContains(t, conns.closed, models.JobKey("MUMBAI"))
}

func TestClearLog(t *testing.T) {
	c, s := newTestController(&fakeConnector{}, &fakePollControl{}, &fakeWorker{})
	require.NoError(t, c.Start(context.Background(), StartRequest{Tool: "eproc", Key: "DELHI", Inputs: eprocInputs()}))
	require.NoError(t, s.Apply("DELHI", func(prev *models.JobRecord) {
		prev.AppendLog("line")
	}))

	require.NoError(t, c.ClearLog("DELHI"))
	record, _ := s.Get("DELHI")
	assert.Empty(t, record.Log)
}
