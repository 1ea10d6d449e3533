package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/lifecycle"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/ternarybob/harvester/internal/store"
)

type stubConnector struct{}

func (stubConnector) Open(ctx context.Context, key models.JobKey, cmd models.StartCommand) error {
	return nil
}
func (stubConnector) Close(key models.JobKey)          {}
func (stubConnector) Connected(key models.JobKey) bool { return false }

type stubPollControl struct{}

func (stubPollControl) StopPolling(key models.JobKey) {}

type stubWorker struct{}

func (stubWorker) NotifyStop(ctx context.Context, correlationID string) error { return nil }
func (stubWorker) OpenSession(ctx context.Context, params map[string]string) (string, error) {
	return "sess-1", nil
}

type stubEvents struct{}

func (stubEvents) Subscribe(interfaces.EventType, interfaces.EventHandler) error { return nil }
func (stubEvents) Publish(context.Context, interfaces.Event) error               { return nil }
func (stubEvents) PublishSync(context.Context, interfaces.Event) error           { return nil }
func (stubEvents) Close() error                                                  { return nil }

func newTestJobHandler() (*JobHandler, *store.Store) {
	logger := arbor.NewLogger()
	s := store.New(logger)
	tools := map[string]common.ToolConfig{
		"eproc": {RequiredFields: []string{"username", "password", "start_date", "end_date"}},
	}
	controller := lifecycle.New(s, stubConnector{}, stubPollControl{}, stubWorker{}, stubEvents{}, tools, logger)
	return NewJobHandler(s, controller, nil, logger), s
}

func startBody(t *testing.T, payload map[string]interface{}) *strings.Reader {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return strings.NewReader(string(data))
}

func eprocStartInputs() map[string]interface{} {
	return map[string]interface{}{
		"username":   "u",
		"password":   "p",
		"start_date": "01/01/2026",
		"end_date":   "31/01/2026",
	}
}

func TestStartJobUsesProvidedKey(t *testing.T) {
	h, s := newTestJobHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/start", startBody(t, map[string]interface{}{
		"tool":   "eproc",
		"key":    "DELHI",
		"inputs": eprocStartInputs(),
	}))
	h.StartJobHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "started", body["status"])
	assert.Equal(t, "DELHI", body["key"])

	_, ok := s.Get("DELHI")
	assert.True(t, ok)
}

func TestStartJobGeneratesKeyWhenOmitted(t *testing.T) {
	h, s := newTestJobHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/start", startBody(t, map[string]interface{}{
		"tool":   "eproc",
		"inputs": eprocStartInputs(),
	}))
	h.StartJobHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	key, _ := body["key"].(string)
	require.NotEmpty(t, key)
	assert.True(t, strings.HasPrefix(key, "job_"))

	record, ok := s.Get(models.JobKey(key))
	require.True(t, ok)
	assert.Equal(t, models.JobStatusPending, record.Status)

	// A second keyless start mints a different key, never reusing the first.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/jobs/start", startBody(t, map[string]interface{}{
		"tool":   "eproc",
		"inputs": eprocStartInputs(),
	}))
	h.StartJobHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var second map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.NotEqual(t, key, second["key"])
}

func TestStartJobValidationFailure(t *testing.T) {
	h, s := newTestJobHandler()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/start", startBody(t, map[string]interface{}{
		"tool": "eproc",
		"key":  "DELHI",
		"inputs": map[string]interface{}{
			"username": "u",
		},
	}))
	h.StartJobHandler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	_, ok := s.Get("DELHI")
	assert.False(t, ok)
}
