package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWorkerFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    WorkerEvent
		isReady bool
		wantErr bool
	}{
		{
			name:    "ready handshake",
			data:    `{"event":"ready"}`,
			isReady: true,
		},
		{
			name: "output",
			data: `{"event":"output","output":"Scraping page 3"}`,
			want: WorkerEvent{Type: WorkerEventOutput, Key: "DELHI", Output: "Scraping page 3"},
		},
		{
			name: "legacy scraping-output alias",
			data: `{"event":"scraping-output","output":"SCRAPING COMPLETED","session_id":"sess-1"}`,
			want: WorkerEvent{Type: WorkerEventOutput, Key: "DELHI", Output: "SCRAPING COMPLETED", SessionID: "sess-1"},
		},
		{
			name: "file written",
			data: `{"event":"file-written","filename":"tenders_delhi.xlsx"}`,
			want: WorkerEvent{Type: WorkerEventFileWritten, Key: "DELHI", Filename: "tenders_delhi.xlsx"},
		},
		{
			name: "status update active",
			data: `{"event":"status-update","active":true,"session_id":"sess-1"}`,
			want: WorkerEvent{Type: WorkerEventStatusUpdate, Key: "DELHI", Active: true, SessionID: "sess-1"},
		},
		{
			name: "status update inactive",
			data: `{"event":"status-update","active":false}`,
			want: WorkerEvent{Type: WorkerEventStatusUpdate, Key: "DELHI"},
		},
		{
			name:    "unknown event is an error",
			data:    `{"event":"telemetry"}`,
			wantErr: true,
		},
		{
			name:    "malformed json is an error",
			data:    `{"event":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, isReady, err := DecodeWorkerFrame("DELHI", []byte(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.isReady, isReady)
			if !tt.isReady {
				assert.Equal(t, tt.want, event)
			}
		})
	}
}

func TestNewStartCommand(t *testing.T) {
	cmd := NewStartCommand(map[string]string{"username": "u"}, "run_delhi_1")
	assert.Equal(t, "start_scraping", cmd.Event)
	assert.Equal(t, "run_delhi_1", cmd.RunID)
	assert.Equal(t, "u", cmd.Params["username"])
}
