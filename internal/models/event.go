// -----------------------------------------------------------------------
// Worker Events - closed variant set decoded at the connection boundary
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// WorkerEventType enumerates the inbound event variants. Payloads are
// decoded once by the connection manager; downstream code never inspects
// untyped frames.
type WorkerEventType string

const (
	WorkerEventOutput       WorkerEventType = "output"
	WorkerEventFileWritten  WorkerEventType = "file_written"
	WorkerEventStatusUpdate WorkerEventType = "status_update"
	WorkerEventDisconnected WorkerEventType = "disconnected"
)

// DisconnectCause distinguishes synthetic disconnect events.
type DisconnectCause string

const (
	DisconnectCauseNone           DisconnectCause = ""
	DisconnectCauseConnectTimeout DisconnectCause = "connect_timeout"
	DisconnectCauseRemoteClose    DisconnectCause = "remote_close"
	DisconnectCauseLocalClose     DisconnectCause = "local_close"
)

// WorkerEvent is one normalized event from a job's connection.
type WorkerEvent struct {
	Type      WorkerEventType
	Key       JobKey
	Output    string          // WorkerEventOutput
	Filename  string          // WorkerEventFileWritten
	SessionID string          // correlation id carried by the event, if any
	Active    bool            // WorkerEventStatusUpdate
	Cause     DisconnectCause // WorkerEventDisconnected
}

// workerFrame is the wire shape emitted by the remote worker.
type workerFrame struct {
	Event     string `json:"event"`
	Output    string `json:"output"`
	Filename  string `json:"filename"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Active    *bool  `json:"active"`
}

// ReadyFrameEvent is the handshake frame name the worker sends once it is
// prepared to accept a start command.
const ReadyFrameEvent = "ready"

// DecodeWorkerFrame decodes one wire frame for the given job key. A ready
// handshake frame returns (zero event, true, nil). Unknown event names are
// an error so protocol drift surfaces immediately.
func DecodeWorkerFrame(key JobKey, data []byte) (WorkerEvent, bool, error) {
	var frame workerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return WorkerEvent{}, false, fmt.Errorf("failed to decode worker frame: %w", err)
	}

	switch frame.Event {
	case ReadyFrameEvent:
		return WorkerEvent{}, true, nil
	case "output", "scraping-output":
		return WorkerEvent{
			Type:      WorkerEventOutput,
			Key:       key,
			Output:    frame.Output,
			SessionID: frame.SessionID,
		}, false, nil
	case "file-written":
		return WorkerEvent{
			Type:      WorkerEventFileWritten,
			Key:       key,
			Filename:  frame.Filename,
			SessionID: frame.SessionID,
		}, false, nil
	case "status-update":
		active := false
		if frame.Active != nil {
			active = *frame.Active
		}
		return WorkerEvent{
			Type:      WorkerEventStatusUpdate,
			Key:       key,
			Active:    active,
			SessionID: frame.SessionID,
		}, false, nil
	default:
		return WorkerEvent{}, false, fmt.Errorf("unknown worker event %q", frame.Event)
	}
}

// StartCommand is the start message sent to the worker once the connection
// reports ready.
type StartCommand struct {
	Event  string            `json:"event"`
	Params map[string]string `json:"params"`
	RunID  string            `json:"run_id"`
}

// NewStartCommand builds the start_scraping command for a run.
func NewStartCommand(params map[string]string, runID string) StartCommand {
	return StartCommand{
		Event:  "start_scraping",
		Params: params,
		RunID:  runID,
	}
}
