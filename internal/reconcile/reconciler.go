// -----------------------------------------------------------------------
// Event Reconciler - push events + polling snapshots -> store mutations
// -----------------------------------------------------------------------

package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/ternarybob/harvester/internal/store"
	"golang.org/x/time/rate"
)

// completionMarker is the literal the worker embeds in its final output
// line. Some workers never send an explicit status-update, so this marker is
// the source of truth for their completion.
const completionMarker = "SCRAPING COMPLETED"

// HasCompletionMarker reports whether an output line signals completion.
// Kept as the single place the marker is parsed.
func HasCompletionMarker(text string) bool {
	return strings.Contains(text, completionMarker)
}

// ConnectionControl is the slice of the connection manager the reconciler
// drives: a job that goes terminal must not keep its worker connection, or
// the key can never be reused.
type ConnectionControl interface {
	Close(key models.JobKey)
}

// Reconciler normalizes push events and polled file snapshots into store
// mutations. A terminal status from any source is final; later non-terminal
// events for that key are dropped.
type Reconciler struct {
	store        *store.Store
	files        interfaces.FileManagerService
	events       interfaces.EventService
	conns        ConnectionControl
	logger       arbor.ILogger
	pollInterval time.Duration
	pollErrLog   *rate.Limiter // throttles poll failure log lines
	pollers      map[models.JobKey]context.CancelFunc
	pollerMu     sync.Mutex
}

// New creates a reconciler. files provides the authoritative file lists for
// the polling fallback; events notifies the presentation layer.
func New(s *store.Store, files interfaces.FileManagerService, events interfaces.EventService, pollInterval time.Duration, logger arbor.ILogger) *Reconciler {
	return &Reconciler{
		store:        s,
		files:        files,
		events:       events,
		logger:       logger,
		pollInterval: pollInterval,
		pollErrLog:   rate.NewLimiter(rate.Every(10*time.Second), 1),
		pollers:      make(map[models.JobKey]context.CancelFunc),
	}
}

// BindConnections wires the connection manager in after construction; the
// manager's event sink points back at this reconciler, so the two cannot be
// built in one pass.
func (r *Reconciler) BindConnections(conns ConnectionControl) {
	r.conns = conns
}

// HandleEvent is the connection manager's event sink. It runs on the
// connection's read pump, so events for one job arrive in order.
func (r *Reconciler) HandleEvent(event models.WorkerEvent) {
	switch event.Type {
	case models.WorkerEventOutput:
		r.handleOutput(event)
	case models.WorkerEventFileWritten:
		r.handleFileWritten(event)
	case models.WorkerEventStatusUpdate:
		r.handleStatusUpdate(event)
	case models.WorkerEventDisconnected:
		r.handleDisconnected(event)
	default:
		r.logger.Warn().Str("type", string(event.Type)).Msg("Unknown worker event type")
	}
}

func (r *Reconciler) handleOutput(event models.WorkerEvent) {
	complete := HasCompletionMarker(event.Output)

	err := r.store.Apply(event.Key, func(prev *models.JobRecord) {
		if prev.Status.Terminal() {
			r.logger.Debug().Str("key", string(event.Key)).Msg("Dropping output for terminal job")
			return
		}
		prev.AppendLog(event.Output)
		if event.SessionID != "" {
			prev.SessionID = event.SessionID
		}
		if complete {
			prev.SetStatus(models.JobStatusComplete)
		}
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("key", string(event.Key)).Msg("Output event for untracked job")
		return
	}

	r.publishLog(event.Key)
	if complete {
		r.finishJob(event.Key)
		r.publishUpdate(event.Key, models.JobStatusComplete)
	}
}

func (r *Reconciler) handleFileWritten(event models.WorkerEvent) {
	var added bool
	err := r.store.Apply(event.Key, func(prev *models.JobRecord) {
		if prev.Status.Terminal() {
			return
		}
		if event.SessionID != "" {
			prev.SessionID = event.SessionID
		}
		added = prev.RegisterFile(event.Filename)
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("key", string(event.Key)).Msg("File event for untracked job")
		return
	}

	if added {
		r.publishFile(event.Key, event.Filename)
	}
}

// handleStatusUpdate applies the worker's authoritative activity flag.
// active=true acknowledges the start; active=false is a completion signal
// for session-correlated tools.
func (r *Reconciler) handleStatusUpdate(event models.WorkerEvent) {
	var applied models.JobStatus
	err := r.store.Apply(event.Key, func(prev *models.JobRecord) {
		if prev.Status.Terminal() {
			r.logger.Debug().Str("key", string(event.Key)).Msg("Dropping status update for terminal job")
			return
		}
		if event.SessionID != "" {
			prev.SessionID = event.SessionID
		}
		if event.Active {
			prev.Connected = true
			if prev.SetStatus(models.JobStatusRunning) {
				applied = models.JobStatusRunning
			}
		} else {
			if prev.SetStatus(models.JobStatusComplete) {
				applied = models.JobStatusComplete
			}
		}
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("key", string(event.Key)).Msg("Status update for untracked job")
		return
	}

	switch applied {
	case models.JobStatusRunning:
		r.StartPolling(event.Key)
		r.publishUpdate(event.Key, applied)
	case models.JobStatusComplete:
		r.finishJob(event.Key)
		r.publishUpdate(event.Key, applied)
	}
}

// finishJob tears down a completed job's poller and worker connection.
// Terminal records never hold a connection; the key is free for a new run.
func (r *Reconciler) finishJob(key models.JobKey) {
	r.StopPolling(key)
	if r.conns != nil {
		r.conns.Close(key)
	}
}

// handleDisconnected applies the drop policy: a connection lost before any
// completion signal forces the job to error. Leaving the record
// non-terminal would wedge the key forever.
func (r *Reconciler) handleDisconnected(event models.WorkerEvent) {
	line := "Connection to worker lost"
	if event.Cause == models.DisconnectCauseConnectTimeout {
		line = "Worker did not respond within the connect timeout"
	}

	var applied bool
	err := r.store.Apply(event.Key, func(prev *models.JobRecord) {
		prev.Connected = false
		if prev.Status.Terminal() {
			return
		}
		prev.AppendLog("[ERROR] " + line)
		applied = prev.SetStatus(models.JobStatusError)
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("key", string(event.Key)).Msg("Disconnect for untracked job")
		return
	}

	r.StopPolling(event.Key)
	if applied {
		r.logger.Warn().Str("key", string(event.Key)).Str("cause", string(event.Cause)).Msg(line)
		r.publishUpdate(event.Key, models.JobStatusError)
	}
}

// StartPolling launches the 2-second file list reconciliation loop for key.
// Starting an already-polled key is a no-op.
func (r *Reconciler) StartPolling(key models.JobKey) {
	r.pollerMu.Lock()
	defer r.pollerMu.Unlock()

	if _, exists := r.pollers[key]; exists {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.pollers[key] = cancel
	go r.pollLoop(ctx, key)
}

// StopPolling cancels the polling loop for key, if any. Other keys'
// pollers are untouched.
func (r *Reconciler) StopPolling(key models.JobKey) {
	r.pollerMu.Lock()
	defer r.pollerMu.Unlock()

	if cancel, exists := r.pollers[key]; exists {
		cancel()
		delete(r.pollers, key)
	}
}

// StopAll cancels every polling loop. Used on shutdown.
func (r *Reconciler) StopAll() {
	r.pollerMu.Lock()
	defer r.pollerMu.Unlock()

	for key, cancel := range r.pollers {
		cancel()
		delete(r.pollers, key)
	}
}

func (r *Reconciler) pollLoop(ctx context.Context, key models.JobKey) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PollOnce(ctx, key)
		}
	}
}

// PollOnce fetches the authoritative file list for key's correlation id and
// unions it into the output set. The union never removes entries the push
// channel already added, so visible state never regresses. Poll failures are
// logged and absorbed; polling is best-effort.
func (r *Reconciler) PollOnce(ctx context.Context, key models.JobKey) {
	record, ok := r.store.Get(key)
	if !ok || !record.IsRunning() {
		return
	}

	files, err := r.files.ListFiles(ctx, record.CorrelationID())
	if err != nil {
		if r.pollErrLog.Allow() {
			r.logger.Warn().Err(err).Str("key", string(key)).Msg("File list poll failed")
		}
		return
	}

	var added []string
	if err := r.store.Apply(key, func(prev *models.JobRecord) {
		if prev.Status.Terminal() {
			return
		}
		for _, f := range files {
			if prev.RegisterFile(f) {
				added = append(added, f)
			}
		}
	}); err != nil {
		if r.pollErrLog.Allow() {
			r.logger.Warn().Err(err).Str("key", string(key)).Msg("File list poll lost its job record")
		}
		return
	}

	for _, f := range added {
		r.publishFile(key, f)
	}
}

func (r *Reconciler) publishFile(key models.JobKey, filename string) {
	payload := map[string]interface{}{
		"key":      string(key),
		"filename": filename,
	}
	if record, ok := r.store.Get(key); ok {
		payload["session_id"] = record.CorrelationID()
	}
	r.events.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventFileRegistered,
		Payload: payload,
	})
}

func (r *Reconciler) publishUpdate(key models.JobKey, status models.JobStatus) {
	record, ok := r.store.Get(key)
	payload := map[string]interface{}{
		"key":    string(key),
		"status": string(status),
	}
	if ok {
		payload["session_id"] = record.SessionID
		payload["run_id"] = record.RunID
	}
	r.events.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventJobUpdate,
		Payload: payload,
	})
}

func (r *Reconciler) publishLog(key models.JobKey) {
	r.events.Publish(context.Background(), interfaces.Event{
		Type: interfaces.EventJobLog,
		Payload: map[string]interface{}{
			"key": string(key),
		},
	})
}
