// -----------------------------------------------------------------------
// Lifecycle Controller - per-job state machine and operator entry points
// -----------------------------------------------------------------------

package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/models"
	"github.com/ternarybob/harvester/internal/store"
)

// Connector is the slice of the connection manager the controller drives.
type Connector interface {
	Open(ctx context.Context, key models.JobKey, cmd models.StartCommand) error
	Close(key models.JobKey)
	Connected(key models.JobKey) bool
}

// PollControl is the slice of the reconciler the controller needs: stopping
// a job must cancel its polling loop and nothing else.
type PollControl interface {
	StopPolling(key models.JobKey)
}

// StartRequest carries an operator start action.
type StartRequest struct {
	Tool   string `validate:"required"`
	Key    models.JobKey `validate:"required"`
	Inputs map[string]string
}

// Controller validates operator actions and drives each job's lifecycle:
// pending -> running -> {complete, stopped, error}, with the two-phase
// idle -> sessionOpen prelude for tools that need an interactive session.
type Controller struct {
	store    *store.Store
	conns    Connector
	polls    PollControl
	worker   interfaces.WorkerService
	events   interfaces.EventService
	logger   arbor.ILogger
	tools    map[string]common.ToolConfig
	validate *validator.Validate

	mu       sync.Mutex
	sessions map[models.JobKey]string // open interactive sessions, two-phase tools only
}

// New creates a controller.
func New(s *store.Store, conns Connector, polls PollControl, worker interfaces.WorkerService, events interfaces.EventService, tools map[string]common.ToolConfig, logger arbor.ILogger) *Controller {
	return &Controller{
		store:    s,
		conns:    conns,
		polls:    polls,
		worker:   worker,
		events:   events,
		logger:   logger,
		tools:    tools,
		validate: validator.New(),
		sessions: make(map[models.JobKey]string),
	}
}

// Start launches a job for req.Key. For two-phase tools the first call in
// the idle state opens the interactive session instead of the main job; the
// next call launches the main job against that session.
func (c *Controller) Start(ctx context.Context, req StartRequest) error {
	if err := c.validateRequest(req); err != nil {
		return err
	}

	tool, ok := c.tools[req.Tool]
	if !ok {
		return fmt.Errorf("unknown tool %q", req.Tool)
	}

	if tool.TwoPhase {
		c.mu.Lock()
		_, hasSession := c.sessions[req.Key]
		c.mu.Unlock()
		if !hasSession {
			return c.openSession(ctx, req)
		}
	}

	return c.StartMain(ctx, req)
}

// StartMain launches the main scraping job. Two-phase tools reaching this
// without an open session fail with ErrPrecondition.
func (c *Controller) StartMain(ctx context.Context, req StartRequest) error {
	if err := c.validateRequest(req); err != nil {
		return err
	}

	tool, ok := c.tools[req.Tool]
	if !ok {
		return fmt.Errorf("unknown tool %q", req.Tool)
	}

	var sessionID string
	if tool.TwoPhase {
		c.mu.Lock()
		sessionID = c.sessions[req.Key]
		c.mu.Unlock()
		if sessionID == "" {
			return fmt.Errorf("tool %s: %w", req.Tool, models.ErrPrecondition)
		}
	}

	runID := common.NewRunID(string(req.Key))
	record, err := c.store.Create(req.Key, req.Tool, runID, req.Inputs)
	if err != nil {
		return err
	}

	if sessionID != "" {
		c.store.Apply(req.Key, func(prev *models.JobRecord) {
			prev.SessionID = sessionID
		})
	}

	params := make(map[string]string, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		params[k] = v
	}
	if sessionID != "" {
		params["session_id"] = sessionID
	}

	if err := c.conns.Open(ctx, req.Key, models.NewStartCommand(params, runID)); err != nil {
		c.store.Apply(req.Key, func(prev *models.JobRecord) {
			prev.AppendLog("[ERROR] Failed to reach worker: " + err.Error())
			prev.SetStatus(models.JobStatusError)
		})
		return err
	}

	c.logger.Info().
		Str("key", string(req.Key)).
		Str("tool", req.Tool).
		Str("run_id", record.RunID).
		Msg("Job started")

	c.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobUpdate,
		Payload: map[string]interface{}{
			"key":    string(req.Key),
			"status": string(models.JobStatusPending),
			"run_id": record.RunID,
		},
	})
	return nil
}

// openSession performs the session-open phase for two-phase tools.
func (c *Controller) openSession(ctx context.Context, req StartRequest) error {
	sessionID, err := c.worker.OpenSession(ctx, req.Inputs)
	if err != nil {
		return fmt.Errorf("%w: open session: %v", models.ErrTransport, err)
	}

	c.mu.Lock()
	c.sessions[req.Key] = sessionID
	c.mu.Unlock()

	c.logger.Info().
		Str("key", string(req.Key)).
		Str("session_id", sessionID).
		Msg("Interactive session opened, start again to launch the job")
	return nil
}

// SessionID returns the open interactive session for key, if any.
func (c *Controller) SessionID(key models.JobKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.sessions[key]
	return id, ok
}

// Stop terminates the job for key. The local transition to stopped never
// waits on the worker: the out-of-band stop notification is fire-and-forget
// and a failure only produces a warning line in the job log. Stopping an
// already-terminal or absent job is a no-op.
func (c *Controller) Stop(ctx context.Context, key models.JobKey) error {
	record, ok := c.store.Get(key)
	if !ok {
		// A two-phase tool may have opened its session without launching
		// the main job yet; stop still has to release it.
		return c.releaseSession(ctx, key)
	}
	if record.Status.Terminal() {
		return nil
	}

	c.polls.StopPolling(key)

	// The record goes terminal before the socket closes so the resulting
	// disconnect event is dropped by terminal precedence.
	c.store.Apply(key, func(prev *models.JobRecord) {
		prev.AppendLog("[INFO] Stopped by operator")
		prev.SetStatus(models.JobStatusStopped)
	})
	c.conns.Close(key)

	correlationID := record.CorrelationID()
	go func() {
		if err := c.worker.NotifyStop(context.Background(), correlationID); err != nil {
			c.logger.Warn().Err(err).Str("key", string(key)).Msg("Worker stop notification failed")
			c.store.Apply(key, func(prev *models.JobRecord) {
				prev.AppendLog("[WARN] Worker stop notification failed: " + err.Error())
			})
		}
	}()

	// Two-phase tools release the interactive session on stop.
	c.mu.Lock()
	delete(c.sessions, key)
	c.mu.Unlock()

	c.logger.Info().Str("key", string(key)).Msg("Job stopped")

	c.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventJobUpdate,
		Payload: map[string]interface{}{
			"key":        string(key),
			"status":     string(models.JobStatusStopped),
			"session_id": record.SessionID,
			"run_id":     record.RunID,
		},
	})
	return nil
}

// releaseSession closes an interactive session that never progressed to a
// main job. The worker notification is best-effort; the local entry is
// cleared regardless.
func (c *Controller) releaseSession(ctx context.Context, key models.JobKey) error {
	c.mu.Lock()
	sessionID, ok := c.sessions[key]
	if ok {
		delete(c.sessions, key)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("job %s: %w", key, models.ErrJobNotFound)
	}

	if err := c.worker.NotifyStop(ctx, sessionID); err != nil {
		c.logger.Warn().Err(err).Str("key", string(key)).Msg("Session release notification failed")
	}

	c.logger.Info().
		Str("key", string(key)).
		Str("session_id", sessionID).
		Msg("Interactive session released")
	return nil
}

// SetActive changes the displayed job without touching any record.
func (c *Controller) SetActive(key models.JobKey) error {
	return c.store.SetActive(key)
}

// ClearLog empties a job's log on explicit operator request.
func (c *Controller) ClearLog(key models.JobKey) error {
	return c.store.Apply(key, func(prev *models.JobRecord) {
		prev.ClearLog()
	})
}

// validateRequest checks the request shape and the tool's required start
// parameters. Validation failures short-circuit before any side effect.
func (c *Controller) validateRequest(req StartRequest) error {
	if err := c.validate.Struct(req); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
		}
		return &models.ValidationError{Fields: fields}
	}

	tool, ok := c.tools[req.Tool]
	if !ok {
		return fmt.Errorf("unknown tool %q", req.Tool)
	}

	var missing []string
	for _, field := range tool.RequiredFields {
		if strings.TrimSpace(req.Inputs[field]) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &models.ValidationError{Fields: missing}
	}
	return nil
}
