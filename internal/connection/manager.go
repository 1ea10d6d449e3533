// -----------------------------------------------------------------------
// Connection Manager - one live worker connection per non-terminal job key
// -----------------------------------------------------------------------

package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/models"
)

// EventSink receives decoded worker events. The read pump calls it
// sequentially, so delivery is in-order within a single job's connection.
type EventSink func(event models.WorkerEvent)

// Manager owns the per-key connection collection. Keying the collection by
// JobKey enforces the one-live-connection-per-job invariant structurally:
// a second Open for the same key is rejected, never silently replaced.
type Manager struct {
	mu             sync.Mutex
	conns          map[models.JobKey]*connection
	dialer         *websocket.Dialer
	workerURL      string
	connectTimeout time.Duration
	sink           EventSink
	logger         arbor.ILogger
}

type connection struct {
	key        models.JobKey
	ws         *websocket.Conn
	writeMu    sync.Mutex
	ready      chan struct{}
	readyOnce  sync.Once
	done       chan struct{}
	doneOnce   sync.Once
	localClose bool
	closeMu    sync.Mutex
}

// NewManager creates a connection manager dialing workerURL. sink receives
// every decoded event, including synthetic disconnects.
func NewManager(workerURL string, connectTimeout time.Duration, sink EventSink, logger arbor.ILogger) *Manager {
	return &Manager{
		conns:          make(map[models.JobKey]*connection),
		dialer:         &websocket.Dialer{HandshakeTimeout: connectTimeout},
		workerURL:      workerURL,
		connectTimeout: connectTimeout,
		sink:           sink,
		logger:         logger,
	}
}

// Open dials the worker for key and sends cmd once the connection reports
// ready. The connect timeout is a single budget starting here: dial and the
// ready wait share it. If ready never arrives in time, a synthetic disconnect
// with a timeout cause is emitted and the connection discarded.
func (m *Manager) Open(ctx context.Context, key models.JobKey, cmd models.StartCommand) error {
	m.mu.Lock()
	if _, exists := m.conns[key]; exists {
		m.mu.Unlock()
		return fmt.Errorf("connection for %s: %w", key, models.ErrDuplicateActiveJob)
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.connectTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ws, _, err := m.dialer.DialContext(dialCtx, m.workerURL, nil)
	if err != nil {
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			return fmt.Errorf("%w: dial %s: %v", models.ErrConnectTimeout, m.workerURL, err)
		}
		return fmt.Errorf("%w: dial %s: %v", models.ErrTransport, m.workerURL, err)
	}

	c := &connection{
		key:   key,
		ws:    ws,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.conns[key]; exists {
		m.mu.Unlock()
		ws.Close()
		return fmt.Errorf("connection for %s: %w", key, models.ErrDuplicateActiveJob)
	}
	m.conns[key] = c
	m.mu.Unlock()

	m.logger.Debug().Str("key", string(key)).Str("run_id", cmd.RunID).Msg("Worker connection opened")

	go m.readPump(c)
	go m.awaitReady(c, cmd, deadline)

	return nil
}

// awaitReady waits for the worker's ready frame, then sends the start
// command. The watchdog bounds how long an operator waits on a dead worker;
// its deadline was fixed at Open entry, so dial time counts against it.
func (m *Manager) awaitReady(c *connection, cmd models.StartCommand, deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-c.ready:
		if err := m.writeJSON(c, cmd); err != nil {
			m.logger.Warn().Err(err).Str("key", string(c.key)).Msg("Failed to send start command")
			m.discard(c.key)
			m.sink(models.WorkerEvent{
				Type:  models.WorkerEventDisconnected,
				Key:   c.key,
				Cause: models.DisconnectCauseRemoteClose,
			})
			return
		}
		// Ready plus a sent start command is the running acknowledgment.
		m.sink(models.WorkerEvent{
			Type:   models.WorkerEventStatusUpdate,
			Key:    c.key,
			Active: true,
		})
	case <-timer.C:
		m.logger.Warn().
			Str("key", string(c.key)).
			Dur("timeout", m.connectTimeout).
			Msg("Worker never reported ready, discarding connection")
		m.discard(c.key)
		m.sink(models.WorkerEvent{
			Type:  models.WorkerEventDisconnected,
			Key:   c.key,
			Cause: models.DisconnectCauseConnectTimeout,
		})
	case <-c.done:
	}
}

// readPump decodes inbound frames until the connection closes. Decode
// failures are logged and skipped; the stream itself stays up.
func (m *Manager) readPump(c *connection) {
	defer c.doneOnce.Do(func() { close(c.done) })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeMu.Lock()
			local := c.localClose
			c.closeMu.Unlock()

			m.discard(c.key)
			if local {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn().Err(err).Str("key", string(c.key)).Msg("Worker connection lost")
			}
			m.sink(models.WorkerEvent{
				Type:  models.WorkerEventDisconnected,
				Key:   c.key,
				Cause: models.DisconnectCauseRemoteClose,
			})
			return
		}

		event, isReady, err := models.DecodeWorkerFrame(c.key, data)
		if err != nil {
			m.logger.Warn().Err(err).Str("key", string(c.key)).Msg("Dropping undecodable worker frame")
			continue
		}
		if isReady {
			c.readyOnce.Do(func() { close(c.ready) })
			continue
		}
		m.sink(event)
	}
}

func (m *Manager) writeJSON(c *connection, v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close disconnects the connection for key. Closing an absent or
// already-closed connection is a no-op.
func (m *Manager) Close(key models.JobKey) {
	m.mu.Lock()
	c, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	c.closeMu.Lock()
	c.localClose = true
	c.closeMu.Unlock()

	c.ws.Close()
	m.logger.Debug().Str("key", string(key)).Msg("Worker connection closed")
}

// discard removes a connection from the collection and closes the socket.
// The synthetic event for the discard is emitted by the caller, so the read
// pump must not add a second one.
func (m *Manager) discard(key models.JobKey) {
	m.mu.Lock()
	c, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	m.mu.Unlock()

	if ok {
		c.closeMu.Lock()
		c.localClose = true
		c.closeMu.Unlock()
		c.ws.Close()
	}
}

// Connected reports whether key has a live connection.
func (m *Manager) Connected(key models.JobKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[key]
	return ok
}

// CloseAll disconnects every connection. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	keys := make([]models.JobKey, 0, len(m.conns))
	for key := range m.conns {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.Close(key)
	}
}
