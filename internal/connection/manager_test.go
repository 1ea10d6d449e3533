package connection

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/models"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventCollector is a thread-safe EventSink for tests.
type eventCollector struct {
	mu     sync.Mutex
	events []models.WorkerEvent
}

func (c *eventCollector) sink(event models.WorkerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCollector) snapshot() []models.WorkerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.WorkerEvent(nil), c.events...)
}

func (c *eventCollector) count(t models.WorkerEventType) int {
	n := 0
	for _, e := range c.snapshot() {
		if e.Type == t {
			n++
		}
	}
	return n
}

// startWorker runs a stub worker. handler drives the server side of one
// connection after the upgrade.
func startWorker(t *testing.T, handler func(ws *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handler(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestOpenSendsStartAfterReady(t *testing.T) {
	received := make(chan models.StartCommand, 1)
	url := startWorker(t, func(ws *websocket.Conn) {
		require.NoError(t, ws.WriteJSON(map[string]string{"event": "ready"}))

		var cmd models.StartCommand
		require.NoError(t, ws.ReadJSON(&cmd))
		received <- cmd

		ws.WriteJSON(map[string]interface{}{"event": "output", "output": "Scraping page 1"})
		time.Sleep(100 * time.Millisecond)
	})

	collector := &eventCollector{}
	m := NewManager(url, 2*time.Second, collector.sink, arbor.NewLogger())

	cmd := models.NewStartCommand(map[string]string{"username": "u"}, "run_1")
	require.NoError(t, m.Open(context.Background(), "DELHI", cmd))

	select {
	case got := <-received:
		assert.Equal(t, "start_scraping", got.Event)
		assert.Equal(t, "run_1", got.RunID)
		assert.Equal(t, "u", got.Params["username"])
	case <-time.After(2 * time.Second):
		t.Fatal("worker never received the start command")
	}

	// The ready handshake plus sent start yields the synthetic running ack,
	// then the pushed output frame follows in order.
	require.Eventually(t, func() bool {
		return collector.count(models.WorkerEventOutput) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events := collector.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, models.WorkerEventStatusUpdate, events[0].Type)
	assert.True(t, events[0].Active)

	m.CloseAll()
}

func TestOpenRejectsDuplicateKey(t *testing.T) {
	url := startWorker(t, func(ws *websocket.Conn) {
		ws.WriteJSON(map[string]string{"event": "ready"})
		time.Sleep(500 * time.Millisecond)
	})

	collector := &eventCollector{}
	m := NewManager(url, 2*time.Second, collector.sink, arbor.NewLogger())

	cmd := models.NewStartCommand(nil, "run_1")
	require.NoError(t, m.Open(context.Background(), "DELHI", cmd))
	err := m.Open(context.Background(), "DELHI", cmd)
	assert.ErrorIs(t, err, models.ErrDuplicateActiveJob)

	m.CloseAll()
}

func TestKeyReusableAfterClose(t *testing.T) {
	url := startWorker(t, func(ws *websocket.Conn) {
		ws.WriteJSON(map[string]string{"event": "ready"})
		var cmd models.StartCommand
		ws.ReadJSON(&cmd)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	collector := &eventCollector{}
	m := NewManager(url, 2*time.Second, collector.sink, arbor.NewLogger())

	require.NoError(t, m.Open(context.Background(), "DELHI", models.NewStartCommand(nil, "run_1")))
	m.Close("DELHI")

	// The slot frees on close; a later run reuses the key.
	require.NoError(t, m.Open(context.Background(), "DELHI", models.NewStartCommand(nil, "run_2")))
	assert.True(t, m.Connected("DELHI"))
	m.CloseAll()
}

func TestDialTimeoutReturnsConnectTimeout(t *testing.T) {
	// A listener that accepts the TCP connection but never answers the
	// websocket handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	collector := &eventCollector{}
	m := NewManager("ws://"+ln.Addr().String(), 100*time.Millisecond, collector.sink, arbor.NewLogger())

	err = m.Open(context.Background(), "DELHI", models.NewStartCommand(nil, "run_1"))
	assert.ErrorIs(t, err, models.ErrConnectTimeout)
	assert.False(t, m.Connected("DELHI"))
}

func TestConnectTimeoutEmitsSyntheticDisconnect(t *testing.T) {
	// Worker that accepts the socket but never reports ready.
	url := startWorker(t, func(ws *websocket.Conn) {
		time.Sleep(time.Second)
	})

	collector := &eventCollector{}
	m := NewManager(url, 50*time.Millisecond, collector.sink, arbor.NewLogger())

	require.NoError(t, m.Open(context.Background(), "DELHI", models.NewStartCommand(nil, "run_1")))

	require.Eventually(t, func() bool {
		return collector.count(models.WorkerEventDisconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events := collector.snapshot()
	disconnect := events[len(events)-1]
	assert.Equal(t, models.DisconnectCauseConnectTimeout, disconnect.Cause)
	assert.False(t, m.Connected("DELHI"))

	// The watchdog's discard must be the only synthetic event even though
	// the read pump also observes the close.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, collector.count(models.WorkerEventDisconnected))
}

func TestRemoteCloseEmitsDisconnect(t *testing.T) {
	url := startWorker(t, func(ws *websocket.Conn) {
		ws.WriteJSON(map[string]string{"event": "ready"})
		var cmd models.StartCommand
		ws.ReadJSON(&cmd)
		// Worker dies mid-run.
	})

	collector := &eventCollector{}
	m := NewManager(url, 2*time.Second, collector.sink, arbor.NewLogger())

	require.NoError(t, m.Open(context.Background(), "DELHI", models.NewStartCommand(nil, "run_1")))

	require.Eventually(t, func() bool {
		return collector.count(models.WorkerEventDisconnected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events := collector.snapshot()
	assert.Equal(t, models.DisconnectCauseRemoteClose, events[len(events)-1].Cause)
	assert.False(t, m.Connected("DELHI"))
}

func TestLocalCloseSuppressesDisconnectEvent(t *testing.T) {
	url := startWorker(t, func(ws *websocket.Conn) {
		ws.WriteJSON(map[string]string{"event": "ready"})
		var cmd models.StartCommand
		ws.ReadJSON(&cmd)
		// Keep reading until the client goes away.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	collector := &eventCollector{}
	m := NewManager(url, 2*time.Second, collector.sink, arbor.NewLogger())

	require.NoError(t, m.Open(context.Background(), "DELHI", models.NewStartCommand(nil, "run_1")))
	require.Eventually(t, func() bool {
		return collector.count(models.WorkerEventStatusUpdate) == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.Close("DELHI")
	m.Close("DELHI") // idempotent

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, collector.count(models.WorkerEventDisconnected))
	assert.False(t, m.Connected("DELHI"))
}

func TestUndecodableFramesAreSkipped(t *testing.T) {
	url := startWorker(t, func(ws *websocket.Conn) {
		ws.WriteJSON(map[string]string{"event": "ready"})
		var cmd models.StartCommand
		ws.ReadJSON(&cmd)

		ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"telemetry"}`))
		ws.WriteJSON(map[string]interface{}{"event": "output", "output": "still alive"})
		time.Sleep(200 * time.Millisecond)
	})

	collector := &eventCollector{}
	m := NewManager(url, 2*time.Second, collector.sink, arbor.NewLogger())

	require.NoError(t, m.Open(context.Background(), "DELHI", models.NewStartCommand(nil, "run_1")))

	require.Eventually(t, func() bool {
		return collector.count(models.WorkerEventOutput) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for _, e := range collector.snapshot() {
		assert.NotEqual(t, models.WorkerEventDisconnected, e.Type)
	}
	m.CloseAll()
}
