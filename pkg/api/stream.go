package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/grantmesh/grantmesh/pkg/events"
)

// defaultWriteTimeout bounds one WebSocket send so a stalled client cannot
// block the broadcast loop.
const defaultWriteTimeout = 5 * time.Second

// clientMessage is what WebSocket clients send to the stream.
type clientMessage struct {
	Action string `json:"action"`           // subscribe | unsubscribe | ping
	Prefix string `json:"prefix,omitempty"` // event name prefix, e.g. "workflow"
}

// streamConn is one WebSocket client. The prefix set is guarded by its own
// lock because the read loop mutates it while the broadcast loop filters on it.
type streamConn struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	prefixes map[string]bool // empty means all events
}

func (c *streamConn) wants(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.prefixes) == 0 {
		return true
	}
	for prefix := range c.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// StreamManager fans emitter events out to WebSocket clients. Clients
// receive every event by default and can narrow the stream with
// subscribe messages carrying an event name prefix.
type StreamManager struct {
	emitter      *events.Emitter
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*streamConn

	cancelFeed func()
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewStreamManager creates a stream manager over the emitter.
func NewStreamManager(emitter *events.Emitter) *StreamManager {
	return &StreamManager{
		emitter:      emitter,
		writeTimeout: defaultWriteTimeout,
		connections:  make(map[string]*streamConn),
	}
}

// Start subscribes to the emitter and launches the broadcast loop.
func (m *StreamManager) Start() {
	feed, cancel := m.emitter.SubscribeAll()
	m.cancelFeed = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for evt := range feed {
			m.broadcast(evt)
		}
	}()
}

// Stop ends the broadcast loop and closes every client connection.
func (m *StreamManager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancelFeed != nil {
			m.cancelFeed()
		}
		m.wg.Wait()

		m.mu.Lock()
		conns := make([]*streamConn, 0, len(m.connections))
		for _, c := range m.connections {
			conns = append(conns, c)
		}
		m.connections = make(map[string]*streamConn)
		m.mu.Unlock()

		for _, c := range conns {
			c.cancel()
			_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	})
}

// HandleConnection runs one client's lifecycle. Blocks until the
// WebSocket closes.
func (m *StreamManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &streamConn{
		id:       uuid.NewString(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		prefixes: make(map[string]bool),
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid stream client message",
				"connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of connected clients.
func (m *StreamManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *StreamManager) handleClientMessage(c *streamConn, msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Prefix == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "prefix is required for subscribe"})
			return
		}
		c.mu.Lock()
		c.prefixes[msg.Prefix] = true
		c.mu.Unlock()
		m.sendJSON(c, map[string]string{"type": "subscription.confirmed", "prefix": msg.Prefix})

	case "unsubscribe":
		c.mu.Lock()
		delete(c.prefixes, msg.Prefix)
		c.mu.Unlock()

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// broadcast sends one event to every matching connection.
func (m *StreamManager) broadcast(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("Failed to marshal stream event", "event", evt.Name, "error", err)
		return
	}

	m.mu.RLock()
	conns := make([]*streamConn, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if !c.wants(evt.Name) {
			continue
		}
		if err := m.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send to stream client",
				"connection_id", c.id, "event", evt.Name, "error", err)
		}
	}
}

func (m *StreamManager) register(c *streamConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *StreamManager) unregister(c *streamConn) {
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *StreamManager) sendJSON(c *streamConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal stream message",
			"connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send stream message",
			"connection_id", c.id, "error", err)
	}
}

func (m *StreamManager) sendRaw(c *streamConn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
