// Package ws streams liveness transitions to WebSocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/logging"
)

const sendBuffer = 64

// Message types sent to subscribers.
const (
	TypeSnapshot   = "snapshot"
	TypeTransition = "transition"
)

// Message is one frame on the liveness stream.
type Message struct {
	Type       string                     `json:"type"`
	Ts         int64                      `json:"ts"`
	Records    []domain.LivenessRecord    `json:"records,omitempty"`
	Transition *domain.LivenessTransition `json:"transition,omitempty"`
}

// ErrBufferFull is returned when a subscriber's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// Connection is one subscriber. An empty AgentID receives every transition.
type Connection struct {
	ID      string
	AgentID string
	Conn    *websocket.Conn
	Send    chan []byte

	// initial, when set, produces the first frame. The hub queues it while
	// registering so no transition can fall between it and the stream.
	initial func() Message

	mu sync.Mutex
}

// WriteMessage writes a frame with the connection's write lock held.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Hub fans liveness transitions out to subscribers.
type Hub struct {
	logger *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan domain.LivenessTransition
	done       chan struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logging.Component(logger, "liveness-stream"),
		connections: make(map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan domain.LivenessTransition, 256),
		done:        make(chan struct{}),
	}
}

// Run serves register, unregister and broadcast until ctx ends, then closes
// every subscriber's send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, conn := range h.connections {
				delete(h.connections, id)
				close(conn.Send)
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			if conn.initial != nil {
				if err := h.SendJSON(conn, conn.initial()); err != nil {
					h.logger.Warn("failed to queue snapshot", "conn_id", conn.ID, "error", err)
				}
			}
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.logger.Debug("subscriber connected", "conn_id", conn.ID, "agent_id", conn.AgentID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				close(conn.Send)
			}
			h.mu.Unlock()
			h.logger.Debug("subscriber disconnected", "conn_id", conn.ID)

		case t := <-h.broadcast:
			data, err := json.Marshal(Message{Type: TypeTransition, Ts: t.At.UnixMilli(), Transition: &t})
			if err != nil {
				h.logger.Error("failed to encode transition", "error", err)
				continue
			}
			h.mu.RLock()
			for _, conn := range h.connections {
				if conn.AgentID != "" && conn.AgentID != t.AgentID {
					continue
				}
				select {
				case conn.Send <- data:
				default:
					h.logger.Warn("subscriber too slow, dropping", "conn_id", conn.ID)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues a transition for broadcast. It never blocks the caller;
// when the queue is full the transition is dropped.
func (h *Hub) Publish(t domain.LivenessTransition) {
	select {
	case h.broadcast <- t:
	default:
		h.logger.Warn("liveness stream backlog full, dropping transition", "agent_id", t.AgentID)
	}
}

// NewConnection wraps an upgraded socket.
func (h *Hub) NewConnection(ws *websocket.Conn, agentID string) *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Conn:    ws,
		Send:    make(chan []byte, sendBuffer),
	}
}

// Register adds a subscriber. It returns false once the hub has stopped.
func (h *Hub) Register(conn *Connection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// SendJSON queues a message for a single connection.
func (h *Hub) SendJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectionCount returns the number of active subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
