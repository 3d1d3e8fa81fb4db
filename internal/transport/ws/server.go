package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/logging"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxMessageSize      = 4 << 10
)

// Snapshotter returns the current liveness records.
type Snapshotter interface {
	Snapshot() []domain.LivenessRecord
}

// Options tunes connection keepalive. Zero values use the defaults.
type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Server upgrades HTTP requests into liveness stream subscriptions.
type Server struct {
	hub      *Hub
	source   Snapshotter
	upgrader websocket.Upgrader
	opts     Options
	logger   *slog.Logger
}

func NewServer(h *Hub, source Snapshotter, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Server{
		hub:    h,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		opts:   opts,
		logger: logging.Component(opts.Logger, "liveness-stream"),
	}
}

// HandleStream serves GET /v1/liveness/stream. The first frame is a snapshot
// of every tracked agent; transitions follow. ?agent_id= narrows both.
func (s *Server) HandleStream(c echo.Context) error {
	agentID := c.QueryParam("agent_id")

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws, agentID)
	conn.initial = func() Message { return s.snapshot(agentID) }
	if !s.hub.Register(conn) {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return ws.Close()
	}

	ws.SetReadLimit(maxMessageSize)
	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

func (s *Server) snapshot(agentID string) Message {
	records := s.source.Snapshot()
	if agentID != "" {
		filtered := records[:0]
		for _, r := range records {
			if r.AgentID == agentID {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	return Message{Type: TypeSnapshot, Ts: nowMillis(), Records: records}
}

// readPump discards client frames and detects disconnects.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Conn.Close()
	}()

	readTimeout := 2 * s.opts.PingInterval
	_ = conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read failed", "conn_id", conn.ID, "error", err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("websocket write failed", "conn_id", conn.ID, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
