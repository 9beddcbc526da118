package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nstogner/sandbox/pkg/protocol"
	"github.com/nstogner/sandbox/pkg/registry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn adapts a websocket to registry.Conn. Frames are queued and written by
// a single goroutine, since gorilla connections allow only one writer.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

var _ registry.Conn = (*wsConn)(nil)

func newWSConn(id string, ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		// A reader this far behind has missed state; drop it so it rehydrates.
		c.Close()
		return errSendFull
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// writePump drains the send queue and keeps the connection alive with pings.
// It owns closing the underlying websocket.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("WebSocket write error", "connID", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (s *Server) handleMissingSession(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Missing session ID", http.StatusBadRequest)
}

func (s *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}
	connID := r.URL.Query().Get("client")
	if connID == "" {
		connID = uuid.New().String()
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}

	// The hydration is queued by Attach and flushed once the pump starts.
	conn := newWSConn(connID, ws, s.sendBuffer)
	tok, err := s.router.Attach(s.ctx, sessionID, conn)
	if err != nil {
		slog.Error("Failed to attach connection", "sessionID", sessionID, "connID", connID, "error", err)
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(protocol.ErrorMessage{Message: "session unavailable"}))
		ws.Close()
		return
	}
	go conn.writePump()
	defer s.router.Detach(sessionID, connID, tok)
	defer conn.Close()

	// Closing on server shutdown unblocks the reader below.
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-conn.done:
		}
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// Handling may run a long step, so the deadline restarts per frame.
		ws.SetReadDeadline(time.Now().Add(pongWait))
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "sessionID", sessionID, "connID", connID, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			conn.Send(protocol.MustEncode(protocol.ErrorMessage{Message: "binary messages not supported"}))
			continue
		}
		s.router.Handle(s.ctx, sessionID, connID, data)
	}
}
