// Package livefeed pushes a session's message events to WebSocket clients
// (agent consoles, chat widgets) as the message consumer sees them.
//
// Protocol, server to client:
//
//	{"type": "message",   "data": {...MessageEvent}}
//	{"type": "heartbeat", "connections": n}
//	{"type": "pong"}
//
// Client to server: {"type": "ping"}. Any frame extends the read deadline.
package livefeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dayuer/supportbot/internal/bus"
)

const (
	defaultHeartbeat = 10 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	sendBuffer       = 64
)

// Frame is one server-to-client message.
type Frame struct {
	Type        string            `json:"type"`
	Data        *bus.MessageEvent `json:"data,omitempty"`
	Connections int               `json:"connections,omitempty"`
}

// conn owns one websocket. Frames are written only by its writeLoop;
// gorilla/websocket does not support concurrent writers.
type conn struct {
	*websocket.Conn
	sessionID string
	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(raw *websocket.Conn, sessionID string) *conn {
	return &conn{
		Conn:      raw,
		sessionID: sessionID,
		send:      make(chan Frame, sendBuffer),
		done:      make(chan struct{}),
	}
}

// enqueue hands f to the writer without blocking. It reports false when the
// client is too far behind.
func (c *conn) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.Close()
	})
}

// writeClose may run alongside writeLoop: WriteControl is safe for concurrent use.
func (c *conn) writeClose(code int, text string) error {
	return c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// Hub tracks live connections per session.
type Hub struct {
	log       *slog.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration

	mu    sync.Mutex
	conns map[*conn]struct{}

	delivered atomic.Int64 // frames queued to a client
	lagged    atomic.Int64 // frames skipped for a full client buffer
	dropped   atomic.Int64 // connections closed after a failed write
}

// Option customises a Hub.
type Option func(*Hub)

// WithHeartbeat sets the ping/heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) { h.heartbeat = d }
}

func NewHub(log *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		log:       log,
		heartbeat: defaultHeartbeat,
		conns:     make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeSession upgrades the request and streams sessionID's events to it
// until the client goes away.
func (h *Hub) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "session", sessionID, "err", err)
		return
	}
	c := newConn(raw, sessionID)
	go h.writeLoop(c)

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("Live feed connected", "session", sessionID, "peer", r.RemoteAddr)

	defer func() {
		h.remove(c)
		h.log.Info("Live feed disconnected", "session", sessionID, "peer", r.RemoteAddr)
	}()

	_ = raw.SetReadDeadline(time.Now().Add(readTimeout))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("Live feed read error", "session", sessionID, "err", err)
			}
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(readTimeout))

		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" && !c.enqueue(Frame{Type: "pong"}) {
			h.lagged.Add(1)
		}
	}
}

// Notify queues evt for every connection watching its session. It never
// waits on a client: a connection whose buffer is full misses the frame.
func (h *Hub) Notify(evt bus.MessageEvent) {
	frame := Frame{Type: "message", Data: &evt}
	for _, c := range h.snapshot(evt.SessionID) {
		if c.enqueue(frame) {
			h.delivered.Add(1)
			continue
		}
		h.lagged.Add(1)
		h.log.Debug("Live feed client lagging, frame skipped", "session", evt.SessionID)
	}
}

// writeLoop drains c.send until the connection is shut down or a write fails.
func (h *Hub) writeLoop(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if f.Type == "heartbeat" {
				if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					h.drop(c)
					return
				}
			}
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteJSON(f); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// Run sends heartbeats until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return
		case <-ticker.C:
			h.broadcastHeartbeat()
		}
	}
}

func (h *Hub) broadcastHeartbeat() {
	conns := h.snapshot("")
	payload := Frame{Type: "heartbeat", Connections: len(conns)}
	for _, c := range conns {
		if !c.enqueue(payload) {
			h.lagged.Add(1)
		}
	}
}

// CloseAll closes every connection with a going-away frame.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.writeClose(websocket.CloseGoingAway, "server shutdown")
		c.shutdown()
		delete(h.conns, c)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SessionCount returns the number of connections watching sessionID.
func (h *Hub) SessionCount(sessionID string) int {
	return len(h.snapshot(sessionID))
}

func (h *Hub) Stats() map[string]any {
	return map[string]any{
		"connections": h.Count(),
		"delivered":   h.delivered.Load(),
		"lagged":      h.lagged.Load(),
		"dropped":     h.dropped.Load(),
	}
}

// snapshot returns the connections of sessionID, or all when it is empty.
func (h *Hub) snapshot(sessionID string) []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if sessionID == "" || c.sessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.shutdown()
}

func (h *Hub) drop(c *conn) {
	h.dropped.Add(1)
	h.remove(c)
}
