// Package stream serves a read-only live feed of platform events over
// WebSocket. Clients connect, optionally narrow the feed with a subscribe
// command, and receive each matching event as its canonical JSON envelope.
// Delivery is best effort: slow consumers are skipped, not buffered
// without bound.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sardislabs/sardisd/internal/core/event"
)

const (
	// sendBuffer is the per-connection outbound queue. A full queue marks
	// the consumer as slow and the message is dropped for it.
	sendBuffer = 256

	// maxCommandBytes bounds inbound frames; clients only send small
	// subscribe commands.
	maxCommandBytes = 4 * 1024

	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// command is the inbound client frame.
type command struct {
	Command    string   `json:"command"`
	EventTypes []string `json:"event_types,omitempty"`
}

// response acknowledges a client command. Event frames carry the event
// envelope itself, whose type field is never "response".
type response struct {
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	Message    string   `json:"message,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

type connection struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	filter map[event.Type]struct{} // empty means all events
}

// wants reports whether the connection's filter admits t.
func (c *connection) wants(t event.Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.filter) == 0 {
		return true
	}
	_, ok := c.filter[t]
	return ok
}

func (c *connection) subscribe(types []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		c.filter[event.Type(t)] = struct{}{}
	}
	return c.filterList()
}

func (c *connection) unsubscribe(types []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(types) == 0 {
		c.filter = make(map[event.Type]struct{})
		return nil
	}
	for _, t := range types {
		delete(c.filter, event.Type(t))
	}
	return c.filterList()
}

func (c *connection) filterList() []string {
	out := make([]string, 0, len(c.filter))
	for t := range c.filter {
		out = append(out, string(t))
	}
	return out
}

// Server is the WebSocket feed endpoint. It implements http.Handler for
// mounting and event delivery via Broadcast or Sink.
type Server struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewServer creates a stream server. A nil logger disables logging.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		upgrader: websocket.Upgrader{
			// The feed is read-only and carries no credentials, so any
			// origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[string]*connection),
	}
}

// ServeHTTP upgrades the request and runs the connection pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:     "conn_" + uuid.NewString(),
		conn:   ws,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		filter: make(map[event.Type]struct{}),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	s.logger.Debug("stream client connected",
		zap.String("conn_id", c.id),
		zap.String("remote", ws.RemoteAddr().String()))

	go s.writePump(c)
	go s.readPump(c)
}

// readPump consumes client commands until the connection drops.
func (s *Server) readPump(c *connection) {
	defer s.closeConnection(c)

	c.conn.SetReadLimit(maxCommandBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("stream read failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		s.handleCommand(c, message)
	}
}

// writePump drains the send queue and keeps the connection alive.
func (s *Server) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.closeConnection(c)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("stream send failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCommand(c *connection, message []byte) {
	var cmd command
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.reply(c, response{Type: "response", Status: "error", Message: "invalid JSON"})
		return
	}

	switch cmd.Command {
	case "subscribe":
		filter := c.subscribe(cmd.EventTypes)
		s.reply(c, response{Type: "response", Status: "success", EventTypes: filter})
	case "unsubscribe":
		filter := c.unsubscribe(cmd.EventTypes)
		s.reply(c, response{Type: "response", Status: "success", EventTypes: filter})
	default:
		s.reply(c, response{Type: "response", Status: "error", Message: "unknown command: " + cmd.Command})
	}
}

func (s *Server) reply(c *connection, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		s.closeConnection(c)
	}
}

func (s *Server) closeConnection(c *connection) {
	c.cancel()

	s.mu.Lock()
	_, present := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()

	c.conn.Close()
	if present {
		s.logger.Debug("stream client disconnected", zap.String("conn_id", c.id))
	}
}

// Broadcast fans the event out to every connection whose filter admits it.
// The envelope is marshaled once; slow consumers are skipped.
func (s *Server) Broadcast(evt *event.Event) {
	if evt == nil {
		return
	}
	data, err := evt.Marshal()
	if err != nil {
		s.logger.Error("event marshal failed", zap.String("event_id", evt.ID), zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		if !c.wants(evt.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			s.logger.Debug("skipping slow stream client", zap.String("conn_id", c.id))
		}
	}
}

// Sink adapts the server to the event bus.
func (s *Server) Sink() event.Sink {
	return func(evt *event.Event) { s.Broadcast(evt) }
}

// ConnectionCount reports how many clients are connected.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Close disconnects every client. The server can keep accepting new
// connections afterwards; stop the HTTP listener to shut down fully.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.closeConnection(c)
	}
}
