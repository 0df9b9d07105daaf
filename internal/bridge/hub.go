// Package bridge fans messages out to connected display surfaces and turns
// that fire-and-forget channel into request/response calls with timeouts.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// HandlerFunc receives the raw JSON of an inbound message whose type matched
// the registration.
type HandlerFunc func(raw json.RawMessage)

// Hub tracks every connected display surface and broadcasts tagged JSON
// messages to all of them. Inbound messages from any surface are dispatched
// to the handler registered for their type; unknown types are dropped.
type Hub struct {
	mu       sync.Mutex
	conns    map[*websocket.Conn]bool
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		conns:    make(map[*websocket.Conn]bool),
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default(),
	}
}

// Handle registers fn for inbound messages of the given type. Registration
// happens once at wiring time, before any connection is served.
func (h *Hub) Handle(msgType string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = fn
}

// SurfaceCount returns the number of connected display surfaces.
func (h *Hub) SurfaceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast JSON-encodes v once and writes it to every connected surface.
// Write failures drop the failing connection but never fail the broadcast.
func (h *Hub) Broadcast(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("dropping display surface after write error", "error", err)
			c.Close()
			delete(h.conns, c)
		}
	}
	return nil
}

// Serve registers conn and reads messages from it until the connection
// closes, dispatching each to its type handler. It blocks; callers run it
// from the connection's handler goroutine.
func (h *Hub) Serve(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(data)
	}
}

func (h *Hub) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
		h.logger.Debug("ignoring malformed surface message", "error", err)
		return
	}

	h.mu.Lock()
	fn := h.handlers[envelope.Type]
	h.mu.Unlock()
	if fn == nil {
		h.logger.Debug("no handler for surface message", "type", envelope.Type)
		return
	}
	fn(data)
}
