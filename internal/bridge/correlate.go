package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoSurfaces is returned before broadcasting when nothing is connected.
var ErrNoSurfaces = errors.New("no display surface connected")

// ErrTimeout is returned when no surface answers within the deadline.
var ErrTimeout = errors.New("request timed out waiting for a display surface")

// Broadcaster is the slice of Hub the gateway needs.
type Broadcaster interface {
	Broadcast(v any) error
	SurfaceCount() int
}

// Response is an inbound surface message answering a correlation request.
// Any extra fields (image data, dimensions) ride along in the raw payload.
type Response struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

type pending struct {
	ch    chan outcome
	timer *time.Timer
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// Gateway correlates broadcast commands with their responses. Each call gets
// a fresh request id; the first response carrying that id wins, the deadline
// timer loses, and whichever fires second finds the entry already gone.
type Gateway struct {
	hub    Broadcaster
	mu     sync.Mutex
	inbox  map[string]*pending
	logger *slog.Logger
}

func NewGateway(hub Broadcaster) *Gateway {
	return &Gateway{
		hub:    hub,
		inbox:  make(map[string]*pending),
		logger: slog.Default(),
	}
}

// SendAndWait broadcasts a command carrying payload plus a generated
// request_id and blocks until a surface answers or timeout elapses. With no
// surface connected it fails immediately without broadcasting. Concurrent
// calls are independent; responses match purely by request id.
func (g *Gateway) SendAndWait(command string, payload map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if g.hub.SurfaceCount() == 0 {
		return nil, ErrNoSurfaces
	}

	id := uuid.New().String()
	entry := &pending{ch: make(chan outcome, 1)}

	// Arm the timer under the lock: even a zero timeout then blocks in
	// finish until the entry is registered.
	g.mu.Lock()
	entry.timer = time.AfterFunc(timeout, func() {
		g.finish(id, outcome{err: ErrTimeout})
	})
	g.inbox[id] = entry
	g.mu.Unlock()

	msg := map[string]any{"type": command, "request_id": id}
	for k, v := range payload {
		msg[k] = v
	}
	if err := g.hub.Broadcast(msg); err != nil {
		g.remove(id)
		return nil, fmt.Errorf("broadcasting %s: %w", command, err)
	}

	out := <-entry.ch
	return out.payload, out.err
}

// HandleResponse is the hub handler for surface replies. Responses for
// unknown or already-settled request ids are dropped.
func (g *Gateway) HandleResponse(raw json.RawMessage) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil || resp.RequestID == "" {
		g.logger.Debug("ignoring malformed response", "error", err)
		return
	}

	out := outcome{payload: raw}
	if resp.Error != "" {
		out = outcome{err: fmt.Errorf("display surface reported: %s", resp.Error)}
	}
	g.finish(resp.RequestID, out)
}

// Pending returns how many requests are still awaiting a response.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inbox)
}

// finish settles a request exactly once: the entry is removed under the lock
// before the outcome is delivered, so the timer and a response can race
// safely.
func (g *Gateway) finish(id string, out outcome) {
	entry := g.remove(id)
	if entry == nil {
		g.logger.Debug("late or duplicate response dropped", "request_id", id)
		return
	}
	entry.timer.Stop()
	entry.ch <- out
}

func (g *Gateway) remove(id string) *pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry := g.inbox[id]
	delete(g.inbox, id)
	return entry
}
