package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialTestHub starts an httptest server whose handler upgrades and serves
// the hub, then dials it and returns the client connection.
func dialTestHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go h.Serve(conn)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing test hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Serve registers the connection asynchronously.
	deadline := time.Now().Add(time.Second)
	for h.SurfaceCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func TestHubBroadcastReachesAllSurfaces(t *testing.T) {
	h := NewHub()
	c1 := dialTestHub(t, h)
	c2 := dialTestHub(t, h)

	if got := h.SurfaceCount(); got != 2 {
		t.Fatalf("SurfaceCount = %d, want 2", got)
	}

	if err := h.Broadcast(map[string]any{"type": "ping", "n": 7}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	for i, c := range []*websocket.Conn{c1, c2} {
		c.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("surface %d read: %v", i, err)
		}
		var msg struct {
			Type string `json:"type"`
			N    int    `json:"n"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "ping" || msg.N != 7 {
			t.Errorf("surface %d got %s", i, data)
		}
	}
}

func TestHubDispatchesInboundByType(t *testing.T) {
	h := NewHub()
	got := make(chan json.RawMessage, 1)
	h.Handle("result", func(raw json.RawMessage) { got <- raw })

	c := dialTestHub(t, h)
	if err := c.WriteJSON(map[string]any{"type": "result", "request_id": "r1"}); err != nil {
		t.Fatalf("writing: %v", err)
	}

	select {
	case raw := <-got:
		var msg Response
		if err := json.Unmarshal(raw, &msg); err != nil || msg.RequestID != "r1" {
			t.Errorf("handler got %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	// Unknown types and malformed frames are dropped without closing.
	if err := c.WriteMessage(websocket.TextMessage, []byte("{oops")); err != nil {
		t.Fatalf("writing malformed frame: %v", err)
	}
	if err := c.WriteJSON(map[string]any{"type": "mystery"}); err != nil {
		t.Fatalf("writing unknown type: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if h.SurfaceCount() != 1 {
		t.Error("surface dropped over ignorable messages")
	}
}

func TestHubRemovesClosedSurface(t *testing.T) {
	h := NewHub()
	c := dialTestHub(t, h)
	c.Close()

	deadline := time.Now().Add(time.Second)
	for h.SurfaceCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed surface never removed")
		}
		time.Sleep(time.Millisecond)
	}
}
