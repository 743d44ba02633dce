package trade

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func clientCount(h *WSHub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, h *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if clientCount(h) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d clients, have %d", want, clientCount(h))
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestWSHub_BroadcastReachesClient(t *testing.T) {
	h := NewWSHub()
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	defer conn.Close()
	waitForClients(t, h, 1)

	h.Broadcast(WSMessage{Type: "trade_executed", EventID: "ev1", Side: "buy"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if msg.Type != "trade_executed" || msg.EventID != "ev1" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestWSHub_DeadClientRemoved(t *testing.T) {
	h := NewWSHub()
	go h.Run()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	waitForClients(t, h, 1)
	conn.Close()

	// Keep broadcasting until the failed write (or the read pump) drops
	// the dead connection from the client set.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && clientCount(h) != 0 {
		h.Broadcast(WSMessage{Type: "trade_executed", EventID: "ev1"})
		time.Sleep(10 * time.Millisecond)
	}
	if got := clientCount(h); got != 0 {
		t.Fatalf("expected dead client removed, have %d", got)
	}
}
