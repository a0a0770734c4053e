package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

// WSServer runs Script once per accepted WebSocket connection.
type WSServer struct {
	*httptest.Server

	// URL is the ws:// address of the server.
	URL   string
	conns atomic.Int32
}

// Script drives one server-side connection. n counts connections from 1.
type Script func(t *testing.T, conn *websocket.Conn, n int)

// NewWSServer starts a WebSocket server closed at test cleanup. Subprotocols
// lists what the upgrader accepts.
func NewWSServer(t *testing.T, script Script, subprotocols ...string) *WSServer {
	t.Helper()
	s := &WSServer{}
	up := websocket.Upgrader{
		Subprotocols: subprotocols,
		CheckOrigin:  func(*http.Request) bool { return true },
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(t, conn, int(s.conns.Add(1)))
	}))
	s.URL = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// Connections returns how many clients connected so far.
func (s *WSServer) Connections() int { return int(s.conns.Load()) }

// ReadText reads the next text frame, returning "" once the peer is gone.
func ReadText(conn *websocket.Conn) string {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteText writes one text frame, ignoring errors from a departed peer.
func WriteText(conn *websocket.Conn, s string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// Drain reads until the peer closes the connection.
func Drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
