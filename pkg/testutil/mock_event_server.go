// Package testutil provides test doubles for vendor devices: a websocket
// event server and a JSON HTTP API.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// EventMessage is a frame written by the mock server.
type EventMessage struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// MockEventServer simulates a vendor websocket event stream. With a token it
// runs the auth_required / auth / auth_ok handshake before sending events.
type MockEventServer struct {
	server *httptest.Server
	token  string

	mu           sync.Mutex
	connections  []*connWrapper
	authAttempts int
	connects     int
	rejectDial   int
	connected    chan struct{}
}

// NewMockEventServer starts a server on a random local port.
func NewMockEventServer(token string) *MockEventServer {
	s := &MockEventServer{
		token:     token,
		connected: make(chan struct{}, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the ws:// URL of the event endpoint.
func (s *MockEventServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/events"
}

// Close stops the server and drops every connection.
func (s *MockEventServer) Close() {
	s.DropConnections()
	s.server.Close()
}

// SetToken changes the token accepted on the next handshake.
func (s *MockEventServer) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// RejectNextDials makes the next n upgrade attempts fail with 503.
func (s *MockEventServer) RejectNextDials(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectDial = n
}

// WaitForConnection blocks until a client completes the handshake or the
// timeout expires.
func (s *MockEventServer) WaitForConnection(timeout time.Duration) bool {
	select {
	case <-s.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ConnectionCount returns the number of authenticated connections.
func (s *MockEventServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Connects returns how many handshakes have completed.
func (s *MockEventServer) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// AuthAttempts returns how many auth frames were received.
func (s *MockEventServer) AuthAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authAttempts
}

// Publish sends an event to every connection.
func (s *MockEventServer) Publish(topic string, payload interface{}) {
	raw, _ := json.Marshal(payload)
	s.broadcast(EventMessage{Type: "event", Topic: topic, Payload: raw})
}

// SendRaw writes a raw text frame to every connection.
func (s *MockEventServer) SendRaw(frame string) {
	for _, wrapper := range s.snapshot() {
		wrapper.writeMu.Lock()
		wrapper.conn.WriteMessage(websocket.TextMessage, []byte(frame))
		wrapper.writeMu.Unlock()
	}
}

// DropConnections closes every connection without a close frame.
func (s *MockEventServer) DropConnections() {
	s.mu.Lock()
	wrappers := s.connections
	s.connections = nil
	s.mu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.conn.Close()
	}
}

func (s *MockEventServer) snapshot() []*connWrapper {
	s.mu.Lock()
	defer s.mu.Unlock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	return wrappers
}

func (s *MockEventServer) broadcast(msg EventMessage) {
	for _, wrapper := range s.snapshot() {
		// Write to each connection with per-connection mutex
		wrapper.writeMu.Lock()
		wrapper.conn.WriteJSON(msg)
		wrapper.writeMu.Unlock()
	}
}

// handleWebSocket handles WebSocket connections
func (s *MockEventServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.rejectDial > 0 {
		s.rejectDial--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	token := s.token
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wrapper := &connWrapper{conn: conn}
	defer func() {
		s.mu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		conn.Close()
	}()

	if token != "" {
		conn.WriteJSON(EventMessage{Type: "auth_required"})

		var authMsg AuthMessage
		if err := conn.ReadJSON(&authMsg); err != nil {
			return
		}
		s.mu.Lock()
		s.authAttempts++
		s.mu.Unlock()

		if authMsg.AccessToken != token {
			conn.WriteJSON(EventMessage{Type: "auth_invalid", Message: "invalid access token"})
			return
		}
		conn.WriteJSON(EventMessage{Type: "auth_ok"})
	}

	s.mu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connects++
	s.mu.Unlock()

	select {
	case s.connected <- struct{}{}:
	default:
	}

	// Drain client frames until the connection closes
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
