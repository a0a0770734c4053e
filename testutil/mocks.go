// Package testutil holds HTTP and WebSocket fakes shared by platform tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockServer routes requests by path to registered handlers. Unknown paths
// answer 404.
type MockServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	calls    map[string]int
}

// NewMockServer creates a new mock API server closed at test cleanup.
func NewMockServer(t *testing.T) *MockServer {
	t.Helper()
	m := &MockServer{
		Handlers: make(map[string]http.HandlerFunc),
		calls:    make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		handler, ok := m.Handlers[key]
		m.calls[key]++
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path, replacing any previous handler.
func (m *MockServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// JSON registers a handler answering status with v encoded as JSON.
func (m *MockServer) JSON(path string, status int, v any) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, v)
	})
}

// Calls returns how many requests hit path.
func (m *MockServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

// Client returns an HTTP client whose requests are all sent to the mock,
// whatever host they name.
func (m *MockServer) Client() *http.Client {
	return &http.Client{Transport: RewriteTransport(m.URL)}
}

// MockUserResponse adds a handler for the Helix /users endpoint.
func (m *MockServer) MockUserResponse(userID, login string) {
	m.JSON("/helix/users", http.StatusOK, map[string]any{
		"data": []map[string]string{
			{"id": userID, "login": login, "display_name": login},
		},
	})
}

// MockOAuthTokenResponse adds a handler for the Twitch OAuth token endpoint.
func (m *MockServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.JSON("/oauth2/token", http.StatusOK, map[string]any{
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"token_type":   "bearer",
	})
}

// WriteJSON encodes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
	}
}

type rewriteTransport struct {
	Transport http.RoundTripper
	host      string
}

// RewriteTransport sends every request to host (an httptest URL) over plain HTTP.
func RewriteTransport(host string) http.RoundTripper {
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimPrefix(host, "https://")
	return &rewriteTransport{Transport: http.DefaultTransport, host: host}
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	req.Host = t.host
	return t.Transport.RoundTrip(req)
}
