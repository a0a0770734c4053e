package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Routes is a callback server whose handlers are mounted and removed at
// runtime. Unmounted paths answer 404.
type Routes struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.Handler
}

// NewRoutes starts a Routes server closed at test cleanup.
func NewRoutes(t *testing.T) *Routes {
	t.Helper()
	r := &Routes{handlers: make(map[string]http.Handler)}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		h, ok := r.handlers[req.URL.Path]
		r.mu.Unlock()
		if !ok {
			http.NotFound(w, req)
			return
		}
		h.ServeHTTP(w, req)
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *Routes) Handle(path string, h http.Handler) {
	r.mu.Lock()
	r.handlers[path] = h
	r.mu.Unlock()
}

func (r *Routes) Remove(path string) {
	r.mu.Lock()
	delete(r.handlers, path)
	r.mu.Unlock()
}

// Mounted reports whether path currently has a handler.
func (r *Routes) Mounted(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[path]
	return ok
}
