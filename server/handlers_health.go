package server

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/onnwee/chatmux/connector"
)

// handleHealthz answers liveness probes.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the supervisor has started. Sessions that
// are still connecting do not make the process unready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.control == nil || !s.control.Started() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": "supervisor",
			"error":        "supervisor not started",
		})
		return
	}
	sessions := s.control.Sessions()
	subscribed := 0
	for _, info := range sessions {
		if info.State == connector.Subscribed.String() {
			subscribed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"sessions":   len(sessions),
		"subscribed": subscribed,
	})
}

type statusResponse struct {
	Sessions []connector.Info `json:"sessions"`
	Routes   []string         `json:"routes"`
}

// handleStatus lists every session with its state and last event time.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Sessions: []connector.Info{}, Routes: s.mountedRoutes()}
	if s.control != nil {
		resp.Sessions = s.control.Sessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) mountedRoutes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.routes))
	for p := range s.routes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
