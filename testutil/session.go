package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
)

// Sink records everything a session produces.
type Sink struct {
	mu       sync.Mutex
	messages []chat.Message
	deletes  []chat.Deletion
	statuses []chat.Status
}

func (s *Sink) Message(m chat.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

func (s *Sink) Deletion(d chat.Deletion) {
	s.mu.Lock()
	s.deletes = append(s.deletes, d)
	s.mu.Unlock()
}

func (s *Sink) Status(st chat.Status) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

// Messages returns a copy of the recorded messages.
func (s *Sink) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

// Deletes returns a copy of the recorded deletions.
func (s *Sink) Deletes() []chat.Deletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Deletion(nil), s.deletes...)
}

// States returns the recorded state names in order.
func (s *Sink) States() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.statuses))
	for i, st := range s.statuses {
		out[i] = st.State
	}
	return out
}

// FastPolicy reconnects within milliseconds.
func FastPolicy() connector.Policy {
	return connector.Policy{
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       4 * time.Millisecond,
		MaxAttempts:      5,
		WatchdogInterval: time.Second,
		FlushGrace:       time.Millisecond,
	}
}

// WaitFor polls cond for up to 3s and fails the test on timeout.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Subsequence reports whether want appears in got in order.
func Subsequence(got, want []string) bool {
	i := 0
	for _, s := range got {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	return i == len(want)
}

// OpenSession starts a session and closes it at test cleanup.
func OpenSession(t *testing.T, cfg connector.Config, d connector.Driver, sink connector.Sink) *connector.Session {
	t.Helper()
	s := connector.NewSession(cfg, d, sink)
	s.Open(context.Background())
	t.Cleanup(func() {
		s.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Wait(ctx)
	})
	return s
}

// Statuses returns a copy of the recorded status events.
func (s *Sink) Statuses() []chat.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Status(nil), s.statuses...)
}
