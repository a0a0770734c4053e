package dispatch

import (
	"slices"
	"strings"
	"time"

	"github.com/onnwee/chatmux/chat"
)

// Reason explains why a message was suppressed. ReasonCancelled is not a
// verdict: the caller gave up or the dispatcher stopped first.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonDuplicateID        Reason = "duplicate_id"
	ReasonLocalEcho          Reason = "local_echo"
	ReasonDuplicateCanonical Reason = "duplicate_canonical"
	ReasonInvalid            Reason = "invalid"
	ReasonCancelled          Reason = "cancelled"
)

// Dedup windows.
const (
	IDWindow        = 2 * time.Second
	EchoWindow      = 5 * time.Second
	CanonicalWindow = 2 * time.Second
)

// Default table bounds.
const (
	DefaultIDCapacity        = 10000
	DefaultCanonicalCapacity = 10000
	DefaultEchoCapacity      = 512
)

// boundedMap is a key → instant map that prunes its oldest tenth when full.
type boundedMap struct {
	cap     int
	entries map[string]time.Time
}

func newBoundedMap(capacity int) *boundedMap {
	return &boundedMap{cap: capacity, entries: make(map[string]time.Time)}
}

func (m *boundedMap) get(k string) (time.Time, bool) {
	t, ok := m.entries[k]
	return t, ok
}

func (m *boundedMap) put(k string, t time.Time) {
	if _, exists := m.entries[k]; !exists && len(m.entries) >= m.cap {
		m.prune()
	}
	m.entries[k] = t
}

func (m *boundedMap) remove(k string) { delete(m.entries, k) }

func (m *boundedMap) len() int { return len(m.entries) }

// prune drops the oldest ~10% of entries (at least one).
func (m *boundedMap) prune() {
	n := m.cap / 10
	if n < 1 {
		n = 1
	}
	type kv struct {
		k string
		t time.Time
	}
	all := make([]kv, 0, len(m.entries))
	for k, t := range m.entries {
		all = append(all, kv{k, t})
	}
	slices.SortFunc(all, func(a, b kv) int { return a.t.Compare(b.t) })
	for i := 0; i < n && i < len(all); i++ {
		delete(m.entries, all[i].k)
	}
}

// DedupTable holds the three dedup maps. It is not safe for concurrent use;
// the Dispatcher goroutine owns it.
type DedupTable struct {
	ids       *boundedMap
	canonical *boundedMap
	echo      *boundedMap
}

// NewDedupTable builds a table with the given bounds; non-positive values use the defaults.
func NewDedupTable(idCap, canonicalCap, echoCap int) *DedupTable {
	if idCap <= 0 {
		idCap = DefaultIDCapacity
	}
	if canonicalCap <= 0 {
		canonicalCap = DefaultCanonicalCapacity
	}
	if echoCap <= 0 {
		echoCap = DefaultEchoCapacity
	}
	return &DedupTable{
		ids:       newBoundedMap(idCap),
		canonical: newBoundedMap(canonicalCap),
		echo:      newBoundedMap(echoCap),
	}
}

// Check runs the dedup pipeline for msg arriving at now and records the
// entries it creates. It returns ReasonNone when the message is accepted.
func (t *DedupTable) Check(msg *chat.Message, now time.Time) Reason {
	p := string(msg.Platform)

	if msg.ID != "" {
		k := p + "\x00" + msg.ID
		if at, ok := t.ids.get(k); ok && now.Sub(at) < IDWindow {
			return ReasonDuplicateID
		}
		t.ids.put(k, now)
	}

	// Event-only notifications have no text to compare.
	if strings.TrimSpace(msg.Text) == "" {
		return ReasonNone
	}

	if !msg.Local {
		k := echoKey(msg.Platform, msg.Text)
		if at, ok := t.echo.get(k); ok {
			if now.Sub(at) < EchoWindow {
				t.echo.remove(k)
				return ReasonLocalEcho
			}
			t.echo.remove(k)
		}
	}

	k := canonicalKey(msg.Platform, msg.Username, msg.Text)
	if at, ok := t.canonical.get(k); ok && now.Sub(at) < CanonicalWindow {
		return ReasonDuplicateCanonical
	}
	t.canonical.put(k, now)
	return ReasonNone
}

// RecordEcho registers a local send so the platform's echo is suppressed.
func (t *DedupTable) RecordEcho(p chat.Platform, text string, now time.Time) {
	t.echo.put(echoKey(p, text), now)
}

// Sizes returns the entry counts of the id, canonical and echo maps.
func (t *DedupTable) Sizes() (ids, canonical, echo int) {
	return t.ids.len(), t.canonical.len(), t.echo.len()
}

func echoKey(p chat.Platform, text string) string {
	return string(p) + "\x00" + normalizeText(text)
}

func canonicalKey(p chat.Platform, username, text string) string {
	return string(p) + "\x00" + normalizeUsername(username) + "\x00" + normalizeText(text)
}

// normalizeUsername keeps only [a-z0-9] after lowercasing.
func normalizeUsername(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeText(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
