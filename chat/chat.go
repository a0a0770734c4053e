package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform names a supported chat service.
type Platform string

const (
	Twitch  Platform = "twitch"
	YouTube Platform = "youtube"
	Trovo   Platform = "trovo"
	Kick    Platform = "kick"
	DLive   Platform = "dlive"
)

// AllPlatforms lists every supported platform in a stable order.
func AllPlatforms() []Platform {
	return []Platform{Twitch, YouTube, Trovo, Kick, DLive}
}

// ParsePlatform maps a case-insensitive name onto a Platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllPlatforms() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// EventKind classifies an inbound event.
type EventKind string

const (
	KindChat         EventKind = "chat"
	KindSubscription EventKind = "subscription"
	KindGift         EventKind = "gift"
	KindRaid         EventKind = "raid"
	KindCheer        EventKind = "cheer"
	KindFollow       EventKind = "follow"
	KindRedemption   EventKind = "redemption"
	KindHighlight    EventKind = "highlight"
	KindAnnouncement EventKind = "announcement"
	KindSpell        EventKind = "spell"
	KindMagicChat    EventKind = "magic_chat"
)

// Identity selects which authenticated account a credential or sender belongs to.
type Identity string

const (
	Streamer Identity = "streamer"
	Bot      Identity = "bot"
)

// Role is the direction of a connector session.
type Role string

const (
	Reader Role = "reader"
	Sender Role = "sender"
)

// Message is the canonical inbound chat event.
type Message struct {
	Platform  Platform          `json:"platform"`
	ID        string            `json:"message_id"`
	Username  string            `json:"username"`
	UserID    string            `json:"user_id,omitempty"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Color     string            `json:"color,omitempty"`
	Badges    []string          `json:"badges,omitempty"`
	Emotes    string            `json:"emotes,omitempty"`
	Kind      EventKind         `json:"event_kind"`
	Data      map[string]any    `json:"event_data,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Local marks a message synthesized for a send on this process.
	Local bool `json:"local,omitempty"`
}

// ErrEmptyChat is returned by Validate for a chat message without text.
var ErrEmptyChat = errors.New("chat message has empty text")

// Normalize fills defaults in place: chat kind, arrival timestamp and a badge
// list without empty entries.
func (m *Message) Normalize(arrival time.Time) {
	if m.Kind == "" {
		m.Kind = KindChat
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = arrival
	}
	if len(m.Badges) > 0 {
		kept := m.Badges[:0]
		for _, b := range m.Badges {
			if b = strings.TrimSpace(b); b != "" {
				kept = append(kept, b)
			}
		}
		m.Badges = kept
	}
}

// Validate reports whether the message may be dispatched. Event-only
// notifications may carry empty text; plain chat may not.
func (m *Message) Validate() error {
	if m.Platform == "" {
		return errors.New("message has no platform")
	}
	if m.Kind == KindChat && strings.TrimSpace(m.Text) == "" {
		return ErrEmptyChat
	}
	return nil
}

// SetData stores a kind-specific attribute, allocating the map on first use.
func (m *Message) SetData(key string, v any) {
	if m.Data == nil {
		m.Data = make(map[string]any)
	}
	m.Data[key] = v
}

// Deletion announces that a previously delivered message was removed upstream.
type Deletion struct {
	Platform  Platform `json:"platform"`
	MessageID string   `json:"message_id"`
}

// Status is a connector state change as seen by subscribers.
type Status struct {
	Platform  Platform  `json:"platform"`
	Role      Role      `json:"role"`
	Identity  Identity  `json:"identity"`
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	Username  string    `json:"username,omitempty"`
	Kind      string    `json:"error_kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}
