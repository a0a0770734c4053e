// Package connector holds the lifecycle shared by every platform session:
// the Idle → Connecting → Authenticating → Subscribed state machine, the
// Degraded/Reconnecting recovery path with exponential backoff, the silence
// watchdog, and the interfaces platform packages implement.
//
// A platform package supplies a Driver. Each call to Driver.Serve is one
// connection attempt: it dials, authenticates, reports progress through the
// Link, emits parsed messages, and returns when the transport ends. The
// Session decides what happens next based on the classified error.
package connector

import (
	"context"
	"time"

	"github.com/onnwee/chatmux/chat"
)

// State is a session lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	Authenticating
	Subscribed
	Degraded
	Reconnecting
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Subscribed:
		return "Subscribed"
	case Degraded:
		return "Degraded"
	case Reconnecting:
		return "Reconnecting"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Policy tunes reconnects and health checks for one platform.
type Policy struct {
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	SilenceThreshold time.Duration // 0 disables the watchdog
	WatchdogInterval time.Duration
	FlushGrace       time.Duration
}

// StreamingPolicy is the default for WebSocket and webhook platforms.
func StreamingPolicy(silence time.Duration) Policy {
	return Policy{
		InitialBackoff:   time.Second,
		MaxBackoff:       60 * time.Second,
		MaxAttempts:      10,
		SilenceThreshold: silence,
		WatchdogInterval: 30 * time.Second,
		FlushGrace:       1500 * time.Millisecond,
	}
}

// PollingPolicy is the default for HTTP-polling platforms.
func PollingPolicy() Policy {
	return Policy{
		InitialBackoff:   time.Second,
		MaxBackoff:       300 * time.Second,
		MaxAttempts:      10,
		WatchdogInterval: 30 * time.Second,
		FlushGrace:       1500 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 60 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 10
	}
	if p.WatchdogInterval <= 0 {
		p.WatchdogInterval = 30 * time.Second
	}
	if p.FlushGrace < 0 {
		p.FlushGrace = 0
	}
	return p
}

// Driver performs connection attempts for a session.
type Driver interface {
	// Serve runs one connection attempt and blocks until the transport ends
	// or ctx is cancelled. It must close its transport when ctx is done.
	Serve(ctx context.Context, link *Link) error
}

// Sink receives everything a session produces. The dispatcher implements it.
type Sink interface {
	Message(chat.Message)
	Deletion(chat.Deletion)
	Status(chat.Status)
}

// Sender publishes outbound chat for one identity.
type Sender interface {
	Platform() chat.Platform
	Username() string
	Ready() bool
	Send(ctx context.Context, text string) error
}

// Moderator performs per-platform moderation. Implementations return an
// error of KindUnsupported for operations the platform lacks.
type Moderator interface {
	Delete(ctx context.Context, messageID string) error
	Ban(ctx context.Context, username, userID string) error
}

// TokenReceiver is implemented by drivers and senders that accept rotated
// access tokens without being rebuilt.
type TokenReceiver interface {
	SetToken(token string)
}
