package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/telemetry"
)

// Config describes one session.
type Config struct {
	Platform chat.Platform
	Role     chat.Role
	Identity chat.Identity
	Channel  string
	Username string
	Policy   Policy

	// Forward lets a sender session deliver the chat it reads to the sink.
	// Without it a sender's inbound messages are dropped.
	Forward bool

	// Reauth refreshes credentials after an attempt failed with AuthInvalid.
	// A nil return lets the next attempt start immediately.
	Reauth func(ctx context.Context) error

	// SeenCapacity bounds the intra-session message id set (default 2048).
	SeenCapacity int
}

// Info is a point-in-time view of a session for status endpoints.
type Info struct {
	Platform    chat.Platform `json:"platform"`
	Role        chat.Role     `json:"role"`
	Identity    chat.Identity `json:"identity"`
	Channel     string        `json:"channel"`
	Username    string        `json:"username,omitempty"`
	State       string        `json:"state"`
	LastEventAt time.Time     `json:"last_event_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

var errSilence = errors.New("silence threshold exceeded")

// Session drives a Driver through the connector state machine.
type Session struct {
	cfg    Config
	driver Driver
	sink   Sink
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	lastEvent time.Time
	lastErr   error
	seen      *seenSet
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSession builds an Idle session. sink may be nil in tests.
func NewSession(cfg Config, d Driver, sink Sink) *Session {
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.Role == "" {
		cfg.Role = chat.Reader
	}
	if cfg.Identity == "" {
		cfg.Identity = chat.Streamer
	}
	return &Session{
		cfg:    cfg,
		driver: d,
		sink:   sink,
		seen:   newSeenSet(cfg.SeenCapacity),
		log: slog.With(
			slog.String("component", "connector"),
			slog.String("platform", string(cfg.Platform)),
			slog.String("role", string(cfg.Role)),
			slog.String("identity", string(cfg.Identity)),
		),
	}
}

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// Driver returns the underlying driver.
func (s *Session) Driver() Driver { return s.driver }

// Open starts the lifecycle in the background. It is a no-op while running.
func (s *Session) Open(ctx context.Context) {
	s.mu.Lock()
	if s.running() {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(runCtx, done)
}

// running must be called with mu held.
func (s *Session) running() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Close cancels the worker. Use Wait to observe termination.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the worker exits or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session is Subscribed.
func (s *Session) Ready() bool { return s.State() == Subscribed }

// LastError returns the error behind the latest non-success transition.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Platform:    s.cfg.Platform,
		Role:        s.cfg.Role,
		Identity:    s.cfg.Identity,
		Channel:     s.cfg.Channel,
		Username:    s.cfg.Username,
		State:       s.state.String(),
		LastEventAt: s.lastEvent,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// RotateToken forwards a refreshed access token to the driver when it accepts one.
func (s *Session) RotateToken(token string) {
	if tr, ok := s.driver.(TokenReceiver); ok {
		tr.SetToken(token)
	}
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	p := s.cfg.Policy
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	attempts := 0
	reauthed := false
	for {
		if ctx.Err() != nil {
			s.setState(Stopped, nil)
			return
		}
		s.setState(Connecting, nil)
		subscribed, err := s.attempt(ctx)
		if ctx.Err() != nil {
			s.setState(Stopped, nil)
			return
		}
		if subscribed {
			bo.Reset()
			attempts = 0
			reauthed = false
		}
		if err == nil {
			err = Transport(errors.New("connection closed"))
		}

		kind := Classify(err)
		if kind.Terminal() {
			s.log.Warn("session stopped", slog.String("kind", kind.String()), slog.Any("err", err))
			s.setState(Stopped, classified(err, kind))
			return
		}
		if kind == KindAuthInvalid {
			if s.cfg.Reauth == nil || reauthed {
				s.log.Warn("authentication rejected", slog.Any("err", err))
				s.setState(Stopped, classified(err, kind))
				return
			}
			s.setState(Reconnecting, classified(err, kind))
			rerr := s.cfg.Reauth(ctx)
			switch {
			case rerr == nil:
				reauthed = true
				s.log.Info("credentials refreshed; reconnecting")
				continue
			case ctx.Err() != nil:
				s.setState(Stopped, nil)
				return
			case KindOf(rerr) == KindAuthInvalid:
				s.log.Warn("token refresh rejected", slog.Any("err", rerr))
				s.setState(Stopped, rerr)
				return
			}
			err = rerr
		}

		attempts++
		if attempts >= p.MaxAttempts {
			s.log.Error("giving up after repeated failures", slog.Int("attempts", attempts), slog.Any("err", err))
			s.setState(Stopped, fmt.Errorf("giving up after %d attempts: %w", attempts, err))
			return
		}
		wait := bo.NextBackOff()
		s.setState(Reconnecting, err)
		telemetry.IncReconnect(string(s.cfg.Platform))
		s.log.Info("reconnecting", slog.Int("attempt", attempts), slog.Duration("backoff", wait), slog.Any("err", err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(Stopped, nil)
			return
		case <-timer.C:
		}
	}
}

// attempt runs one Serve call alongside the watchdog.
func (s *Session) attempt(ctx context.Context) (subscribed bool, err error) {
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	link := &Link{s: s, ctx: actx}
	wdDone := make(chan struct{})
	go func() {
		defer close(wdDone)
		s.watchdog(actx, cancel)
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = Transport(fmt.Errorf("driver panic: %v", r))
			}
		}()
		err = s.driver.Serve(actx, link)
	}()
	cancel(nil)
	<-wdDone

	if errors.Is(context.Cause(actx), errSilence) {
		err = Transport(errSilence)
	}
	return link.subscribed.Load(), err
}

func (s *Session) watchdog(ctx context.Context, cancel context.CancelCauseFunc) {
	p := s.cfg.Policy
	if p.SilenceThreshold <= 0 {
		return
	}
	t := time.NewTicker(p.WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		st, idle := s.state, time.Since(s.lastEvent)
		s.mu.Unlock()
		if st != Subscribed || idle <= p.SilenceThreshold {
			continue
		}
		s.log.Warn("no events within silence threshold; forcing reconnect", slog.Duration("idle", idle))
		s.setState(Degraded, nil)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.FlushGrace):
		}
		cancel(errSilence)
		return
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastEvent = time.Now()
	s.mu.Unlock()
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	if s.state == st && err == nil {
		s.mu.Unlock()
		return
	}
	s.state = st
	switch {
	case err != nil:
		s.lastErr = err
	case st == Subscribed:
		s.lastErr = nil
	}
	status := chat.Status{
		Platform:  s.cfg.Platform,
		Role:      s.cfg.Role,
		Identity:  s.cfg.Identity,
		State:     st.String(),
		Connected: st == Subscribed,
		Username:  s.cfg.Username,
		At:        time.Now(),
	}
	s.mu.Unlock()

	if err != nil {
		status.Kind = Classify(err).String()
		status.Reason = ReasonOf(err)
		if status.Reason == "" {
			status.Reason = err.Error()
		}
	}
	telemetry.SetConnectorState(string(s.cfg.Platform), string(s.cfg.Role), int(st))
	if s.sink != nil {
		s.sink.Status(status)
	}
}

func classified(err error, k Kind) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return newErr(k, "", err)
}

// Link is a driver's handle on its session for one connection attempt.
type Link struct {
	s          *Session
	ctx        context.Context
	subscribed atomic.Bool
}

// Context is cancelled when the attempt ends.
func (l *Link) Context() context.Context { return l.ctx }

// Logger returns the session logger.
func (l *Link) Logger() *slog.Logger { return l.s.log }

// Channel returns the channel the session is attached to.
func (l *Link) Channel() string { return l.s.cfg.Channel }

// Username returns the identity's username.
func (l *Link) Username() string { return l.s.cfg.Username }

// Authenticating records that the transport is up and credentials were sent.
func (l *Link) Authenticating() { l.s.setState(Authenticating, nil) }

// Subscribed records a successful subscribe; it resets the backoff once the attempt ends.
func (l *Link) Subscribed() {
	l.subscribed.Store(true)
	l.s.touch()
	l.s.setState(Subscribed, nil)
}

// Touch refreshes the watchdog's last-event timestamp.
func (l *Link) Touch() { l.s.touch() }

// Reauth asks for a credential refresh mid-attempt.
func (l *Link) Reauth(ctx context.Context) error {
	if l.s.cfg.Reauth == nil {
		return AuthInvalid("no refresher", nil)
	}
	return l.s.cfg.Reauth(ctx)
}

// Emit delivers a parsed message. Messages whose id was already emitted by
// this session are dropped, as are messages after the attempt ended.
// It reports whether the message was delivered.
func (l *Link) Emit(msg chat.Message) bool {
	l.s.touch()
	if l.ctx.Err() != nil {
		return false
	}
	if msg.Platform == "" {
		msg.Platform = l.s.cfg.Platform
	}
	if msg.ID != "" {
		l.s.mu.Lock()
		fresh := l.s.seen.Add(msg.ID)
		l.s.mu.Unlock()
		if !fresh {
			return false
		}
	}
	if l.s.cfg.Role == chat.Sender && !l.s.cfg.Forward {
		return false
	}
	if l.s.sink != nil {
		l.s.sink.Message(msg)
	}
	return true
}

// Delete forwards an upstream deletion.
func (l *Link) Delete(messageID string) {
	l.s.touch()
	if messageID == "" || l.s.sink == nil {
		return
	}
	if l.s.cfg.Role == chat.Sender && !l.s.cfg.Forward {
		return
	}
	l.s.sink.Deletion(chat.Deletion{Platform: l.s.cfg.Platform, MessageID: messageID})
}
