// Package router picks the identity that sends outbound chat for a platform
// and injects local echoes for platforms that do not return self-sent
// messages on the reader.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/dispatch"
	"github.com/onnwee/chatmux/telemetry"
)

// Ingester is the part of the dispatcher the router needs.
type Ingester interface {
	RecordLocalEcho(ctx context.Context, p chat.Platform, text string)
	Ingest(ctx context.Context, msg chat.Message) dispatch.Result
}

// DefaultEchoing lists platforms whose reader receives the process's own sends.
var DefaultEchoing = map[chat.Platform]bool{chat.Twitch: true}

type key struct {
	platform chat.Platform
	identity chat.Identity
}

// Router holds the registered senders.
type Router struct {
	ingest  Ingester
	echoing map[chat.Platform]bool
	now     func() time.Time
	log     *slog.Logger

	mu      sync.RWMutex
	senders map[key]connector.Sender
}

// New builds a Router. echoing may be nil for DefaultEchoing.
func New(ingest Ingester, echoing map[chat.Platform]bool) *Router {
	if echoing == nil {
		echoing = DefaultEchoing
	}
	return &Router{
		ingest:  ingest,
		echoing: echoing,
		now:     time.Now,
		senders: make(map[key]connector.Sender),
		log:     slog.With(slog.String("component", "router")),
	}
}

// Register installs s for (p, id), replacing any previous sender.
func (r *Router) Register(p chat.Platform, id chat.Identity, s connector.Sender) {
	r.mu.Lock()
	r.senders[key{p, id}] = s
	r.mu.Unlock()
}

// Unregister removes the sender for (p, id).
func (r *Router) Unregister(p chat.Platform, id chat.Identity) {
	r.mu.Lock()
	delete(r.senders, key{p, id})
	r.mu.Unlock()
}

// Sender returns the registered sender for (p, id).
func (r *Router) Sender(p chat.Platform, id chat.Identity) (connector.Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[key{p, id}]
	return s, ok
}

// Send publishes text on p as the bot, falling back to the streamer when the
// bot is missing, not ready or fails and allowFallback is set. The returned
// error is a SendFailed carrying the identity of the last attempt.
func (r *Router) Send(ctx context.Context, p chat.Platform, text string, allowFallback bool) error {
	ctx, span := telemetry.StartSpan(ctx, "router", "router.Send", telemetry.PlatformAttr(string(p)))
	defer span.End()

	order := []chat.Identity{chat.Bot}
	if allowFallback {
		order = append(order, chat.Streamer)
	}

	var last error
	for _, id := range order {
		s, ok := r.Sender(p, id)
		if !ok {
			continue
		}
		if !s.Ready() {
			telemetry.IncSend(string(p), string(id), "not_ready")
			last = connector.SendFailed(string(id), connector.ErrNotReady)
			continue
		}
		err := r.sendOne(ctx, p, id, s, text)
		if err == nil {
			span.SetAttributes(telemetry.IdentityAttr(string(id)))
			telemetry.SetSpanSuccess(span)
			return nil
		}
		r.log.Warn("send failed", slog.String("platform", string(p)), slog.String("identity", string(id)), slog.Any("err", err))
		last = connector.SendFailed(string(id), err)
	}

	if last == nil {
		last = connector.SendFailed(string(chat.Bot), errors.New("no sender registered"))
	}
	telemetry.RecordError(span, last)
	return last
}

func (r *Router) sendOne(ctx context.Context, p chat.Platform, id chat.Identity, s connector.Sender, text string) error {
	var err error
	telemetry.TimeFunc(telemetry.ObserverFor(telemetry.SendDuration, string(p)), func() {
		err = s.Send(ctx, text)
	})
	if err != nil {
		telemetry.IncSend(string(p), string(id), "failed")
		return err
	}
	telemetry.IncSend(string(p), string(id), "ok")

	if r.echoing[p] || r.ingest == nil {
		return nil
	}
	r.ingest.RecordLocalEcho(ctx, p, text)
	res := r.ingest.Ingest(ctx, chat.Message{
		Platform:  p,
		Username:  s.Username(),
		Text:      text,
		Timestamp: r.now(),
		Kind:      chat.KindChat,
		Local:     true,
	})
	if !res.Accepted {
		r.log.Debug("local echo suppressed", slog.String("platform", string(p)), slog.String("reason", string(res.Reason)))
	}
	return nil
}
