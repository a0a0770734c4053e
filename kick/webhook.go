package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/supervisor"
	"github.com/onnwee/chatmux/telemetry"
)

// WebhookPath is the route Kick deliveries arrive on.
const WebhookPath = "/kick/webhook"

const maxWebhookBody = 1 << 20

// Webhook event types.
const (
	EventChatSent            = "chat.message.sent"
	EventChatDeleted         = "chat.message.deleted"
	EventFollowed            = "channel.followed"
	EventSubscriptionNew     = "channel.subscription.new"
	EventSubscriptionRenewal = "channel.subscription.renewal"
	EventSubscriptionGifts   = "channel.subscription.gifts"
)

// DefaultEvents are subscribed when Webhook.Events is empty.
var DefaultEvents = []Event{
	{Name: EventChatSent, Version: 1},
	{Name: EventChatDeleted, Version: 1},
	{Name: EventFollowed, Version: 1},
	{Name: EventSubscriptionNew, Version: 1},
	{Name: EventSubscriptionRenewal, Version: 1},
	{Name: EventSubscriptionGifts, Version: 1},
}

type delivery struct {
	typ  string
	id   string
	body []byte
}

// Webhook is the Kick reader. Each attempt mounts the webhook route,
// subscribes to chat events for the channel's broadcaster and then turns
// deliveries into messages until the attempt ends.
type Webhook struct {
	Channel  *Channel
	API      *API
	AppToken AppToken
	Routes   supervisor.Routes
	// PublicURL is the externally reachable base of the callback server.
	PublicURL string
	// BroadcasterID skips discovery when known.
	BroadcasterID string
	// OnBroadcasterID persists a broadcaster id found through discovery.
	OnBroadcasterID func(id string)
	Events          []Event
}

func (w *Webhook) broadcaster(ctx context.Context) (string, error) {
	if w.BroadcasterID != "" {
		return w.BroadcasterID, nil
	}
	info, err := w.Channel.Resolve(ctx)
	if err != nil {
		return "", err
	}
	id := strconv.FormatInt(info.BroadcasterID, 10)
	w.BroadcasterID = id
	slog.Info("resolved kick channel", slog.String("slug", info.Slug), slog.String("broadcaster_id", id), slog.Int64("chatroom_id", info.Chatroom.ID))
	if w.OnBroadcasterID != nil {
		w.OnBroadcasterID(id)
	}
	return id, nil
}

func (w *Webhook) Serve(ctx context.Context, link *connector.Link) error {
	if w.Routes == nil || w.PublicURL == "" {
		return connector.SubscriptionRejected("kick needs a public callback url", nil)
	}
	bid, err := w.broadcaster(ctx)
	if err != nil {
		return err
	}
	appToken, err := w.AppToken.Token(ctx)
	if err != nil {
		return err
	}
	link.Authenticating()

	deliveries := make(chan delivery, 64)
	w.Routes.Handle(WebhookPath, w.handler(ctx, deliveries))
	defer w.Routes.Remove(WebhookPath)

	api := &API{BaseURL: w.API.BaseURL, HTTPClient: w.API.HTTPClient}
	api.SetToken(appToken)
	events := w.Events
	if len(events) == 0 {
		events = DefaultEvents
	}
	callback := strings.TrimSuffix(w.PublicURL, "/") + WebhookPath
	results, err := api.Subscribe(ctx, bid, callback, events)
	if err != nil {
		return err
	}
	var ids []string
	for _, r := range results {
		if r.Error != "" {
			link.Logger().Warn("kick subscription failed", slog.String("event", r.Name), slog.String("error", r.Error))
			if r.Name == EventChatSent {
				return connector.SubscriptionRejected("kick refused "+r.Name, fmt.Errorf("%s", r.Error))
			}
			continue
		}
		ids = append(ids, r.SubscriptionID)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := api.Unsubscribe(cctx, ids); err != nil {
			slog.Debug("kick unsubscribe", slog.Any("err", err))
		}
	}()
	link.Subscribed()
	link.Logger().Info("kick webhook subscribed", slog.String("callback", callback), slog.Int("events", len(ids)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-deliveries:
			w.handle(link, d)
		}
	}
}

func (w *Webhook) handler(ctx context.Context, out chan<- delivery) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(rw, "read body", http.StatusBadRequest)
			return
		}
		typ := r.Header.Get("Kick-Event-Type")
		telemetry.IncWebhook(typ)
		select {
		case out <- delivery{typ: typ, id: r.Header.Get("Kick-Event-Message-Id"), body: body}:
			rw.WriteHeader(http.StatusOK)
		case <-ctx.Done():
			http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		case <-r.Context().Done():
		}
	})
}

type kickUser struct {
	IsAnonymous bool   `json:"is_anonymous"`
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	IsVerified  bool   `json:"is_verified"`
	ChannelSlug string `json:"channel_slug"`
	Identity    *struct {
		UsernameColor string `json:"username_color"`
		Badges        []struct {
			Text  string `json:"text"`
			Type  string `json:"type"`
			Count int    `json:"count"`
		} `json:"badges"`
	} `json:"identity"`
}

type chatSent struct {
	MessageID string   `json:"message_id"`
	Sender    kickUser `json:"sender"`
	Content   string   `json:"content"`
	Emotes    []struct {
		EmoteID   string `json:"emote_id"`
		Positions []struct {
			S int `json:"s"`
			E int `json:"e"`
		} `json:"positions"`
	} `json:"emotes"`
	CreatedAt time.Time `json:"created_at"`
}

type chatDeleted struct {
	ID      string `json:"id"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

type channelEvent struct {
	Follower   *kickUser  `json:"follower"`
	Subscriber *kickUser  `json:"subscriber"`
	Gifter     *kickUser  `json:"gifter"`
	Giftees    []kickUser `json:"giftees"`
	Duration   int        `json:"duration"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (w *Webhook) handle(link *connector.Link, d delivery) {
	switch d.typ {
	case EventChatDeleted:
		var ev chatDeleted
		if err := json.Unmarshal(d.body, &ev); err != nil {
			link.Logger().Warn("kick delete event", slog.Any("err", connector.ParseError(err)))
			return
		}
		link.Delete(ev.Message.ID)
	case EventChatSent, EventFollowed, EventSubscriptionNew, EventSubscriptionRenewal, EventSubscriptionGifts:
		msg, err := toMessage(d)
		if err != nil {
			link.Logger().Warn("kick event", slog.String("type", d.typ), slog.Any("err", connector.ParseError(err)))
			return
		}
		link.Emit(msg)
	default:
		link.Touch()
		link.Logger().Info("kick event ignored", slog.String("type", d.typ))
	}
}

// toMessage maps a chat or channel event delivery onto the canonical message.
func toMessage(d delivery) (chat.Message, error) {
	if d.typ == EventChatSent {
		var ev chatSent
		if err := json.Unmarshal(d.body, &ev); err != nil {
			return chat.Message{}, err
		}
		msg := userMessage(ev.Sender)
		msg.ID = ev.MessageID
		msg.Text = ev.Content
		msg.Timestamp = ev.CreatedAt
		msg.Kind = chat.KindChat
		msg.Emotes = formatEmotes(ev)
		return msg, nil
	}

	var ev channelEvent
	if err := json.Unmarshal(d.body, &ev); err != nil {
		return chat.Message{}, err
	}
	var msg chat.Message
	switch d.typ {
	case EventFollowed:
		msg = userMessage(deref(ev.Follower))
		msg.Kind = chat.KindFollow
		msg.Text = msg.Username + " followed"
	case EventSubscriptionNew, EventSubscriptionRenewal:
		msg = userMessage(deref(ev.Subscriber))
		msg.Kind = chat.KindSubscription
		msg.SetData("duration", ev.Duration)
		msg.SetData("renewal", d.typ == EventSubscriptionRenewal)
		msg.Text = fmt.Sprintf("%s subscribed for %d month(s)", msg.Username, ev.Duration)
	case EventSubscriptionGifts:
		msg = userMessage(deref(ev.Gifter))
		msg.Kind = chat.KindGift
		msg.SetData("total", len(ev.Giftees))
		names := make([]string, 0, len(ev.Giftees))
		for _, g := range ev.Giftees {
			names = append(names, g.Username)
		}
		msg.SetData("giftees", names)
		msg.Text = fmt.Sprintf("%s gifted %d subscription(s)", msg.Username, len(ev.Giftees))
	}
	msg.ID = d.id
	msg.Timestamp = ev.CreatedAt
	msg.SetData("kick_type", d.typ)
	return msg, nil
}

func userMessage(u kickUser) chat.Message {
	msg := chat.Message{Platform: chat.Kick, Username: u.Username}
	if u.IsAnonymous || u.Username == "" {
		msg.Username = "Anonymous"
	}
	if u.UserID != 0 {
		msg.UserID = strconv.FormatInt(u.UserID, 10)
	}
	if u.Identity != nil {
		msg.Color = u.Identity.UsernameColor
		for _, b := range u.Identity.Badges {
			msg.Badges = append(msg.Badges, b.Type)
		}
	}
	if u.IsVerified {
		msg.Badges = append(msg.Badges, "verified")
	}
	return msg
}

func deref(u *kickUser) kickUser {
	if u == nil {
		return kickUser{IsAnonymous: true}
	}
	return *u
}

// formatEmotes renders emote positions as "id:s-e,s-e/id:s-e".
func formatEmotes(ev chatSent) string {
	parts := make([]string, 0, len(ev.Emotes))
	for _, e := range ev.Emotes {
		pos := make([]string, 0, len(e.Positions))
		for _, p := range e.Positions {
			pos = append(pos, fmt.Sprintf("%d-%d", p.S, p.E))
		}
		parts = append(parts, e.EmoteID+":"+strings.Join(pos, ","))
	}
	return strings.Join(parts, "/")
}
