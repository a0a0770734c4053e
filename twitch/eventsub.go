package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/twitchapi"
)

const eventSubURL = "wss://eventsub.wss.twitch.tv/ws"

// EventSub reads channel events (redemptions, follows, subs, gifts, cheers,
// stream.online) over the EventSub WebSocket transport.
type EventSub struct {
	URL           string
	Channel       string
	BroadcasterID string
	Helix         *twitchapi.HelixClient
	WS            connector.WSOptions
	// OnBroadcasterID persists a broadcaster id resolved through Helix.
	OnBroadcasterID func(id string)

	mu           sync.Mutex
	reconnectURL string
	rewards      map[string]twitchapi.Reward
}

// SetToken rotates the user token used for Helix calls.
func (e *EventSub) SetToken(tok string) { e.Helix.SetToken(tok) }

type esEnvelope struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type"`
	} `json:"metadata"`
	Payload struct {
		Session *struct {
			ID                      string `json:"id"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session"`
		Subscription *struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

type esEvent struct {
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	UserName    string `json:"user_name"`
	UserInput   string `json:"user_input"`
	Message     string `json:"message"`
	Bits        int    `json:"bits"`
	Tier        string `json:"tier"`
	IsGift      bool   `json:"is_gift"`
	IsAnonymous bool   `json:"is_anonymous"`
	Total       int    `json:"total"`
	Type        string `json:"type"`
	StartedAt   string `json:"started_at"`
	Reward      *struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Prompt string `json:"prompt"`
		Cost   int    `json:"cost"`
	} `json:"reward"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}

func (e *EventSub) broadcaster(ctx context.Context) (string, error) {
	e.mu.Lock()
	id := e.BroadcasterID
	e.mu.Unlock()
	if id != "" {
		return id, nil
	}
	id, err := e.Helix.GetUserID(ctx, e.Channel)
	if err != nil {
		return "", fmt.Errorf("resolve broadcaster %q: %w", e.Channel, err)
	}
	e.mu.Lock()
	e.BroadcasterID = id
	e.mu.Unlock()
	if e.OnBroadcasterID != nil {
		e.OnBroadcasterID(id)
	}
	return id, nil
}

func (e *EventSub) subscriptions(sessionID, bid string) []twitchapi.Subscription {
	tr := twitchapi.Transport{Method: "websocket", SessionID: sessionID}
	cond := map[string]string{"broadcaster_user_id": bid}
	return []twitchapi.Subscription{
		{Type: "channel.channel_points_custom_reward_redemption.add", Version: "1", Condition: cond, Transport: tr},
		{Type: "stream.online", Version: "1", Condition: cond, Transport: tr},
		{Type: "channel.follow", Version: "2", Condition: map[string]string{"broadcaster_user_id": bid, "moderator_user_id": bid}, Transport: tr},
		{Type: "channel.subscribe", Version: "1", Condition: cond, Transport: tr},
		{Type: "channel.subscription.gift", Version: "1", Condition: cond, Transport: tr},
		{Type: "channel.cheer", Version: "1", Condition: cond, Transport: tr},
	}
}

// Serve runs one EventSub connection. A session_reconnect hands the next
// attempt the server-provided URL; subscriptions carry over to it.
func (e *EventSub) Serve(ctx context.Context, link *connector.Link) error {
	bid, err := e.broadcaster(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	url, resumed := e.reconnectURL, e.reconnectURL != ""
	e.reconnectURL = ""
	e.mu.Unlock()
	if url == "" {
		url = e.URL
	}
	if url == "" {
		url = eventSubURL
	}

	conn, err := connector.DialWS(ctx, url, e.WS)
	if err != nil {
		return err
	}
	defer conn.Close()
	link.Authenticating()

	keepalive := 10 * time.Second
	for {
		if err := conn.Raw().SetReadDeadline(time.Now().Add(2*keepalive + 5*time.Second)); err != nil {
			return connector.Transport(err)
		}
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var env esEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			link.Logger().Warn("eventsub frame", slog.Any("err", connector.ParseError(err)))
			continue
		}
		link.Touch()

		switch env.Metadata.MessageType {
		case "session_welcome":
			if env.Payload.Session == nil {
				return connector.Transport(errors.New("eventsub welcome without session"))
			}
			if s := env.Payload.Session.KeepaliveTimeoutSeconds; s > 0 {
				keepalive = time.Duration(s) * time.Second
			}
			if !resumed {
				if err := e.subscribe(ctx, link, env.Payload.Session.ID, bid); err != nil {
					return err
				}
			}
			link.Subscribed()
		case "session_keepalive":
		case "notification":
			if msg, ok := e.notification(ctx, link, env); ok {
				link.Emit(msg)
			}
		case "session_reconnect":
			if env.Payload.Session != nil && env.Payload.Session.ReconnectURL != "" {
				e.mu.Lock()
				e.reconnectURL = env.Payload.Session.ReconnectURL
				e.mu.Unlock()
			}
			return connector.Transport(errors.New("eventsub reconnect requested"))
		case "revocation":
			sub := env.Payload.Subscription
			if sub != nil {
				link.Logger().Warn("eventsub subscription revoked", slog.String("type", sub.Type), slog.String("status", sub.Status))
			}
		}
	}
}

// subscribe registers every event type. Types the token lacks scopes for are
// skipped; the attempt fails only when none is accepted.
func (e *EventSub) subscribe(ctx context.Context, link *connector.Link, sessionID, bid string) error {
	accepted := 0
	var lastErr error
	for _, sub := range e.subscriptions(sessionID, bid) {
		err := e.Helix.CreateEventSubSubscription(ctx, sub)
		switch {
		case err == nil:
			accepted++
		case connector.IsKind(err, connector.KindSubscriptionRejected):
			link.Logger().Warn("eventsub subscription rejected", slog.String("type", sub.Type), slog.Any("err", err))
			lastErr = err
		default:
			return err
		}
	}
	if accepted == 0 {
		return connector.SubscriptionRejected("no eventsub subscription accepted", lastErr)
	}
	return nil
}

func (e *EventSub) notification(ctx context.Context, link *connector.Link, env esEnvelope) (chat.Message, bool) {
	var ev esEvent
	if err := json.Unmarshal(env.Payload.Event, &ev); err != nil {
		link.Logger().Warn("eventsub event", slog.Any("err", connector.ParseError(err)))
		return chat.Message{}, false
	}
	typ := env.Metadata.SubscriptionType
	if typ == "" && env.Payload.Subscription != nil {
		typ = env.Payload.Subscription.Type
	}
	msg := chat.Message{
		Platform:  chat.Twitch,
		ID:        env.Metadata.MessageID,
		Username:  ev.UserName,
		UserID:    ev.UserID,
		Timestamp: env.Metadata.MessageTimestamp,
	}
	if msg.Username == "" {
		msg.Username = ev.UserLogin
	}
	if ev.IsAnonymous {
		msg.Username = "anonymous"
	}
	msg.SetData("eventsub_type", typ)

	switch typ {
	case "channel.channel_points_custom_reward_redemption.add":
		msg.Kind = chat.KindRedemption
		msg.Text = ev.UserInput
		if ev.Reward != nil {
			r := twitchapi.Reward{ID: ev.Reward.ID, Title: ev.Reward.Title, Prompt: ev.Reward.Prompt, Cost: ev.Reward.Cost}
			if r.Title == "" && r.ID != "" {
				r = e.reward(ctx, link, r.ID)
			}
			msg.SetData("reward_id", r.ID)
			msg.SetData("reward_title", r.Title)
			msg.SetData("reward_cost", r.Cost)
			if r.Prompt != "" {
				msg.SetData("reward_prompt", r.Prompt)
			}
		}
	case "stream.online":
		msg.Kind = chat.KindAnnouncement
		msg.Username = ev.BroadcasterUserLogin
		msg.SetData("stream_type", ev.Type)
		msg.SetData("started_at", ev.StartedAt)
	case "channel.follow":
		msg.Kind = chat.KindFollow
	case "channel.subscribe":
		msg.Kind = chat.KindSubscription
		msg.SetData("tier", ev.Tier)
		msg.SetData("is_gift", ev.IsGift)
	case "channel.subscription.gift":
		msg.Kind = chat.KindGift
		msg.SetData("tier", ev.Tier)
		msg.SetData("total", ev.Total)
	case "channel.cheer":
		msg.Kind = chat.KindCheer
		msg.Text = ev.Message
		msg.SetData("bits", ev.Bits)
	default:
		link.Logger().Debug("unhandled eventsub type", slog.String("type", typ))
		return chat.Message{}, false
	}
	return msg, true
}

// reward looks a reward up through Helix once and caches it.
func (e *EventSub) reward(ctx context.Context, link *connector.Link, id string) twitchapi.Reward {
	e.mu.Lock()
	r, ok := e.rewards[id]
	bid := e.BroadcasterID
	e.mu.Unlock()
	if ok {
		return r
	}
	r, err := e.Helix.GetCustomReward(ctx, bid, id)
	if err != nil {
		link.Logger().Debug("reward lookup failed", slog.String("reward_id", id), slog.Any("err", err))
		return twitchapi.Reward{ID: id}
	}
	e.mu.Lock()
	if e.rewards == nil {
		e.rewards = make(map[string]twitchapi.Reward)
	}
	e.rewards[id] = r
	e.mu.Unlock()
	return r
}
