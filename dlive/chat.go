package dlive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
)

const streamURL = "wss://graphigostream.prd.dlive.tv"

// Subprotocol is the GraphQL over WebSocket protocol DLive speaks.
const Subprotocol = "graphql-ws"

const chatSubscription = `subscription StreamMessageSubscription($streamer: String!) {
  streamMessageReceived(streamer: $streamer) {
    __typename
    ... on ChatText { id content createdAt subscribing role roomRole ...Sender }
    ... on ChatGift { id gift amount message createdAt ...Sender }
    ... on ChatFollow { id createdAt ...Sender }
    ... on ChatSubscription { id month createdAt ...Sender }
    ... on ChatHost { id viewer createdAt ...Sender }
    ... on ChatDelete { ids }
  }
}
fragment Sender on SenderInfo { sender { username displayname partnerStatus } }`

// Chat reads a streamer's chat over the stream subscription.
type Chat struct {
	URL     string
	API     *API
	Channel string
	WS      connector.WSOptions
	// Streamer is the streamer's username; resolved from Channel when empty.
	Streamer string
	// OnStreamer persists a username resolved through the API.
	OnStreamer func(username string)

	mu sync.Mutex
}

// SetToken rotates the user token sent on connection_init.
func (c *Chat) SetToken(tok string) { c.API.SetToken(tok) }

type wsFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type streamPayload struct {
	Data *struct {
		Messages []json.RawMessage `json:"streamMessageReceived"`
	} `json:"data"`
	Errors []gqlError `json:"errors"`
}

func (c *Chat) streamer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Streamer != "" {
		return c.Streamer, nil
	}
	name, err := c.API.Username(ctx, c.Channel)
	if err != nil {
		return "", err
	}
	c.Streamer = name
	slog.Info("resolved dlive streamer", slog.String("displayname", c.Channel), slog.String("username", name))
	if c.OnStreamer != nil {
		c.OnStreamer(name)
	}
	return name, nil
}

// Serve opens the subscription socket, waits for connection_ack, starts the
// chat subscription and reads data frames until the transport ends.
func (c *Chat) Serve(ctx context.Context, link *connector.Link) error {
	streamer, err := c.streamer(ctx)
	if err != nil {
		return err
	}

	url := c.URL
	if url == "" {
		url = streamURL
	}
	opts := c.WS
	opts.Subprotocols = []string{Subprotocol}
	conn, err := connector.DialWS(ctx, url, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	init := map[string]string{}
	if tok := c.API.Token(); tok != "" {
		init["authorization"] = tok
	}
	if err := conn.WriteJSON(wsFrame{Type: "connection_init", Payload: mustJSON(init)}); err != nil {
		return err
	}
	link.Authenticating()

	subID := uuid.NewString()
	defer func() {
		_ = conn.WriteJSON(wsFrame{ID: subID, Type: "stop"})
		_ = conn.WriteJSON(wsFrame{Type: "connection_terminate"})
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			link.Logger().Warn("dlive frame", slog.Any("err", connector.ParseError(err)))
			continue
		}
		link.Touch()

		switch f.Type {
		case "connection_ack":
			start := wsFrame{ID: subID, Type: "start", Payload: mustJSON(gqlRequest{
				Query:     chatSubscription,
				Variables: map[string]any{"streamer": streamer},
			})}
			if err := conn.WriteJSON(start); err != nil {
				return err
			}
			link.Subscribed()
		case "ka":
		case "connection_error":
			msg := string(f.Payload)
			if authFailure(msg) {
				return connector.AuthInvalid("dlive connection rejected", errors.New(msg))
			}
			return connector.Transport(fmt.Errorf("dlive connection error: %s", msg))
		case "error":
			if f.ID == subID {
				return connector.SubscriptionRejected("dlive refused chat subscription", errors.New(string(f.Payload)))
			}
		case "complete":
			if f.ID == subID {
				return connector.Transport(errors.New("dlive subscription completed"))
			}
		case "data":
			if f.ID != subID {
				continue
			}
			var p streamPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				link.Logger().Warn("dlive data frame", slog.Any("err", connector.ParseError(err)))
				continue
			}
			for _, e := range p.Errors {
				link.Logger().Warn("dlive subscription error", slog.String("message", e.Message))
			}
			if p.Data == nil {
				continue
			}
			for _, raw := range p.Data.Messages {
				handle(link, raw)
			}
		}
	}
}

type sender struct {
	Username      string `json:"username"`
	Displayname   string `json:"displayname"`
	PartnerStatus string `json:"partnerStatus"`
}

type streamEvent struct {
	Typename    string   `json:"__typename"`
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	CreatedAt   string   `json:"createdAt"`
	Subscribing bool     `json:"subscribing"`
	Role        string   `json:"role"`
	RoomRole    string   `json:"roomRole"`
	Gift        string   `json:"gift"`
	Amount      string   `json:"amount"`
	Message     string   `json:"message"`
	Month       string   `json:"month"`
	Viewer      int      `json:"viewer"`
	IDs         []string `json:"ids"`
	Sender      *sender  `json:"sender"`
}

func handle(link *connector.Link, raw json.RawMessage) {
	var ev streamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		link.Logger().Warn("dlive event", slog.Any("err", connector.ParseError(err)))
		return
	}
	if ev.Typename == "ChatDelete" {
		for _, id := range ev.IDs {
			link.Delete(id)
		}
		return
	}
	if msg, ok := toMessage(ev); ok {
		link.Emit(msg)
	}
}

// toMessage maps a stream event onto the canonical message.
func toMessage(ev streamEvent) (chat.Message, bool) {
	msg := chat.Message{
		Platform:  chat.DLive,
		ID:        ev.ID,
		Timestamp: parseCreatedAt(ev.CreatedAt),
	}
	if s := ev.Sender; s != nil {
		msg.Username = s.Displayname
		if msg.Username == "" {
			msg.Username = s.Username
		}
		msg.UserID = s.Username
		if s.PartnerStatus != "" && s.PartnerStatus != "NONE" {
			msg.Badges = append(msg.Badges, "partner")
		}
	}

	switch ev.Typename {
	case "ChatText":
		msg.Kind = chat.KindChat
		msg.Text = ev.Content
		if ev.RoomRole != "" && ev.RoomRole != "Member" {
			msg.Badges = append(msg.Badges, strings.ToLower(ev.RoomRole))
		}
		if ev.Subscribing {
			msg.Badges = append(msg.Badges, "subscriber")
		}
	case "ChatGift":
		msg.Kind = chat.KindGift
		amount, _ := strconv.Atoi(ev.Amount)
		msg.SetData("gift", ev.Gift)
		msg.SetData("amount", amount)
		msg.Text = fmt.Sprintf("%s x%d", ev.Gift, amount)
		if ev.Message != "" {
			msg.SetData("message", ev.Message)
		}
	case "ChatFollow":
		msg.Kind = chat.KindFollow
		msg.Text = msg.Username + " followed"
	case "ChatSubscription":
		msg.Kind = chat.KindSubscription
		months, _ := strconv.Atoi(ev.Month)
		msg.SetData("months", months)
		msg.Text = fmt.Sprintf("%s subscribed for %d month(s)", msg.Username, months)
	case "ChatHost":
		msg.Kind = chat.KindRaid
		msg.SetData("viewers", ev.Viewer)
		msg.Text = fmt.Sprintf("%s is hosting with %d viewers", msg.Username, ev.Viewer)
	default:
		return chat.Message{}, false
	}
	if msg.Kind != chat.KindChat {
		msg.SetData("dlive_type", ev.Typename)
	}
	return msg, true
}

// parseCreatedAt reads DLive's stringified epoch, which is in nanoseconds on
// chat events and milliseconds on some others.
func parseCreatedAt(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	switch {
	case n > 1e17:
		return time.Unix(0, n).UTC()
	case n > 1e14:
		return time.UnixMicro(n).UTC()
	case n > 1e11:
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
