package trovo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
)

const chatURL = "wss://open-chat.trovo.live/chat"

// defaultGap is the PING interval until the server suggests one.
const defaultGap = 30 * time.Second

// Chat reads a channel's chat over the Trovo chat socket.
type Chat struct {
	URL     string
	API     *API
	Channel string
	WS      connector.WSOptions
	// Gap is the initial PING interval (default 30s); PONG frames adjust it.
	Gap time.Duration
	// StreamerUserID is the streamer's user id; resolved from chat when empty.
	StreamerUserID string
	// OnStreamerUserID persists a user id resolved from chat.
	OnStreamerUserID func(id string)

	mu     sync.Mutex
	primed bool
}

// SetToken rotates the OAuth token used to fetch chat tokens.
func (c *Chat) SetToken(tok string) { c.API.SetToken(tok) }

type frame struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type chatData struct {
	EID   string       `json:"eid"`
	Chats []chatRecord `json:"chats"`
}

type chatRecord struct {
	Type        int             `json:"type"`
	Content     string          `json:"content"`
	NickName    string          `json:"nick_name"`
	UserName    string          `json:"user_name"`
	MessageID   string          `json:"message_id"`
	SenderID    json.Number     `json:"sender_id"`
	UID         json.Number     `json:"uid"`
	SendTime    int64           `json:"send_time"`
	Roles       []string        `json:"roles"`
	Medals      []string        `json:"medals"`
	SubLevel    string          `json:"sub_lv"`
	SubTier     string          `json:"sub_tier"`
	ContentData json.RawMessage `json:"content_data"`
}

// Serve fetches a chat token, authenticates the socket and reads CHAT frames.
// A 401 on the token fetch surfaces as AuthInvalid so the session refreshes
// the access token once and retries.
func (c *Chat) Serve(ctx context.Context, link *connector.Link) error {
	token, err := c.API.ChatToken(ctx)
	if err != nil {
		return err
	}

	url := c.URL
	if url == "" {
		url = chatURL
	}
	conn, err := connector.DialWS(ctx, url, c.WS)
	if err != nil {
		return err
	}
	defer conn.Close()

	authNonce := uuid.NewString()
	if err := conn.WriteJSON(frame{Type: "AUTH", Nonce: authNonce, Data: mustJSON(map[string]string{"token": token})}); err != nil {
		return err
	}
	link.Authenticating()

	c.mu.Lock()
	skipHistory := !c.primed
	c.primed = true
	c.mu.Unlock()
	connected := time.Now()

	var gap atomic.Int64
	gap.Store(int64(defaultGap))
	if c.Gap > 0 {
		gap.Store(int64(c.Gap))
	}
	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(ctx, conn, &gap, pingDone)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			link.Logger().Warn("trovo frame", slog.Any("err", connector.ParseError(err)))
			continue
		}
		link.Touch()

		switch f.Type {
		case "RESPONSE":
			if f.Nonce != authNonce {
				continue
			}
			if f.Error != "" {
				return connector.AuthInvalid("trovo chat auth failed", errors.New(f.Error))
			}
			link.Subscribed()
		case "PONG":
			var p struct {
				Gap int `json:"gap"`
			}
			if err := json.Unmarshal(f.Data, &p); err == nil && p.Gap > 0 {
				gap.Store(int64(time.Duration(p.Gap) * time.Second))
			}
		case "CHAT":
			var cd chatData
			if err := json.Unmarshal(f.Data, &cd); err != nil {
				link.Logger().Warn("trovo chat frame", slog.Any("err", connector.ParseError(err)))
				continue
			}
			for _, rec := range cd.Chats {
				if skipHistory && rec.SendTime > 0 && time.Unix(rec.SendTime, 0).Before(connected.Add(-2*time.Second)) {
					continue
				}
				c.resolveStreamer(rec)
				if msg, ok := toMessage(rec); ok {
					link.Emit(msg)
				}
			}
		}
	}
}

func (c *Chat) pingLoop(ctx context.Context, conn *connector.WSConn, gap *atomic.Int64, done <-chan struct{}) {
	for {
		timer := time.NewTimer(time.Duration(gap.Load()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := conn.WriteJSON(frame{Type: "PING", Nonce: uuid.NewString()}); err != nil {
			return
		}
	}
}

// resolveStreamer records the streamer's user id from the first message the
// streamer sends in their own channel.
func (c *Chat) resolveStreamer(rec chatRecord) {
	c.mu.Lock()
	known := c.StreamerUserID != ""
	c.mu.Unlock()
	if known || c.Channel == "" || !strings.EqualFold(rec.UserName, c.Channel) {
		return
	}
	id := rec.SenderID.String()
	if id == "" {
		id = rec.UID.String()
	}
	if id == "" {
		return
	}
	c.mu.Lock()
	c.StreamerUserID = id
	c.mu.Unlock()
	slog.Info("resolved trovo streamer user id", slog.String("channel", c.Channel), slog.String("user_id", id))
	if c.OnStreamerUserID != nil {
		c.OnStreamerUserID(id)
	}
}

// Chat record types, from the Trovo chat message type table.
const (
	typeNormal       = 0
	typeSpell        = 5
	typeMagicFirst   = 6
	typeMagicLast    = 9
	typeSubscription = 5001
	typeSystem       = 5002
	typeFollow       = 5003
	typeWelcome      = 5004
	typeGiftRandom   = 5005
	typeGiftSub      = 5006
	typeActivity     = 5007
	typeRaid         = 5008
	typeCustomSpell  = 5009
	typeStreamState  = 5012
	typeUnfollow     = 5013
)

// toMessage maps one chat record onto the canonical message.
func toMessage(rec chatRecord) (chat.Message, bool) {
	msg := chat.Message{
		Platform: chat.Trovo,
		ID:       rec.MessageID,
		Username: rec.NickName,
		UserID:   rec.SenderID.String(),
		Text:     rec.Content,
		Badges:   append(append([]string(nil), rec.Roles...), rec.Medals...),
	}
	if msg.Username == "" {
		msg.Username = rec.UserName
	}
	if msg.UserID == "" {
		msg.UserID = rec.UID.String()
	}
	if rec.SendTime > 0 {
		msg.Timestamp = time.Unix(rec.SendTime, 0).UTC()
	}

	switch t := rec.Type; {
	case t == typeNormal:
		msg.Kind = chat.KindChat
	case t == typeSpell || t == typeCustomSpell:
		msg.Kind = chat.KindSpell
		if s, ok := spell(rec.ContentData, rec.Content); ok {
			msg.SetData("gift", s.Gift)
			msg.SetData("num", s.Num)
			msg.SetData("value_type", s.ValueType)
			msg.Text = fmt.Sprintf("%s x%d", s.Gift, s.Num)
		}
	case t >= typeMagicFirst && t <= typeMagicLast:
		msg.Kind = chat.KindMagicChat
		msg.SetData("magic_type", t)
	case t == typeSubscription:
		msg.Kind = chat.KindSubscription
		msg.SetData("sub_level", rec.SubLevel)
		msg.SetData("sub_tier", rec.SubTier)
	case t == typeFollow:
		msg.Kind = chat.KindFollow
	case t == typeGiftRandom || t == typeGiftSub:
		msg.Kind = chat.KindGift
		msg.SetData("gift_type", t)
	case t == typeRaid:
		msg.Kind = chat.KindRaid
	case t == typeSystem || t == typeActivity || t == typeStreamState:
		msg.Kind = chat.KindAnnouncement
	default:
		// welcome, unfollow and unknown types
		return chat.Message{}, false
	}
	if msg.Kind != chat.KindChat {
		msg.SetData("trovo_type", rec.Type)
	}
	return msg, true
}

type spellContent struct {
	Gift      string `json:"gift"`
	Num       int    `json:"num"`
	ValueType string `json:"value_type"`
}

// spell decodes a spell payload, which Trovo sends as JSON inside content.
func spell(data json.RawMessage, content string) (spellContent, bool) {
	var s spellContent
	if len(data) > 0 && json.Unmarshal(data, &s) == nil && s.Gift != "" {
		return s, true
	}
	if json.Unmarshal([]byte(content), &s) == nil && s.Gift != "" {
		return s, true
	}
	return s, false
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
