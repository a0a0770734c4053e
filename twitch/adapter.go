package twitch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/oauth"
	"github.com/onnwee/chatmux/supervisor"
	"github.com/onnwee/chatmux/twitchapi"
)

// Adapter wires Twitch into the supervisor. Empty URLs use the production endpoints.
type Adapter struct {
	IRCURL      string
	EventSubURL string
}

var (
	_ supervisor.Adapter          = Adapter{}
	_ supervisor.CompanionAdapter = Adapter{}
)

func (Adapter) Platform() chat.Platform { return chat.Twitch }

func (Adapter) Policy() connector.Policy { return connector.StreamingPolicy(300 * time.Second) }

// Echoes is true: sends arrive on the reader connection like any other chat.
func (Adapter) Echoes() bool { return true }

// Refresher refreshes user tokens against id.twitch.tv.
func (Adapter) Refresher(hc *http.Client) oauth.Refresher {
	return oauth.RefreshFunc(func(ctx context.Context, g oauth.Grant) (oauth.Token, error) {
		res, err := twitchapi.RefreshToken(ctx, hc, g.ClientID, g.ClientSecret, g.RefreshToken)
		if err != nil {
			return oauth.Token{}, err
		}
		return oauth.Token{
			AccessToken:  res.AccessToken,
			RefreshToken: res.RefreshToken,
			Expiry:       twitchapi.ComputeExpiry(res.ExpiresIn),
		}, nil
	})
}

func (a Adapter) Reader(env supervisor.Env, channel string, cred credentials.Credential) (connector.Driver, error) {
	return a.ircChat(env, channel, cred)
}

func (a Adapter) Sender(env supervisor.Env, channel string, cred credentials.Credential) (connector.Sender, error) {
	return a.ircChat(env, channel, cred)
}

func (a Adapter) ircChat(env supervisor.Env, channel string, cred credentials.Credential) (*Chat, error) {
	if channel == "" {
		return nil, errors.New("twitch: channel empty")
	}
	if !cred.HasToken() {
		return nil, errors.New("twitch: no access token")
	}
	nick := cred.Username
	if nick == "" {
		nick = channel
	}
	c := NewChat(channel, nick, cred.AccessToken, env.WS)
	c.URL = a.IRCURL
	return c, nil
}

func (a Adapter) Moderator(env supervisor.Env, channel string, cred credentials.Credential) (connector.Moderator, error) {
	if !cred.HasToken() {
		return nil, errors.New("twitch: no access token")
	}
	m := &Moderator{
		Helix:         newHelix(env, cred),
		Channel:       channel,
		broadcasterID: broadcasterID(env, cred),
	}
	m.SetToken(cred.AccessToken)
	return m, nil
}

func (a Adapter) Companions(env supervisor.Env, channel string, cred credentials.Credential) ([]supervisor.Companion, error) {
	if !cred.HasToken() {
		return nil, errors.New("twitch: no access token")
	}
	es := &EventSub{
		URL:           a.EventSubURL,
		Channel:       channel,
		BroadcasterID: broadcasterID(env, cred),
		Helix:         newHelix(env, cred),
		WS:            env.WS,
	}
	if env.Store != nil {
		es.OnBroadcasterID = func(id string) {
			if err := env.Store.SetField(chat.Twitch, credentials.FieldBroadcasterUserID, id); err != nil {
				slog.Warn("persist broadcaster id", slog.Any("err", err))
			}
		}
	}
	return []supervisor.Companion{{Name: "eventsub", Driver: es, Policy: a.Policy()}}, nil
}

func broadcasterID(env supervisor.Env, cred credentials.Credential) string {
	if env.Store != nil {
		if id, ok := env.Store.Field(chat.Twitch, credentials.FieldBroadcasterUserID); ok && id != "" {
			return id
		}
	}
	return cred.UserID
}

func newHelix(env supervisor.Env, cred credentials.Credential) *twitchapi.HelixClient {
	hc := &twitchapi.HelixClient{
		ClientID:   cred.ClientID,
		HTTPClient: env.HTTPClient,
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			HTTPClient:   env.HTTPClient,
		},
	}
	hc.SetToken(cred.AccessToken)
	if env.Refresh != nil {
		id := cred.Identity
		hc.Refresh = func(ctx context.Context) (string, error) { return env.Refresh(ctx, id) }
	}
	return hc
}

// Moderator deletes messages and bans users through Helix with the
// streamer's token. The moderator id is the token owner as reported by the
// validate endpoint, falling back to the broadcaster.
type Moderator struct {
	Helix   *twitchapi.HelixClient
	Channel string

	mu            sync.Mutex
	token         string
	broadcasterID string
	moderatorID   string
}

// SetToken rotates the Helix user token.
func (m *Moderator) SetToken(tok string) {
	m.mu.Lock()
	m.token = tok
	m.moderatorID = ""
	m.mu.Unlock()
	m.Helix.SetToken(tok)
}

func (m *Moderator) ids(ctx context.Context) (bid, mid string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broadcasterID == "" {
		id, err := m.Helix.GetUserID(ctx, m.Channel)
		if err != nil {
			return "", "", err
		}
		m.broadcasterID = id
	}
	if m.moderatorID == "" {
		m.moderatorID = m.broadcasterID
		if m.token != "" {
			v, err := twitchapi.ValidateToken(ctx, m.Helix.HTTPClient, m.token)
			switch {
			case err != nil:
				slog.Debug("twitch token validate failed, acting as broadcaster", slog.Any("err", err))
			case v.UserID != "":
				m.moderatorID = v.UserID
			}
		}
	}
	return m.broadcasterID, m.moderatorID, nil
}

func (m *Moderator) Delete(ctx context.Context, messageID string) error {
	bid, mid, err := m.ids(ctx)
	if err != nil {
		return err
	}
	return m.Helix.DeleteChatMessage(ctx, bid, mid, messageID)
}

func (m *Moderator) Ban(ctx context.Context, username, userID string) error {
	bid, mid, err := m.ids(ctx)
	if err != nil {
		return err
	}
	if userID == "" {
		if userID, err = m.Helix.GetUserID(ctx, username); err != nil {
			return err
		}
	}
	return m.Helix.BanUser(ctx, bid, mid, userID, "")
}
