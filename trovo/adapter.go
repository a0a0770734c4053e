package trovo

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/oauth"
	"github.com/onnwee/chatmux/supervisor"
)

// Adapter wires Trovo into the supervisor. Empty URLs use production.
type Adapter struct {
	APIBase string
	ChatURL string
}

var _ supervisor.Adapter = Adapter{}

func (Adapter) Platform() chat.Platform { return chat.Trovo }

func (Adapter) Policy() connector.Policy { return connector.StreamingPolicy(180 * time.Second) }

// Echoes is false: the router echoes sends locally.
func (Adapter) Echoes() bool { return false }

// Refresher refreshes Trovo user tokens through /refreshtoken.
func (a Adapter) Refresher(hc *http.Client) oauth.Refresher {
	return oauth.RefreshFunc(func(ctx context.Context, g oauth.Grant) (oauth.Token, error) {
		res, err := RefreshToken(ctx, hc, a.APIBase, g.ClientID, g.ClientSecret, g.RefreshToken)
		if err != nil {
			return oauth.Token{}, err
		}
		tok := oauth.Token{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}
		if res.ExpiresIn > 0 {
			tok.Expiry = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
		}
		return tok, nil
	})
}

func (a Adapter) api(env supervisor.Env, cred credentials.Credential) (*API, error) {
	if !cred.HasToken() {
		return nil, errors.New("trovo: no access token")
	}
	if cred.ClientID == "" {
		return nil, errors.New("trovo: client_id missing")
	}
	api := &API{BaseURL: a.APIBase, ClientID: cred.ClientID, HTTPClient: env.HTTPClient}
	api.SetToken(cred.AccessToken)
	return api, nil
}

func (a Adapter) Reader(env supervisor.Env, channel string, cred credentials.Credential) (connector.Driver, error) {
	api, err := a.api(env, cred)
	if err != nil {
		return nil, err
	}
	c := &Chat{URL: a.ChatURL, API: api, Channel: channel, WS: env.WS, StreamerUserID: cred.UserID}
	if env.Store != nil {
		c.OnStreamerUserID = func(id string) {
			if err := env.Store.Set(chat.Trovo, chat.Streamer, credentials.FieldUserID, id); err != nil {
				slog.Warn("persist trovo streamer user id", slog.Any("err", err))
			}
		}
	}
	return c, nil
}

func (a Adapter) Sender(env supervisor.Env, channel string, cred credentials.Credential) (connector.Sender, error) {
	api, err := a.api(env, cred)
	if err != nil {
		return nil, err
	}
	return &Sender{API: api, Channel: channel, User: cred.Username, Refresh: refresher(env, cred)}, nil
}

func (a Adapter) Moderator(env supervisor.Env, channel string, cred credentials.Credential) (connector.Moderator, error) {
	api, err := a.api(env, cred)
	if err != nil {
		return nil, err
	}
	return &Moderator{channel: &channelRef{API: api, Name: channel}}, nil
}

func refresher(env supervisor.Env, cred credentials.Credential) func(context.Context) (string, error) {
	if env.Refresh == nil {
		return nil
	}
	id := cred.Identity
	return func(ctx context.Context) (string, error) { return env.Refresh(ctx, id) }
}

// channelRef resolves and caches a channel name's channel id.
type channelRef struct {
	API  *API
	Name string

	mu sync.Mutex
	id string
}

func (c *channelRef) ID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" || c.Name == "" {
		return c.id, nil
	}
	u, err := c.API.GetUser(ctx, c.Name)
	if err != nil {
		return "", err
	}
	c.id = u.ChannelID
	return c.id, nil
}

// Sender posts chat over REST. It is ready whenever it holds a token.
type Sender struct {
	API     *API
	Channel string
	User    string
	// Refresh forces a token refresh after a 401.
	Refresh func(ctx context.Context) (string, error)

	once    sync.Once
	channel *channelRef
}

// SetToken rotates the sender's token.
func (s *Sender) SetToken(tok string) { s.API.SetToken(tok) }

func (s *Sender) Platform() chat.Platform { return chat.Trovo }

func (s *Sender) Username() string { return s.User }

func (s *Sender) Ready() bool { return s.API.HasToken() }

// Send posts text to the streamer's channel, refreshing once on 401.
func (s *Sender) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("trovo: empty message")
	}
	s.once.Do(func() { s.channel = &channelRef{API: s.API, Name: s.Channel} })
	var channelID string
	// The streamer's own channel is the default target.
	if !strings.EqualFold(s.User, s.Channel) {
		id, err := s.channel.ID(ctx)
		if err != nil {
			return err
		}
		channelID = id
	}
	err := s.API.SendChat(ctx, channelID, text)
	if !connector.IsKind(err, connector.KindAuthInvalid) || s.Refresh == nil {
		return err
	}
	tok, rerr := s.Refresh(ctx)
	if rerr != nil {
		return rerr
	}
	s.API.SetToken(tok)
	return s.API.SendChat(ctx, channelID, text)
}

// Moderator bans through chat commands. Trovo deletion needs the sender's
// uid per message and is not offered.
type Moderator struct {
	channel *channelRef
}

// SetToken rotates the moderator's token.
func (m *Moderator) SetToken(tok string) { m.channel.API.SetToken(tok) }

func (m *Moderator) Delete(ctx context.Context, messageID string) error {
	return connector.Unsupported("trovo delete")
}

func (m *Moderator) Ban(ctx context.Context, username, userID string) error {
	if username == "" {
		return errors.New("trovo: ban requires a username")
	}
	id, err := m.channel.ID(ctx)
	if err != nil {
		return err
	}
	return m.channel.API.Command(ctx, id, "ban "+username)
}
