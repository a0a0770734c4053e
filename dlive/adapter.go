package dlive

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

// Adapter wires DLive into the supervisor. Empty URLs use production.
type Adapter struct {
	APIURL    string
	StreamURL string
}

var _ supervisor.Adapter = Adapter{}

func (Adapter) Platform() chat.Platform { return chat.DLive }

func (Adapter) Policy() connector.Policy { return connector.StreamingPolicy(120 * time.Second) }

// Echoes is false: the router echoes sends locally.
func (Adapter) Echoes() bool { return false }

// Refresher is nil: DLive user tokens are long-lived and have no refresh grant.
func (Adapter) Refresher(*http.Client) oauth.Refresher { return nil }

func (a Adapter) api(env supervisor.Env, cred credentials.Credential) *API {
	api := &API{URL: a.APIURL, HTTPClient: env.HTTPClient}
	api.SetToken(cred.AccessToken)
	return api
}

func (a Adapter) Reader(env supervisor.Env, channel string, cred credentials.Credential) (connector.Driver, error) {
	if channel == "" {
		return nil, errors.New("dlive: channel empty")
	}
	c := &Chat{URL: a.StreamURL, API: a.api(env, cred), Channel: channel, WS: env.WS, Streamer: streamerName(env, cred)}
	if env.Store != nil {
		c.OnStreamer = func(name string) {
			if err := env.Store.Set(chat.DLive, chat.Streamer, credentials.FieldUserID, name); err != nil {
				slog.Warn("persist dlive streamer", slog.Any("err", err))
			}
		}
	}
	return c, nil
}

func (a Adapter) Sender(env supervisor.Env, channel string, cred credentials.Credential) (connector.Sender, error) {
	if !cred.HasToken() {
		return nil, errors.New("dlive: no access token")
	}
	api := a.api(env, cred)
	return &Sender{API: api, User: cred.Username, streamer: &streamerRef{API: api, Displayname: channel, username: streamerName(env, credentials.Credential{})}}, nil
}

func (a Adapter) Moderator(env supervisor.Env, channel string, cred credentials.Credential) (connector.Moderator, error) {
	if !cred.HasToken() {
		return nil, errors.New("dlive: no access token")
	}
	api := a.api(env, cred)
	return &Moderator{API: api, streamer: &streamerRef{API: api, Displayname: channel, username: streamerName(env, cred)}}, nil
}

// streamerName is the stored streamer username, else the streamer
// credential's own user id.
func streamerName(env supervisor.Env, cred credentials.Credential) string {
	if env.Store != nil {
		if c, ok := env.Store.Get(chat.DLive, chat.Streamer); ok && c.UserID != "" {
			return c.UserID
		}
	}
	if cred.Identity == chat.Streamer {
		return cred.UserID
	}
	return ""
}

// streamerRef resolves and caches the streamer username for a display name.
type streamerRef struct {
	API         *API
	Displayname string

	mu       sync.Mutex
	username string
}

func (r *streamerRef) Username(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.username != "" {
		return r.username, nil
	}
	name, err := r.API.Username(ctx, r.Displayname)
	if err != nil {
		return "", err
	}
	r.username = name
	return name, nil
}

// Sender posts chat through the send mutation. It is ready whenever it
// holds a token.
type Sender struct {
	API  *API
	User string

	streamer *streamerRef
}

// SetToken rotates the sender's token.
func (s *Sender) SetToken(tok string) { s.API.SetToken(tok) }

func (s *Sender) Platform() chat.Platform { return chat.DLive }

func (s *Sender) Username() string { return s.User }

func (s *Sender) Ready() bool { return s.API.HasToken() }

func (s *Sender) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("dlive: empty message")
	}
	streamer, err := s.streamer.Username(ctx)
	if err != nil {
		return err
	}
	_, err = s.API.SendChat(ctx, streamer, text)
	return err
}

// Moderator deletes and bans through GraphQL mutations.
type Moderator struct {
	API *API

	streamer *streamerRef
}

// SetToken rotates the moderator's token.
func (m *Moderator) SetToken(tok string) { m.API.SetToken(tok) }

func (m *Moderator) Delete(ctx context.Context, messageID string) error {
	streamer, err := m.streamer.Username(ctx)
	if err != nil {
		return err
	}
	return m.API.DeleteChat(ctx, streamer, messageID)
}

func (m *Moderator) Ban(ctx context.Context, username, userID string) error {
	// DLive keys users by username; the canonical user id is that username.
	name := userID
	if name == "" {
		name = username
	}
	if name == "" {
		return errors.New("dlive: ban requires a username")
	}
	streamer, err := m.streamer.Username(ctx)
	if err != nil {
		return err
	}
	return m.API.Ban(ctx, streamer, name)
}
