package kick

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/oauth"
	"github.com/onnwee/chatmux/supervisor"
)

// Adapter wires Kick into the supervisor. Empty URLs use production.
type Adapter struct {
	APIBase    string
	PublicBase string
	TokenURL   string
}

var _ supervisor.Adapter = Adapter{}

func (Adapter) Platform() chat.Platform { return chat.Kick }

func (Adapter) Policy() connector.Policy { return connector.StreamingPolicy(300 * time.Second) }

// Echoes is false: the router echoes sends locally and the dispatcher drops
// the webhook copy.
func (Adapter) Echoes() bool { return false }

func (Adapter) Refresher(hc *http.Client) oauth.Refresher { return oauth.KickRefresher(hc) }

func (a Adapter) channel(env supervisor.Env, slug string) *Channel {
	return &Channel{Slug: slug, BaseURL: a.PublicBase, HTTPClient: env.HTTPClient}
}

func (a Adapter) api(env supervisor.Env, cred credentials.Credential) (*API, error) {
	if !cred.HasToken() {
		return nil, errors.New("kick: no access token")
	}
	api := &API{BaseURL: a.APIBase, HTTPClient: env.HTTPClient}
	api.SetToken(cred.AccessToken)
	return api, nil
}

func (a Adapter) Reader(env supervisor.Env, channel string, cred credentials.Credential) (connector.Driver, error) {
	if channel == "" {
		return nil, errors.New("kick: channel empty")
	}
	w := &Webhook{
		Channel: a.channel(env, channel),
		API:     &API{BaseURL: a.APIBase, HTTPClient: env.HTTPClient},
		AppToken: AppToken{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			TokenURL:     a.TokenURL,
			HTTPClient:   env.HTTPClient,
		},
		Routes:        env.Routes,
		PublicURL:     env.PublicURL,
		BroadcasterID: broadcasterID(env, cred),
	}
	if env.Store != nil {
		w.OnBroadcasterID = func(id string) {
			if err := env.Store.SetField(chat.Kick, credentials.FieldBroadcasterUserID, id); err != nil {
				slog.Warn("persist kick broadcaster id", slog.Any("err", err))
			}
		}
	}
	return w, nil
}

func (a Adapter) Sender(env supervisor.Env, channel string, cred credentials.Credential) (connector.Sender, error) {
	api, err := a.api(env, cred)
	if err != nil {
		return nil, err
	}
	s := &Sender{
		API:           api,
		Channel:       a.channel(env, channel),
		User:          cred.Username,
		broadcasterID: broadcasterID(env, cred),
	}
	if env.Store != nil {
		s.KnownBroadcaster = func() string { return broadcasterID(env, credentials.Credential{}) }
	}
	if env.Refresh != nil {
		id := cred.Identity
		s.Refresh = func(ctx context.Context) (string, error) { return env.Refresh(ctx, id) }
	}
	return s, nil
}

func (a Adapter) Moderator(env supervisor.Env, channel string, cred credentials.Credential) (connector.Moderator, error) {
	api, err := a.api(env, cred)
	if err != nil {
		return nil, err
	}
	return &Moderator{API: api, Channel: a.channel(env, channel), broadcasterID: broadcasterID(env, cred)}, nil
}

// broadcasterID is the stored broadcaster id, else the streamer's own user id.
func broadcasterID(env supervisor.Env, cred credentials.Credential) string {
	if env.Store != nil {
		if id, ok := env.Store.Field(chat.Kick, credentials.FieldBroadcasterUserID); ok && id != "" {
			return id
		}
	}
	if cred.Identity == chat.Streamer {
		return cred.UserID
	}
	return ""
}

// resolveBroadcaster returns known when set, else the channel's broadcaster id.
func resolveBroadcaster(ctx context.Context, known string, ch *Channel) (string, error) {
	if known != "" {
		return known, nil
	}
	info, err := ch.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(info.BroadcasterID, 10), nil
}

// Sender posts chat as a user. It is ready whenever it holds a token.
type Sender struct {
	API     *API
	Channel *Channel
	User    string
	// Refresh forces a token refresh after a 401.
	Refresh func(ctx context.Context) (string, error)
	// KnownBroadcaster returns a broadcaster id persisted since the sender
	// was built, or "".
	KnownBroadcaster func() string

	mu            sync.Mutex
	broadcasterID string
}

// broadcaster returns the cached id, then a persisted one, then the public
// channel lookup. The first answer is cached.
func (s *Sender) broadcaster(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcasterID != "" {
		return s.broadcasterID, nil
	}
	known := ""
	if s.KnownBroadcaster != nil {
		known = s.KnownBroadcaster()
	}
	id, err := resolveBroadcaster(ctx, known, s.Channel)
	if err != nil {
		return "", err
	}
	s.broadcasterID = id
	return id, nil
}

// SetToken rotates the sender's token.
func (s *Sender) SetToken(tok string) { s.API.SetToken(tok) }

func (s *Sender) Platform() chat.Platform { return chat.Kick }

func (s *Sender) Username() string { return s.User }

func (s *Sender) Ready() bool { return s.API.HasToken() }

// Send posts text into the channel's chat, refreshing once on 401.
func (s *Sender) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("kick: empty message")
	}
	bid, err := s.broadcaster(ctx)
	if err != nil {
		return err
	}
	_, err = s.API.SendChat(ctx, bid, text)
	if !connector.IsKind(err, connector.KindAuthInvalid) || s.Refresh == nil {
		return err
	}
	tok, rerr := s.Refresh(ctx)
	if rerr != nil {
		return rerr
	}
	s.API.SetToken(tok)
	_, err = s.API.SendChat(ctx, bid, text)
	return err
}

// Moderator bans through the moderation API. Kick offers no public message
// deletion endpoint.
type Moderator struct {
	API     *API
	Channel *Channel

	broadcasterID string
}

// SetToken rotates the moderator's token.
func (m *Moderator) SetToken(tok string) { m.API.SetToken(tok) }

func (m *Moderator) Delete(ctx context.Context, messageID string) error {
	return connector.Unsupported("kick delete")
}

func (m *Moderator) Ban(ctx context.Context, username, userID string) error {
	if userID == "" {
		return errors.New("kick: ban requires a user id")
	}
	bid, err := resolveBroadcaster(ctx, m.broadcasterID, m.Channel)
	if err != nil {
		return err
	}
	return m.API.Ban(ctx, bid, userID, "")
}
