package youtubeapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/oauth"
	"github.com/onnwee/chatmux/supervisor"
)

// Adapter wires YouTube into the supervisor. Readers and senders built by one
// Adapter share discovered live chat ids.
type Adapter struct {
	// Endpoint overrides the Data API base URL (tests).
	Endpoint string

	chats liveChats
}

var _ supervisor.Adapter = (*Adapter)(nil)

func (*Adapter) Platform() chat.Platform { return chat.YouTube }

func (*Adapter) Policy() connector.Policy { return connector.PollingPolicy() }

// Echoes is false: sent messages are echoed locally by the router.
func (*Adapter) Echoes() bool { return false }

func (*Adapter) Refresher(hc *http.Client) oauth.Refresher { return oauth.GoogleRefresher(hc) }

func (a *Adapter) Reader(env supervisor.Env, channel string, cred credentials.Credential) (connector.Driver, error) {
	c, err := a.client(env, cred)
	if err != nil {
		return nil, err
	}
	b := a.broadcast(env, channel)
	b.Mine = true
	if env.Store != nil {
		b.OnChannelID = func(id string) {
			if err := env.Store.SetField(chat.YouTube, credentials.FieldChannelID, id); err != nil {
				slog.Warn("persist youtube channel id", slog.Any("err", err))
			}
		}
	}
	return &Reader{Client: c, Broadcast: b}, nil
}

func (a *Adapter) Sender(env supervisor.Env, channel string, cred credentials.Credential) (connector.Sender, error) {
	c, err := a.client(env, cred)
	if err != nil {
		return nil, err
	}
	return &Sender{Client: c, Broadcast: a.broadcast(env, channel), User: cred.Username}, nil
}

func (a *Adapter) Moderator(env supervisor.Env, channel string, cred credentials.Credential) (connector.Moderator, error) {
	c, err := a.client(env, cred)
	if err != nil {
		return nil, err
	}
	b := a.broadcast(env, channel)
	b.Mine = true
	return &Moderator{Client: c, Broadcast: b}, nil
}

func (a *Adapter) client(env supervisor.Env, cred credentials.Credential) (*Client, error) {
	if !cred.HasToken() {
		return nil, errors.New("youtube: no access token")
	}
	c := &Client{Endpoint: a.Endpoint, HTTPClient: env.HTTPClient}
	c.SetToken(cred.AccessToken)
	if env.Refresh != nil {
		id := cred.Identity
		c.Refresh = func(ctx context.Context) (string, error) { return env.Refresh(ctx, id) }
	}
	return c, nil
}

// broadcast prefers the persisted channel id over the configured channel.
func (a *Adapter) broadcast(env supervisor.Env, channel string) *Broadcast {
	b := &Broadcast{cache: &a.chats}
	if env.Store == nil {
		b.Channel = channel
		return b
	}
	b.Lookup = func() string {
		if id, ok := env.Store.Field(chat.YouTube, credentials.FieldChannelID); ok && id != "" {
			return id
		}
		return channel
	}
	return b
}
