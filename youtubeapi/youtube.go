// Package youtubeapi wraps the YouTube Data API for live chat: broadcast
// discovery, polling liveChatMessages, sending as streamer or bot, and
// moderation. Access tokens are held by a Client and can be rotated in place
// by the token manager.
package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatmux/connector"
)

// Client is an authenticated YouTube Data API client for one identity.
type Client struct {
	// Endpoint overrides the API base URL (tests).
	Endpoint   string
	HTTPClient *http.Client
	// Refresh forces a token refresh and returns the new access token.
	Refresh func(ctx context.Context) (string, error)

	mu    sync.RWMutex
	token string
}

// SetToken rotates the bearer token.
func (c *Client) SetToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

// Token implements oauth2.TokenSource with the current bearer token.
func (c *Client) Token() (*oauth2.Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return nil, connector.AuthInvalid("no youtube token", nil)
	}
	return &oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}, nil
}

// Service builds a Data API service that reads the token on every request.
func (c *Client) Service(ctx context.Context) (*yt.Service, error) {
	base := c.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	hc := &http.Client{
		Timeout:   base.Timeout,
		Transport: &oauth2.Transport{Source: c, Base: base.Transport},
	}
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(c.Endpoint, "/")+"/"))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return svc, nil
}

// withRefresh runs fn and, when it fails with AuthInvalid and a refresher is
// configured, refreshes the token once and retries.
func (c *Client) withRefresh(ctx context.Context, fn func(*yt.Service) error) error {
	svc, err := c.Service(ctx)
	if err != nil {
		return err
	}
	err = fn(svc)
	if !connector.IsKind(err, connector.KindAuthInvalid) || c.Refresh == nil {
		return err
	}
	tok, rerr := c.Refresh(ctx)
	if rerr != nil {
		return rerr
	}
	c.SetToken(tok)
	return fn(svc)
}

// quotaReasons are googleapi error reasons that end polling for the day.
var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
}

// chatGoneReasons mean the cached live chat id no longer works.
var chatGoneReasons = map[string]bool{
	"liveChatEnded":    true,
	"liveChatNotFound": true,
	"liveChatDisabled": true,
}

var errChatGone = errors.New("live chat ended")

// classify maps a Data API failure onto a connector error kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if connector.KindOf(err) != connector.KindUnknown {
		return err
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return connector.Transport(fmt.Errorf("%s: %w", op, err))
	}
	for _, item := range gerr.Errors {
		switch {
		case quotaReasons[item.Reason]:
			return connector.QuotaExhausted("youtube daily quota exceeded", fmt.Errorf("%s: %w", op, err))
		case chatGoneReasons[item.Reason]:
			return connector.Transport(fmt.Errorf("%s: %w: %s", op, errChatGone, item.Reason))
		}
	}
	se := &connector.StatusError{Op: op, Status: gerr.Code, Body: gerr.Message}
	switch connector.Classify(se) {
	case connector.KindAuthInvalid:
		return connector.AuthInvalid("youtube rejected token", se)
	case connector.KindQuotaExhausted:
		return connector.QuotaExhausted("youtube daily quota exceeded", se)
	}
	return connector.Transport(se)
}

// liveChats caches the active live chat id per channel so readers and
// senders of the same channel share one discovery.
type liveChats struct {
	mu  sync.Mutex
	ids map[string]string
}

func (l *liveChats) get(channel string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[channel]
}

func (l *liveChats) put(channel, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ids == nil {
		l.ids = make(map[string]string)
	}
	l.ids[channel] = id
}

func (l *liveChats) forget(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ids, channel)
}

// Broadcast resolves the active live chat of a channel. Channel may be a
// channel id (UC...) or a handle (@name).
type Broadcast struct {
	Channel string
	// Lookup supplies a channel when Channel is empty, e.g. an id persisted
	// after the streamer's own channel was resolved.
	Lookup func() string
	// Mine resolves an empty channel to the token owner's channel.
	Mine bool
	// OnChannelID is called when the token's own channel id was resolved.
	OnChannelID func(id string)

	cache *liveChats

	mu        sync.Mutex
	channelID string
}

// key must be called with mu held.
func (b *Broadcast) key() string {
	switch {
	case b.channelID != "":
		return b.channelID
	case b.Channel == "" && b.Lookup != nil:
		return b.Lookup()
	}
	return b.Channel
}

// LiveChatID returns the cached id or runs discovery: channel, live search,
// then videos.liveStreamingDetails.
func (b *Broadcast) LiveChatID(ctx context.Context, svc *yt.Service) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cache != nil {
		if id := b.cache.get(b.key()); id != "" {
			return id, nil
		}
	}
	cid, err := b.resolveChannel(ctx, svc)
	if err != nil {
		return "", err
	}
	search, err := svc.Search.List([]string{"id"}).ChannelId(cid).EventType("live").Type("video").MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", classify("search.list", err)
	}
	if len(search.Items) == 0 || search.Items[0].Id == nil || search.Items[0].Id.VideoId == "" {
		return "", connector.Transport(fmt.Errorf("channel %s has no active live broadcast", cid))
	}
	vid := search.Items[0].Id.VideoId
	videos, err := svc.Videos.List([]string{"liveStreamingDetails"}).Id(vid).Context(ctx).Do()
	if err != nil {
		return "", classify("videos.list", err)
	}
	if len(videos.Items) == 0 || videos.Items[0].LiveStreamingDetails == nil || videos.Items[0].LiveStreamingDetails.ActiveLiveChatId == "" {
		return "", connector.Transport(fmt.Errorf("video %s has no active live chat", vid))
	}
	id := videos.Items[0].LiveStreamingDetails.ActiveLiveChatId
	if b.cache != nil {
		b.cache.put(b.key(), id)
	}
	return id, nil
}

// Forget drops the cached live chat id after the chat ended.
func (b *Broadcast) Forget() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cache != nil {
		b.cache.forget(b.key())
	}
}

func (b *Broadcast) resolveChannel(ctx context.Context, svc *yt.Service) (string, error) {
	if b.channelID != "" {
		return b.channelID, nil
	}
	ch := strings.TrimSpace(b.Channel)
	if ch == "" && b.Lookup != nil {
		ch = strings.TrimSpace(b.Lookup())
	}
	if ch == "" && !b.Mine {
		return "", connector.Transport(errors.New("youtube channel not resolved yet"))
	}
	if strings.HasPrefix(ch, "UC") && !strings.ContainsAny(ch, " @") {
		b.channelID = ch
		return ch, nil
	}
	call := svc.Channels.List([]string{"id"}).Context(ctx)
	if ch == "" {
		call = call.Mine(true)
	} else {
		call = call.ForHandle(ch)
	}
	resp, err := call.Do()
	if err != nil {
		return "", classify("channels.list", err)
	}
	if len(resp.Items) == 0 {
		return "", connector.Transport(fmt.Errorf("youtube channel %q not found", ch))
	}
	b.channelID = resp.Items[0].Id
	if ch == "" && b.OnChannelID != nil {
		b.OnChannelID(b.channelID)
	}
	return b.channelID, nil
}
