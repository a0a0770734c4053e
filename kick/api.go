// Package kick connects to Kick: chat arrives as webhook POSTs on the shared
// callback server after an event subscription is registered with an app
// token; sending and bans go through the public REST API with a user token.
package kick

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/oauth"
)

const (
	apiBase    = "https://api.kick.com/public/v1"
	publicBase = "https://kick.com"
)

// API is a Kick public API client for one bearer token.
type API struct {
	BaseURL    string
	HTTPClient *http.Client

	mu    sync.RWMutex
	token string
}

// SetToken rotates the bearer token.
func (a *API) SetToken(tok string) {
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
}

// HasToken reports whether a bearer token is set.
func (a *API) HasToken() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token != ""
}

func (a *API) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (a *API) base() string {
	if a.BaseURL != "" {
		return strings.TrimSuffix(a.BaseURL, "/")
	}
	return apiBase
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base()+path, rdr)
	if err != nil {
		return err
	}
	a.mu.RLock()
	tok := a.token
	a.mu.RUnlock()
	if tok == "" {
		return connector.AuthInvalid("no kick token", nil)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return connector.Transport(fmt.Errorf("kick %s: %w", path, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if err := connector.CheckResponse(resp, "kick "+path); err != nil {
		if connector.Classify(err) == connector.KindAuthInvalid {
			return connector.AuthInvalid("kick rejected token", err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Event names a webhook event type and version.
type Event struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// SubscriptionResult is one entry of the subscribe response.
type SubscriptionResult struct {
	Name           string `json:"name"`
	Version        int    `json:"version"`
	SubscriptionID string `json:"subscription_id"`
	Error          string `json:"error"`
}

// Subscribe registers webhook delivery of events for a broadcaster.
// callbackURL is where the deliveries are expected to arrive.
func (a *API) Subscribe(ctx context.Context, broadcasterID, callbackURL string, events []Event) ([]SubscriptionResult, error) {
	bid, err := strconv.ParseInt(broadcasterID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("kick broadcaster id %q: %w", broadcasterID, err)
	}
	body := map[string]any{
		"broadcaster_user_id": bid,
		"events":              events,
		"method":              "webhook",
		"webhook_url":         callbackURL,
	}
	var out struct {
		Data    []SubscriptionResult `json:"data"`
		Message string               `json:"message"`
	}
	if err := a.do(ctx, http.MethodPost, "/events/subscriptions", body, &out); err != nil {
		var se *connector.StatusError
		if errors.As(err, &se) && (se.Status == http.StatusBadRequest || se.Status == http.StatusForbidden) {
			return nil, connector.SubscriptionRejected("kick refused subscription", err)
		}
		return nil, err
	}
	return out.Data, nil
}

// Unsubscribe removes webhook subscriptions by id.
func (a *API) Unsubscribe(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	return a.do(ctx, http.MethodDelete, "/events/subscriptions?"+q.Encode(), nil, nil)
}

// SendChat posts text as the token's user into a broadcaster's chat.
func (a *API) SendChat(ctx context.Context, broadcasterID, text string) (string, error) {
	bid, err := strconv.ParseInt(broadcasterID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("kick broadcaster id %q: %w", broadcasterID, err)
	}
	body := map[string]any{"content": text, "type": "user", "broadcaster_user_id": bid}
	var out struct {
		Data struct {
			IsSent    bool   `json:"is_sent"`
			MessageID string `json:"message_id"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := a.do(ctx, http.MethodPost, "/chat", body, &out); err != nil {
		return "", err
	}
	if !out.Data.IsSent {
		return "", fmt.Errorf("kick chat not sent: %s", out.Message)
	}
	return out.Data.MessageID, nil
}

// Ban permanently bans userID from a broadcaster's chat.
func (a *API) Ban(ctx context.Context, broadcasterID, userID, reason string) error {
	bid, err := strconv.ParseInt(broadcasterID, 10, 64)
	if err != nil {
		return fmt.Errorf("kick broadcaster id %q: %w", broadcasterID, err)
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("kick user id %q: %w", userID, err)
	}
	body := map[string]any{"broadcaster_user_id": bid, "user_id": uid}
	if reason != "" {
		body["reason"] = reason
	}
	return a.do(ctx, http.MethodPost, "/moderation/bans", body, nil)
}

// AppToken fetches an app access token through the client credentials grant.
type AppToken struct {
	ClientID     string
	ClientSecret string
	// TokenURL defaults to Kick's OAuth token endpoint.
	TokenURL   string
	HTTPClient *http.Client
}

// Token runs the grant. Rejected client credentials are AuthInvalid; other
// failures are transient.
func (t AppToken) Token(ctx context.Context) (string, error) {
	if t.ClientID == "" || t.ClientSecret == "" {
		return "", connector.AuthInvalid("kick client credentials missing", nil)
	}
	cfg := clientcredentials.Config{
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		TokenURL:     oauth.KickEndpoint.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if t.TokenURL != "" {
		cfg.TokenURL = t.TokenURL
	}
	if t.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, t.HTTPClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		if oauth.Classify(err) == connector.KindAuthInvalid {
			return "", connector.AuthInvalid("kick app token rejected", err)
		}
		return "", connector.Transport(fmt.Errorf("kick app token: %w", err))
	}
	return tok.AccessToken, nil
}

// ChannelInfo is the part of the public channel document the reader needs.
type ChannelInfo struct {
	ID            int64  `json:"id"`
	BroadcasterID int64  `json:"user_id"`
	Slug          string `json:"slug"`
	Chatroom      struct {
		ID int64 `json:"id"`
	} `json:"chatroom"`
}

// Channel resolves a slug to its broadcaster and chatroom ids through the
// public channel JSON, caching the answer.
type Channel struct {
	Slug       string
	BaseURL    string
	HTTPClient *http.Client

	mu   sync.Mutex
	info *ChannelInfo
}

// Resolve returns the cached channel document, fetching it on first use.
func (c *Channel) Resolve(ctx context.Context) (ChannelInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info != nil {
		return *c.info, nil
	}
	if c.Slug == "" {
		return ChannelInfo{}, errors.New("kick channel slug empty")
	}
	base := publicBase
	if c.BaseURL != "" {
		base = strings.TrimSuffix(c.BaseURL, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v2/channels/"+url.PathEscape(strings.ToLower(c.Slug)), nil)
	if err != nil {
		return ChannelInfo{}, err
	}
	// The public endpoint sits behind bot protection that rejects bare clients.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Referer", "https://kick.com/")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return ChannelInfo{}, connector.Transport(fmt.Errorf("kick channel %s: %w", c.Slug, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if err := connector.CheckResponse(resp, "kick channel "+c.Slug); err != nil {
		return ChannelInfo{}, connector.Transport(err)
	}
	var info ChannelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ChannelInfo{}, fmt.Errorf("decode kick channel: %w", err)
	}
	if info.BroadcasterID == 0 {
		return ChannelInfo{}, fmt.Errorf("kick channel %s has no broadcaster id", c.Slug)
	}
	c.info = &info
	return info, nil
}
