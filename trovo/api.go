// Package trovo connects to Trovo chat: a chat token fetched over REST, then
// a JSON WebSocket protocol with AUTH, PING/PONG and CHAT frames. Sending and
// moderation go through the open platform REST API.
package trovo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatmux/connector"
)

const apiBase = "https://open-api.trovo.live/openplatform"

// API is a Trovo open platform client for one user token.
type API struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client

	mu    sync.RWMutex
	token string
}

// SetToken rotates the OAuth access token.
func (a *API) SetToken(tok string) {
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
}

// HasToken reports whether an access token is set.
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

// do sends one request. auth adds the user token; out may be nil.
func (a *API) do(ctx context.Context, method, path string, body, out any, auth bool) error {
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
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Client-ID", a.ClientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		a.mu.RLock()
		tok := a.token
		a.mu.RUnlock()
		if tok == "" {
			return connector.AuthInvalid("no trovo token", nil)
		}
		req.Header.Set("Authorization", "OAuth "+tok)
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return connector.Transport(fmt.Errorf("trovo %s: %w", path, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if err := connector.CheckResponse(resp, "trovo "+path); err != nil {
		if connector.Classify(err) == connector.KindAuthInvalid {
			return connector.AuthInvalid("trovo rejected token", err)
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

// ChatToken fetches the token used to AUTH on the chat socket.
func (a *API) ChatToken(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := a.do(ctx, http.MethodGet, "/chat/token", nil, &out, true); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("trovo chat token empty")
	}
	return out.Token, nil
}

// User is a Trovo account as returned by getusers.
type User struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname"`
	ChannelID string `json:"channel_id"`
}

// GetUser looks up one account by username.
func (a *API) GetUser(ctx context.Context, username string) (User, error) {
	var out struct {
		Users []User `json:"users"`
	}
	body := map[string][]string{"user": {username}}
	if err := a.do(ctx, http.MethodPost, "/getusers", body, &out, false); err != nil {
		return User{}, err
	}
	if len(out.Users) == 0 {
		return User{}, fmt.Errorf("trovo user %q not found", username)
	}
	return out.Users[0], nil
}

// SendChat posts text to channelID, or to the token owner's channel when
// channelID is empty.
func (a *API) SendChat(ctx context.Context, channelID, text string) error {
	body := map[string]any{"content": text}
	if channelID != "" {
		body["channel_id"] = channelID
	}
	return a.do(ctx, http.MethodPost, "/chat/send", body, nil, true)
}

// Command runs a slash command (without the slash) in channelID.
func (a *API) Command(ctx context.Context, channelID, command string) error {
	var out struct {
		IsSuccess  bool   `json:"is_success"`
		DisplayMsg string `json:"display_msg"`
	}
	body := map[string]string{"command": command, "channel_id": channelID}
	if err := a.do(ctx, http.MethodPost, "/channels/command", body, &out, true); err != nil {
		return err
	}
	if !out.IsSuccess {
		return fmt.Errorf("trovo command %q failed: %s", command, out.DisplayMsg)
	}
	return nil
}

// TokenResponse is the refresh endpoint's answer.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// RefreshToken exchanges a refresh token. baseURL may be empty.
func RefreshToken(ctx context.Context, hc *http.Client, baseURL, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, connector.AuthInvalid("no refresh token", nil)
	}
	a := &API{BaseURL: baseURL, ClientID: clientID, HTTPClient: hc}
	body := map[string]string{
		"client_secret": clientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	var out TokenResponse
	if err := a.do(ctx, http.MethodPost, "/refreshtoken", body, &out, false); err != nil {
		var se *connector.StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusTooManyRequests {
			return nil, connector.AuthInvalid("trovo refresh rejected", err)
		}
		return nil, connector.AuthTransient(err)
	}
	if out.AccessToken == "" {
		return nil, connector.AuthTransient(errors.New("trovo refresh returned no access token"))
	}
	return &out, nil
}
