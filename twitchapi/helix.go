// Package twitchapi contains the Twitch Helix and OAuth calls the chat
// connectors need: user resolution, EventSub subscription management,
// channel-point reward lookups, moderation and token validation.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/chatmux/connector"
)

const helixBase = "https://api.twitch.tv/helix"

// HelixClient calls Helix with a user token when one is set, else with the app token.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client

	// Refresh is called once when Helix answers 401 for a user token. It
	// returns the replacement token.
	Refresh func(ctx context.Context) (string, error)

	mu        sync.RWMutex
	userToken string
}

// SetToken installs or rotates the user access token.
func (hc *HelixClient) SetToken(tok string) {
	hc.mu.Lock()
	hc.userToken = tok
	hc.mu.Unlock()
}

func (hc *HelixClient) client() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) token(ctx context.Context) (tok string, user bool, err error) {
	hc.mu.RLock()
	tok = hc.userToken
	hc.mu.RUnlock()
	if tok != "" {
		return tok, true, nil
	}
	if hc.AppTokenSource == nil {
		return "", false, errors.New("no helix token available")
	}
	tok, err = hc.AppTokenSource.Get(ctx)
	return tok, false, err
}

// do sends one Helix request. 429 and 5xx are retried up to three times;
// a 401 triggers one token refresh.
func (hc *HelixClient) do(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	refreshed := false
	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		tok, user, err := hc.token(ctx)
		if err != nil {
			return err
		}
		u := helixBase + path
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := hc.client().Do(req)
		if err != nil {
			return connector.Transport(err)
		}
		err = connector.CheckResponse(resp, "helix "+method+" "+path)
		if err == nil {
			if out != nil && resp.StatusCode != http.StatusNoContent {
				err = json.NewDecoder(resp.Body).Decode(out)
			}
			closeBody(resp)
			return err
		}
		closeBody(resp)

		var se *connector.StatusError
		errors.As(err, &se)
		switch {
		case se.Status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			if user && hc.Refresh != nil {
				fresh, rerr := hc.Refresh(ctx)
				if rerr != nil {
					return rerr
				}
				hc.SetToken(fresh)
				continue
			}
			if !user && hc.AppTokenSource != nil {
				hc.AppTokenSource.Invalidate()
				continue
			}
			return err
		case (se.Status == http.StatusTooManyRequests || se.Status >= 500) && attempt < maxAttempts:
			wait := time.Duration(attempt) * 200 * time.Millisecond
			if reset := resp.Header.Get("Ratelimit-Reset"); reset != "" && se.Status == http.StatusTooManyRequests {
				if ts, perr := strconv.ParseInt(reset, 10, 64); perr == nil {
					if d := time.Until(time.Unix(ts, 0)); d > 0 && d < 5*time.Second {
						wait = d
					}
				}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		return err
	}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUser resolves a login name.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return User{}, err
	}
	if len(body.Data) == 0 {
		return User{}, fmt.Errorf("user not found")
	}
	return body.Data[0], nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	u, err := hc.GetUser(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// Transport is the EventSub delivery method.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscription is an EventSub subscription request.
type Subscription struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// CreateEventSubSubscription registers sub. A 403 (missing scope) or 400 is
// reported as SubscriptionRejected.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, sub Subscription) error {
	err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, sub, nil)
	var se *connector.StatusError
	if errors.As(err, &se) && (se.Status == http.StatusForbidden || se.Status == http.StatusBadRequest) {
		return connector.SubscriptionRejected(sub.Type, err)
	}
	return err
}

// Reward is a channel-points custom reward.
type Reward struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
	Cost   int    `json:"cost"`
}

// GetCustomReward looks up one reward of a broadcaster.
func (hc *HelixClient) GetCustomReward(ctx context.Context, broadcasterID, rewardID string) (Reward, error) {
	var body struct {
		Data []Reward `json:"data"`
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "id": {rewardID}}
	if err := hc.do(ctx, http.MethodGet, "/channel_points/custom_rewards", q, nil, &body); err != nil {
		return Reward{}, err
	}
	if len(body.Data) == 0 {
		return Reward{}, fmt.Errorf("reward not found")
	}
	return body.Data[0], nil
}

// DeleteChatMessage removes one message as moderatorID.
func (hc *HelixClient) DeleteChatMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("message id empty")
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}, "message_id": {messageID}}
	return hc.do(ctx, http.MethodDelete, "/moderation/chat", q, nil, nil)
}

// BanUser bans userID from the broadcaster's chat.
func (hc *HelixClient) BanUser(ctx context.Context, broadcasterID, moderatorID, userID, reason string) error {
	if userID == "" {
		return fmt.Errorf("user id empty")
	}
	q := url.Values{"broadcaster_id": {broadcasterID}, "moderator_id": {moderatorID}}
	body := map[string]any{"data": map[string]string{"user_id": userID, "reason": reason}}
	return hc.do(ctx, http.MethodPost, "/moderation/bans", q, body, nil)
}
