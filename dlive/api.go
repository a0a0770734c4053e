// Package dlive connects to DLive: chat is read through a graphql-ws
// subscription and written, deleted and moderated through GraphQL mutations
// over HTTP.
package dlive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatmux/connector"
)

const apiURL = "https://graphigo.prd.dlive.tv/"

// API is a DLive GraphQL client for one user token.
type API struct {
	URL        string
	HTTPClient *http.Client

	mu    sync.RWMutex
	token string
}

// SetToken rotates the user token.
func (a *API) SetToken(tok string) {
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
}

// Token returns the current user token.
func (a *API) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// HasToken reports whether a user token is set.
func (a *API) HasToken() bool { return a.Token() != "" }

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

// mutationError is the err block DLive mutations return instead of GraphQL errors.
type mutationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *mutationError) asError(op string) error {
	if e == nil {
		return nil
	}
	err := fmt.Errorf("dlive %s: code %d: %s", op, e.Code, e.Message)
	if authFailure(e.Message) {
		return connector.AuthInvalid("dlive rejected token", err)
	}
	return err
}

func authFailure(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "not authenticated") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "login required") ||
		strings.Contains(lower, "invalid token")
}

// do posts one GraphQL document. auth requires and sends the user token.
func (a *API) do(ctx context.Context, op, query string, vars map[string]any, out any, auth bool) error {
	b, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	url := a.URL
	if url == "" {
		url = apiURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if auth {
		tok := a.Token()
		if tok == "" {
			return connector.AuthInvalid("no dlive token", nil)
		}
		req.Header.Set("Authorization", tok)
	}
	hc := a.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return connector.Transport(fmt.Errorf("dlive %s: %w", op, err))
	}
	defer func() { _ = resp.Body.Close() }()
	if err := connector.CheckResponse(resp, "dlive "+op); err != nil {
		if connector.Classify(err) == connector.KindAuthInvalid {
			return connector.AuthInvalid("dlive rejected token", err)
		}
		return err
	}

	var env struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	if len(env.Errors) > 0 {
		err := fmt.Errorf("dlive %s: %s", op, env.Errors[0].Message)
		if authFailure(env.Errors[0].Message) {
			return connector.AuthInvalid("dlive rejected token", err)
		}
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", op, err)
	}
	return nil
}

const userQuery = `query UserByDisplayName($displayname: String!) {
  userByDisplayName(displayname: $displayname) { username displayname }
}`

// Username resolves a display name to the username used as the streamer key.
func (a *API) Username(ctx context.Context, displayname string) (string, error) {
	var out struct {
		User *struct {
			Username    string `json:"username"`
			Displayname string `json:"displayname"`
		} `json:"userByDisplayName"`
	}
	if err := a.do(ctx, "userByDisplayName", userQuery, map[string]any{"displayname": displayname}, &out, false); err != nil {
		return "", err
	}
	if out.User == nil || out.User.Username == "" {
		return "", fmt.Errorf("dlive user %q not found", displayname)
	}
	return out.User.Username, nil
}

const sendMutation = `mutation SendStreamChatMessage($input: SendStreamchatMessageInput!) {
  sendStreamchatMessage(input: $input) {
    err { code message }
    message { __typename ... on ChatText { id content } }
  }
}`

// SendChat posts text to streamer's chat and returns the new message id.
func (a *API) SendChat(ctx context.Context, streamer, text string) (string, error) {
	var out struct {
		Send struct {
			Err     *mutationError `json:"err"`
			Message *struct {
				ID string `json:"id"`
			} `json:"message"`
		} `json:"sendStreamchatMessage"`
	}
	input := map[string]any{
		"streamer":    streamer,
		"message":     text,
		"roomRole":    "Member",
		"subscribing": true,
	}
	if err := a.do(ctx, "sendStreamchatMessage", sendMutation, map[string]any{"input": input}, &out, true); err != nil {
		return "", err
	}
	if err := out.Send.Err.asError("sendStreamchatMessage"); err != nil {
		return "", err
	}
	if out.Send.Message == nil {
		return "", errors.New("dlive sendStreamchatMessage returned no message")
	}
	return out.Send.Message.ID, nil
}

const deleteMutation = `mutation DeleteChat($streamer: String!, $id: String!) {
  deleteChat(streamer: $streamer, id: $id) { err { code message } }
}`

// DeleteChat removes one message from streamer's chat.
func (a *API) DeleteChat(ctx context.Context, streamer, id string) error {
	var out struct {
		Delete struct {
			Err *mutationError `json:"err"`
		} `json:"deleteChat"`
	}
	if err := a.do(ctx, "deleteChat", deleteMutation, map[string]any{"streamer": streamer, "id": id}, &out, true); err != nil {
		return err
	}
	return out.Delete.Err.asError("deleteChat")
}

const banMutation = `mutation BanStreamChatUser($streamer: String!, $username: String!) {
  banStreamChatUser(streamer: $streamer, username: $username) { err { code message } }
}`

// Ban bans username from streamer's chat.
func (a *API) Ban(ctx context.Context, streamer, username string) error {
	var out struct {
		Ban struct {
			Err *mutationError `json:"err"`
		} `json:"banStreamChatUser"`
	}
	if err := a.do(ctx, "banStreamChatUser", banMutation, map[string]any{"streamer": streamer, "username": username}, &out, true); err != nil {
		return err
	}
	return out.Ban.Err.asError("banStreamChatUser")
}
