// Package oauth is the token manager. It refreshes access tokens with the
// stored refresh tokens, persists the result through the credential store and
// notifies dependents of rotations and revocations.
//
// Refreshes are triggered proactively by Start and reactively through Refresh.
// Concurrent triggers for one credential collapse into a single upstream call.
package oauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/telemetry"
)

// Grant is the input of one refresh.
type Grant struct {
	Platform     chat.Platform
	Identity     chat.Identity
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Token is the issuer's answer. RefreshToken is empty when the issuer did not rotate it.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, g Grant) (Token, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, g Grant) (Token, error)

func (f RefreshFunc) Refresh(ctx context.Context, g Grant) (Token, error) { return f(ctx, g) }

// Rotation announces a new access token for a credential.
type Rotation struct {
	Platform    chat.Platform
	Identity    chat.Identity
	AccessToken string
	IssuedAt    time.Time
}

// Store is the part of the credential store the manager uses.
type Store interface {
	Get(p chat.Platform, id chat.Identity) (credentials.Credential, bool)
	Merge(p chat.Platform, updates map[string]any) error
	Platforms() []chat.Platform
}

// Manager coordinates refreshes for every platform with a registered Refresher.
type Manager struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
	group    singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu         sync.RWMutex
	refreshers map[chat.Platform]Refresher
	onRotate   []func(Rotation)
	onInvalid  []func(chat.Platform, chat.Identity, error)
}

// NewManager builds a Manager. interval is the proactive refresh age (default 50m).
func NewManager(store Store, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = 50 * time.Minute
	}
	return &Manager{
		store:      store,
		interval:   interval,
		now:        time.Now,
		log:        slog.With(slog.String("component", "token_manager")),
		locks:      make(map[string]*sync.Mutex),
		refreshers: make(map[chat.Platform]Refresher),
	}
}

// Register installs the refresher for a platform.
func (m *Manager) Register(p chat.Platform, r Refresher) {
	m.mu.Lock()
	m.refreshers[p] = r
	m.mu.Unlock()
}

// Supports reports whether p has a refresher.
func (m *Manager) Supports(p chat.Platform) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.refreshers[p]
	return ok
}

// OnRotate registers a callback run after every successful refresh.
func (m *Manager) OnRotate(fn func(Rotation)) {
	m.mu.Lock()
	m.onRotate = append(m.onRotate, fn)
	m.mu.Unlock()
}

// OnInvalid registers a callback run when a refresh token is rejected.
func (m *Manager) OnInvalid(fn func(chat.Platform, chat.Identity, error)) {
	m.mu.Lock()
	m.onInvalid = append(m.onInvalid, fn)
	m.mu.Unlock()
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Refresh refreshes one credential now. Errors are classified as
// connector.KindAuthInvalid (re-auth needed) or connector.KindAuthTransient.
func (m *Manager) Refresh(ctx context.Context, p chat.Platform, id chat.Identity) (Token, error) {
	key := string(p) + "/" + string(id)
	v, err, shared := m.group.Do(key, func() (any, error) {
		l := m.lockFor(key)
		l.Lock()
		defer l.Unlock()
		return m.refresh(ctx, p, id)
	})
	if shared {
		m.log.Debug("refresh coalesced", slog.String("platform", string(p)), slog.String("identity", string(id)))
	}
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

// Reauth returns a connector.Config Reauth hook for a credential.
func (m *Manager) Reauth(p chat.Platform, id chat.Identity) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := m.Refresh(ctx, p, id)
		return err
	}
}

func (m *Manager) refresh(ctx context.Context, p chat.Platform, id chat.Identity) (Token, error) {
	ctx, span := telemetry.StartSpan(ctx, "oauth", "oauth.Refresh",
		telemetry.PlatformAttr(string(p)), telemetry.IdentityAttr(string(id)))
	defer span.End()

	m.mu.RLock()
	r, ok := m.refreshers[p]
	m.mu.RUnlock()
	if !ok {
		err := connector.AuthInvalid("refresh not supported", nil)
		telemetry.RecordError(span, err)
		return Token{}, err
	}

	cred, ok := m.store.Get(p, id)
	if !ok || cred.RefreshToken == "" {
		err := connector.AuthInvalid("no refresh token", nil)
		m.invalidate(p, id, err)
		telemetry.RecordError(span, err)
		return Token{}, err
	}

	var tok Token
	var err error
	telemetry.TimeFunc(telemetry.ObserverFor(telemetry.RefreshDuration, string(p)), func() {
		tok, err = r.Refresh(ctx, Grant{
			Platform:     p,
			Identity:     id,
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			RefreshToken: cred.RefreshToken,
		})
	})
	if err == nil && tok.AccessToken == "" {
		err = errors.New("empty access_token in refresh response")
	}
	if err != nil {
		telemetry.RecordError(span, err)
		if Classify(err) == connector.KindAuthInvalid {
			telemetry.IncTokenRefresh(string(p), "invalid")
			cerr := connector.AuthInvalid("invalid_grant", err)
			m.invalidate(p, id, cerr)
			return Token{}, cerr
		}
		telemetry.IncTokenRefresh(string(p), "transient")
		m.log.Warn("token refresh failed", slog.String("platform", string(p)), slog.String("identity", string(id)), slog.Any("err", err))
		return Token{}, connector.AuthTransient(err)
	}

	issued := m.now().UTC()
	updates := map[string]any{
		credentials.Key(id, credentials.FieldAccessToken):   tok.AccessToken,
		credentials.Key(id, credentials.FieldTokenIssuedAt): issued,
		credentials.Key(id, credentials.FieldNeedsReauth):   false,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		updates[credentials.Key(id, credentials.FieldRefreshToken)] = tok.RefreshToken
	}
	if err := m.store.Merge(p, updates); err != nil {
		m.log.Error("token persist failed", slog.String("platform", string(p)), slog.Any("err", err))
	}

	telemetry.IncTokenRefresh(string(p), "ok")
	telemetry.SetSpanSuccess(span)
	m.log.Info("token refreshed", slog.String("platform", string(p)), slog.String("identity", string(id)))

	rot := Rotation{Platform: p, Identity: id, AccessToken: tok.AccessToken, IssuedAt: issued}
	m.mu.RLock()
	fns := append([]func(Rotation){}, m.onRotate...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(rot)
	}
	return tok, nil
}

func (m *Manager) invalidate(p chat.Platform, id chat.Identity, err error) {
	m.log.Warn("credential needs re-authentication", slog.String("platform", string(p)), slog.String("identity", string(id)), slog.Any("err", err))
	if merr := m.store.Merge(p, map[string]any{credentials.Key(id, credentials.FieldNeedsReauth): true}); merr != nil {
		m.log.Error("failed to flag credential", slog.String("platform", string(p)), slog.Any("err", merr))
	}
	m.mu.RLock()
	fns := append([]func(chat.Platform, chat.Identity, error){}, m.onInvalid...)
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(p, id, err)
	}
}

// Classify reports whether a refresh failure means the grant is gone
// (KindAuthInvalid) or may succeed later (KindAuthTransient).
func Classify(err error) connector.Kind {
	if err == nil {
		return connector.KindUnknown
	}
	switch connector.KindOf(err) {
	case connector.KindAuthInvalid:
		return connector.KindAuthInvalid
	case connector.KindAuthTransient, connector.KindTransportDown:
		return connector.KindAuthTransient
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" {
			return connector.KindAuthInvalid
		}
		if re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return connector.KindAuthInvalid
		}
		return connector.KindAuthTransient
	}

	var se *connector.StatusError
	if errors.As(err, &se) {
		if se.Status == http.StatusBadRequest || se.Status == http.StatusUnauthorized {
			return connector.KindAuthInvalid
		}
		return connector.KindAuthTransient
	}

	if strings.Contains(strings.ToLower(err.Error()), "invalid_grant") {
		return connector.KindAuthInvalid
	}
	return connector.KindAuthTransient
}

// due reports whether a credential should be refreshed proactively.
func (m *Manager) due(c credentials.Credential) bool {
	if c.RefreshToken == "" || c.NeedsReauth || c.Disabled {
		return false
	}
	if c.TokenIssuedAt.IsZero() {
		return true
	}
	return m.now().Sub(c.TokenIssuedAt) >= m.interval
}

// refreshDue refreshes every due credential once.
func (m *Manager) refreshDue(ctx context.Context) {
	for _, p := range m.store.Platforms() {
		if !m.Supports(p) {
			continue
		}
		for _, id := range []chat.Identity{chat.Streamer, chat.Bot} {
			c, ok := m.store.Get(p, id)
			if !ok || !m.due(c) {
				continue
			}
			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			if _, err := m.Refresh(ctx2, p, id); err != nil {
				m.log.Warn("proactive refresh failed", slog.String("platform", string(p)), slog.String("identity", string(id)), slog.Any("err", err))
			}
			cancel()
		}
	}
}
