package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/crypto"
)

func newStore(t *testing.T) *credentials.Store {
	t.Helper()
	s, err := credentials.Open(filepath.Join(t.TempDir(), "config.yaml"), crypto.NopSealer{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	err = s.Merge(chat.Twitch, map[string]any{
		"username":               "streamer",
		"streamer_token":         "old-access",
		"streamer_refresh_token": "old-refresh",
		"client_id":              "cid",
		"client_secret":          "secret",
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	return s
}

func TestRefreshRotatesAndPersists(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, time.Hour)
	m.Register(chat.Twitch, RefreshFunc(func(_ context.Context, g Grant) (Token, error) {
		if g.RefreshToken != "old-refresh" || g.ClientID != "cid" || g.ClientSecret != "secret" {
			t.Errorf("grant = %+v, want stored credential", g)
		}
		return Token{AccessToken: "new-access", RefreshToken: "new-refresh"}, nil
	}))

	var rotations []Rotation
	m.OnRotate(func(r Rotation) { rotations = append(rotations, r) })

	tok, err := m.Refresh(context.Background(), chat.Twitch, chat.Streamer)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q, want new-access", tok.AccessToken)
	}

	c, _ := store.Get(chat.Twitch, chat.Streamer)
	if c.AccessToken != "new-access" || c.RefreshToken != "new-refresh" {
		t.Errorf("stored = %q/%q, want new-access/new-refresh", c.AccessToken, c.RefreshToken)
	}
	if c.TokenIssuedAt.IsZero() {
		t.Error("TokenIssuedAt not recorded")
	}
	if len(rotations) != 1 || rotations[0].AccessToken != "new-access" || rotations[0].Identity != chat.Streamer {
		t.Errorf("rotations = %+v, want one for new-access", rotations)
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, time.Hour)
	m.Register(chat.Twitch, RefreshFunc(func(context.Context, Grant) (Token, error) {
		return Token{AccessToken: "new-access"}, nil
	}))

	if _, err := m.Refresh(context.Background(), chat.Twitch, chat.Streamer); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	c, _ := store.Get(chat.Twitch, chat.Streamer)
	if c.RefreshToken != "old-refresh" {
		t.Errorf("RefreshToken = %q, want old-refresh", c.RefreshToken)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, time.Hour)
	m.Register(chat.Twitch, RefreshFunc(func(context.Context, Grant) (Token, error) {
		return Token{}, &connector.StatusError{Op: "refresh", Status: http.StatusBadRequest, Body: `{"message":"Invalid refresh token"}`}
	}))

	var invalid int
	m.OnInvalid(func(p chat.Platform, id chat.Identity, err error) { invalid++ })

	_, err := m.Refresh(context.Background(), chat.Twitch, chat.Streamer)
	if !connector.IsKind(err, connector.KindAuthInvalid) {
		t.Fatalf("Refresh() error = %v, want AuthInvalid", err)
	}
	if invalid != 1 {
		t.Errorf("OnInvalid calls = %d, want 1", invalid)
	}
	c, _ := store.Get(chat.Twitch, chat.Streamer)
	if !c.NeedsReauth {
		t.Error("NeedsReauth = false, want true")
	}
	if c.AccessToken != "old-access" {
		t.Errorf("AccessToken = %q, want unchanged", c.AccessToken)
	}
}

func TestRefreshTransientKeepsCredential(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, time.Hour)
	m.Register(chat.Twitch, RefreshFunc(func(context.Context, Grant) (Token, error) {
		return Token{}, errors.New("dial tcp: connection refused")
	}))
	m.OnInvalid(func(chat.Platform, chat.Identity, error) { t.Error("OnInvalid called for a transient failure") })

	_, err := m.Refresh(context.Background(), chat.Twitch, chat.Streamer)
	if !connector.IsKind(err, connector.KindAuthTransient) {
		t.Fatalf("Refresh() error = %v, want AuthTransient", err)
	}
	c, _ := store.Get(chat.Twitch, chat.Streamer)
	if c.NeedsReauth {
		t.Error("NeedsReauth = true after transient failure")
	}
}

func TestRefreshWithoutRefresher(t *testing.T) {
	m := NewManager(newStore(t), time.Hour)
	_, err := m.Refresh(context.Background(), chat.DLive, chat.Streamer)
	if !connector.IsKind(err, connector.KindAuthInvalid) {
		t.Errorf("Refresh() error = %v, want AuthInvalid", err)
	}
}

func TestRefreshConcurrentTriggersCoalesce(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, time.Hour)

	var calls atomic.Int32
	release := make(chan struct{})
	m.Register(chat.Twitch, RefreshFunc(func(context.Context, Grant) (Token, error) {
		calls.Add(1)
		<-release
		return Token{AccessToken: "new-access"}, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Refresh(context.Background(), chat.Twitch, chat.Streamer); err != nil {
				t.Errorf("Refresh() error = %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n > 2 {
		t.Errorf("upstream refresh calls = %d, want coalesced", n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want connector.Kind
	}{
		{"retrieve invalid_grant", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, connector.KindAuthInvalid},
		{"retrieve 400", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 400}}, connector.KindAuthInvalid},
		{"retrieve 503", &oauth2.RetrieveError{Response: &http.Response{StatusCode: 503}}, connector.KindAuthTransient},
		{"status 401", &connector.StatusError{Status: 401}, connector.KindAuthInvalid},
		{"status 500", &connector.StatusError{Status: 500}, connector.KindAuthTransient},
		{"network", errors.New("i/o timeout"), connector.KindAuthTransient},
		{"text invalid_grant", errors.New(`{"error":"invalid_grant"}`), connector.KindAuthInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOAuth2Refresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"}) //nolint:errcheck // test response
			return
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test response
			"access_token":  "fresh",
			"refresh_token": "rotated",
			"expires_in":    3600,
			"token_type":    "bearer",
		})
	}))
	defer srv.Close()

	r := OAuth2Refresher{Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}, HTTPClient: srv.Client()}

	tok, err := r.Refresh(context.Background(), Grant{ClientID: "c", ClientSecret: "s", RefreshToken: "good"})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "fresh" || tok.RefreshToken != "rotated" {
		t.Errorf("Refresh() = %+v, want fresh/rotated", tok)
	}

	_, err = r.Refresh(context.Background(), Grant{ClientID: "c", ClientSecret: "s", RefreshToken: "revoked"})
	if Classify(err) != connector.KindAuthInvalid {
		t.Errorf("Classify(revoked) = %v, want AuthInvalid", Classify(err))
	}
}

func TestProactiveRefreshDue(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, 50*time.Minute)
	var calls atomic.Int32
	m.Register(chat.Twitch, RefreshFunc(func(context.Context, Grant) (Token, error) {
		calls.Add(1)
		return Token{AccessToken: "new-access"}, nil
	}))

	// No issued-at: refreshed on first pass.
	m.refreshDue(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("calls after first pass = %d, want 1", calls.Load())
	}
	// Freshly issued: skipped.
	m.refreshDue(context.Background())
	if calls.Load() != 1 {
		t.Errorf("calls after second pass = %d, want 1", calls.Load())
	}
	// Past the interval.
	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	m.refreshDue(context.Background())
	if calls.Load() != 2 {
		t.Errorf("calls after interval = %d, want 2", calls.Load())
	}
}

func TestProactiveSkipsNeedsReauth(t *testing.T) {
	store := newStore(t)
	if err := store.Set(chat.Twitch, chat.Streamer, credentials.FieldNeedsReauth, true); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	m := NewManager(store, time.Minute)
	m.Register(chat.Twitch, RefreshFunc(func(context.Context, Grant) (Token, error) {
		t.Error("refresh attempted for a credential needing re-auth")
		return Token{}, nil
	}))
	m.refreshDue(context.Background())
}

func TestStartRefreshesImmediately(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, 50*time.Minute)
	rotated := make(chan Rotation, 1)
	m.OnRotate(func(r Rotation) { rotated <- r })
	m.Register(chat.Twitch, RefreshFunc(func(context.Context, Grant) (Token, error) {
		return Token{AccessToken: "new-access"}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, time.Hour)

	select {
	case r := <-rotated:
		if r.Platform != chat.Twitch || r.AccessToken != "new-access" {
			t.Errorf("rotation = %+v", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not refresh the stale credential")
	}
}
