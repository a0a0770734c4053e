package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Start launches a goroutine that refreshes credentials whose token is older
// than the manager interval. The first scan runs immediately; later scans run
// every checkEvery (default 5m) with ±20% jitter to spread refreshes.
func (m *Manager) Start(ctx context.Context, checkEvery time.Duration) {
	if checkEvery <= 0 {
		checkEvery = 5 * time.Minute
	}
	go func() {
		m.log.Info("token refresher started", slog.Duration("check_every", checkEvery), slog.Duration("max_age", m.interval))
		for {
			m.refreshDue(ctx)

			jitterRange := int64(checkEvery / 5)
			var jitter time.Duration
			if jitterRange > 0 {
				//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
				jitter = time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			}
			nextSleep := checkEvery + jitter
			if nextSleep < checkEvery/2 {
				nextSleep = checkEvery / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}

// KickEndpoint is Kick's OAuth 2.1 issuer.
var KickEndpoint = oauth2.Endpoint{
	AuthURL:   "https://id.kick.com/oauth/authorize",
	TokenURL:  "https://id.kick.com/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// OAuth2Refresher refreshes through a standard OAuth2 token endpoint.
type OAuth2Refresher struct {
	Endpoint   oauth2.Endpoint
	HTTPClient *http.Client
}

// GoogleRefresher refreshes YouTube credentials.
func GoogleRefresher(hc *http.Client) OAuth2Refresher {
	return OAuth2Refresher{Endpoint: google.Endpoint, HTTPClient: hc}
}

// KickRefresher refreshes Kick user credentials.
func KickRefresher(hc *http.Client) OAuth2Refresher {
	return OAuth2Refresher{Endpoint: KickEndpoint, HTTPClient: hc}
}

func (r OAuth2Refresher) Refresh(ctx context.Context, g Grant) (Token, error) {
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	cfg := &oauth2.Config{ClientID: g.ClientID, ClientSecret: g.ClientSecret, Endpoint: r.Endpoint}
	// An expired token with only a refresh token forces the exchange.
	t, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: g.RefreshToken, Expiry: time.Unix(1, 0)}).Token()
	if err != nil {
		return Token{}, err
	}
	out := Token{AccessToken: t.AccessToken, Expiry: t.Expiry}
	if t.RefreshToken != g.RefreshToken {
		out.RefreshToken = t.RefreshToken
	}
	return out, nil
}
