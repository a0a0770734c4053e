package supervisor

import (
	"context"
	"net/http"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/oauth"
)

// Routes is the shared callback server as seen by webhook platforms.
type Routes interface {
	Handle(path string, h http.Handler)
	Remove(path string)
}

// Env carries the process-wide dependencies an adapter may need to build
// drivers, senders and moderators.
type Env struct {
	HTTPClient *http.Client
	WS         connector.WSOptions
	Store      *credentials.Store
	Routes     Routes
	// PublicURL is the externally reachable base URL of the callback server.
	PublicURL string
	// Refresh forces a token refresh for an identity of the adapter's
	// platform and returns the new access token.
	Refresh func(ctx context.Context, id chat.Identity) (string, error)
}

// Adapter builds the platform-specific pieces the supervisor wires into
// sessions. channel is the streamer's channel name on the platform.
type Adapter interface {
	Platform() chat.Platform
	Policy() connector.Policy
	// Echoes reports whether the platform echoes sent messages to the reader.
	Echoes() bool
	// Refresher returns the token refresher for the platform, or nil.
	Refresher(hc *http.Client) oauth.Refresher
	// Reader builds the reader driver for the streamer credential.
	Reader(env Env, channel string, cred credentials.Credential) (connector.Driver, error)
	// Sender builds the send path for cred. A sender that also implements
	// connector.Driver is run in its own sender session.
	Sender(env Env, channel string, cred credentials.Credential) (connector.Sender, error)
	// Moderator builds delete and ban for the streamer credential.
	Moderator(env Env, channel string, cred credentials.Credential) (connector.Moderator, error)
}

// Companion is an extra reader-side driver a platform runs next to its reader.
type Companion struct {
	Name   string
	Driver connector.Driver
	Policy connector.Policy
}

// CompanionAdapter is implemented by adapters that run companion sessions.
type CompanionAdapter interface {
	Companions(env Env, channel string, cred credentials.Credential) ([]Companion, error)
}
