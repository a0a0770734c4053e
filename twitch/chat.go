// Package twitch connects to Twitch chat over IRC-over-WebSocket and to
// EventSub for channel events, and moderates through Helix.
package twitch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
)

const ircURL = "wss://irc-ws.chat.twitch.tv:443"

// Chat is one IRC connection. Reader sessions use it as their driver; sender
// sessions additionally send through it once the channel is joined.
type Chat struct {
	URL     string
	Channel string
	Nick    string
	WS      connector.WSOptions

	mu    sync.RWMutex
	token string
	conn  *connector.WSConn
	ready atomic.Bool
}

// NewChat returns a connection joining channel as nick.
func NewChat(channel, nick, token string, ws connector.WSOptions) *Chat {
	return &Chat{
		Channel: strings.TrimPrefix(strings.ToLower(channel), "#"),
		Nick:    nick,
		WS:      ws,
		token:   token,
	}
}

// SetToken replaces the OAuth token used by the next connection attempt.
func (c *Chat) SetToken(tok string) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *Chat) Platform() chat.Platform { return chat.Twitch }

func (c *Chat) Username() string { return c.Nick }

// Ready reports whether the channel is joined.
func (c *Chat) Ready() bool { return c.ready.Load() }

// Send writes a PRIVMSG to the joined channel. Twitch echoes it to other
// connections in the channel, including the reader.
func (c *Chat) Send(ctx context.Context, text string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !c.ready.Load() {
		return connector.ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return conn.WriteText("PRIVMSG #" + c.Channel + " :" + text)
}

// Serve runs one IRC connection.
func (c *Chat) Serve(ctx context.Context, link *connector.Link) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := c.URL
	if url == "" {
		url = ircURL
	}
	conn, err := connector.DialWS(ctx, url, c.WS)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	tok := c.token
	c.mu.Unlock()
	defer func() {
		c.ready.Store(false)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	link.Authenticating()
	nick := strings.ToLower(c.Nick)
	if err := conn.WriteText("PASS oauth:" + strings.TrimPrefix(tok, "oauth:")); err != nil {
		return err
	}
	if err := conn.WriteText("NICK " + nick); err != nil {
		return err
	}
	go c.keepalive(ctx, conn)

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, raw := range strings.Split(string(data), "\r\n") {
			if raw == "" {
				continue
			}
			if err := c.handle(link, conn, nick, splitLine(raw)); err != nil {
				return err
			}
		}
	}
}

func (c *Chat) handle(link *connector.Link, conn *connector.WSConn, nick string, l line) error {
	switch l.command {
	case "PING":
		link.Touch()
		return conn.WriteText("PONG :tmi.twitch.tv")
	case "001":
		link.Touch()
		if err := conn.WriteText("CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership"); err != nil {
			return err
		}
		return conn.WriteText("JOIN #" + c.Channel)
	case "JOIN":
		if strings.EqualFold(l.nick(), nick) {
			c.ready.Store(true)
			link.Subscribed()
			link.Logger().Info("joined twitch channel", slog.String("channel", c.Channel))
			return nil
		}
		link.Touch()
	case "PRIVMSG":
		msg, ok := parsePrivmsg(l)
		if !ok {
			link.Logger().Debug("unparsed PRIVMSG", slog.String("line", l.raw))
			link.Touch()
			return nil
		}
		link.Emit(msg)
	case "USERNOTICE":
		msg, ok := parseUsernotice(l)
		if !ok {
			link.Logger().Debug("unparsed USERNOTICE", slog.String("line", l.raw))
			link.Touch()
			return nil
		}
		link.Emit(msg)
	case "CLEARMSG":
		link.Delete(parseClearmsg(l))
	case "NOTICE":
		if authFailure(l) {
			return connector.AuthInvalid("login authentication failed", errors.New(l.trailing()))
		}
		link.Touch()
		link.Logger().Info("twitch notice", slog.String("text", l.trailing()))
	case "RECONNECT":
		return connector.Transport(errors.New("server requested reconnect"))
	default:
		link.Touch()
	}
	return nil
}

func (c *Chat) keepalive(ctx context.Context, conn *connector.WSConn) {
	every := c.WS.PingInterval
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteText("PING :tmi.twitch.tv"); err != nil {
				return
			}
		}
	}
}
