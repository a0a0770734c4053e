package twitch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/testutil"
)

// handshake plays the server side of login and join, returning the PASS line.
func handshake(t *testing.T, conn *websocket.Conn, nick string) string {
	t.Helper()
	var pass string
	for {
		l := testutil.ReadText(conn)
		switch {
		case l == "":
			return pass
		case strings.HasPrefix(l, "PASS "):
			pass = strings.TrimPrefix(l, "PASS ")
		case strings.HasPrefix(l, "NICK "):
			testutil.WriteText(conn, ":tmi.twitch.tv 001 "+nick+" :Welcome, GLHF!")
		case strings.HasPrefix(l, "JOIN "):
			testutil.WriteText(conn, ":"+nick+"!"+nick+"@"+nick+".tmi.twitch.tv JOIN "+strings.TrimPrefix(l, "JOIN "))
			return pass
		}
	}
}

func privmsg(id, user, text string) string {
	return "@badges=;color=;display-name=" + user + ";id=" + id + ";tmi-sent-ts=1700000000000;user-id=1 :" +
		strings.ToLower(user) + "!u@u.tmi.twitch.tv PRIVMSG #chan :" + text
}

func TestChatReadsMessagesAndDeletions(t *testing.T) {
	srv := testutil.NewWSServer(t, func(t *testing.T, conn *websocket.Conn, n int) {
		if pass := handshake(t, conn, "streamer"); pass != "oauth:tok" {
			t.Errorf("PASS = %q, want oauth:tok", pass)
		}
		testutil.WriteText(conn, privmsg("m1", "Alice", "hi")+"\r\n"+privmsg("m2", "Bob", "yo")+"\r\n")
		testutil.WriteText(conn, "@login=alice;target-msg-id=m1;tmi-sent-ts=1 :tmi.twitch.tv CLEARMSG #chan :hi")
		testutil.Drain(conn)
	})

	c := NewChat("#Chan", "Streamer", "tok", connector.WSOptions{})
	c.URL = srv.URL
	sink := &testutil.Sink{}
	testutil.OpenSession(t, connector.Config{Platform: chat.Twitch, Channel: "chan", Policy: testutil.FastPolicy()}, c, sink)

	testutil.WaitFor(t, "deletion", func() bool { return len(sink.Deletes()) == 1 })
	msgs := sink.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].Text != "yo" {
		t.Fatalf("messages = %+v, want m1 then m2", msgs)
	}
	if d := sink.Deletes()[0]; d.MessageID != "m1" || d.Platform != chat.Twitch {
		t.Errorf("deletion = %+v, want twitch/m1", d)
	}
}

func TestChatAnswersPing(t *testing.T) {
	pong := make(chan string, 1)
	srv := testutil.NewWSServer(t, func(t *testing.T, conn *websocket.Conn, n int) {
		handshake(t, conn, "streamer")
		testutil.WriteText(conn, "PING :tmi.twitch.tv")
		pong <- testutil.ReadText(conn)
		testutil.Drain(conn)
	})
	c := NewChat("chan", "streamer", "tok", connector.WSOptions{})
	c.URL = srv.URL
	testutil.OpenSession(t, connector.Config{Platform: chat.Twitch, Policy: testutil.FastPolicy()}, c, &testutil.Sink{})

	select {
	case got := <-pong:
		if got != "PONG :tmi.twitch.tv" {
			t.Errorf("reply = %q, want PONG :tmi.twitch.tv", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no PONG received")
	}
}

func TestChatAuthFailureRefreshesAndReconnects(t *testing.T) {
	var passes []string
	var passMu sync.Mutex
	srv := testutil.NewWSServer(t, func(t *testing.T, conn *websocket.Conn, n int) {
		pass := handshake(t, conn, "streamer")
		passMu.Lock()
		passes = append(passes, pass)
		passMu.Unlock()
		switch n {
		case 1:
			testutil.WriteText(conn, privmsg("m1", "Alice", "before"))
			testutil.WriteText(conn, ":tmi.twitch.tv NOTICE * :Login authentication failed")
		default:
			// The server replays recent history after the reconnect.
			testutil.WriteText(conn, privmsg("m1", "Alice", "before"))
			testutil.WriteText(conn, privmsg("m2", "Alice", "after"))
		}
		testutil.Drain(conn)
	})

	c := NewChat("chan", "streamer", "stale", connector.WSOptions{})
	c.URL = srv.URL
	sink := &testutil.Sink{}
	var reauths atomic.Int32
	testutil.OpenSession(t, connector.Config{
		Platform: chat.Twitch,
		Policy:   testutil.FastPolicy(),
		Reauth: func(ctx context.Context) error {
			reauths.Add(1)
			c.SetToken("fresh")
			return nil
		},
	}, c, sink)

	testutil.WaitFor(t, "message after reconnect", func() bool { return len(sink.Messages()) == 2 })
	time.Sleep(50 * time.Millisecond)

	msgs := sink.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("messages = %+v, want m1 and m2 once each", msgs)
	}
	if got := reauths.Load(); got != 1 {
		t.Errorf("reauths = %d, want 1", got)
	}
	passMu.Lock()
	if len(passes) != 2 || passes[0] != "oauth:stale" || passes[1] != "oauth:fresh" {
		t.Errorf("PASS lines = %v, want stale then fresh", passes)
	}
	passMu.Unlock()
	if want := []string{"Subscribed", "Reconnecting", "Subscribed"}; !testutil.Subsequence(sink.States(), want) {
		t.Errorf("states = %v, want subsequence %v", sink.States(), want)
	}
}

func TestChatAuthFailureWithoutRefreshStops(t *testing.T) {
	srv := testutil.NewWSServer(t, func(t *testing.T, conn *websocket.Conn, n int) {
		for {
			l := testutil.ReadText(conn)
			if l == "" {
				return
			}
			if strings.HasPrefix(l, "NICK ") {
				testutil.WriteText(conn, ":tmi.twitch.tv NOTICE * :Login authentication failed")
			}
		}
	})
	c := NewChat("chan", "streamer", "bad", connector.WSOptions{})
	c.URL = srv.URL
	s := testutil.OpenSession(t, connector.Config{Platform: chat.Twitch, Policy: testutil.FastPolicy()}, c, &testutil.Sink{})

	testutil.WaitFor(t, "stopped", func() bool { return s.State() == connector.Stopped })
	if k := connector.KindOf(s.LastError()); k != connector.KindAuthInvalid {
		t.Errorf("KindOf(LastError()) = %v, want AuthInvalid", k)
	}
}

func TestChatSender(t *testing.T) {
	got := make(chan string, 1)
	srv := testutil.NewWSServer(t, func(t *testing.T, conn *websocket.Conn, n int) {
		handshake(t, conn, "botty")
		for {
			l := testutil.ReadText(conn)
			if l == "" {
				return
			}
			if strings.HasPrefix(l, "PRIVMSG ") {
				got <- l
			}
		}
	})

	c := NewChat("chan", "Botty", "tok", connector.WSOptions{})
	c.URL = srv.URL
	if err := c.Send(context.Background(), "early"); !errors.Is(err, connector.ErrNotReady) {
		t.Fatalf("Send() before join error = %v, want ErrNotReady", err)
	}

	testutil.OpenSession(t, connector.Config{Platform: chat.Twitch, Role: chat.Sender, Identity: chat.Bot, Policy: testutil.FastPolicy()}, c, &testutil.Sink{})
	testutil.WaitFor(t, "sender ready", c.Ready)

	if err := c.Send(context.Background(), "hello\nworld"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case l := <-got:
		if l != "PRIVMSG #chan :hello world" {
			t.Errorf("sent %q, want PRIVMSG #chan :hello world", l)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server received no PRIVMSG")
	}
}

func TestChatReconnectCommand(t *testing.T) {
	srv := testutil.NewWSServer(t, func(t *testing.T, conn *websocket.Conn, n int) {
		handshake(t, conn, "streamer")
		if n == 1 {
			testutil.WriteText(conn, ":tmi.twitch.tv RECONNECT")
		}
		testutil.Drain(conn)
	})
	c := NewChat("chan", "streamer", "tok", connector.WSOptions{})
	c.URL = srv.URL
	s := testutil.OpenSession(t, connector.Config{Platform: chat.Twitch, Policy: testutil.FastPolicy()}, c, &testutil.Sink{})

	testutil.WaitFor(t, "second connection", func() bool { return srv.Connections() == 2 && s.Ready() })
}
