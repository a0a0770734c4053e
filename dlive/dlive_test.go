package dlive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/supervisor"
	"github.com/onnwee/chatmux/testutil"
)

type gqlCall struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
	Auth      string         `json:"-"`
}

type gqlCalls struct {
	mu    sync.Mutex
	calls []gqlCall
}

func (c *gqlCalls) all() []gqlCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gqlCall(nil), c.calls...)
}

// graphql serves the HTTP GraphQL endpoint, answering by operation.
func graphql(t *testing.T, answers map[string]any) (*testutil.MockServer, *gqlCalls) {
	t.Helper()
	m := testutil.NewMockServer(t)
	calls := &gqlCalls{}
	m.Handle("/", func(w http.ResponseWriter, r *http.Request) {
		var c gqlCall
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			t.Errorf("decode graphql request: %v", err)
		}
		c.Auth = r.Header.Get("Authorization")
		calls.mu.Lock()
		calls.calls = append(calls.calls, c)
		calls.mu.Unlock()
		for op, answer := range answers {
			if strings.Contains(c.Query, op) {
				testutil.WriteJSON(w, http.StatusOK, answer)
				return
			}
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"errors": []map[string]string{{"message": "unknown operation"}}})
	})
	return m, calls
}

func userAnswer() map[string]any {
	return map[string]any{"data": map[string]any{"userByDisplayName": map[string]string{"username": "streamer-x1", "displayname": "Streamer"}}}
}

func dataFrame(id string, events ...string) string {
	return fmt.Sprintf(`{"id":%q,"type":"data","payload":{"data":{"streamMessageReceived":[%s]}}}`, id, strings.Join(events, ","))
}

func TestChatSubscribesAndMapsEvents(t *testing.T) {
	m, _ := graphql(t, map[string]any{"userByDisplayName": userAnswer()})
	srv := testutil.NewWSServer(t, func(t *testing.T, conn *websocket.Conn, n int) {
		var init wsFrame
		_ = json.Unmarshal([]byte(testutil.ReadText(conn)), &init)
		if init.Type != "connection_init" || !strings.Contains(string(init.Payload), `"authorization":"tok"`) {
			t.Errorf("init = %s %s, want connection_init with token", init.Type, init.Payload)
		}
		testutil.WriteText(conn, `{"type":"connection_ack"}`)
		var start struct {
			ID      string `json:"id"`
			Type    string `json:"type"`
			Payload struct {
				Query     string            `json:"query"`
				Variables map[string]string `json:"variables"`
			} `json:"payload"`
		}
		_ = json.Unmarshal([]byte(testutil.ReadText(conn)), &start)
		if start.Type != "start" || start.Payload.Variables["streamer"] != "streamer-x1" || !strings.Contains(start.Payload.Query, "streamMessageReceived") {
			t.Errorf("start = %+v, want subscription for streamer-x1", start)
		}
		testutil.WriteText(conn, `{"type":"ka"}`)
		testutil.WriteText(conn, dataFrame(start.ID,
			`{"__typename":"ChatText","id":"t1","content":"hi","createdAt":"1700000000000000000","roomRole":"Moderator","subscribing":true,"sender":{"username":"viewer-1","displayname":"Viewer","partnerStatus":"NONE"}}`,
			`{"__typename":"ChatGift","id":"g1","gift":"LEMON","amount":"5","createdAt":"1700000001000","sender":{"username":"fan-1","displayname":"Fan"}}`,
			`{"__typename":"ChatHost","id":"h1","viewer":12,"sender":{"username":"host-1","displayname":"Host"}}`,
			`{"__typename":"ChatLive"}`,
		))
		testutil.WriteText(conn, dataFrame("other", `{"__typename":"ChatText","id":"x","content":"not ours"}`))
		testutil.WriteText(conn, dataFrame(start.ID, `{"__typename":"ChatDelete","ids":["t1"]}`))
		testutil.Drain(conn)
	}, Subprotocol)

	api := &API{URL: m.URL + "/"}
	api.SetToken("tok")
	resolved := make(chan string, 1)
	c := &Chat{URL: srv.URL, API: api, Channel: "Streamer", OnStreamer: func(u string) { resolved <- u }}
	sink := &testutil.Sink{}
	s := testutil.OpenSession(t, connector.Config{Platform: chat.DLive, Policy: testutil.FastPolicy()}, c, sink)

	testutil.WaitFor(t, "deletion", func() bool { return len(sink.Deletes()) == 1 })
	if !s.Ready() {
		t.Errorf("State() = %v, want Subscribed", s.State())
	}
	if u := <-resolved; u != "streamer-x1" {
		t.Errorf("resolved streamer = %q", u)
	}
	msgs := sink.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	text := msgs[0]
	if text.ID != "t1" || text.Username != "Viewer" || text.UserID != "viewer-1" || text.Text != "hi" {
		t.Errorf("text = %+v", text)
	}
	if len(text.Badges) != 2 || text.Badges[0] != "moderator" || text.Badges[1] != "subscriber" {
		t.Errorf("Badges = %v, want [moderator subscriber]", text.Badges)
	}
	if !text.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Timestamp = %v", text.Timestamp)
	}
	if g := msgs[1]; g.Kind != chat.KindGift || g.Data["amount"] != 5 || g.Text != "LEMON x5" || !g.Timestamp.Equal(time.UnixMilli(1700000001000)) {
		t.Errorf("gift = %+v", g)
	}
	if h := msgs[2]; h.Kind != chat.KindRaid || h.Data["viewers"] != 12 {
		t.Errorf("host = %+v", h)
	}
	if d := sink.Deletes()[0]; d.MessageID != "t1" {
		t.Errorf("deletion = %+v, want t1", d)
	}
}

func TestChatSubscriptionErrorStops(t *testing.T) {
	m, calls := graphql(t, nil)
	srv := testutil.NewWSServer(t, func(t *testing.T, conn *websocket.Conn, n int) {
		testutil.ReadText(conn)
		testutil.WriteText(conn, `{"type":"connection_ack"}`)
		var start wsFrame
		_ = json.Unmarshal([]byte(testutil.ReadText(conn)), &start)
		testutil.WriteText(conn, `{"id":"`+start.ID+`","type":"error","payload":[{"message":"streamer not found"}]}`)
		testutil.Drain(conn)
	}, Subprotocol)

	c := &Chat{URL: srv.URL, API: &API{URL: m.URL + "/"}, Channel: "Streamer", Streamer: "known"}
	s := testutil.OpenSession(t, connector.Config{Platform: chat.DLive, Policy: testutil.FastPolicy()}, c, &testutil.Sink{})

	testutil.WaitFor(t, "stopped", func() bool { return s.State() == connector.Stopped })
	if k := connector.KindOf(s.LastError()); k != connector.KindSubscriptionRejected {
		t.Errorf("KindOf(LastError()) = %v, want SubscriptionRejected", k)
	}
	if n := len(calls.all()); n != 0 {
		t.Errorf("graphql calls = %d, want 0 with a known streamer", n)
	}
}

func TestSenderAndModerator(t *testing.T) {
	m, calls := graphql(t, map[string]any{
		"userByDisplayName":     userAnswer(),
		"sendStreamchatMessage": map[string]any{"data": map[string]any{"sendStreamchatMessage": map[string]any{"err": nil, "message": map[string]string{"__typename": "ChatText", "id": "s1"}}}},
		"deleteChat":            map[string]any{"data": map[string]any{"deleteChat": map[string]any{"err": nil}}},
		"banStreamChatUser":     map[string]any{"data": map[string]any{"banStreamChatUser": map[string]any{"err": map[string]any{"code": 6001, "message": "Not authenticated"}}}},
	})
	a := Adapter{APIURL: m.URL + "/"}
	cred := credentials.Credential{Identity: chat.Bot, AccessToken: "bot-tok", Username: "botty"}

	snd, err := a.Sender(supervisor.Env{}, "Streamer", cred)
	if err != nil {
		t.Fatalf("Sender() error = %v", err)
	}
	if !snd.Ready() || snd.Username() != "botty" {
		t.Errorf("sender Ready/Username = %v/%q", snd.Ready(), snd.Username())
	}
	if err := snd.Send(context.Background(), " hello "); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	send := calls.all()[1]
	input, _ := send.Variables["input"].(map[string]any)
	if send.Auth != "bot-tok" || input["streamer"] != "streamer-x1" || input["message"] != "hello" {
		t.Errorf("send call = %+v", send)
	}

	mod, err := a.Moderator(supervisor.Env{}, "Streamer", credentials.Credential{Identity: chat.Streamer, AccessToken: "st-tok", UserID: "streamer-x1"})
	if err != nil {
		t.Fatalf("Moderator() error = %v", err)
	}
	if err := mod.Delete(context.Background(), "t1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if del := calls.all()[2]; del.Variables["id"] != "t1" || del.Variables["streamer"] != "streamer-x1" || del.Auth != "st-tok" {
		t.Errorf("delete call = %+v", del)
	}
	if err := mod.Ban(context.Background(), "troll", ""); !connector.IsKind(err, connector.KindAuthInvalid) {
		t.Errorf("Ban() error = %v, want AuthInvalid", err)
	}

	if _, err := a.Sender(supervisor.Env{}, "Streamer", credentials.Credential{}); err == nil {
		t.Error("Sender() without token error = nil")
	}
}

func TestParseCreatedAt(t *testing.T) {
	want := time.Unix(1700000000, 0)
	for _, in := range []string{"1700000000", "1700000000000", "1700000000000000", "1700000000000000000"} {
		if got := parseCreatedAt(in); !got.Equal(want) {
			t.Errorf("parseCreatedAt(%s) = %v, want %v", in, got, want)
		}
	}
	if got := parseCreatedAt("soon"); !got.IsZero() {
		t.Errorf("parseCreatedAt(soon) = %v, want zero", got)
	}
}
