package youtubeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/supervisor"
	"github.com/onnwee/chatmux/testutil"
)

const (
	channelsPath = "/youtube/v3/channels"
	searchPath   = "/youtube/v3/search"
	videosPath   = "/youtube/v3/videos"
	messagesPath = "/youtube/v3/liveChat/messages"
	bansPath     = "/youtube/v3/liveChat/bans"
)

func textItem(id, author, name, text string) map[string]any {
	return map[string]any{
		"id": id,
		"snippet": map[string]any{
			"type":            "textMessageEvent",
			"displayMessage":  text,
			"publishedAt":     "2024-01-01T00:00:00Z",
			"authorChannelId": author,
		},
		"authorDetails": map[string]any{"channelId": author, "displayName": name},
	}
}

func page(next string, items ...map[string]any) map[string]any {
	if items == nil {
		items = []map[string]any{}
	}
	return map[string]any{"items": items, "nextPageToken": next, "pollingIntervalMillis": 0}
}

func apiError(code int, reason, message string) map[string]any {
	return map[string]any{"error": map[string]any{
		"code":    code,
		"message": message,
		"errors":  []map[string]any{{"reason": reason, "message": message, "domain": "youtube"}},
	}}
}

// discovery registers search and videos answers resolving to live chat lc1.
func discovery(m *testutil.MockServer, t *testing.T) {
	m.Handle(searchPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("channelId") != "UC1" || q.Get("eventType") != "live" {
			t.Errorf("search query = %s, want channelId=UC1 eventType=live", r.URL.RawQuery)
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{{"id": map[string]any{"kind": "youtube#video", "videoId": "v1"}}},
		})
	})
	m.JSON(videosPath, http.StatusOK, map[string]any{
		"items": []map[string]any{{"id": "v1", "liveStreamingDetails": map[string]any{"activeLiveChatId": "lc1"}}},
	})
}

func newReader(m *testutil.MockServer, b *Broadcast) *Reader {
	c := &Client{Endpoint: m.URL}
	c.SetToken("tok")
	return &Reader{Client: c, Broadcast: b, MinPollInterval: time.Millisecond}
}

func TestReaderPollsAndInfersDeletions(t *testing.T) {
	m := testutil.NewMockServer(t)
	m.Handle(channelsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mine") != "true" {
			t.Errorf("channels query = %s, want mine=true", r.URL.RawQuery)
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{{"id": "UC1"}}})
	})
	discovery(m, t)
	m.Handle(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		if r.URL.Query().Get("liveChatId") != "lc1" {
			t.Errorf("liveChatId = %q, want lc1", r.URL.Query().Get("liveChatId"))
		}
		switch r.URL.Query().Get("pageToken") {
		case "":
			testutil.WriteJSON(w, http.StatusOK, page("p2", textItem("m0", "UCz", "Old", "backlog")))
		case "p2":
			superChat := map[string]any{
				"id": "m2",
				"snippet": map[string]any{
					"type":           "superChatEvent",
					"displayMessage": "$5.00 from Bob: thanks",
					"superChatDetails": map[string]any{
						"amountMicros": "5000000", "currency": "USD", "amountDisplayString": "$5.00",
						"userComment": "thanks", "tier": 2,
					},
				},
				"authorDetails": map[string]any{"channelId": "UCb", "displayName": "Bob", "isChatSponsor": true},
			}
			testutil.WriteJSON(w, http.StatusOK, page("p3",
				textItem("m1", "UCa", "Alice", "hello"),
				superChat,
				textItem("m3", "UCt", "Troll", "spam"),
			))
		case "p3":
			testutil.WriteJSON(w, http.StatusOK, page("p4",
				map[string]any{"id": "d1", "snippet": map[string]any{
					"type":                  "messageDeletedEvent",
					"messageDeletedDetails": map[string]any{"deletedMessageId": "m1"},
				}},
				map[string]any{"id": "b1", "snippet": map[string]any{
					"type": "userBannedEvent",
					"userBannedDetails": map[string]any{
						"banType":           "permanent",
						"bannedUserDetails": map[string]any{"channelId": "UCt"},
					},
				}},
			))
		default:
			testutil.WriteJSON(w, http.StatusOK, page("p4"))
		}
	})

	persisted := make(chan string, 1)
	b := &Broadcast{Mine: true, OnChannelID: func(id string) { persisted <- id }}
	sink := &testutil.Sink{}
	s := testutil.OpenSession(t, connector.Config{Platform: chat.YouTube, Policy: testutil.FastPolicy()}, newReader(m, b), sink)

	testutil.WaitFor(t, "inferred deletion", func() bool { return len(sink.Deletes()) == 2 })
	if !s.Ready() {
		t.Errorf("State() = %v, want Subscribed", s.State())
	}
	if id := <-persisted; id != "UC1" {
		t.Errorf("persisted channel id = %q, want UC1", id)
	}

	msgs := sink.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v, want 3 (backlog skipped)", msgs)
	}
	if msgs[0].ID != "m1" || msgs[0].Username != "Alice" || msgs[0].Text != "hello" || msgs[0].UserID != "UCa" {
		t.Errorf("first message = %+v, want m1 from Alice", msgs[0])
	}
	sc := msgs[1]
	if sc.Kind != chat.KindCheer || sc.Text != "thanks" || sc.Data["currency"] != "USD" || sc.Data["amount_micros"] != uint64(5000000) {
		t.Errorf("super chat = %+v, want cheer of 5000000 USD micros", sc)
	}
	if len(sc.Badges) != 1 || sc.Badges[0] != "member" {
		t.Errorf("super chat badges = %v, want [member]", sc.Badges)
	}

	dels := sink.Deletes()
	if dels[0].MessageID != "m1" || dels[1].MessageID != "m3" {
		t.Errorf("deletions = %+v, want m1 then inferred m3", dels)
	}
	if m.Calls(channelsPath) != 1 || m.Calls(searchPath) != 1 {
		t.Errorf("discovery calls = %d/%d, want 1/1", m.Calls(channelsPath), m.Calls(searchPath))
	}
}

func TestReaderQuotaExceededStops(t *testing.T) {
	m := testutil.NewMockServer(t)
	discovery(m, t)
	m.JSON(messagesPath, http.StatusForbidden, apiError(403, "quotaExceeded", "The request cannot be completed because you have exceeded your quota."))

	s := testutil.OpenSession(t, connector.Config{Platform: chat.YouTube, Policy: testutil.FastPolicy()},
		newReader(m, &Broadcast{Channel: "UC1"}), &testutil.Sink{})

	testutil.WaitFor(t, "stopped", func() bool { return s.State() == connector.Stopped })
	if k := connector.KindOf(s.LastError()); k != connector.KindQuotaExhausted {
		t.Errorf("KindOf(LastError()) = %v, want QuotaExhausted", k)
	}
	if got := m.Calls(messagesPath); got != 1 {
		t.Errorf("polls = %d, want 1 (quota exhaustion is terminal)", got)
	}
}

func TestReaderUnauthorizedStopsWithoutRefresh(t *testing.T) {
	m := testutil.NewMockServer(t)
	discovery(m, t)
	m.JSON(messagesPath, http.StatusUnauthorized, apiError(401, "authError", "Request had invalid authentication credentials."))

	s := testutil.OpenSession(t, connector.Config{Platform: chat.YouTube, Policy: testutil.FastPolicy()},
		newReader(m, &Broadcast{Channel: "UC1"}), &testutil.Sink{})

	testutil.WaitFor(t, "stopped", func() bool { return s.State() == connector.Stopped })
	if k := connector.KindOf(s.LastError()); k != connector.KindAuthInvalid {
		t.Errorf("KindOf(LastError()) = %v, want AuthInvalid", k)
	}
}

func TestReaderChatEndedRediscovers(t *testing.T) {
	m := testutil.NewMockServer(t)
	discovery(m, t)
	var polls atomic.Int32
	m.Handle(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 2 {
			testutil.WriteJSON(w, http.StatusOK, page("p3", map[string]any{
				"id": "e1", "snippet": map[string]any{"type": "chatEndedEvent"},
			}))
			return
		}
		testutil.WriteJSON(w, http.StatusOK, page("p2"))
	})

	b := &Broadcast{Channel: "UC1", cache: &liveChats{}}
	s := testutil.OpenSession(t, connector.Config{Platform: chat.YouTube, Policy: testutil.FastPolicy()}, newReader(m, b), &testutil.Sink{})

	testutil.WaitFor(t, "second discovery", func() bool { return m.Calls(searchPath) == 2 && s.Ready() })
}

func TestPollInterval(t *testing.T) {
	r := &Reader{}
	tests := []struct {
		suggested int64
		want      time.Duration
	}{
		{suggested: 0, want: 2 * time.Second},
		{suggested: 500, want: 2 * time.Second},
		{suggested: 5000, want: 5 * time.Second},
	}
	for _, tt := range tests {
		if got := r.interval(tt.suggested); got != tt.want {
			t.Errorf("interval(%d) = %v, want %v", tt.suggested, got, tt.want)
		}
	}
}

func TestSenderRefreshesOnceAndSharesDiscovery(t *testing.T) {
	m := testutil.NewMockServer(t)
	discovery(m, t)
	var inserts atomic.Int32
	m.Handle(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if inserts.Add(1) == 1 {
			testutil.WriteJSON(w, http.StatusUnauthorized, apiError(401, "authError", "Invalid Credentials"))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fresh" {
			t.Errorf("Authorization = %q, want Bearer fresh", got)
		}
		var body struct {
			Snippet struct {
				LiveChatID         string `json:"liveChatId"`
				Type               string `json:"type"`
				TextMessageDetails struct {
					MessageText string `json:"messageText"`
				} `json:"textMessageDetails"`
			} `json:"snippet"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode insert: %v", err)
		}
		if body.Snippet.LiveChatID != "lc1" || body.Snippet.TextMessageDetails.MessageText != "hi there" {
			t.Errorf("insert = %+v, want lc1/hi there", body.Snippet)
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"id": "new"})
	})
	var banned string
	m.Handle(bansPath, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Snippet struct {
				BannedUserDetails struct {
					ChannelID string `json:"channelId"`
				} `json:"bannedUserDetails"`
			} `json:"snippet"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		banned = body.Snippet.BannedUserDetails.ChannelID
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"id": "ban"})
	})

	var refreshes atomic.Int32
	env := supervisor.Env{Refresh: func(ctx context.Context, id chat.Identity) (string, error) {
		refreshes.Add(1)
		if id != chat.Bot {
			t.Errorf("refresh identity = %s, want bot", id)
		}
		return "fresh", nil
	}}
	a := &Adapter{Endpoint: m.URL}
	snd, err := a.Sender(env, "UC1", credentials.Credential{Identity: chat.Bot, AccessToken: "stale", Username: "botty"})
	if err != nil {
		t.Fatalf("Sender() error = %v", err)
	}
	if !snd.Ready() || snd.Username() != "botty" {
		t.Errorf("Ready()/Username() = %v/%q, want true/botty", snd.Ready(), snd.Username())
	}
	if err := snd.Send(context.Background(), "  hi there "); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if refreshes.Load() != 1 || inserts.Load() != 2 {
		t.Errorf("refreshes/inserts = %d/%d, want 1/2", refreshes.Load(), inserts.Load())
	}

	mod, err := a.Moderator(env, "UC1", credentials.Credential{Identity: chat.Streamer, AccessToken: "tok"})
	if err != nil {
		t.Fatalf("Moderator() error = %v", err)
	}
	if err := mod.Ban(context.Background(), "Troll", "UCt"); err != nil {
		t.Fatalf("Ban() error = %v", err)
	}
	if banned != "UCt" {
		t.Errorf("banned = %q, want UCt", banned)
	}
	if err := mod.Ban(context.Background(), "Troll", ""); !connector.IsKind(err, connector.KindUnsupported) {
		t.Errorf("Ban() without channel id = %v, want Unsupported", err)
	}
	if got := m.Calls(searchPath); got != 1 {
		t.Errorf("search calls = %d, want 1 (live chat id shared)", got)
	}
}

func TestModeratorDelete(t *testing.T) {
	m := testutil.NewMockServer(t)
	var deleted string
	m.Handle(messagesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		deleted = r.URL.Query().Get("id")
		w.WriteHeader(http.StatusNoContent)
	})
	c := &Client{Endpoint: m.URL}
	c.SetToken("tok")
	mod := &Moderator{Client: c, Broadcast: &Broadcast{Channel: "UC1"}}
	if err := mod.Delete(context.Background(), "m9"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted != "m9" {
		t.Errorf("deleted = %q, want m9", deleted)
	}
}

func TestSenderNotReadyWithoutToken(t *testing.T) {
	s := &Sender{Client: &Client{}, Broadcast: &Broadcast{}}
	if s.Ready() {
		t.Error("Ready() = true without token, want false")
	}
}

func TestToMessageKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind chat.EventKind
		key  string
	}{
		{name: "new member", raw: `{"id":"a","snippet":{"type":"newSponsorEvent","newSponsorDetails":{"memberLevelName":"Gold"}}}`, kind: chat.KindSubscription, key: "level"},
		{name: "milestone", raw: `{"id":"b","snippet":{"type":"memberMilestoneChatEvent","memberMilestoneChatDetails":{"memberMonth":6,"userComment":"half a year"}}}`, kind: chat.KindSubscription, key: "months"},
		{name: "gifting", raw: `{"id":"c","snippet":{"type":"membershipGiftingEvent","membershipGiftingDetails":{"giftMembershipsCount":5}}}`, kind: chat.KindGift, key: "total"},
		{name: "sticker", raw: `{"id":"d","snippet":{"type":"superStickerEvent","superStickerDetails":{"amountMicros":"1000000","currency":"EUR","superStickerMetadata":{"stickerId":"s1"}}}}`, kind: chat.KindCheer, key: "sticker_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var item yt.LiveChatMessage
			if err := json.Unmarshal([]byte(tt.raw), &item); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			msg, ok := toMessage(&item)
			if !ok {
				t.Fatal("toMessage() ok = false")
			}
			if msg.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", msg.Kind, tt.kind)
			}
			if _, ok := msg.Data[tt.key]; !ok {
				t.Errorf("Data = %v, want key %q", msg.Data, tt.key)
			}
		})
	}

	var poll yt.LiveChatMessage
	_ = json.Unmarshal([]byte(`{"id":"e","snippet":{"type":"pollEvent"}}`), &poll)
	if _, ok := toMessage(&poll); ok {
		t.Error("toMessage(pollEvent) ok = true, want false")
	}
}

func TestActiveIDsBounded(t *testing.T) {
	a := newActiveIDs(2)
	a.add("u1", "m1")
	a.add("u1", "m2")
	a.add("u2", "m3")
	if a.len() != 2 {
		t.Fatalf("len() = %d, want 2", a.len())
	}
	if got := a.drop("u1"); len(got) != 1 || got[0] != "m2" {
		t.Errorf("drop(u1) = %v, want [m2] (m1 evicted)", got)
	}
}
