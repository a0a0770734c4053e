package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatmux/chat"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu       sync.Mutex
	messages []chat.Message
	deletes  []chat.Deletion
	statuses []chat.Status
	deleted  chan struct{}
}

func newRecorder(d *Dispatcher) *recorder {
	r := &recorder{deleted: make(chan struct{}, 16)}
	d.SubscribeMessages(func(m chat.Message) {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	})
	d.SubscribeDeletions(func(del chat.Deletion) {
		r.mu.Lock()
		r.deletes = append(r.deletes, del)
		r.mu.Unlock()
		r.deleted <- struct{}{}
	})
	d.SubscribeStatus(func(st chat.Status) {
		r.mu.Lock()
		r.statuses = append(r.statuses, st)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) Messages() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Message(nil), r.messages...)
}

func startDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	d := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d, clock
}

func TestIngestDuplicateID(t *testing.T) {
	d, clock := startDispatcher(t)
	rec := newRecorder(d)
	ctx := context.Background()

	msg := chat.Message{Platform: chat.Twitch, ID: "abc", Username: "Alice", Text: "hi"}
	first := d.Ingest(ctx, msg)
	clock.Advance(100 * time.Millisecond)
	second := d.Ingest(ctx, msg)

	if !first.Accepted {
		t.Fatalf("first Ingest() = %+v, want accepted", first)
	}
	if second.Accepted || second.Reason != ReasonDuplicateID {
		t.Errorf("second Ingest() = %+v, want suppressed duplicate_id", second)
	}
	got := rec.Messages()
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	if got[0].Timestamp != newFakeClock().now {
		t.Errorf("delivered timestamp = %v, want first arrival", got[0].Timestamp)
	}
}

func TestIngestCanonicalAcrossFormats(t *testing.T) {
	d, clock := startDispatcher(t)
	rec := newRecorder(d)
	ctx := context.Background()

	d.Ingest(ctx, chat.Message{Platform: chat.Twitch, Username: "User_Name", Text: "Hey"})
	clock.Advance(200 * time.Millisecond)
	res := d.Ingest(ctx, chat.Message{Platform: chat.Twitch, Username: "user name", Text: "Hey"})

	if res.Reason != ReasonDuplicateCanonical {
		t.Errorf("Ingest() reason = %q, want %q", res.Reason, ReasonDuplicateCanonical)
	}
	if n := len(rec.Messages()); n != 1 {
		t.Errorf("messages = %d, want 1", n)
	}
}

func TestIngestCanonicalCasingAndWhitespace(t *testing.T) {
	d, clock := startDispatcher(t)
	rec := newRecorder(d)
	ctx := context.Background()

	d.Ingest(ctx, chat.Message{Platform: chat.YouTube, Username: "Bob", Text: "  Hello World "})
	clock.Advance(time.Second)
	d.Ingest(ctx, chat.Message{Platform: chat.YouTube, Username: "BOB", Text: "hello world"})
	clock.Advance(2 * time.Second)
	d.Ingest(ctx, chat.Message{Platform: chat.YouTube, Username: "bob", Text: "hello world"})

	if n := len(rec.Messages()); n != 2 {
		t.Errorf("messages = %d, want 2 (second suppressed, third outside window)", n)
	}
}

func TestIngestCrossPlatform(t *testing.T) {
	d, _ := startDispatcher(t)
	rec := newRecorder(d)
	ctx := context.Background()

	d.Ingest(ctx, chat.Message{Platform: chat.Twitch, Username: "Bob", Text: "Hi"})
	d.Ingest(ctx, chat.Message{Platform: chat.Kick, Username: "Bob", Text: "Hi"})

	got := rec.Messages()
	if len(got) != 2 {
		t.Fatalf("messages = %d, want 2", len(got))
	}
	if got[0].Platform == got[1].Platform {
		t.Errorf("platforms = %s, %s, want distinct", got[0].Platform, got[1].Platform)
	}
}

func TestIngestIDWinsOverCanonical(t *testing.T) {
	d, clock := startDispatcher(t)
	ctx := context.Background()

	d.Ingest(ctx, chat.Message{Platform: chat.Twitch, ID: "x1", Username: "a", Text: "one"})
	clock.Advance(500 * time.Millisecond)
	res := d.Ingest(ctx, chat.Message{Platform: chat.Twitch, ID: "x1", Username: "a", Text: "one"})
	if res.Reason != ReasonDuplicateID {
		t.Errorf("Ingest() reason = %q, want %q", res.Reason, ReasonDuplicateID)
	}
}

func TestIngestIDExpires(t *testing.T) {
	d, clock := startDispatcher(t)
	ctx := context.Background()

	d.Ingest(ctx, chat.Message{Platform: chat.Twitch, ID: "x1", Username: "a", Text: "one"})
	clock.Advance(3 * time.Second)
	res := d.Ingest(ctx, chat.Message{Platform: chat.Twitch, ID: "x1", Username: "a", Text: "one"})
	if !res.Accepted {
		t.Errorf("Ingest() after window = %+v, want accepted", res)
	}
}

func TestLocalEchoSuppression(t *testing.T) {
	d, clock := startDispatcher(t)
	rec := newRecorder(d)
	ctx := context.Background()

	d.RecordLocalEcho(ctx, chat.Kick, "test message")
	local := d.Ingest(ctx, chat.Message{Platform: chat.Kick, Username: "botty", Text: "test message", Local: true})
	if !local.Accepted {
		t.Fatalf("local Ingest() = %+v, want accepted", local)
	}

	clock.Advance(2 * time.Second)
	echo := d.Ingest(ctx, chat.Message{Platform: chat.Kick, ID: "k-1", Username: "botty", Text: "Test Message "})
	if echo.Reason != ReasonLocalEcho {
		t.Errorf("echo Ingest() reason = %q, want %q", echo.Reason, ReasonLocalEcho)
	}

	// The echo entry is consumed; a genuine repeat later is delivered.
	clock.Advance(3 * time.Second)
	again := d.Ingest(ctx, chat.Message{Platform: chat.Kick, ID: "k-2", Username: "botty", Text: "test message"})
	if !again.Accepted {
		t.Errorf("repeat Ingest() = %+v, want accepted", again)
	}

	got := rec.Messages()
	if len(got) != 2 || !got[0].Local {
		t.Errorf("messages = %+v, want the local synthesis then the repeat", got)
	}
}

func TestLocalEchoExpires(t *testing.T) {
	d, clock := startDispatcher(t)
	ctx := context.Background()

	d.RecordLocalEcho(ctx, chat.DLive, "later")
	clock.Advance(6 * time.Second)
	res := d.Ingest(ctx, chat.Message{Platform: chat.DLive, Username: "bot", Text: "later"})
	if !res.Accepted {
		t.Errorf("Ingest() after echo window = %+v, want accepted", res)
	}
}

func TestDeletionBypassesDedup(t *testing.T) {
	d, _ := startDispatcher(t)
	rec := newRecorder(d)
	ctx := context.Background()

	d.Ingest(ctx, chat.Message{Platform: chat.Twitch, ID: "m7", Username: "a", Text: "bad"})
	d.IngestDeletion(ctx, chat.Twitch, "m7")

	select {
	case <-rec.deleted:
	case <-time.After(time.Second):
		t.Fatal("deletion not delivered")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.deletes) != 1 || rec.deletes[0] != (chat.Deletion{Platform: chat.Twitch, MessageID: "m7"}) {
		t.Errorf("deletions = %+v, want [{twitch m7}]", rec.deletes)
	}
}

func TestEmptyIDFallsThroughToCanonical(t *testing.T) {
	d, _ := startDispatcher(t)
	ctx := context.Background()

	d.Ingest(ctx, chat.Message{Platform: chat.Trovo, Username: "z", Text: "same"})
	res := d.Ingest(ctx, chat.Message{Platform: chat.Trovo, Username: "z", Text: "same"})
	if res.Reason != ReasonDuplicateCanonical {
		t.Errorf("Ingest() reason = %q, want %q", res.Reason, ReasonDuplicateCanonical)
	}
}

func TestEventOnlyMessages(t *testing.T) {
	d, _ := startDispatcher(t)
	rec := newRecorder(d)
	ctx := context.Background()

	gift := chat.Message{Platform: chat.Twitch, Username: "g", Kind: chat.KindGift}
	if res := d.Ingest(ctx, gift); !res.Accepted {
		t.Errorf("gift Ingest() = %+v, want accepted", res)
	}
	if res := d.Ingest(ctx, gift); !res.Accepted {
		t.Errorf("second gift Ingest() = %+v, want accepted", res)
	}
	if res := d.Ingest(ctx, chat.Message{Platform: chat.Twitch, Username: "g"}); res.Reason != ReasonInvalid {
		t.Errorf("empty chat Ingest() reason = %q, want %q", res.Reason, ReasonInvalid)
	}
	if n := len(rec.Messages()); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	d, _ := startDispatcher(t)
	d.SubscribeMessages(func(chat.Message) { panic("boom") })
	rec := newRecorder(d)

	res := d.Ingest(context.Background(), chat.Message{Platform: chat.Twitch, Username: "a", Text: "hi"})
	if !res.Accepted {
		t.Fatalf("Ingest() = %+v, want accepted", res)
	}
	if n := len(rec.Messages()); n != 1 {
		t.Errorf("messages after panicking subscriber = %d, want 1", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	d, _ := startDispatcher(t)
	calls := 0
	unsub := d.SubscribeMessages(func(chat.Message) { calls++ })

	ctx := context.Background()
	d.Ingest(ctx, chat.Message{Platform: chat.Twitch, Username: "a", Text: "one"})
	unsub()
	d.Ingest(ctx, chat.Message{Platform: chat.Twitch, Username: "a", Text: "two"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	d, _ := startDispatcher(t)
	rec := newRecorder(d)

	for _, text := range []string{"a", "b", "c"} {
		d.Publish(chat.Message{Platform: chat.DLive, Username: "u", Text: text})
	}
	d.Status(chat.Status{Platform: chat.DLive, State: "Subscribed", Connected: true})
	// Ingest round-trips behind the queued events.
	d.Ingest(context.Background(), chat.Message{Platform: chat.DLive, Username: "u", Text: "d"})

	got := rec.Messages()
	if len(got) != 4 {
		t.Fatalf("messages = %d, want 4", len(got))
	}
	for i, want := range []string{"a", "b", "c", "d"} {
		if got[i].Text != want {
			t.Errorf("messages[%d].Text = %q, want %q", i, got[i].Text, want)
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.statuses) != 1 || !rec.statuses[0].Connected {
		t.Errorf("statuses = %+v, want one connected status", rec.statuses)
	}
}

func TestDedupTableBounds(t *testing.T) {
	table := NewDedupTable(50, 40, 10)
	now := time.Now()
	for i := 0; i < 500; i++ {
		now = now.Add(time.Millisecond)
		msg := chat.Message{Platform: chat.Twitch, ID: string(rune('a'+i%26)) + time.Duration(i).String(), Username: "u", Text: time.Duration(i).String()}
		table.Check(&msg, now)
		table.RecordEcho(chat.Kick, time.Duration(i).String(), now)

		ids, canonical, echo := table.Sizes()
		if ids > 50 || canonical > 40 || echo > 10 {
			t.Fatalf("Sizes() = %d/%d/%d after %d inserts, want <= 50/40/10", ids, canonical, echo, i+1)
		}
	}
}

func TestBoundedMapPrunesOldest(t *testing.T) {
	m := newBoundedMap(10)
	base := time.Now()
	for i := 0; i < 10; i++ {
		m.put(string(rune('a'+i)), base.Add(time.Duration(i)*time.Second))
	}
	m.put("z", base.Add(time.Minute))

	if _, ok := m.get("a"); ok {
		t.Error("oldest entry survived pruning")
	}
	if _, ok := m.get("b"); !ok {
		t.Error("second-oldest entry pruned, want only one removed")
	}
	if m.len() != 10 {
		t.Errorf("len() = %d, want 10", m.len())
	}
}

func TestNormalizeUsername(t *testing.T) {
	tests := []struct{ in, want string }{
		{"User_Name", "username"},
		{"user name", "username"},
		{"ÄBC-123", "bc123"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeUsername(tt.in); got != tt.want {
			t.Errorf("normalizeUsername(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLocalEchoWindowStartsAtRecord(t *testing.T) {
	clock := newFakeClock()
	d := New(WithClock(clock.Now))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The consumer is not running yet: the entry must still carry the
	// instant of the call, not the instant it is processed.
	recorded := make(chan struct{})
	go func() {
		d.RecordLocalEcho(ctx, chat.Trovo, "gg")
		close(recorded)
	}()
	time.Sleep(20 * time.Millisecond)
	clock.Advance(6 * time.Second)
	go d.Run(ctx)

	select {
	case <-recorded:
	case <-time.After(time.Second):
		t.Fatal("RecordLocalEcho() did not return after the consumer started")
	}
	res := d.Ingest(ctx, chat.Message{Platform: chat.Trovo, Username: "bot", Text: "gg"})
	if !res.Accepted {
		t.Errorf("Ingest() 6s after RecordLocalEcho = %+v, want accepted", res)
	}
}

func TestIngestCancelled(t *testing.T) {
	d := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := d.Ingest(ctx, chat.Message{Platform: chat.Kick, Username: "a", Text: "hi"}); res.Reason != ReasonCancelled {
		t.Errorf("Ingest(cancelled ctx) = %+v, want reason %q", res, ReasonCancelled)
	}
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	d := New(WithBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			d.Publish(chat.Message{Platform: chat.Kick, Username: "a", Text: "hi"})
			d.PublishStatus(chat.Status{Platform: chat.Kick, State: "stopped"})
			d.Deletion(chat.Deletion{Platform: chat.Kick, MessageID: "x"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publishing after Run returned blocked")
	}
	if res := d.Ingest(context.Background(), chat.Message{Platform: chat.Kick, Username: "a", Text: "hi"}); res.Reason != ReasonCancelled {
		t.Errorf("Ingest() after stop = %+v, want reason %q", res, ReasonCancelled)
	}
}
