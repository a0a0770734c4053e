// Package dispatch is the aggregation hub. Connectors publish canonical
// messages, deletions and status changes onto one channel; a single
// goroutine (Run) owns the dedup table, filters messages and fans every
// event out to subscribers in arrival order.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/telemetry"
)

// Result is the outcome of Ingest.
type Result struct {
	Accepted bool
	Reason   Reason
}

type echoReq struct {
	platform chat.Platform
	text     string
	at       time.Time
}

type event struct {
	msg    *chat.Message
	del    *chat.Deletion
	status *chat.Status
	echo   *echoReq
	reply  chan Result
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the arrival clock used for dedup windows.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithCapacities sets the dedup table bounds.
func WithCapacities(id, canonical, echo int) Option {
	return func(d *Dispatcher) { d.table = NewDedupTable(id, canonical, echo) }
}

// WithBuffer sets the inbound channel size.
func WithBuffer(n int) Option { return func(d *Dispatcher) { d.buffer = n } }

// Dispatcher fans connector events into subscribers.
type Dispatcher struct {
	table  *DedupTable
	now    func() time.Time
	buffer int
	in     chan event
	done   chan struct{}
	stop   sync.Once
	log    *slog.Logger

	mu       sync.RWMutex
	nextID   int
	messages []subscriber[chat.Message]
	deletes  []subscriber[chat.Deletion]
	statuses []subscriber[chat.Status]
}

// New builds a Dispatcher. Call Run to start processing.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		now:    time.Now,
		buffer: 1024,
		log:    slog.With(slog.String("component", "dispatcher")),
	}
	for _, o := range opts {
		o(d)
	}
	if d.table == nil {
		d.table = NewDedupTable(0, 0, 0)
	}
	d.in = make(chan event, d.buffer)
	d.done = make(chan struct{})
	return d
}

// Run processes events until ctx is cancelled. Once it returns, publishing
// calls drop their events instead of blocking.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("dispatcher started")
	defer d.stop.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopped")
			return
		case ev := <-d.in:
			d.handle(ev)
		}
	}
}

func (d *Dispatcher) handle(ev event) {
	switch {
	case ev.msg != nil:
		res := d.handleMessage(*ev.msg)
		if ev.reply != nil {
			ev.reply <- res
		}
	case ev.del != nil:
		telemetry.IncDeletion(string(ev.del.Platform))
		for _, s := range d.snapshotDeletes() {
			call(d.log, "deletion", s.fn, *ev.del)
		}
	case ev.status != nil:
		for _, s := range d.snapshotStatuses() {
			call(d.log, "status", s.fn, *ev.status)
		}
	case ev.echo != nil:
		d.table.RecordEcho(ev.echo.platform, ev.echo.text, ev.echo.at)
		if ev.reply != nil {
			ev.reply <- Result{Accepted: true}
		}
	}
}

func (d *Dispatcher) handleMessage(msg chat.Message) Result {
	now := d.now()
	msg.Normalize(now)
	if err := msg.Validate(); err != nil {
		d.log.Debug("dropping invalid message", slog.String("platform", string(msg.Platform)), slog.Any("err", err))
		telemetry.IncSuppressed(string(msg.Platform), string(ReasonInvalid))
		return Result{Reason: ReasonInvalid}
	}

	reason := d.table.Check(&msg, now)
	ids, canonical, echo := d.table.Sizes()
	telemetry.SetDedupEntries("id", ids)
	telemetry.SetDedupEntries("canonical", canonical)
	telemetry.SetDedupEntries("local_echo", echo)
	if reason != ReasonNone {
		d.log.Debug("message suppressed",
			slog.String("platform", string(msg.Platform)),
			slog.String("message_id", msg.ID),
			slog.String("reason", string(reason)))
		telemetry.IncSuppressed(string(msg.Platform), string(reason))
		return Result{Reason: reason}
	}

	telemetry.IncIngested(string(msg.Platform))
	for _, s := range d.snapshotMessages() {
		call(d.log, "message", s.fn, msg)
	}
	return Result{Accepted: true}
}

// call isolates one subscriber: a panic is logged and swallowed.
func call[T any](log *slog.Logger, kind string, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("subscriber panicked", slog.String("event", kind), slog.Any("panic", r))
		}
	}()
	fn(v)
}

func (d *Dispatcher) send(ctx context.Context, ev event) bool {
	select {
	case d.in <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-d.done:
		return false
	}
}

// roundTrip sends ev with a reply channel and waits for the consumer.
func (d *Dispatcher) roundTrip(ctx context.Context, ev event) Result {
	ev.reply = make(chan Result, 1)
	if !d.send(ctx, ev) {
		return Result{Reason: ReasonCancelled}
	}
	select {
	case r := <-ev.reply:
		return r
	case <-ctx.Done():
		return Result{Reason: ReasonCancelled}
	case <-d.done:
		return Result{Reason: ReasonCancelled}
	}
}

// Ingest submits msg and waits for the dedup verdict. A cancelled ctx or a
// stopped dispatcher yields ReasonCancelled.
func (d *Dispatcher) Ingest(ctx context.Context, msg chat.Message) Result {
	return d.roundTrip(ctx, event{msg: &msg})
}

// IngestDeletion fans a deletion out to subscribers without dedup.
func (d *Dispatcher) IngestDeletion(ctx context.Context, p chat.Platform, messageID string) {
	d.send(ctx, event{del: &chat.Deletion{Platform: p, MessageID: messageID}})
}

// RecordLocalEcho registers a local send and returns once the entry is in the
// table. The echo window starts at the time of the call.
func (d *Dispatcher) RecordLocalEcho(ctx context.Context, p chat.Platform, text string) {
	d.roundTrip(ctx, event{echo: &echoReq{platform: p, text: text, at: d.now()}})
}

// PublishStatus queues a status event.
func (d *Dispatcher) PublishStatus(st chat.Status) {
	d.send(context.Background(), event{status: &st})
}

// Publish queues msg without waiting for the verdict. Connectors use it.
func (d *Dispatcher) Publish(msg chat.Message) { d.send(context.Background(), event{msg: &msg}) }

// Message implements connector.Sink.
func (d *Dispatcher) Message(msg chat.Message) { d.Publish(msg) }

// Deletion implements connector.Sink.
func (d *Dispatcher) Deletion(del chat.Deletion) { d.send(context.Background(), event{del: &del}) }

// Status implements connector.Sink.
func (d *Dispatcher) Status(st chat.Status) { d.PublishStatus(st) }

// SubscribeMessages registers fn for accepted messages. The returned func unsubscribes.
func (d *Dispatcher) SubscribeMessages(fn func(chat.Message)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.messages = append(d.messages, subscriber[chat.Message]{id, fn})
	return func() { d.mu.Lock(); d.messages = without(d.messages, id); d.mu.Unlock() }
}

// SubscribeDeletions registers fn for deletions.
func (d *Dispatcher) SubscribeDeletions(fn func(chat.Deletion)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.deletes = append(d.deletes, subscriber[chat.Deletion]{id, fn})
	return func() { d.mu.Lock(); d.deletes = without(d.deletes, id); d.mu.Unlock() }
}

// SubscribeStatus registers fn for connector status changes.
func (d *Dispatcher) SubscribeStatus(fn func(chat.Status)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.statuses = append(d.statuses, subscriber[chat.Status]{id, fn})
	return func() { d.mu.Lock(); d.statuses = without(d.statuses, id); d.mu.Unlock() }
}

func without[T any](subs []subscriber[T], id int) []subscriber[T] {
	out := make([]subscriber[T], 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

func (d *Dispatcher) snapshotMessages() []subscriber[chat.Message] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.messages
}

func (d *Dispatcher) snapshotDeletes() []subscriber[chat.Deletion] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.deletes
}

func (d *Dispatcher) snapshotStatuses() []subscriber[chat.Status] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.statuses
}
