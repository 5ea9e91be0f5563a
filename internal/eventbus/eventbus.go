// Package eventbus implements the in-process publish/subscribe fan-out
// from spec.md §4.8: non-blocking publish, per-topic ordered delivery, a
// bounded replay buffer for reconnecting subscribers, and a synthetic
// catch-up event when a slow subscriber is dropped. An optional NATS
// forwarder gives the single-process bus an extension point for
// cross-process fan-out, the open question spec.md §9 leaves as an
// extension rather than a requirement.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/orchestrator/internal/ids"
)

// Kind enumerates the event kinds subscribers may filter by.
type Kind string

const (
	KindTaskUpdate       Kind = "task-update"
	KindSubtaskUpdate    Kind = "subtask-update"
	KindWorkerUpdate     Kind = "worker-update"
	KindCheckpointReady  Kind = "checkpoint-ready"
	KindTaskComplete     Kind = "task-complete"
	KindTaskFailed       Kind = "task-failed"
	KindActivityLog      Kind = "activity-log"
	kindCatchUpRequired  Kind = "catch-up-required"
)

// Event is one published message. Seq is monotonically increasing per
// topic, used by subscribers for gap detection.
type Event struct {
	Topic     string
	Kind      Kind
	Seq       uint64
	TaskID    ids.ID
	Payload   any
	Timestamp time.Time
}

type subscriber struct {
	id    uint64
	ch    chan Event
	kinds map[Kind]bool // empty means all kinds
}

type topicState struct {
	mu          sync.Mutex
	name        string
	seq         uint64
	replay      []Event
	replayLimit int
	subs        map[uint64]*subscriber
}

// Bus is the process-wide event bus. Zero value is not usable; use New.
type Bus struct {
	mu          sync.Mutex
	topics      map[string]*topicState
	replaySize  int
	nextSubID   uint64
	queueLimit  int
	natsConn    *nats.Conn
	natsSubject string
}

// Option configures optional Bus behavior.
type Option func(*Bus)

// WithNATSForwarder mirrors every published event to the given NATS
// subject for cross-process consumers, best-effort: forwarding failures
// are logged and never block local delivery.
func WithNATSForwarder(url, subject string) Option {
	return func(b *Bus) {
		nc, err := nats.Connect(url)
		if err != nil {
			slog.Warn("eventbus: nats connect failed, forwarding disabled", "error", err)
			return
		}
		b.natsConn = nc
		b.natsSubject = subject
	}
}

// New constructs a Bus with the given per-topic replay buffer size
// (spec.md §6 default 256).
func New(replaySize int, opts ...Option) *Bus {
	if replaySize <= 0 {
		replaySize = 256
	}
	b := &Bus{
		topics:     make(map[string]*topicState),
		replaySize: replaySize,
		queueLimit: 64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) topic(name string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topicState{name: name, replayLimit: b.replaySize, subs: make(map[uint64]*subscriber)}
		b.topics[name] = t
	}
	return t
}

// Publish delivers payload to every live subscriber of topic whose kind
// filter matches kind. Never blocks: a subscriber whose queue is full is
// dropped and sent a synthetic catch-up-required event on its way out.
func (b *Bus) Publish(topic string, kind Kind, taskID ids.ID, payload any) {
	t := b.topic(topic)
	t.mu.Lock()
	t.seq++
	ev := Event{Topic: topic, Kind: kind, Seq: t.seq, TaskID: taskID, Payload: payload, Timestamp: time.Now().UTC()}
	t.replay = append(t.replay, ev)
	if len(t.replay) > t.replayLimit {
		t.replay = t.replay[len(t.replay)-t.replayLimit:]
	}
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if len(s.kinds) > 0 && !s.kinds[kind] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropSlow(t, s)
		}
	}

	if b.natsConn != nil {
		go b.forward(ev)
	}
}

func (b *Bus) forward(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.natsConn.Publish(b.natsSubject, data); err != nil {
		slog.Warn("eventbus: nats publish failed", "error", err)
	}
}

func (b *Bus) dropSlow(t *topicState, s *subscriber) {
	t.mu.Lock()
	delete(t.subs, s.id)
	t.mu.Unlock()
	catchUp := Event{Topic: t.name, Kind: kindCatchUpRequired, Timestamp: time.Now().UTC()}
	select { // the queue is full: free one slot for the catch-up event
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- catchUp:
	default:
	}
	close(s.ch)
}

// Subscription is a live handle to a topic subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close stops delivery and releases the subscriber's slot.
func (s *Subscription) Close() { s.cancel() }

// Subscribe opens a subscription to topic, optionally filtered to the
// given kinds (empty means all kinds). Events with Seq > replayFrom
// already in the buffer (the whole buffer when replayFrom is 0) are
// delivered immediately, in order, before live events.
func (b *Bus) Subscribe(ctx context.Context, topic string, kinds []Kind, replayFrom uint64) *Subscription {
	t := b.topic(topic)
	filter := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		filter[k] = true
	}

	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.mu.Unlock()

	sub := &subscriber{id: id, ch: make(chan Event, b.queueLimit), kinds: filter}

	t.mu.Lock()
	var backlog []Event
	for _, ev := range t.replay {
		if len(filter) > 0 && !filter[ev.Kind] {
			continue
		}
		if ev.Seq > replayFrom {
			backlog = append(backlog, ev)
		}
	}
	t.subs[id] = sub
	t.mu.Unlock()

	out := make(chan Event, b.queueLimit+len(backlog))
	for _, ev := range backlog {
		out <- ev
	}

	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-done:
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{
		Events: out,
		cancel: sync.OnceFunc(func() {
			close(done)
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		}),
	}
}
