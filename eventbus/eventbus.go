// Package eventbus implements the Executor-side Event Bus & SSE Fan-out
// (spec §4.6): one single-producer/multi-consumer channel per in-flight
// delegation, with terminal-event replay for subscribers that connect after
// completion but within the retention window, and a per-subscriber
// watermark so a slow subscriber never blocks the producer.
package eventbus

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/estuary/awcp/protocol"
)

// DefaultQueueWatermark bounds how far a subscriber may fall behind before
// the bus drops it rather than blocking the producer.
const DefaultQueueWatermark = 4096

// Bus owns every in-flight delegation's event topic plus a bounded record
// of completed delegations' terminal events, for replay.
type Bus struct {
	retention time.Duration

	mu      sync.Mutex
	topics  map[string]*topic
	done    *lru.Cache[string, completion]
}

// completion is the retained record used to synthesize a replay event for a
// subscriber that connects after the delegation finished.
type completion struct {
	event     protocol.Event
	expiresAt time.Time
}

// New constructs a Bus. retention bounds how long a terminal event remains
// replayable (spec default resultRetentionMs = 30 min); capacity bounds how
// many completed delegations are remembered at once.
func New(retention time.Duration, capacity int) *Bus {
	cache, _ := lru.New[string, completion](capacity)
	return &Bus{retention: retention, topics: make(map[string]*topic), done: cache}
}

// topic is the per-delegation fan-out structure. The engine is the sole
// producer; Subscribe attaches a new consumer channel.
type topic struct {
	mu          sync.Mutex
	subscribers map[int]chan protocol.Event
	nextID      int
	closed      bool
}

// Open creates the topic for delegationID. Per spec §4.6, the bus is
// created at INVITE-admission time so a race between SSE-open and START is
// impossible: a subscriber attaching before START simply waits on the
// channel for the first event the eventual execution produces.
func (b *Bus) Open(delegationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[delegationID]; !ok {
		b.topics[delegationID] = &topic{subscribers: make(map[int]chan protocol.Event)}
	}
}

// Publish delivers ev to every current subscriber of delegationID,
// non-blocking: a subscriber whose queue has grown past
// DefaultQueueWatermark is dropped rather than allowed to stall the
// producer. Terminal events additionally close the topic and retain a
// completion record for the retention window.
func (b *Bus) Publish(delegationID string, ev protocol.Event) {
	b.mu.Lock()
	t, ok := b.topics[delegationID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	for id, ch := range t.subscribers {
		select {
		case ch <- ev:
		default:
			// Queue is at DefaultQueueWatermark: drop the subscriber rather
			// than block the producer.
			close(ch)
			delete(t.subscribers, id)
		}
	}

	if ev.Type == protocol.EventDone || ev.Type == protocol.EventError {
		for _, ch := range t.subscribers {
			close(ch)
		}
		t.subscribers = nil
		t.closed = true
		if b.done != nil {
			b.done.Add(delegationID, completion{event: ev, expiresAt: time.Now().Add(b.retention)})
		}
	}
	t.mu.Unlock()
}

// Subscribe attaches a new consumer to delegationID. If the delegation is
// unknown and has no retained completion, it returns (nil, false) so the
// caller can emit a synthetic NOT_FOUND error and close the stream. If the
// delegation has already completed within the retention window, it returns
// a channel that will yield exactly the one retained terminal event, then
// close.
func (b *Bus) Subscribe(delegationID string) (<-chan protocol.Event, bool) {
	b.mu.Lock()
	t, live := b.topics[delegationID]
	b.mu.Unlock()

	if live {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.closed {
			ch := make(chan protocol.Event, DefaultQueueWatermark)
			id := t.nextID
			t.nextID++
			t.subscribers[id] = ch
			return ch, true
		}
	}

	if b.done != nil {
		if c, ok := b.done.Get(delegationID); ok && time.Now().Before(c.expiresAt) {
			ch := make(chan protocol.Event, 1)
			ch <- c.event
			close(ch)
			return ch, true
		}
	}
	return nil, false
}

// Close discards delegationID's topic and retained completion without
// replay, used when a delegation is released before ever reaching a
// terminal state in the bus (e.g. cancelled before any subscriber attached).
func (b *Bus) Close(delegationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[delegationID]; ok {
		t.mu.Lock()
		for _, ch := range t.subscribers {
			close(ch)
		}
		t.mu.Unlock()
		delete(b.topics, delegationID)
	}
	if b.done != nil {
		b.done.Remove(delegationID)
	}
}
