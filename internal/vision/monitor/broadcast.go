package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/kestrel-vision/kestrel/internal/vision/behavior"
)

// subscriberBuffer bounds each subscriber's backlog. A full buffer drops the
// event for that subscriber only.
const subscriberBuffer = 16

// Broadcaster fans suspicion events out to streaming subscribers. It
// implements the pipeline's event sink so the watch loop never learns about
// HTTP clients.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[int64]chan behavior.SuspicionEvent
	nextSub int64

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int64]chan behavior.SuspicionEvent)}
}

// Publish delivers ev to every subscriber, skipping any whose buffer is
// full. Always returns nil: a slow viewer must not count as a sink failure.
func (b *Broadcaster) Publish(ev behavior.SuspicionEvent) error {
	b.published.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed on cancel.
func (b *Broadcaster) Subscribe() (<-chan behavior.SuspicionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan behavior.SuspicionEvent, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Counts returns totals of published and per-subscriber dropped events.
func (b *Broadcaster) Counts() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}
