// Package events fans tree change notifications out to SSE subscribers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/makfc/sidewise/internal/tree"
)

const defaultBufSize = 256

// Feed names.
const (
	FeedTree      = "tree"
	FeedReconcile = "reconcile"
	FeedRun       = "run"
)

// Event is a single notification to be sent via SSE.
type Event struct {
	Feed    string
	Payload string
}

// Broker fans out events to all subscribed SSE clients.
type Broker struct {
	bufSize     int
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      atomic.Int64
	dropped     atomic.Int64
}

// NewBroker creates a broker whose subscriber channels hold bufSize events.
func NewBroker(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Broker{
		bufSize:     bufSize,
		subscribers: make(map[int64]chan Event),
	}
}

// Subscribe registers a new client. Slow consumers have events dropped.
func (b *Broker) Subscribe() (int64, <-chan Event) {
	id := b.nextID.Add(1)
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// PublishJSON marshals v and publishes it on feed.
func (b *Broker) PublishJSON(feed string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("event marshal failed", "feed", feed, "error", err)
		return
	}
	b.Publish(Event{Feed: feed, Payload: string(data)})
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// TreeSource is the change hook of the tree store.
type TreeSource interface {
	OnChange(fn func(tree.Change))
}

// Attach publishes every tree mutation on FeedTree.
func (b *Broker) Attach(src TreeSource) {
	src.OnChange(func(c tree.Change) {
		if b.ClientCount() == 0 {
			return
		}
		b.PublishJSON(FeedTree, c)
	})
}
