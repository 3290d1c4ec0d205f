package events

import (
	"sync"
	"time"
)

// Session event types.
const (
	CallStarted     = "call.started"
	CallMessage     = "call.message"
	CallUpsell      = "call.upsell"
	CallRAG         = "call.rag"
	CallCustomer    = "call.customer"
	CallReport      = "call.report"
	CallEnded       = "call.ended"
	DirectoryReload = "directory.reloaded"
)

// Event is one notification on the bus. Data carries a snapshot and must
// not be mutated by subscribers.
type Event struct {
	Type   string    `json:"type"`
	CallID string    `json:"callId,omitempty"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

// Bus provides simple in-process pub/sub. Slow subscribers lose events
// instead of blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus { return &Bus{subs: map[chan Event]struct{}{}} }

// Subscribe registers a buffered channel. The returned func removes it
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
