// Package bus is the in-process pub/sub fabric connecting the scheduler,
// trigger engine, knowledge loop, broadcaster and channels. Delivery is
// best-effort: the activity log is the durable record, the bus only wakes
// consumers up.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBuffer = 100

// Event is one message on the bus. At is stamped at publish time so slow
// consumers can see how far behind they are.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// Subscription is a live prefix subscription. Close it via Bus.Unsubscribe.
type Subscription struct {
	id      int
	prefix  string
	ch      chan Event
	dropped atomic.Uint64
}

// Ch returns the receive channel. It is closed on Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscription missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans events out to prefix-matched subscribers without blocking the
// publisher.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for every topic starting with topicPrefix; the empty
// prefix matches everything. The channel buffers 100 events and publishing
// never blocks, so a stalled consumer loses events rather than stalling the
// scheduler.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// twice and with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber, dropping on full
// buffers and counting the drops both globally and per subscription.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload, At: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscriptions since the bus was created. Surfaced in /healthz.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
