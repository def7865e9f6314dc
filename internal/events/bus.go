package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription represents a subscription to events
type Subscription struct {
	Ch    chan Event  // Channel to receive events
	Types []EventType // Event types to filter (nil/empty = all types)
	JobID string      // Job filter ("all" = every job)
}

// Backpressure configuration constants
const (
	// MaxBackpressureRetries is the number of times to retry sending before dropping
	MaxBackpressureRetries = 3
	// BackpressureRetryDelay is the delay between retry attempts
	BackpressureRetryDelay = 10 * time.Millisecond
	// subscriberBuffer is the channel buffer per subscription
	subscriberBuffer = 100
)

// Bus manages event subscriptions and publishing. The trio engine and
// job runtime publish; the websocket hub, notifier, and NATS bridge
// subscribe.
type Bus struct {
	subscribers   map[string][]*Subscription // jobID -> subscriptions
	mu            sync.RWMutex
	droppedEvents uint64 // atomic
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
	}
}

// Subscribe creates a new subscription for the given job and event types.
// If types is nil or empty, all event types will be received. Subscribe
// with jobID "all" to follow every job.
func (b *Bus) Subscribe(jobID string, types []EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		Ch:    make(chan Event, subscriberBuffer),
		Types: types,
		JobID: jobID,
	}
	b.subscribers[jobID] = append(b.subscribers[jobID], sub)
	return sub.Ch
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(jobID string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, exists := b.subscribers[jobID]
	if !exists {
		return
	}
	for i, sub := range subs {
		if sub.Ch == ch {
			close(sub.Ch)
			b.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[jobID]) == 0 {
				delete(b.subscribers, jobID)
			}
			return
		}
	}
}

// Publish sends an event to subscribers of its job and to "all"
// subscribers.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var targetSubs []*Subscription
	if subs, exists := b.subscribers[event.JobID]; exists {
		targetSubs = append(targetSubs, subs...)
	}
	if subs, exists := b.subscribers["all"]; exists {
		targetSubs = append(targetSubs, subs...)
	}

	for _, sub := range targetSubs {
		if b.matchesTypes(event.Type, sub.Types) {
			b.sendWithBackpressure(sub, event)
		}
	}
}

// sendWithBackpressure attempts to send an event to a subscriber with
// retries. If the channel stays full, the event is dropped and counted.
func (b *Bus) sendWithBackpressure(sub *Subscription, event *Event) {
	select {
	case sub.Ch <- *event:
		return
	default:
	}

	for retry := 1; retry <= MaxBackpressureRetries; retry++ {
		time.Sleep(BackpressureRetryDelay)
		select {
		case sub.Ch <- *event:
			return
		default:
		}
	}

	dropped := atomic.AddUint64(&b.droppedEvents, 1)
	slog.Warn("dropped event after retries",
		"type", event.Type, "job", event.JobID, "id", event.ID, "total_dropped", dropped)
}

// DroppedEventCount returns the total number of events that were dropped
// due to full subscriber channels
func (b *Bus) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&b.droppedEvents)
}

// matchesTypes checks if an event type matches the subscription filter
func (b *Bus) matchesTypes(eventType EventType, types []EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == eventType {
			return true
		}
	}
	return false
}
