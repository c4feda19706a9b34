// Package bus is the ephemeral broadcast fabric. It delivers events to
// currently-subscribed listeners only: no persistence, no delivery
// guarantee, no ordering guarantee across subscribers. Missed deliveries
// are recovered through history replay against the event log, never here.
package bus

import (
	"errors"
	"sync"

	"github.com/avelops/jobpulse/internal/models"
)

// ErrBusUnavailable is returned by Publish once the bus is closed. The
// publisher swallows it after logging; the durable log already has the event.
var ErrBusUnavailable = errors.New("broadcast bus unavailable")

// subscriberBuffer bounds each subscriber's channel. A subscriber that
// falls this far behind starts losing events rather than blocking the
// publish path.
const subscriberBuffer = 32

type subscriber struct {
	topic string
	ch    chan *models.ProgressEvent
}

// Bus is an in-process topic-keyed publish/subscribe hub. Topics are job
// ids; one bus serves every job in the process.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
	closed bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers ev to every current subscriber of topic. Delivery is
// fire-and-forget: subscribers with full buffers are skipped.
func (b *Bus) Publish(topic string, ev *models.ProgressEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusUnavailable
	}
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; drop. History replay makes it whole.
		}
	}
	return nil
}

// Subscribe returns a channel of events published to topic after this call,
// plus a cancel function. Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe(topic string) (<-chan *models.ProgressEvent, func()) {
	sub := &subscriber{topic: topic, ch: make(chan *models.ProgressEvent, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.topics[topic]; ok {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(b.topics, topic)
				}
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SubscriberCount returns the number of active subscribers for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close shuts the bus down. Subsequent publishes fail with
// ErrBusUnavailable and all subscriber channels are closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(b.topics, topic)
	}
}
