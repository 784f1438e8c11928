// Package bus provides the in-process pub-sub channel for coordination
// events. Emit never blocks: when a subscriber's buffer is full the oldest
// event is dropped to make room, and the drop is counted.
package bus

import (
	"sync"
	"sync/atomic"

	"routa/internal/domain"
	"routa/internal/logging"
)

const subscriberBuffer = 64

// Bus fans coordination events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID int64
	logger logging.Logger

	sent    atomic.Int64
	dropped atomic.Int64
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	id          int64
	workspaceID string
	ch          chan domain.Event
	bus         *Bus
	closeOnce   sync.Once
}

// New creates an event bus.
func New(logger logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[int64]*Subscription),
		logger: logging.OrNop(logger),
	}
}

// Subscribe registers a subscriber for one workspace's events. An empty
// workspace ID receives events from every workspace.
func (b *Bus) Subscribe(workspaceID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:          b.nextID,
		workspaceID: workspaceID,
		ch:          make(chan domain.Event, subscriberBuffer),
		bus:         b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Emit delivers an event to every matching subscriber without blocking.
func (b *Bus) Emit(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.workspaceID != "" && sub.workspaceID != event.WorkspaceID {
			continue
		}

		select {
		case sub.ch <- event:
			b.sent.Add(1)
		default:
			// Buffer full: evict the oldest event and retry once.
			select {
			case <-sub.ch:
				b.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- event:
				b.sent.Add(1)
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Stats reports delivery counters for diagnostics.
type Stats struct {
	Sent        int64
	Dropped     int64
	Subscribers int
}

// Stats returns a snapshot of delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()

	return Stats{
		Sent:        b.sent.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: subscribers,
	}
}

// Events returns the subscriber's receive channel.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
