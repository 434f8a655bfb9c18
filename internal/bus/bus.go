// Package bus implements the Incident Bus: an in-process publish/subscribe
// hub that fans out normalized events to every subscriber (the Supervisor
// and the streaming HTTP endpoints).
package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/drak0niii/launch-ctrl/internal/events"
)

const (
	// ringCapacity bounds the recent-events ring buffer (spec.md §4.3).
	ringCapacity = 100

	// hydrateCount is how many recent events a new subscriber receives
	// before starting to stream live events.
	hydrateCount = 5

	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls behind has its oldest buffered event dropped rather than
	// blocking publish.
	subscriberBuffer = 32
)

// Subscription is a live feed of bus events. Callers must drain Events
// until Close is called or the subscription is no longer needed.
type Subscription struct {
	Events <-chan events.Event

	bus *Bus
	id  uint64
	ch  chan events.Event
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus is the Incident Bus. The zero value is not usable; use New.
type Bus struct {
	log *zap.Logger

	mu        sync.Mutex
	ring      []events.Event
	ringStart int // index of oldest entry in ring, once full
	ringLen   int

	nextID      uint64
	subscribers map[uint64]chan events.Event
}

// New constructs an empty Incident Bus.
func New(log *zap.Logger) *Bus {
	return &Bus{
		log:         log,
		ring:        make([]events.Event, ringCapacity),
		subscribers: make(map[uint64]chan events.Event),
	}
}

// Publish delivers an event to every current subscriber and records it in
// the recent-events ring. Publish never blocks: a subscriber whose buffer
// is full has its oldest queued event dropped to make room, and the
// replacement is pushed in so delivery stays at-least-once for events that
// do land.
func (b *Bus) Publish(evt events.Event) {
	b.mu.Lock()
	b.pushRing(evt)
	subs := make([]chan events.Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		b.sendNonBlocking(ch, evt)
	}
}

func (b *Bus) sendNonBlocking(ch chan events.Event, evt events.Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	// Buffer full: drop the oldest queued event and retry once.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
		if b.log != nil {
			b.log.Warn("bus: dropped event for slow subscriber", zap.String("type", string(evt.Type)))
		}
	}
}

func (b *Bus) pushRing(evt events.Event) {
	if b.ringLen < ringCapacity {
		b.ring[(b.ringStart+b.ringLen)%ringCapacity] = evt
		b.ringLen++
		return
	}
	b.ring[b.ringStart] = evt
	b.ringStart = (b.ringStart + 1) % ringCapacity
}

// recentLocked returns up to n most recent events, oldest first.
// Caller must hold b.mu.
func (b *Bus) recentLocked(n int) []events.Event {
	if n > b.ringLen {
		n = b.ringLen
	}
	out := make([]events.Event, n)
	for i := 0; i < n; i++ {
		idx := (b.ringStart + b.ringLen - n + i) % ringCapacity
		out[i] = b.ring[idx]
	}
	return out
}

// GetRecentEvents returns the most recent events currently in the ring,
// oldest first, up to the ring's full capacity.
func (b *Bus) GetRecentEvents() []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked(b.ringLen)
}

// Subscribe registers a new subscriber, hydrates it with the last few
// recent events, and returns a Subscription streaming live events after
// that. The caller owns the Subscription and must Close it when done.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan events.Event, subscriberBuffer)
	hydration := b.recentLocked(hydrateCount)
	b.subscribers[id] = ch
	b.mu.Unlock()

	for _, evt := range hydration {
		select {
		case ch <- evt:
		default:
		}
	}

	return &Subscription{Events: ch, bus: b, id: id, ch: ch}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// SubscriberCount reports the number of active subscribers, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
