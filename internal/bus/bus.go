// Package bus is the in-process publish/subscribe fabric between collectors
// and push transports. Delivery is per-subscriber buffered with drop-oldest
// overflow, so one slow consumer never stalls a publisher.
package bus

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Well-known topics.
const (
	TopicStatus     = "status"      // health snapshots
	TopicAlerts     = "alerts"      // threshold breaches
	TopicAccessPts  = "aps"         // new Wi-Fi detections
	TopicGPS        = "gps"         // position fixes
	TopicGeofence   = "geofence"    // enter/exit events
	TopicSyncResult = "sync_result" // remote sync outcomes
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 64

// Event is one published message.
type Event struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

type subscriber struct {
	topic   string
	ch      chan Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Subscription is a live feed of events for one topic. Read from C; call
// Close when done. Events overflowing the buffer drop oldest-first.
type Subscription struct {
	C <-chan Event

	id  uint64
	bus *Bus
	sub *subscriber
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.sub.dropped.Load() }

// Close detaches the subscription. Pending buffered events remain readable.
func (s *Subscription) Close() {
	if s.sub.closed.CompareAndSwap(false, true) {
		s.bus.subs.Delete(s.id)
	}
}

// Bus fans events out to topic subscribers.
type Bus struct {
	subs   *xsync.Map[uint64, *subscriber]
	nextID atomic.Uint64
	buffer int
}

// New creates a bus with the given per-subscriber buffer size.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		subs:   xsync.NewMap[uint64, *subscriber](),
		buffer: buffer,
	}
}

// Subscribe opens a feed for one topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &subscriber{topic: topic, ch: make(chan Event, b.buffer)}
	id := b.nextID.Add(1)
	b.subs.Store(id, sub)
	return &Subscription{C: sub.ch, id: id, bus: b, sub: sub}
}

// Publish delivers the event to every subscriber of its topic. When a
// subscriber's buffer is full the oldest buffered event is discarded to make
// room; Publish itself never blocks.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, At: time.Now().UTC(), Payload: payload}
	b.subs.Range(func(_ uint64, sub *subscriber) bool {
		if sub.topic != topic || sub.closed.Load() {
			return true
		}
		for {
			select {
			case sub.ch <- ev:
				return true
			default:
			}
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
		}
	})
}

// SubscriberCount reports live subscriptions for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	n := 0
	b.subs.Range(func(_ uint64, sub *subscriber) bool {
		if sub.topic == topic {
			n++
		}
		return true
	})
	return n
}
