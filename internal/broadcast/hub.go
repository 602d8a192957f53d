package broadcast

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 64

// Hub is the in-process fan-out. Delivery never blocks the publisher: a subscriber whose
// buffer is full misses the event and is expected to resync through the REST list. Each
// subscription skips events older than the last one it received for the same booking.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSubscription]struct{}
	closed bool
	log    logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		subs: make(map[string]map[*hubSubscription]struct{}),
		log:  log.WithField("component", "hub"),
	}
}

func (h *Hub) Publish(_ context.Context, topic string, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	for sub := range h.subs[topic] {
		h.deliver(sub, topic, event)
	}
	return nil
}

// deliver holds sub.mu so admission and enqueue happen in the same order.
func (h *Hub) deliver(sub *hubSubscription, topic string, event Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.order.Admit(event) {
		h.log.WithFields(logrus.Fields{"topic": topic, "booking_id": event.BookingID, "version": event.Version}).Debug("stale event skipped")
		return
	}
	select {
	case sub.ch <- event:
	default:
		h.log.WithFields(logrus.Fields{"topic": topic, "booking_id": event.BookingID}).Warn("subscriber buffer full, event dropped")
	}
}

func (h *Hub) Subscribe(topic string) Subscription {
	sub := &hubSubscription{hub: h, topic: topic, ch: make(chan Event, subscriberBuffer), order: NewOrdering(0)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*hubSubscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	return sub
}

// Subscribers is the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for sub := range subs {
			sub.done = true
			close(sub.ch)
		}
	}
	h.subs = nil
}

func (h *Hub) remove(sub *hubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.done {
		return
	}
	sub.done = true
	delete(h.subs[sub.topic], sub)
	if len(h.subs[sub.topic]) == 0 {
		delete(h.subs, sub.topic)
	}
	close(sub.ch)
}

type hubSubscription struct {
	hub   *Hub
	topic string
	ch    chan Event
	mu    sync.Mutex
	order *Ordering
	// done is guarded by hub.mu.
	done bool
}

func (s *hubSubscription) Events() <-chan Event { return s.ch }

func (s *hubSubscription) Close() { s.hub.remove(s) }

var _ Publisher = (*Hub)(nil)
