package push

import (
	"context"
	"log/slog"
	"sync"

	"ainp/observability/metrics"
)

// Event is one push notification. Envelopes are announced as "message",
// negotiation transitions as "negotiation", finalized receipts as "receipt".
type Event struct {
	Kind    string `json:"kind"`
	ToDID   string `json:"-"`
	Payload any    `json:"payload"`
}

// Hub fans events out to per-DID subscriber queues. Queues are bounded;
// when one is full the oldest event is dropped so a slow consumer never
// stalls ingress. Delivery is best effort, the mailbox is the durable copy.
type Hub struct {
	mu    sync.RWMutex
	subs  map[string]map[*Subscription]struct{}
	depth int
	log   *slog.Logger
}

// Subscription is one consumer's event queue.
type Subscription struct {
	hub    *Hub
	did    string
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

// NewHub constructs a hub with the given per-subscriber queue depth.
func NewHub(depth int, log *slog.Logger) *Hub {
	if depth <= 0 {
		depth = 1000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), depth: depth, log: log}
}

// Subscribe registers a consumer for events addressed to did.
func (h *Hub) Subscribe(did string) *Subscription {
	sub := &Subscription{
		hub:    h,
		did:    did,
		ch:     make(chan Event, h.depth),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	set, ok := h.subs[did]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[did] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	metrics.Broker().PushSubscribers(1)
	return sub
}

// Publish delivers the event to every subscriber of its target DID. A full
// queue sheds its oldest event to make room.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	set := h.subs[event.ToDID]
	subs := make([]*Subscription, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
			select {
			case <-sub.ch:
				metrics.Broker().PushDropped()
				h.log.Warn("push queue full, dropped oldest event",
					slog.String("did", event.ToDID), slog.String("kind", event.Kind))
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// Events exposes the subscription's queue.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done closes when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.closed }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.hub.mu.Lock()
		if set, ok := s.hub.subs[s.did]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.did)
			}
		}
		s.hub.mu.Unlock()
		metrics.Broker().PushSubscribers(-1)
	})
}

// SubscriberCount reports live subscriptions for a DID.
func (h *Hub) SubscriberCount(did string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[did])
}

// Notify adapts the hub to the router's notifier contract.
func (h *Hub) Notify(_ context.Context, event Event) {
	h.Publish(event)
}
