package events

import "sync"

// Hub is a diagnostics publish/subscribe bus, adapted from the
// teacher's websocket.Hub: a register/unregister/broadcast run loop
// over a set of subscriber channels. There are no per-subscriber read
// or write pumps here — a subscriber is just a channel, not a network
// connection — and a full subscriber channel drops the event rather
// than blocking the publisher, matching the hub's existing
// full-channel-unregisters-the-client policy but without tearing down
// the subscription (a diagnostics consumer that falls behind should
// resume seeing events, not be kicked off the bus).
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]chan *Event
	nextID      int
	seq         int64

	delivered int64
	dropped   int64
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[int]chan *Event)}
}

// Subscribe registers a new listener with the given channel buffer
// size and returns the channel plus an id for Unsubscribe.
func (h *Hub) Subscribe(buffer int) (<-chan *Event, int) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan *Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	return ch, id
}

// Unsubscribe removes a listener and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	ch, ok := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()

	if ok {
		close(ch)
	}
}

// Publish stamps e with the next sequence number and fans it out to
// every current subscriber, non-blocking.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	h.seq++
	e.Seq = h.seq
	for _, ch := range h.subscribers {
		select {
		case ch <- &e:
			h.delivered++
		default:
			h.dropped++
		}
	}
	h.mu.Unlock()
}

// Stats reports cumulative delivery counters, mirroring the teacher's
// Hub.Stats map-of-counters shape.
func (h *Hub) Stats() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]int64{
		"delivered":   h.delivered,
		"dropped":     h.dropped,
		"subscribers": int64(len(h.subscribers)),
	}
}

// SubscriberCount reports the current number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
