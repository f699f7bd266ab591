package scan

import "sync"

// Hub topics.
const (
	TopicAlerts  = "alerts"
	TopicMetrics = "metrics"
)

const subscriberBufSize = 64

// Hub is an in-process pub/sub fan-out backing the alert and metric
// streams and the SSE endpoints.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// Subscriber is an opaque handle used to unsubscribe.
type Subscriber struct {
	ch chan any
}

// NewHub creates a Hub with the standard topics.
func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[*Subscriber]struct{}{
			TopicAlerts:  {},
			TopicMetrics: {},
		},
	}
}

// Subscribe returns a buffered channel receiving the topic's messages.
func (h *Hub) Subscribe(topic string) (*Subscriber, <-chan any) {
	s := &Subscriber{ch: make(chan any, subscriberBufSize)}
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscriber]struct{})
	}
	h.subs[topic][s] = struct{}{}
	h.mu.Unlock()
	return s, s.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(topic string, s *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.subs[topic]; ok {
		if _, exists := subs[s]; exists {
			delete(subs, s)
			close(s.ch)
		}
	}
	h.mu.Unlock()
}

// CloseAll closes every subscriber channel; called on scanner stop so
// streams terminate.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for topic, subs := range h.subs {
		for s := range subs {
			close(s.ch)
		}
		h.subs[topic] = map[*Subscriber]struct{}{}
	}
	h.mu.Unlock()
}

// Publish sends a message to all subscribers of the topic. Non-blocking:
// a subscriber with a full buffer misses the message.
func (h *Hub) Publish(topic string, msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[topic] {
		select {
		case s.ch <- msg:
		default:
			// Slow consumer, drop.
		}
	}
}
