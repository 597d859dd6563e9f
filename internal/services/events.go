package services

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is a key lifecycle event pushed to connected admin clients
type Event struct {
	Key       string    `json:"key"`
	Action    string    `json:"action"`
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans lifecycle events out to admin subscribers. Delivery is
// best-effort: events are dropped for subscribers whose buffer is full
// rather than blocking the request path.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Subscribe registers a subscriber. The returned channel is closed by
// Unsubscribe.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// BroadcastEvent delivers an event to every subscriber
func (h *Hub) BroadcastEvent(key, action, origin string) {
	ev := Event{Key: key, Action: action, Origin: origin, Timestamp: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("action", action).Msg("Dropping event for slow subscriber")
		}
	}
}
