package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	// ContentUpdated is sent when a revalidated page body differs from the
	// cached copy.
	ContentUpdated EventType = "content-updated"
	// CacheStatus carries a status record when it could not be persisted,
	// and on every terminal warm-up transition.
	CacheStatus  EventType = "cache-status"
	CacheCleared EventType = "cache-cleared"
)

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    any       `json:"status,omitempty"`
}

func NewEvent(eventType EventType, url string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		URL:       url,
		Timestamp: time.Now().UTC(),
	}
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 16

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose queue is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it. After Close the channel is already closed.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		// Whoever removes the channel from subs closes it.
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Close ends every subscription. Later publishes reach nobody.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers event to every subscriber and reports how many
// received it.
func (h *Hub) Publish(event Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
