package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types on the /v1/events stream.
const (
	EventCleanup = "cleanup" // cleanup passes expired loops
	EventTick    = "tick"    // scheduler tick summary
	EventLoop    = "loop"    // loop tracked or resolved
	EventNudge   = "nudge"   // proactive message delivered
	EventError   = "error"
)

// Event is a single event broadcast to SSE clients.
type Event struct {
	Type    string `json:"type"`
	Scope   string `json:"scope,omitempty"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"` // "info", "warn"
	TS      string `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

// EventBus fans out events to SSE subscribers. Subscribers that fall behind
// miss events; the recent buffer lets new connections catch up.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	recent      []Event
	maxRecent   int
}

// NewEventBus creates a new event bus keeping the last maxRecent events.
func NewEventBus(maxRecent int) *EventBus {
	if maxRecent <= 0 {
		maxRecent = 200
	}
	return &EventBus{
		subscribers: make(map[chan Event]struct{}),
		maxRecent:   maxRecent,
	}
}

// Publish sends an event to all connected subscribers without blocking.
func (eb *EventBus) Publish(e Event) {
	if e.TS == "" {
		e.TS = time.Now().UTC().Format(time.RFC3339)
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	for ch := range eb.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (eb *EventBus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	eb.mu.Lock()
	eb.subscribers[ch] = struct{}{}
	eb.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.subscribers, ch)
			close(ch)
			eb.mu.Unlock()
		})
	}
}

// Recent returns up to the last n events, oldest first. n <= 0 returns all.
func (eb *EventBus) Recent(n int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	out := make([]Event, n)
	copy(out, eb.recent[len(eb.recent)-n:])
	return out
}

// SubscriberCount returns the number of connected subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}
