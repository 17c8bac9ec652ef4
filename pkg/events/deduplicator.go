// pkg/events/deduplicator.go
package events

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// EventDeduplicator drops redelivered events within a time window. The
// sensor feed is at-least-once, so the same alert may arrive more than once.
type EventDeduplicator struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]
}

// NewEventDeduplicator creates a deduplicator holding at most capacity keys,
// each remembered for window.
func NewEventDeduplicator(capacity int, window time.Duration) *EventDeduplicator {
	return &EventDeduplicator{
		seen: expirable.NewLRU[string, time.Time](capacity, nil, window),
	}
}

// IsDuplicate checks if the event was already seen and records it otherwise.
func (ed *EventDeduplicator) IsDuplicate(event Event) bool {
	key := event.DedupKey
	if key == "" {
		key = event.ID
	}
	ed.mu.Lock()
	defer ed.mu.Unlock()
	if ed.seen.Contains(key) {
		return true
	}
	ed.seen.Add(key, time.Now())
	return false
}

// Len returns the number of remembered keys.
func (ed *EventDeduplicator) Len() int {
	return ed.seen.Len()
}
