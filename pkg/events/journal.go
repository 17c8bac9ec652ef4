package events

import (
	"sort"
	"sync"
	"time"
)

// Journal retains normalized events in timestamp order until they age out
// of the retention window.
type Journal struct {
	mu     sync.RWMutex
	events []Event
	byID   map[string]int
	offset int
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{byID: make(map[string]int)}
}

// Append records ev. Late events are inserted at their timestamp position.
func (j *Journal) Append(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := len(j.events)
	if n == 0 || !ev.Timestamp.Before(j.events[n-1].Timestamp) {
		j.events = append(j.events, ev)
		j.byID[ev.ID] = j.offset + n
		return
	}

	i := sort.Search(n, func(i int) bool { return j.events[i].Timestamp.After(ev.Timestamp) })
	j.events = append(j.events, Event{})
	copy(j.events[i+1:], j.events[i:])
	j.events[i] = ev
	for k := i; k < len(j.events); k++ {
		j.byID[j.events[k].ID] = j.offset + k
	}
}

// Get returns the retained event with the given id.
func (j *Journal) Get(id string) (Event, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	pos, ok := j.byID[id]
	if !ok {
		return Event{}, false
	}
	return j.events[pos-j.offset], true
}

// Len returns the number of retained events.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}

// EvictOlderThan removes and returns every event with a timestamp before ts,
// oldest first.
func (j *Journal) EvictOlderThan(ts time.Time) []Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	cut := sort.Search(len(j.events), func(i int) bool { return !j.events[i].Timestamp.Before(ts) })
	if cut == 0 {
		return nil
	}

	evicted := make([]Event, cut)
	copy(evicted, j.events[:cut])
	for _, ev := range evicted {
		delete(j.byID, ev.ID)
	}
	j.events = append([]Event(nil), j.events[cut:]...)
	j.offset += cut
	return evicted
}
