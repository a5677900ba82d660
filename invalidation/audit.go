package invalidation

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// AuditTrail keeps the most recently observed invalidation events in a
// bounded in-memory ring. It is a diagnostic window, not a durable
// log: events older than the capacity are evicted silently.
type AuditTrail struct {
	events *lru.Cache[string, Event]
}

// NewAuditTrail creates a trail holding at most size events.
func NewAuditTrail(size int) (*AuditTrail, error) {
	events, err := lru.New[string, Event](size)
	if err != nil {
		return nil, err
	}
	return &AuditTrail{events: events}, nil
}

// Record stores an observed event, evicting the oldest when full.
func (a *AuditTrail) Record(e Event) {
	a.events.Add(e.ID, e)
}

// Recent returns up to n events, newest first.
func (a *AuditTrail) Recent(n int) []Event {
	keys := a.events.Keys()
	if n <= 0 || n > len(keys) {
		n = len(keys)
	}
	out := make([]Event, 0, n)
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		if e, ok := a.events.Peek(keys[i]); ok {
			out = append(out, e)
		}
	}
	return out
}

// Len returns how many events the trail currently holds.
func (a *AuditTrail) Len() int {
	return a.events.Len()
}
