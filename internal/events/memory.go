package events

import (
	"context"
	"sync"
)

// MemoryRing keeps the last Retention events in process.
type MemoryRing struct {
	mu        sync.RWMutex
	buf       []Event
	next      int
	full      bool
	retention int
}

func NewMemoryRing(retention int) *MemoryRing {
	if retention <= 0 {
		retention = 1000
	}
	return &MemoryRing{buf: make([]Event, retention), retention: retention}
}

func (r *MemoryRing) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % r.retention
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// All returns the retained events, oldest first.
func (r *MemoryRing) All() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]Event(nil), r.buf[:r.next]...)
	}
	out := make([]Event, 0, r.retention)
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *MemoryRing) Recent(_ context.Context, matchID string, limit int) ([]Event, error) {
	all := r.All()
	out := make([]Event, 0)
	for i := len(all) - 1; i >= 0; i-- {
		if matchID != "" && all[i].MatchID != matchID {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
