package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/bagmatch/internal/models"
)

// MemoryStore keeps everything in process. The mutex makes each
// CompareAndSwap a single atomic check-and-write.
type MemoryStore struct {
	mu       sync.RWMutex
	matches  map[string]*models.Match
	requests map[string]*models.ShopperRequest
	trips    map[string]*models.Trip
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches:  make(map[string]*models.Match),
		requests: make(map[string]*models.ShopperRequest),
		trips:    make(map[string]*models.Trip),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) CreateMatch(_ context.Context, match *models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.matches[match.ID]; ok {
		return fmt.Errorf("create match %s: %w", match.ID, ErrDuplicate)
	}
	m.matches[match.ID] = match.Clone()
	return nil
}

func (m *MemoryStore) GetMatch(_ context.Context, id string) (*models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match, ok := m.matches[id]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", id, ErrNotFound)
	}
	return match.Clone(), nil
}

func (m *MemoryStore) FindMatches(_ context.Context, f MatchFilter) ([]*models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Match, 0)
	for _, match := range m.matches {
		if f.matches(match) {
			out = append(out, match.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, next *models.Match, exp Expect) (*models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.matches[next.ID]
	if !ok {
		return nil, fmt.Errorf("match %s: %w", next.ID, ErrNotFound)
	}
	if cur.Status != exp.Status || cur.Version != exp.Version {
		return nil, fmt.Errorf("match %s is %s@%d, expected %s@%d: %w",
			next.ID, cur.Status, cur.Version, exp.Status, exp.Version, ErrStale)
	}
	if exp.ExclusiveItems {
		for id, other := range m.matches {
			if id == next.ID || other.ShopperRequestID != next.ShopperRequestID || !other.Status.Active() {
				continue
			}
			if overlaps(other.AssignedItems, next.AssignedItems) {
				return nil, fmt.Errorf("match %s: held by %s: %w", next.ID, id, ErrItemConflict)
			}
		}
	}
	stored := next.Clone()
	stored.Version = exp.Version + 1
	stored.UpdatedAt = m.now()
	m.matches[stored.ID] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) SaveShopperRequest(_ context.Context, r *models.ShopperRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.BagItems = append([]models.BagItem(nil), r.BagItems...)
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetShopperRequest(_ context.Context, id string) (*models.ShopperRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("shopper request %s: %w", id, ErrNotFound)
	}
	cp := *r
	cp.BagItems = append([]models.BagItem(nil), r.BagItems...)
	return &cp, nil
}

func (m *MemoryStore) SaveTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
