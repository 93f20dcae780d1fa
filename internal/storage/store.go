package storage

import (
	"context"
	"errors"

	"github.com/example/bagmatch/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrStale        = errors.New("stale state")
	ErrItemConflict = errors.New("item already assigned to an active match")
	ErrDuplicate    = errors.New("duplicate id")
)

// Expect is the predicate a conditional match write must satisfy. The write
// is rejected unless the stored status and version still equal what the
// caller read. With ExclusiveItems set, it is also rejected when any other
// active match of the same shopper request holds one of the new assigned
// items; both checks and the write happen atomically.
type Expect struct {
	Status         models.MatchStatus
	Version        int64
	ExclusiveItems bool
}

type MatchFilter struct {
	ShopperRequestID string
	ShopperID        string
	TravelerID       string
	TripID           string
	// PartyID matches either the shopper or the traveler.
	PartyID    string
	Statuses   []models.MatchStatus
	ActiveOnly bool
	Limit      int
}

type MatchStore interface {
	CreateMatch(ctx context.Context, m *models.Match) error
	GetMatch(ctx context.Context, id string) (*models.Match, error)
	FindMatches(ctx context.Context, f MatchFilter) ([]*models.Match, error)
	// CompareAndSwap replaces the stored match with next when exp holds and
	// returns the stored result with its version bumped.
	CompareAndSwap(ctx context.Context, next *models.Match, exp Expect) (*models.Match, error)
}

type RequestStore interface {
	SaveShopperRequest(ctx context.Context, r *models.ShopperRequest) error
	GetShopperRequest(ctx context.Context, id string) (*models.ShopperRequest, error)
}

type TripStore interface {
	SaveTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
}

// Store bundles every repository the service needs.
type Store interface {
	MatchStore
	RequestStore
	TripStore
	Ping(ctx context.Context) error
	Close() error
}

func (f MatchFilter) matches(m *models.Match) bool {
	if f.ShopperRequestID != "" && m.ShopperRequestID != f.ShopperRequestID {
		return false
	}
	if f.ShopperID != "" && m.ShopperID != f.ShopperID {
		return false
	}
	if f.TravelerID != "" && m.TravelerID != f.TravelerID {
		return false
	}
	if f.TripID != "" && m.TripID != f.TripID {
		return false
	}
	if f.PartyID != "" && !m.IsParty(f.PartyID) {
		return false
	}
	if f.ActiveOnly && !m.Status.Active() {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == m.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func overlaps(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return true
		}
	}
	return false
}
