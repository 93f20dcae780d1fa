// Package booking composes the lifecycle and delivery engines with storage.
// Every mutation is load, compute, then one conditional write expecting the
// status and version that were read; nothing is retried here.
package booking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/bagmatch/internal/apperr"
	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/delivery"
	"github.com/example/bagmatch/internal/events"
	"github.com/example/bagmatch/internal/lifecycle"
	"github.com/example/bagmatch/internal/models"
	"github.com/example/bagmatch/internal/observability"
	"github.com/example/bagmatch/internal/payments"
	"github.com/example/bagmatch/internal/storage"
)

type Service struct {
	Store     storage.Store
	Lifecycle *lifecycle.Engine
	Delivery  *delivery.Engine
	Events    events.Sink
	History   events.History
	// Payments is optional; without it pay only records the status.
	Payments payments.Capturer
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func NewService(store storage.Store, lc *lifecycle.Engine, dv *delivery.Engine) *Service {
	return &Service{Store: store, Lifecycle: lc, Delivery: dv}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// storeErr maps repository sentinels onto caller-facing kinds.
func storeErr(err error, what string) error {
	var ae *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, err, what+" not found")
	case errors.Is(err, storage.ErrStale):
		observability.CASConflicts.WithLabelValues("stale").Inc()
		return apperr.Wrap(apperr.StaleState, err, "the match changed while you were acting on it, please retry")
	case errors.Is(err, storage.ErrItemConflict):
		observability.CASConflicts.WithLabelValues("item_conflict").Inc()
		return apperr.Wrap(apperr.ItemConflict, err, "one or more items are already assigned to another active match")
	case errors.Is(err, storage.ErrDuplicate):
		return apperr.Wrap(apperr.ValidationError, err, what+" already exists")
	default:
		return apperr.Wrap(apperr.Internal, err, what)
	}
}

func (s *Service) loadMatch(ctx context.Context, id string) (*models.Match, error) {
	m, err := s.Store.GetMatch(ctx, id)
	if err != nil {
		return nil, storeErr(err, "match")
	}
	return m, nil
}

// commit writes next if the stored match still has cur's status and version,
// then records the transition.
func (s *Service) commit(ctx context.Context, cur, next *models.Match, exclusive bool, action string, caller auth.Identity, reason string) (*models.Match, error) {
	stored, err := s.Store.CompareAndSwap(ctx, next, storage.Expect{
		Status:         cur.Status,
		Version:        cur.Version,
		ExclusiveItems: exclusive,
	})
	if err != nil {
		return nil, storeErr(err, "match")
	}
	s.log().Info("match_transition",
		"match_id", stored.ID,
		"action", action,
		"from", cur.Status,
		"to", stored.Status,
		"actor", caller.UserID,
		"version", stored.Version,
	)
	s.publish(ctx, events.FromMatch(stored, action, cur.Status, caller.UserID, caller.Role, reason))
	return stored, nil
}

// publish never fails the caller; the transition is already durable, so the
// event outlives a cancelled request.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log().Warn("event_dropped", "match_id", ev.MatchID, "action", ev.Action, "error", err)
	}
}

func observe(action string, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	observability.TransitionsTotal.WithLabelValues(action, result).Inc()
}

func canView(m *models.Match, caller auth.Identity) error {
	if m.IsParty(caller.UserID) || caller.IsAdmin() {
		return nil
	}
	return apperr.New(apperr.NotAuthorized, "only the parties of this match may view it")
}

func (s *Service) GetMatch(ctx context.Context, caller auth.Identity, id string) (*models.Match, error) {
	m, err := s.loadMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canView(m, caller); err != nil {
		return nil, err
	}
	return m, nil
}

type ListFilter struct {
	Status           models.MatchStatus
	ShopperRequestID string
	ActiveOnly       bool
	Limit            int
}

const maxListLimit = 200

// ListMatches returns the caller's matches; admins see everything.
func (s *Service) ListMatches(ctx context.Context, caller auth.Identity, f ListFilter) ([]*models.Match, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Newf(apperr.ValidationError, "unknown status %q", f.Status)
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	filter := storage.MatchFilter{
		ShopperRequestID: f.ShopperRequestID,
		ActiveOnly:       f.ActiveOnly,
		Limit:            f.Limit,
	}
	if f.Status != "" {
		filter.Statuses = []models.MatchStatus{f.Status}
	}
	if !caller.IsAdmin() {
		filter.PartyID = caller.UserID
	}
	out, err := s.Store.FindMatches(ctx, filter)
	if err != nil {
		return nil, storeErr(err, "matches")
	}
	return out, nil
}

func (s *Service) DeliveryStatus(ctx context.Context, caller auth.Identity, id string) (*delivery.Status, error) {
	m, err := s.loadMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Delivery.Status(m, caller)
}

// MatchEvents returns the newest audit events of a match.
func (s *Service) MatchEvents(ctx context.Context, caller auth.Identity, id string, limit int) ([]events.Event, error) {
	m, err := s.loadMatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canView(m, caller); err != nil {
		return nil, err
	}
	if s.History == nil {
		return []events.Event{}, nil
	}
	out, err := s.History.Recent(ctx, id, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read match events")
	}
	return out, nil
}

func (s *Service) Ping(ctx context.Context) error { return s.Store.Ping(ctx) }
