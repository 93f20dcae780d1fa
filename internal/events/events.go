// Package events is the append-only audit trail of committed match
// transitions. The booking service depends only on Sink; concrete sinks are
// chosen at startup.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/bagmatch/internal/models"
	"github.com/example/bagmatch/internal/observability"
)

type Event struct {
	ID               string               `json:"id"`
	MatchID          string               `json:"matchId"`
	ShopperRequestID string               `json:"shopperRequestId"`
	ShopperID        string               `json:"shopperId"`
	TravelerID       string               `json:"travelerId"`
	Action           string               `json:"action"`
	From             models.MatchStatus   `json:"from,omitempty"`
	To               models.MatchStatus   `json:"to"`
	PaymentStatus    models.PaymentStatus `json:"paymentStatus"`
	ActorID          string               `json:"actorId"`
	ActorRole        models.Role          `json:"actorRole"`
	Reason           string               `json:"reason,omitempty"`
	Version          int64                `json:"version"`
	At               time.Time            `json:"at"`
}

// FromMatch builds the event for a committed write of m.
func FromMatch(m *models.Match, action string, from models.MatchStatus, actorID string, role models.Role, reason string) Event {
	return Event{
		ID:               uuid.NewString(),
		MatchID:          m.ID,
		ShopperRequestID: m.ShopperRequestID,
		ShopperID:        m.ShopperID,
		TravelerID:       m.TravelerID,
		Action:           action,
		From:             from,
		To:               m.Status,
		PaymentStatus:    m.PaymentStatus,
		ActorID:          actorID,
		ActorRole:        role,
		Reason:           reason,
		Version:          m.Version,
		At:               m.UpdatedAt,
	}
}

type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// History returns the newest events of a match, newest first.
type History interface {
	Recent(ctx context.Context, matchID string, limit int) ([]Event, error)
}

type namedSink struct {
	name string
	sink Sink
}

// Fanout delivers each event to every registered sink. One failing sink does
// not stop the others.
type Fanout struct {
	sinks []namedSink
	log   *slog.Logger
}

func NewFanout(log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{log: log}
}

// Add registers s under name; name labels the drop counter.
func (f *Fanout) Add(name string, s Sink) *Fanout {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	return f
}

func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Publish(ctx, ev); err != nil {
			observability.EventsDropped.WithLabelValues(s.name).Inc()
			f.log.Warn("event_publish_failed", "sink", s.name, "match_id", ev.MatchID, "action", ev.Action, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
