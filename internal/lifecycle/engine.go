// Package lifecycle owns the match state machine. It is pure: Apply computes
// the next match from the current one and never touches storage, so the
// caller persists the result with a conditional write on From and the read
// version.
package lifecycle

import (
	"net/url"
	"strings"
	"time"

	"github.com/example/bagmatch/internal/apperr"
	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/models"
)

const DefaultCooldown = 24 * time.Hour

type Engine struct {
	Cooldown time.Duration
	Now      func() time.Time
}

func New(cooldown time.Duration) *Engine {
	return &Engine{Cooldown: cooldown}
}

// Transition is the outcome of a legal action.
type Transition struct {
	Action string
	From   models.MatchStatus
	To     models.MatchStatus
	Next   *models.Match
	// ExclusiveItems asks the store to reject the write if another active
	// match of the same request holds any of Next.AssignedItems.
	ExclusiveItems bool
	// NoOp marks an idempotent repeat that needs no write.
	NoOp bool
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) cooldown() time.Duration {
	if e.Cooldown <= 0 {
		return DefaultCooldown
	}
	return e.Cooldown
}

// Apply validates act against the caller and the current state of m and
// returns the transition to persist. Authorization is checked before state.
func (e *Engine) Apply(m *models.Match, caller auth.Identity, act Action) (*Transition, error) {
	if m == nil {
		return nil, apperr.New(apperr.NotFound, "match not found")
	}
	if act == nil {
		return nil, apperr.New(apperr.ValidationError, "missing action")
	}
	now := e.now()
	next := m.Clone()
	tr := &Transition{Action: act.Name(), From: m.Status, Next: next}

	switch a := act.(type) {
	case Claim:
		if err := requireTraveler(m, caller); err != nil {
			return nil, err
		}
		if m.Status != models.StatusPending {
			return nil, invalid(act, m)
		}
		items := dedupe(a.Items)
		if len(items) == 0 {
			return nil, apperr.New(apperr.ValidationError, "assignedItems must not be empty")
		}
		if next.TravelerID == "" {
			next.TravelerID = caller.UserID
		}
		next.AssignedItems = items
		next.Status = models.StatusClaimed
		next.ClaimedAt = models.TimePtr(now)
		tr.ExclusiveItems = true

	case Accept:
		if err := requireTraveler(m, caller); err != nil {
			return nil, err
		}
		if m.Status != models.StatusPending {
			return nil, invalid(act, m)
		}
		items := dedupe(m.CandidateItems)
		if len(items) == 0 {
			return nil, apperr.New(apperr.ValidationError, "match has no candidate items to accept")
		}
		if next.TravelerID == "" {
			next.TravelerID = caller.UserID
		}
		next.AssignedItems = items
		next.Status = models.StatusClaimed
		next.ClaimedAt = models.TimePtr(now)
		tr.ExclusiveItems = true

	case Reject:
		if err := requireTraveler(m, caller); err != nil {
			return nil, err
		}
		if m.Status != models.StatusPending {
			return nil, invalid(act, m)
		}
		next.Status = models.StatusRejected
		next.RejectedAt = models.TimePtr(now)
		next.RejectReason = strings.TrimSpace(a.Reason)

	case Approve:
		if err := requireShopper(m, caller); err != nil {
			return nil, err
		}
		if m.Status != models.StatusClaimed {
			return nil, invalid(act, m)
		}
		next.Status = models.StatusApproved
		next.ApprovedAt = models.TimePtr(now)
		next.CooldownExpiresAt = models.TimePtr(now.Add(e.cooldown()))

	case Cancel:
		if !m.IsParty(caller.UserID) {
			return nil, apperr.New(apperr.NotAuthorized, "only the shopper or traveler of this match may cancel it")
		}
		switch m.Status {
		case models.StatusClaimed:
		case models.StatusApproved:
			if m.CooldownExpiresAt == nil || !now.Before(*m.CooldownExpiresAt) {
				return nil, apperr.New(apperr.CooldownExpired, "the cancellation window has closed")
			}
		default:
			return nil, invalid(act, m)
		}
		next.Status = models.StatusCancelled
		next.CancelledAt = models.TimePtr(now)
		next.CancelReason = strings.TrimSpace(a.Reason)
		next.CancelledBy = caller.UserID
		next.AssignedItems = []string{}

	case Purchase:
		if err := requireTraveler(m, caller); err != nil {
			return nil, err
		}
		if m.Status != models.StatusApproved {
			return nil, invalid(act, m)
		}
		if err := validReceiptURL(a.ReceiptURL); err != nil {
			return nil, err
		}
		if m.CooldownExpiresAt != nil && now.Before(*m.CooldownExpiresAt) {
			return nil, apperr.Newf(apperr.CooldownNotElapsed, "purchase allowed after %s",
				m.CooldownExpiresAt.Format(time.RFC3339))
		}
		next.Status = models.StatusPurchased
		next.PurchasedAt = models.TimePtr(now)
		next.ReceiptURL = strings.TrimSpace(a.ReceiptURL)

	case Board:
		if err := requireTraveler(m, caller); err != nil {
			return nil, err
		}
		if m.Status != models.StatusPurchased {
			return nil, invalid(act, m)
		}
		next.Status = models.StatusBoarded
		next.BoardedAt = models.TimePtr(now)

	case Pay:
		if err := requireShopper(m, caller); err != nil {
			return nil, err
		}
		if m.Status == models.StatusCancelled || m.Status == models.StatusRejected {
			return nil, invalid(act, m)
		}
		if m.PaymentStatus == models.PaymentPaid {
			tr.NoOp = true
			break
		}
		next.PaymentStatus = models.PaymentPaid
		next.PaidAt = models.TimePtr(now)

	case Dispute:
		if !m.IsParty(caller.UserID) {
			return nil, apperr.New(apperr.NotAuthorized, "only the shopper or traveler of this match may dispute it")
		}
		switch m.Status {
		case models.StatusPurchased, models.StatusBoarded, models.StatusDeliveredToVendor:
		default:
			return nil, invalid(act, m)
		}
		reason := strings.TrimSpace(a.Reason)
		if reason == "" {
			return nil, apperr.New(apperr.ValidationError, "a dispute needs a reason")
		}
		next.Status = models.StatusDisputed
		next.DisputedAt = models.TimePtr(now)
		next.DisputeReason = reason

	default:
		return nil, apperr.Newf(apperr.ValidationError, "unknown action %q", act.Name())
	}

	tr.To = next.Status
	return tr, nil
}

func requireTraveler(m *models.Match, caller auth.Identity) error {
	if caller.Role != models.RoleTraveler {
		return apperr.New(apperr.NotAuthorized, "this action requires the traveler role")
	}
	if m.TravelerID != "" && m.TravelerID != caller.UserID {
		return apperr.New(apperr.NotAuthorized, "caller is not the traveler of this match")
	}
	return nil
}

func requireShopper(m *models.Match, caller auth.Identity) error {
	if caller.Role != models.RoleShopper {
		return apperr.New(apperr.NotAuthorized, "this action requires the shopper role")
	}
	if m.ShopperID != caller.UserID {
		return apperr.New(apperr.NotAuthorized, "caller is not the shopper of this match")
	}
	return nil
}

func invalid(act Action, m *models.Match) error {
	return apperr.Newf(apperr.InvalidState, "cannot %s a %s match", act.Name(), m.Status)
}

func validReceiptURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.New(apperr.ValidationError, "receiptUrl must be an absolute http(s) URL")
	}
	return nil
}

// dedupe trims ids and drops blanks and repeats, keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
