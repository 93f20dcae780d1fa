package booking

import (
	"context"
	"time"

	"github.com/example/bagmatch/internal/apperr"
	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/lifecycle"
	"github.com/example/bagmatch/internal/models"
	"github.com/example/bagmatch/internal/observability"
)

// Perform runs one lifecycle action against the stored match.
func (s *Service) Perform(ctx context.Context, caller auth.Identity, matchID string, act lifecycle.Action) (m *models.Match, err error) {
	if act != nil {
		defer func() { observe(act.Name(), err) }()
	}
	cur, err := s.loadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	tr, err := s.Lifecycle.Apply(cur, caller, act)
	if err != nil {
		return nil, err
	}
	if tr.NoOp {
		return cur, nil
	}

	var reason string
	switch a := act.(type) {
	case lifecycle.Claim:
		if err := s.checkItemsBelong(ctx, cur.ShopperRequestID, tr.Next.AssignedItems); err != nil {
			return nil, err
		}
	case lifecycle.Pay:
		if err := s.capture(ctx, cur, a.PaymentIntentID); err != nil {
			return nil, err
		}
	case lifecycle.Cancel:
		reason = a.Reason
	case lifecycle.Reject:
		reason = a.Reason
	case lifecycle.Dispute:
		reason = a.Reason
	}
	return s.commit(ctx, cur, tr.Next, tr.ExclusiveItems, tr.Action, caller, reason)
}

func (s *Service) checkItemsBelong(ctx context.Context, requestID string, items []string) error {
	req, err := s.Store.GetShopperRequest(ctx, requestID)
	if err != nil {
		return storeErr(err, "shopper request")
	}
	for _, id := range items {
		if !req.HasItem(id) {
			return apperr.Newf(apperr.ItemConflict, "item %s does not belong to shopper request %s", id, requestID)
		}
	}
	return nil
}

func (s *Service) capture(ctx context.Context, m *models.Match, intentID string) error {
	if intentID == "" {
		return nil
	}
	if s.Payments == nil {
		s.log().Warn("payment_gateway_not_configured", "match_id", m.ID)
		return nil
	}
	if err := s.Payments.Capture(ctx, m.ID, intentID); err != nil {
		s.log().Error("payment_capture_failed", "match_id", m.ID, "error", err)
		return apperr.Wrap(apperr.Internal, err, "payment capture failed")
	}
	return nil
}

func (s *Service) Claim(ctx context.Context, caller auth.Identity, matchID string, items []string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Claim{Items: items})
}

func (s *Service) Accept(ctx context.Context, caller auth.Identity, matchID string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Accept{})
}

func (s *Service) Reject(ctx context.Context, caller auth.Identity, matchID, reason string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Reject{Reason: reason})
}

func (s *Service) Approve(ctx context.Context, caller auth.Identity, matchID string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Approve{})
}

func (s *Service) Cancel(ctx context.Context, caller auth.Identity, matchID, reason string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Cancel{Reason: reason})
}

func (s *Service) Purchase(ctx context.Context, caller auth.Identity, matchID, receiptURL string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Purchase{ReceiptURL: receiptURL})
}

func (s *Service) Board(ctx context.Context, caller auth.Identity, matchID string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Board{})
}

func (s *Service) Pay(ctx context.Context, caller auth.Identity, matchID, paymentIntentID string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Pay{PaymentIntentID: paymentIntentID})
}

func (s *Service) Dispute(ctx context.Context, caller auth.Identity, matchID, reason string) (*models.Match, error) {
	return s.Perform(ctx, caller, matchID, lifecycle.Dispute{Reason: reason})
}

func (s *Service) MarkDelivered(ctx context.Context, caller auth.Identity, matchID string) (m *models.Match, err error) {
	defer func() { observe("deliver-to-vendor", err) }()
	cur, err := s.loadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	next, err := s.Delivery.MarkDelivered(cur, caller)
	if err != nil {
		return nil, err
	}
	return s.commit(ctx, cur, next, false, "deliver-to-vendor", caller, "")
}

// PinIssue is returned once to the traveler; Pin is never stored.
type PinIssue struct {
	MatchID   string    `json:"matchId"`
	Pin       string    `json:"pin"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Service) GeneratePin(ctx context.Context, caller auth.Identity, matchID, storeLocation string) (out *PinIssue, err error) {
	defer func() { observe("generate-pin", err) }()
	cur, err := s.loadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	issued, err := s.Delivery.Issue(cur, caller, storeLocation)
	if err != nil {
		return nil, err
	}
	if _, err := s.commit(ctx, cur, issued.Next, false, "generate-pin", caller, ""); err != nil {
		return nil, err
	}
	observability.PinsIssued.Inc()
	return &PinIssue{MatchID: matchID, Pin: issued.Pin, ExpiresAt: issued.ExpiresAt}, nil
}

func (s *Service) ResendPin(ctx context.Context, caller auth.Identity, matchID string) (out *PinIssue, err error) {
	defer func() { observe("resend-pin", err) }()
	cur, err := s.loadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	issued, err := s.Delivery.Resend(cur, caller)
	if err != nil {
		return nil, err
	}
	if _, err := s.commit(ctx, cur, issued.Next, false, "resend-pin", caller, ""); err != nil {
		return nil, err
	}
	observability.PinsIssued.Inc()
	return &PinIssue{MatchID: matchID, Pin: issued.Pin, ExpiresAt: issued.ExpiresAt}, nil
}

// VerifyPin persists the consumed attempt before revealing the outcome, so a
// caller racing itself cannot get more guesses than the limit allows.
func (s *Service) VerifyPin(ctx context.Context, caller auth.Identity, matchID, pin string) (m *models.Match, err error) {
	defer func() {
		observe("verify-pin", err)
		observability.PinVerifications.WithLabelValues(pinOutcome(err)).Inc()
	}()
	cur, err := s.loadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	next, verr := s.Delivery.Verify(cur, caller, pin)
	if next == nil {
		return nil, verr
	}
	reason := ""
	if verr != nil {
		reason = "pin mismatch"
	}
	stored, err := s.commit(ctx, cur, next, false, "verify-pin", caller, reason)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		return nil, verr
	}
	return stored, nil
}

func pinOutcome(err error) string {
	switch apperr.KindOf(err) {
	case "":
		return "ok"
	case apperr.PinMismatch:
		return "mismatch"
	case apperr.PinExpired:
		return "expired"
	case apperr.PinAttemptsExceeded:
		return "locked"
	case apperr.NoPinIssued:
		return "no_pin"
	default:
		return "refused"
	}
}
