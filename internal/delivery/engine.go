// Package delivery issues and verifies the handoff PIN and records vendor
// drop-off. Like lifecycle it only computes the next match; persisting it is
// the caller's job.
package delivery

import (
	"crypto/rand"
	"io"
	"strings"
	"time"

	"github.com/example/bagmatch/internal/apperr"
	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/models"
)

const (
	DefaultTTL         = 15 * time.Minute
	DefaultMaxAttempts = 5
)

type Engine struct {
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
	// Rand feeds PIN and salt generation; crypto/rand when nil.
	Rand io.Reader
}

func New(ttl time.Duration, maxAttempts int) *Engine {
	return &Engine{TTL: ttl, MaxAttempts: maxAttempts}
}

// Issued carries the plaintext PIN back to the traveler exactly once. Next
// holds only the hash.
type Issued struct {
	Next      *models.Match
	Pin       string
	ExpiresAt time.Time
}

type PinStatus struct {
	IssuedAt          time.Time `json:"issuedAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	Expired           bool      `json:"expired"`
	AttemptsRemaining int       `json:"attemptsRemaining"`
	StoreLocation     string    `json:"storeLocation,omitempty"`
}

// Status is the read-only delivery projection shown to either party.
type Status struct {
	MatchID             string               `json:"matchId"`
	Status              models.MatchStatus   `json:"status"`
	PaymentStatus       models.PaymentStatus `json:"paymentStatus"`
	PurchasedAt         *time.Time           `json:"purchasedAt,omitempty"`
	BoardedAt           *time.Time           `json:"boardedAt,omitempty"`
	DeliveredToVendorAt *time.Time           `json:"deliveredToVendorAt,omitempty"`
	CompletedAt         *time.Time           `json:"completedAt,omitempty"`
	Pin                 *PinStatus           `json:"pin,omitempty"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) ttl() time.Duration {
	if e.TTL <= 0 {
		return DefaultTTL
	}
	return e.TTL
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return e.MaxAttempts
}

func (e *Engine) entropy() io.Reader {
	if e.Rand != nil {
		return e.Rand
	}
	return rand.Reader
}

func pinEligible(s models.MatchStatus) bool {
	return s == models.StatusBoarded || s == models.StatusDeliveredToVendor
}

// Issue generates a fresh PIN for the traveler, replacing any outstanding one
// and resetting the attempt counter.
func (e *Engine) Issue(m *models.Match, caller auth.Identity, storeLocation string) (*Issued, error) {
	if err := requireTraveler(m, caller); err != nil {
		return nil, err
	}
	if !pinEligible(m.Status) {
		return nil, apperr.Newf(apperr.InvalidState, "cannot issue a pin for a %s match", m.Status)
	}
	storeLocation = strings.TrimSpace(storeLocation)
	if storeLocation == "" {
		return nil, apperr.New(apperr.ValidationError, "storeLocation is required")
	}
	return e.issue(m, storeLocation)
}

// Resend reissues for PIN loss or expiry. The previous PIN stops working.
func (e *Engine) Resend(m *models.Match, caller auth.Identity) (*Issued, error) {
	if err := requireTraveler(m, caller); err != nil {
		return nil, err
	}
	if !pinEligible(m.Status) {
		return nil, apperr.Newf(apperr.InvalidState, "cannot resend a pin for a %s match", m.Status)
	}
	if m.Pin == nil {
		return nil, apperr.New(apperr.NoPinIssued, "no pin has been issued for this match")
	}
	return e.issue(m, m.Pin.StoreLocation)
}

func (e *Engine) issue(m *models.Match, storeLocation string) (*Issued, error) {
	pin, err := newPin(e.entropy())
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "generate pin")
	}
	salt, err := newSalt(e.entropy())
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "generate pin")
	}
	now := e.now()
	next := m.Clone()
	next.Pin = &models.VerificationPin{
		Hash:          hashPin(pin, salt),
		Salt:          salt,
		IssuedAt:      now,
		ExpiresAt:     now.Add(e.ttl()),
		AttemptCount:  0,
		StoreLocation: storeLocation,
	}
	return &Issued{Next: next, Pin: pin, ExpiresAt: next.Pin.ExpiresAt}, nil
}

// Verify checks a shopper-submitted PIN. When an attempt is consumed, next is
// the match to persist: completed on a match, the bumped attempt counter with
// a PinMismatch error otherwise. next is nil when the call was refused before
// any attempt was counted.
func (e *Engine) Verify(m *models.Match, caller auth.Identity, pin string) (next *models.Match, err error) {
	if err := requireShopper(m, caller); err != nil {
		return nil, err
	}
	if !pinEligible(m.Status) {
		return nil, apperr.Newf(apperr.InvalidState, "cannot verify a pin for a %s match", m.Status)
	}
	if m.Pin == nil {
		return nil, apperr.New(apperr.NoPinIssued, "no pin has been issued for this match")
	}
	now := e.now()
	if now.After(m.Pin.ExpiresAt) {
		return nil, apperr.New(apperr.PinExpired, "the pin has expired; ask the traveler to resend it")
	}
	if m.Pin.AttemptCount >= e.maxAttempts() {
		return nil, apperr.New(apperr.PinAttemptsExceeded, "too many attempts; ask the traveler to resend the pin")
	}
	pin = strings.TrimSpace(pin)
	if !wellFormed(pin) {
		return nil, apperr.Newf(apperr.ValidationError, "pin must be %d digits", PinDigits)
	}

	next = m.Clone()
	next.Pin.AttemptCount++
	if !pinMatches(pin, m.Pin.Salt, m.Pin.Hash) {
		left := e.maxAttempts() - next.Pin.AttemptCount
		return next, apperr.Newf(apperr.PinMismatch, "incorrect pin, %d attempts left", left)
	}
	next.Pin = nil
	next.Status = models.StatusCompleted
	next.CompletedAt = models.TimePtr(now)
	return next, nil
}

// MarkDelivered records drop-off at the vendor waypoint.
func (e *Engine) MarkDelivered(m *models.Match, caller auth.Identity) (*models.Match, error) {
	if err := requireTraveler(m, caller); err != nil {
		return nil, err
	}
	if m.Status != models.StatusBoarded {
		return nil, apperr.Newf(apperr.InvalidState, "cannot deliver a %s match to the vendor", m.Status)
	}
	next := m.Clone()
	next.Status = models.StatusDeliveredToVendor
	next.DeliveredToVendorAt = models.TimePtr(e.now())
	return next, nil
}

func (e *Engine) Status(m *models.Match, caller auth.Identity) (*Status, error) {
	if !m.IsParty(caller.UserID) && !caller.IsAdmin() {
		return nil, apperr.New(apperr.NotAuthorized, "only the parties of this match may view its delivery status")
	}
	st := &Status{
		MatchID:             m.ID,
		Status:              m.Status,
		PaymentStatus:       m.PaymentStatus,
		PurchasedAt:         m.PurchasedAt,
		BoardedAt:           m.BoardedAt,
		DeliveredToVendorAt: m.DeliveredToVendorAt,
		CompletedAt:         m.CompletedAt,
	}
	if m.Pin != nil {
		left := e.maxAttempts() - m.Pin.AttemptCount
		if left < 0 {
			left = 0
		}
		st.Pin = &PinStatus{
			IssuedAt:          m.Pin.IssuedAt,
			ExpiresAt:         m.Pin.ExpiresAt,
			Expired:           e.now().After(m.Pin.ExpiresAt),
			AttemptsRemaining: left,
			StoreLocation:     m.Pin.StoreLocation,
		}
	}
	return st, nil
}

func requireTraveler(m *models.Match, caller auth.Identity) error {
	if caller.Role != models.RoleTraveler || m.TravelerID != caller.UserID {
		return apperr.New(apperr.NotAuthorized, "caller is not the traveler of this match")
	}
	return nil
}

func requireShopper(m *models.Match, caller auth.Identity) error {
	if caller.Role != models.RoleShopper || m.ShopperID != caller.UserID {
		return apperr.New(apperr.NotAuthorized, "caller is not the shopper of this match")
	}
	return nil
}
