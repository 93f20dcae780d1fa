package models

import "time"

type MatchStatus string

const (
	StatusPending           MatchStatus = "pending"
	StatusClaimed           MatchStatus = "claimed"
	StatusApproved          MatchStatus = "approved"
	StatusPurchased         MatchStatus = "purchased"
	StatusBoarded           MatchStatus = "boarded"
	StatusDeliveredToVendor MatchStatus = "delivered_to_vendor"
	StatusCompleted         MatchStatus = "completed"
	StatusCancelled         MatchStatus = "cancelled"
	StatusRejected          MatchStatus = "rejected"
	StatusDisputed          MatchStatus = "disputed"
)

// Terminal statuses never transition again and release their items.
func (s MatchStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

func (s MatchStatus) Active() bool { return !s.Terminal() }

func (s MatchStatus) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusApproved, StatusPurchased, StatusBoarded,
		StatusDeliveredToVendor, StatusCompleted, StatusCancelled, StatusRejected, StatusDisputed:
		return true
	}
	return false
}

// TerminalStatuses is the set excluded when looking for active matches.
var TerminalStatuses = []MatchStatus{StatusCompleted, StatusCancelled, StatusRejected}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

// VerificationPin is the stored half of a delivery PIN. The plaintext is
// handed out once at issue time and never kept.
type VerificationPin struct {
	Hash          []byte    `json:"-"`
	Salt          []byte    `json:"-"`
	IssuedAt      time.Time `json:"issuedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	AttemptCount  int       `json:"attemptCount"`
	StoreLocation string    `json:"storeLocation,omitempty"`
}

type Match struct {
	ID               string `json:"id"`
	ShopperRequestID string `json:"shopperRequestId"`
	TripID           string `json:"tripId"`
	TravelerID       string `json:"travelerId"`
	ShopperID        string `json:"shopperId"`

	AssignedItems  []string `json:"assignedItems"`
	CandidateItems []string `json:"candidateItems,omitempty"`

	Status        MatchStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"paymentStatus"`
	MatchScore    float64       `json:"matchScore"`

	ClaimedAt           *time.Time `json:"claimedAt,omitempty"`
	ApprovedAt          *time.Time `json:"approvedAt,omitempty"`
	CooldownExpiresAt   *time.Time `json:"cooldownExpiresAt,omitempty"`
	PurchasedAt         *time.Time `json:"purchasedAt,omitempty"`
	BoardedAt           *time.Time `json:"boardedAt,omitempty"`
	DeliveredToVendorAt *time.Time `json:"deliveredToVendorAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	CancelledAt         *time.Time `json:"cancelledAt,omitempty"`
	RejectedAt          *time.Time `json:"rejectedAt,omitempty"`
	DisputedAt          *time.Time `json:"disputedAt,omitempty"`
	PaidAt              *time.Time `json:"paidAt,omitempty"`

	ReceiptURL    string `json:"receiptUrl,omitempty"`
	CancelReason  string `json:"cancelReason,omitempty"`
	CancelledBy   string `json:"cancelledBy,omitempty"`
	RejectReason  string `json:"rejectReason,omitempty"`
	DisputeReason string `json:"disputeReason,omitempty"`

	Pin *VerificationPin `json:"-"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsParty reports whether userID is the bound shopper or traveler.
func (m *Match) IsParty(userID string) bool {
	return userID != "" && (userID == m.ShopperID || userID == m.TravelerID)
}

// Clone returns a deep copy so callers can build the next state without
// touching what the store handed out.
func (m *Match) Clone() *Match {
	c := *m
	c.AssignedItems = append([]string(nil), m.AssignedItems...)
	c.CandidateItems = append([]string(nil), m.CandidateItems...)
	for _, p := range []**time.Time{
		&c.ClaimedAt, &c.ApprovedAt, &c.CooldownExpiresAt, &c.PurchasedAt, &c.BoardedAt,
		&c.DeliveredToVendorAt, &c.CompletedAt, &c.CancelledAt, &c.RejectedAt, &c.DisputedAt, &c.PaidAt,
	} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	if m.Pin != nil {
		pin := *m.Pin
		pin.Hash = append([]byte(nil), m.Pin.Hash...)
		pin.Salt = append([]byte(nil), m.Pin.Salt...)
		c.Pin = &pin
	}
	return &c
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time { return &t }
