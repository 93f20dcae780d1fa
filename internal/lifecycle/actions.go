package lifecycle

// Action is one of the closed set of match transitions below. The unexported
// marker keeps the set closed to this package, so Engine.Apply can switch over
// it exhaustively.
type Action interface {
	Name() string
	isAction()
}

// Claim binds an explicit item subset and moves a pending match to claimed.
type Claim struct {
	Items []string `json:"assignedItems"`
}

// Accept binds the full candidate item set computed upstream.
type Accept struct{}

type Reject struct {
	Reason string `json:"reason,omitempty"`
}

// Approve starts the cancellation cooldown.
type Approve struct{}

type Cancel struct {
	Reason string `json:"reason,omitempty"`
}

type Purchase struct {
	ReceiptURL string `json:"receiptUrl"`
}

type Board struct{}

// Pay settles payment. PaymentIntentID is optional; when present the booking
// service captures it with the payment gateway before recording the payment.
type Pay struct {
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

type Dispute struct {
	Reason string `json:"reason"`
}

func (Claim) Name() string    { return "claim" }
func (Accept) Name() string   { return "accept" }
func (Reject) Name() string   { return "reject" }
func (Approve) Name() string  { return "approve" }
func (Cancel) Name() string   { return "cancel" }
func (Purchase) Name() string { return "purchase" }
func (Board) Name() string    { return "board" }
func (Pay) Name() string      { return "pay" }
func (Dispute) Name() string  { return "dispute" }

func (Claim) isAction()    {}
func (Accept) isAction()   {}
func (Reject) isAction()   {}
func (Approve) isAction()  {}
func (Cancel) isAction()   {}
func (Purchase) isAction() {}
func (Board) isAction()    {}
func (Pay) isAction()      {}
func (Dispute) isAction()  {}
