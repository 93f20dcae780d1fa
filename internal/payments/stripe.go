package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Capturer settles a PaymentIntent the shopper authorised client-side.
type Capturer interface {
	Capture(ctx context.Context, matchID, paymentIntentID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent capture.
type StripeClient struct {
	intents *paymentintent.Client
}

// NewStripeClient builds a client bound to apiKey against the live API.
func NewStripeClient(apiKey string) *StripeClient {
	return NewStripeClientWithBackend(apiKey, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeClientWithBackend(apiKey string, backend stripe.Backend) *StripeClient {
	return &StripeClient{intents: &paymentintent.Client{B: backend, Key: apiKey}}
}

// Capture finalizes a previously-held PaymentIntent. The idempotency key is
// derived from the match, so a retried pay never captures twice.
func (s *StripeClient) Capture(ctx context.Context, matchID, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("bagmatch-capture-" + matchID + "-" + paymentIntentID)
	params.AddMetadata("match_id", matchID)
	pi, err := s.intents.Capture(paymentIntentID, params)
	if err != nil {
		return fmt.Errorf("capture %s: %w", paymentIntentID, err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("capture %s: intent is %s", paymentIntentID, pi.Status)
	}
	return nil
}
