// Package payments ties Stripe PaymentIntents to the job lifecycle: funds
// are held when a job is assigned, captured when it is delivered, and
// released when it is canceled.
package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Charger is the payment boundary used by the job adapter. All calls are
// best-effort from the dispatch core's point of view.
type Charger interface {
	Hold(ctx context.Context, amountCents int64, currency, description string) (string, error)
	Capture(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// AmountForPriority maps a job priority to the hold amount in cents.
func AmountForPriority(priority string) int64 {
	switch priority {
	case "Low":
		return 9900
	case "High":
		return 19900
	case "Urgent":
		return 24900
	default: // Normal
		return 14900
	}
}

// StripeClient is a thin wrapper over stripe-go manual-capture
// PaymentIntents.
type StripeClient struct{}

// NewStripeClient initializes the global stripe key and returns a client.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a manual-capture PaymentIntent and returns its ID.
func (s *StripeClient) Hold(ctx context.Context, amountCents int64, currency, description string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if description != "" {
		params.Description = stripe.String(description)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, ref string) error {
	_, err := paymentintent.Capture(ref, nil)
	return err
}

// Release cancels the hold.
func (s *StripeClient) Release(ctx context.Context, ref string) error {
	_, err := paymentintent.Cancel(ref, nil)
	return err
}
