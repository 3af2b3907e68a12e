package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// Stripe charges cards through the Stripe PaymentIntents API.
type Stripe struct {
	api *client.API
}

// NewStripe creates a Stripe adapter with its own API client. The key is
// per-deployment, not per-tenant.
func NewStripe(apiKey string) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Stripe{api: api}
}

func (s *Stripe) Name() string { return "stripe" }

// Charge creates and confirms a PaymentIntent for the normalized request.
// Amounts convert to the currency's minor units.
func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context: ctx,
			Metadata: map[string]string{
				"transaction_id": req.TransactionID,
				"tenant_id":      req.TenantID,
			},
		},
		Amount:   stripe.Int64(minorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	// Reuse the transaction id as the idempotency key so a retried HTTP
	// call cannot double-charge.
	params.SetIdempotencyKey(req.TransactionID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe payment intent: %w", err)
	}
	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil, fmt.Errorf("%w: intent %s canceled", ErrDeclined, pi.ID)
	}

	raw, _ := json.Marshal(map[string]any{
		"id":     pi.ID,
		"status": pi.Status,
		"amount": pi.Amount,
	})
	return &ChargeResult{ProviderRef: pi.ID, RawResponse: string(raw)}, nil
}

func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
