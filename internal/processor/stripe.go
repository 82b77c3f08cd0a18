// Package processor moves money through the payment provider.
//
// Buyer and seller identifiers map to Stripe customer and connected
// account IDs. Amounts are rubles and converted to kopecks at the
// provider boundary.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/safedeal/core/internal/escrow"
)

// StripeProcessor charges buyers, refunds them, and pays out sellers
// through Stripe.
type StripeProcessor struct {
	api    *client.API
	logger *slog.Logger

	// Most recent payment intent per buyer. Refunds target the buyer's
	// latest charge.
	mu      sync.Mutex
	intents map[string]string
}

// NewStripeProcessor creates a processor using the given API key.
func NewStripeProcessor(apiKey string, logger *slog.Logger) *StripeProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProcessor{
		api:     api,
		logger:  logger,
		intents: make(map[string]string),
	}
}

// Charge confirms an off-session payment intent against the buyer's saved
// payment method.
func (p *StripeProcessor) Charge(ctx context.Context, buyerID string, amount float64, method escrow.PaymentMethod) error {
	params := &stripe.PaymentIntentParams{
		Params:             stripe.Params{Context: ctx},
		Amount:             stripe.Int64(MinorUnits(amount)),
		Currency:           stripe.String(string(stripe.CurrencyRUB)),
		Customer:           stripe.String(buyerID),
		Confirm:            stripe.Bool(true),
		OffSession:         stripe.Bool(true),
		PaymentMethodTypes: paymentMethodTypes(method),
	}

	intent, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return fmt.Errorf("stripe charge: %w", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("stripe charge: intent %s in status %s", intent.ID, intent.Status)
	}

	p.mu.Lock()
	p.intents[buyerID] = intent.ID
	p.mu.Unlock()

	p.logger.Info("charge succeeded", "buyer_id", buyerID, "intent_id", intent.ID, "amount", amount)
	return nil
}

// Refund returns funds to the buyer against their most recent charge.
func (p *StripeProcessor) Refund(ctx context.Context, buyerID string, amount float64) error {
	p.mu.Lock()
	intentID, ok := p.intents[buyerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("stripe refund: no recorded charge for buyer %s", buyerID)
	}

	params := &stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(MinorUnits(amount)),
	}
	ref, err := p.api.Refunds.New(params)
	if err != nil {
		return fmt.Errorf("stripe refund: %w", err)
	}

	p.logger.Info("refund succeeded", "buyer_id", buyerID, "refund_id", ref.ID, "amount", amount)
	return nil
}

// Payout transfers funds to the seller's connected account.
func (p *StripeProcessor) Payout(ctx context.Context, sellerID string, amount float64) error {
	params := &stripe.TransferParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(MinorUnits(amount)),
		Currency:    stripe.String(string(stripe.CurrencyRUB)),
		Destination: stripe.String(sellerID),
	}
	tr, err := p.api.Transfers.New(params)
	if err != nil {
		return fmt.Errorf("stripe payout: %w", err)
	}

	p.logger.Info("payout succeeded", "seller_id", sellerID, "transfer_id", tr.ID, "amount", amount)
	return nil
}

func paymentMethodTypes(method escrow.PaymentMethod) []*string {
	switch method {
	case escrow.MethodBank:
		return stripe.StringSlice([]string{"customer_balance"})
	default:
		return stripe.StringSlice([]string{"card"})
	}
}

// MinorUnits converts rubles to kopecks.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

var (
	_ escrow.PaymentProcessor = (*StripeProcessor)(nil)
	_ escrow.PayoutProcessor  = (*StripeProcessor)(nil)
)
