package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/safedeal/core/internal/circuitbreaker"
	"github.com/safedeal/core/internal/escrow"
)

// Breaker defaults: five consecutive provider failures trip the circuit,
// which stays open for thirty seconds before probing.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// Guarded wraps a payment and payout processor with a per-operation
// circuit breaker. When the provider is down, the breaker fails charges
// fast instead of stacking timeouts; the engine surfaces these the same
// way as a decline, so callers can retry later.
type Guarded struct {
	payments escrow.PaymentProcessor
	payouts  escrow.PayoutProcessor
	breaker  *circuitbreaker.Breaker
}

// Guard wraps the given processors with a circuit breaker.
func Guard(payments escrow.PaymentProcessor, payouts escrow.PayoutProcessor) *Guarded {
	return &Guarded{
		payments: payments,
		payouts:  payouts,
		breaker:  circuitbreaker.New(breakerThreshold, breakerOpenFor),
	}
}

func (g *Guarded) call(key string, fn func() error) error {
	if !g.breaker.Allow(key) {
		return fmt.Errorf("payment provider circuit open for %s", key)
	}
	if err := fn(); err != nil {
		g.breaker.RecordFailure(key)
		return err
	}
	g.breaker.RecordSuccess(key)
	return nil
}

func (g *Guarded) Charge(ctx context.Context, buyerID string, amount float64, method escrow.PaymentMethod) error {
	return g.call("charge", func() error {
		return g.payments.Charge(ctx, buyerID, amount, method)
	})
}

func (g *Guarded) Payout(ctx context.Context, sellerID string, amount float64) error {
	return g.call("payout", func() error {
		return g.payouts.Payout(ctx, sellerID, amount)
	})
}

func (g *Guarded) Refund(ctx context.Context, buyerID string, amount float64) error {
	return g.call("refund", func() error {
		return g.payouts.Refund(ctx, buyerID, amount)
	})
}

var (
	_ escrow.PaymentProcessor = (*Guarded)(nil)
	_ escrow.PayoutProcessor  = (*Guarded)(nil)
)
