package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/safedeal/core/internal/escrow"
)

// FakeProcessor simulates the payment provider for local development.
// All calls succeed unless the buyer or seller ID carries a "fail" prefix,
// which makes declines easy to exercise by hand.
type FakeProcessor struct {
	logger *slog.Logger

	mu      sync.Mutex
	charges map[string]float64
	payouts map[string]float64
	refunds map[string]float64
}

// NewFakeProcessor creates a fake processor.
func NewFakeProcessor(logger *slog.Logger) *FakeProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FakeProcessor{
		logger:  logger,
		charges: make(map[string]float64),
		payouts: make(map[string]float64),
		refunds: make(map[string]float64),
	}
}

const failPrefix = "fail"

func failing(id string) bool {
	return len(id) >= len(failPrefix) && id[:len(failPrefix)] == failPrefix
}

func (p *FakeProcessor) Charge(_ context.Context, buyerID string, amount float64, method escrow.PaymentMethod) error {
	if failing(buyerID) {
		return fmt.Errorf("fake processor: charge declined for %s", buyerID)
	}
	p.mu.Lock()
	p.charges[buyerID] += amount
	p.mu.Unlock()
	p.logger.Info("fake charge", "buyer_id", buyerID, "amount", amount, "method", method)
	return nil
}

func (p *FakeProcessor) Refund(_ context.Context, buyerID string, amount float64) error {
	if failing(buyerID) {
		return fmt.Errorf("fake processor: refund failed for %s", buyerID)
	}
	p.mu.Lock()
	p.refunds[buyerID] += amount
	p.mu.Unlock()
	p.logger.Info("fake refund", "buyer_id", buyerID, "amount", amount)
	return nil
}

func (p *FakeProcessor) Payout(_ context.Context, sellerID string, amount float64) error {
	if failing(sellerID) {
		return fmt.Errorf("fake processor: payout failed for %s", sellerID)
	}
	p.mu.Lock()
	p.payouts[sellerID] += amount
	p.mu.Unlock()
	p.logger.Info("fake payout", "seller_id", sellerID, "amount", amount)
	return nil
}

// ChargedTotal returns the sum charged to a buyer.
func (p *FakeProcessor) ChargedTotal(buyerID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges[buyerID]
}

// PayoutTotal returns the sum paid out to a seller.
func (p *FakeProcessor) PayoutTotal(sellerID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payouts[sellerID]
}

// RefundTotal returns the sum refunded to a buyer.
func (p *FakeProcessor) RefundTotal(buyerID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunds[buyerID]
}

var (
	_ escrow.PaymentProcessor = (*FakeProcessor)(nil)
	_ escrow.PayoutProcessor  = (*FakeProcessor)(nil)
)
