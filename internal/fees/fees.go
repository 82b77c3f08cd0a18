// Package fees computes escrow and platform fees for a transaction amount.
//
// Fees are calculated exactly once, when a transaction is created. Later
// lifecycle transitions reuse the stored values, so a rate change never
// affects an in-flight transaction.
package fees

import "errors"

// ErrInvalidAmount is returned for non-positive amounts.
var ErrInvalidAmount = errors.New("fees: amount must be positive")

// Fee structure constants, in rubles.
const (
	EscrowRate   = 0.025 // 2.5% escrow fee
	PlatformRate = 0.03  // 3% platform fee
	MinimumFee   = 100   // per-fee floor
	MaximumFee   = 5000  // total-fee ceiling
)

// Fees holds the fee breakdown for a single transaction.
type Fees struct {
	EscrowFee   float64 `json:"escrowFee"`
	PlatformFee float64 `json:"platformFee"`
	TotalFee    float64 `json:"totalFee"`
}

// Calculate returns the fee breakdown for the given amount.
// Each component fee is floored at MinimumFee; the total is capped at
// MaximumFee.
func Calculate(amount float64) (Fees, error) {
	if amount <= 0 {
		return Fees{}, ErrInvalidAmount
	}

	escrowFee := max(MinimumFee, amount*EscrowRate)
	platformFee := max(MinimumFee, amount*PlatformRate)
	totalFee := min(MaximumFee, escrowFee+platformFee)

	return Fees{
		EscrowFee:   escrowFee,
		PlatformFee: platformFee,
		TotalFee:    totalFee,
	}, nil
}
