// Package verification implements seller verification levels.
//
// Every seller carries a verification level that caps the size of a single
// transaction they may accept. Only sellers with a current verified record
// may accept funded transactions at all; everyone else has a zero cap.
// Premium sellers are uncapped.
package verification

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrNotFound      = errors.New("verification profile not found")
	ErrInvalidLevel  = errors.New("invalid verification level")
	ErrInvalidStatus = errors.New("invalid verification status")
)

// Level is a seller's verification tier.
type Level string

const (
	LevelBasic    Level = "basic"
	LevelStandard Level = "standard"
	LevelPremium  Level = "premium"
)

// Status is a seller's verification state. Only verified sellers may
// accept funded transactions.
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusPending    Status = "pending"
	StatusVerified   Status = "verified"
	StatusRejected   Status = "rejected"
	StatusSuspended  Status = "suspended"
)

// ValidityPeriod is how long a verification stays valid once granted.
const ValidityPeriod = 365 * 24 * time.Hour

// Valid reports whether st is a known status.
func (st Status) Valid() bool {
	switch st {
	case StatusUnverified, StatusPending, StatusVerified, StatusRejected, StatusSuspended:
		return true
	}
	return false
}

// Per-transaction amount caps by level. Premium is uncapped.
const (
	BasicLimit    = 10000.0
	StandardLimit = 50000.0
)

// Unlimited is the cap reported for premium sellers.
var Unlimited = math.Inf(1)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelBasic, LevelStandard, LevelPremium:
		return true
	}
	return false
}

// MaxAmount returns the per-transaction cap for the level.
func (l Level) MaxAmount() float64 {
	switch l {
	case LevelStandard:
		return StandardLimit
	case LevelPremium:
		return Unlimited
	default:
		return BasicLimit
	}
}

// Profile is a seller's verification record.
type Profile struct {
	UserID     string     `json:"userId"`
	Level      Level      `json:"level"`
	Status     Status     `json:"status"`
	VerifiedAt time.Time  `json:"verifiedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Active reports whether the profile is verified and unexpired at now.
func (p *Profile) Active(now time.Time) bool {
	if p.Status != StatusVerified {
		return false
	}
	if p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// Limit returns the per-transaction cap the profile grants at now.
// Sellers without an active verification cannot accept any amount.
func (p *Profile) Limit(now time.Time) float64 {
	if !p.Active(now) {
		return 0
	}
	return p.Level.MaxAmount()
}

// Store persists verification profiles.
type Store interface {
	Get(ctx context.Context, userID string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
	List(ctx context.Context, limit int) ([]*Profile, error)
}
