package verification

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Service manages seller verification levels.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a verification service.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns a seller's profile. Sellers with no record get a synthetic
// unverified profile rather than an error.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	p, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &Profile{UserID: userID, Level: LevelBasic, Status: StatusUnverified}, nil
	}
	return p, err
}

// SetLevel grants a seller a verification level. The grant marks the
// seller verified and restarts the validity window.
func (s *Service) SetLevel(ctx context.Context, userID string, level Level) (*Profile, error) {
	if !level.Valid() {
		return nil, ErrInvalidLevel
	}

	now := s.now()
	expires := now.Add(ValidityPeriod)
	p := &Profile{
		UserID:     userID,
		Level:      level,
		Status:     StatusVerified,
		VerifiedAt: now,
		ExpiresAt:  &expires,
		UpdatedAt:  now,
	}

	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("verification granted", "user_id", userID, "level", level, "expires_at", expires)
	return p, nil
}

// SetStatus changes a seller's verification state without touching the
// level, for suspensions and reinstatements.
func (s *Service) SetStatus(ctx context.Context, userID string, status Status) (*Profile, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	p, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	p.Status = status
	p.UpdatedAt = s.now()
	if err := s.store.Upsert(ctx, p); err != nil {
		return nil, err
	}

	s.logger.Info("verification status set", "user_id", userID, "status", status)
	return p, nil
}

// MaxAllowedAmount returns the per-transaction cap for a seller. Sellers
// without a verified, unexpired record cannot be funded at all.
func (s *Service) MaxAllowedAmount(ctx context.Context, sellerID string) (float64, error) {
	p, err := s.Get(ctx, sellerID)
	if err != nil {
		return 0, err
	}
	return p.Limit(s.now()), nil
}
