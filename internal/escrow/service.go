package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/safedeal/core/internal/fees"
	"github.com/safedeal/core/internal/idgen"
	"github.com/safedeal/core/internal/metrics"
	"github.com/safedeal/core/internal/traces"
)

// Service implements the escrow state machine. All dependencies are
// injected; substitute test doubles freely.
type Service struct {
	store    Store
	disputes DisputeStore
	payments PaymentProcessor
	payouts  PayoutProcessor
	notifier Notifier
	limits   LimitChecker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates the escrow service.
func NewService(store Store, disputes DisputeStore, payments PaymentProcessor, payouts PayoutProcessor) *Service {
	return &Service{
		store:    store,
		disputes: disputes,
		payments: payments,
		payouts:  payouts,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithNotifier sets the notification gateway.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithLimitChecker sets the seller transaction-limit predicate.
func (s *Service) WithLimitChecker(l LimitChecker) *Service {
	s.limits = l
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	BuyerID   string          `json:"buyerId" binding:"required"`
	SellerID  string          `json:"sellerId" binding:"required"`
	ProductID string          `json:"productId" binding:"required"`
	Amount    float64         `json:"amount" binding:"required"`
	Terms     *AgreementTerms `json:"terms,omitempty"`
}

// Create validates the request, computes fees once, applies agreement
// defaults and persists a pending transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Amount(req.Amount),
	)
	defer span.End()

	if req.BuyerID == "" || req.SellerID == "" || req.ProductID == "" {
		return nil, fmt.Errorf("%w: buyer, seller and product are required", ErrInvalidInput)
	}
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same user", ErrInvalidInput)
	}

	f, err := fees.Calculate(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := s.now()
	txn := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		ProductID: req.ProductID,
		Amount:    req.Amount,
		Fees:      f,
		Agreement: defaultTerms(req.Amount, req.Terms),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("create transaction record: %w", err)
	}

	s.logger.Info("escrow transaction created",
		"transactionId", txn.ID, "buyer", txn.BuyerID, "seller", txn.SellerID,
		"amount", txn.Amount, "totalFee", txn.Fees.TotalFee)
	return txn, nil
}

// defaultTerms merges caller-supplied terms over the agreement defaults.
// InsuranceRequired is always derived from the amount, never caller-chosen.
func defaultTerms(amount float64, terms *AgreementTerms) AgreementTerms {
	t := AgreementTerms{
		InspectionPeriodDays:   DefaultInspectionDays,
		ReturnPolicy:           DefaultReturnPolicy,
		ShippingResponsibility: PartySeller,
		InsuranceRequired:      amount > InsuranceThreshold,
		DisputeResolution:      "automatic",
	}
	if terms == nil {
		return t
	}
	if terms.InspectionPeriodDays > 0 {
		t.InspectionPeriodDays = terms.InspectionPeriodDays
	}
	if terms.ReturnPolicy != "" {
		t.ReturnPolicy = terms.ReturnPolicy
	}
	if terms.ShippingResponsibility == PartyBuyer || terms.ShippingResponsibility == PartySeller {
		t.ShippingResponsibility = terms.ShippingResponsibility
	}
	if terms.DisputeResolution != "" {
		t.DisputeResolution = terms.DisputeResolution
	}
	return t
}

// Fund charges the buyer (amount plus total fee) and moves the transaction
// to funded. A processor decline leaves the record untouched apart from a
// logged attempt; callers may retry freely while still pending.
func (s *Service) Fund(ctx context.Context, id, callerID string, method PaymentMethod) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.TransactionID(id))
	defer span.End()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != txn.BuyerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusPending {
		return nil, fmt.Errorf("%w: fund requires pending, got %s", ErrStateConflict, txn.Status)
	}
	if method != MethodCard && method != MethodBank {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, method)
	}

	if s.limits != nil {
		maxAmount, err := s.limits.MaxAllowedAmount(ctx, txn.SellerID)
		if err != nil {
			return nil, fmt.Errorf("check seller limit: %w", err)
		}
		if txn.Amount > maxAmount {
			return nil, fmt.Errorf("%w: amount %.2f above seller limit %.2f", ErrLimitExceeded, txn.Amount, maxAmount)
		}
	}

	charge := txn.Amount + txn.Fees.TotalFee
	if err := s.payments.Charge(ctx, txn.BuyerID, charge, method); err != nil {
		metrics.ProcessorCallsTotal.WithLabelValues("charge", "failed").Inc()
		s.logger.Warn("payment charge declined",
			"transactionId", txn.ID, "buyer", txn.BuyerID, "amount", charge, "error", err)
		return nil, fmt.Errorf("%w: charge: %v", ErrProcessorFailure, err)
	}
	metrics.ProcessorCallsTotal.WithLabelValues("charge", "ok").Inc()

	now := s.now()
	txn.Status = StatusFunded
	txn.FundedAt = &now
	txn.UpdatedAt = now

	if err := s.store.CompareAndSet(ctx, StatusPending, txn); err != nil {
		// A concurrent Fund won the race after our charge went through.
		// Return the charge so the buyer is not billed twice.
		if errors.Is(err, ErrConflict) {
			if rerr := s.payouts.Refund(ctx, txn.BuyerID, charge); rerr != nil {
				s.logger.Error("CRITICAL: double charge could not be refunded",
					"transactionId", txn.ID, "buyer", txn.BuyerID, "amount", charge, "error", rerr)
			}
			return nil, fmt.Errorf("%w: transaction no longer pending", ErrStateConflict)
		}
		return nil, fmt.Errorf("persist funded state: %w", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(StatusPending), string(StatusFunded)).Inc()
	s.notify(txn.SellerID, EventPaymentReceived, map[string]any{
		"transactionId": txn.ID,
		"amount":        txn.Amount,
	})
	s.logger.Info("escrow transaction funded", "transactionId", txn.ID, "amount", txn.Amount)
	return txn, nil
}

// TrackingInfo is the shipment info required by Ship.
type TrackingInfo struct {
	Carrier        string `json:"carrier" binding:"required"`
	TrackingNumber string `json:"trackingNumber" binding:"required"`
}

// Ship records shipment tracking and moves the transaction to shipped.
func (s *Service) Ship(ctx context.Context, id, callerID string, info TrackingInfo) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Ship", traces.TransactionID(id))
	defer span.End()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != txn.SellerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusFunded {
		return nil, fmt.Errorf("%w: ship requires funded, got %s", ErrStateConflict, txn.Status)
	}
	if strings.TrimSpace(info.Carrier) == "" || strings.TrimSpace(info.TrackingNumber) == "" {
		return nil, fmt.Errorf("%w: carrier and tracking number are required", ErrInvalidInput)
	}

	now := s.now()
	txn.Status = StatusShipped
	txn.ShippedAt = &now
	txn.UpdatedAt = now
	txn.Tracking = &Tracking{
		Carrier:        strings.TrimSpace(info.Carrier),
		TrackingNumber: strings.TrimSpace(info.TrackingNumber),
		Status:         "shipped",
		LastUpdate:     now,
	}

	if err := s.store.CompareAndSet(ctx, StatusFunded, txn); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: transaction no longer funded", ErrStateConflict)
		}
		return nil, fmt.Errorf("persist shipped state: %w", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(StatusFunded), string(StatusShipped)).Inc()
	s.notify(txn.BuyerID, EventItemShipped, map[string]any{
		"transactionId":  txn.ID,
		"carrier":        txn.Tracking.Carrier,
		"trackingNumber": txn.Tracking.TrackingNumber,
	})
	s.logger.Info("escrow transaction shipped",
		"transactionId", txn.ID, "carrier", txn.Tracking.Carrier)
	return txn, nil
}

// ConfirmDelivery marks the shipment as received by the buyer and starts
// the inspection period: AutoCompleteAt is persisted as the due instant for
// the scheduled auto-complete.
func (s *Service) ConfirmDelivery(ctx context.Context, id, callerID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.TransactionID(id))
	defer span.End()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != txn.BuyerID {
		return nil, ErrUnauthorized
	}
	return s.markDelivered(ctx, txn)
}

// ConfirmDeliveryFromCarrier applies the same transition on an automated
// carrier signal, without a party check.
func (s *Service) ConfirmDeliveryFromCarrier(ctx context.Context, id string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDeliveryFromCarrier", traces.TransactionID(id))
	defer span.End()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.markDelivered(ctx, txn)
}

func (s *Service) markDelivered(ctx context.Context, txn *Transaction) (*Transaction, error) {
	if txn.Status != StatusShipped {
		return nil, fmt.Errorf("%w: confirm delivery requires shipped, got %s", ErrStateConflict, txn.Status)
	}

	now := s.now()
	due := now.Add(time.Duration(txn.Agreement.InspectionPeriodDays) * 24 * time.Hour)
	txn.Status = StatusDelivered
	txn.DeliveredAt = &now
	txn.AutoCompleteAt = &due
	txn.UpdatedAt = now
	if txn.Tracking != nil {
		txn.Tracking.Status = "delivered"
		txn.Tracking.LastUpdate = now
	}

	if err := s.store.CompareAndSet(ctx, StatusShipped, txn); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: transaction no longer shipped", ErrStateConflict)
		}
		return nil, fmt.Errorf("persist delivered state: %w", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(StatusShipped), string(StatusDelivered)).Inc()
	s.logger.Info("escrow transaction delivered",
		"transactionId", txn.ID, "autoCompleteAt", due)
	return txn, nil
}

// AutoComplete releases funds to the seller after the inspection period.
// It re-reads the current record so a dispute opened in the interim (or a
// completion by another path) turns the scheduled call into a no-op
// rejection. A payout failure leaves the transaction delivered so an
// operator can retry or escalate.
func (s *Service) AutoComplete(ctx context.Context, id string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoComplete", traces.TransactionID(id))
	defer span.End()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDelivered {
		return nil, fmt.Errorf("%w: auto-complete requires delivered, got %s", ErrStateConflict, txn.Status)
	}

	payout := txn.Amount - txn.Fees.PlatformFee
	if err := s.payouts.Payout(ctx, txn.SellerID, payout); err != nil {
		metrics.ProcessorCallsTotal.WithLabelValues("payout", "failed").Inc()
		s.logger.Warn("seller payout failed, transaction stays delivered",
			"transactionId", txn.ID, "seller", txn.SellerID, "amount", payout, "error", err)
		return nil, fmt.Errorf("%w: payout: %v", ErrProcessorFailure, err)
	}
	metrics.ProcessorCallsTotal.WithLabelValues("payout", "ok").Inc()

	now := s.now()
	txn.Status = StatusCompleted
	txn.CompletedAt = &now
	txn.UpdatedAt = now

	if err := s.store.CompareAndSet(ctx, StatusDelivered, txn); err != nil {
		if errors.Is(err, ErrConflict) {
			// Funds already moved but a concurrent transition won. There is
			// no inverse for a payout; flag for manual resolution.
			s.logger.Error("CRITICAL: payout sent but completion lost a concurrent update",
				"transactionId", txn.ID, "seller", txn.SellerID, "amount", payout)
			return nil, fmt.Errorf("%w: transaction no longer delivered", ErrStateConflict)
		}
		return nil, fmt.Errorf("persist completed state: %w", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(StatusDelivered), string(StatusCompleted)).Inc()
	s.notify(txn.BuyerID, EventTransactionCompleted, map[string]any{"transactionId": txn.ID})
	s.notify(txn.SellerID, EventPaymentReleased, map[string]any{
		"transactionId": txn.ID,
		"amount":        payout,
	})
	s.logger.Info("escrow transaction completed",
		"transactionId", txn.ID, "payout", payout)
	return txn, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns a user's transactions in the given role.
func (s *Service) ListByParty(ctx context.Context, partyID string, role Party, limit int) ([]*Transaction, error) {
	if role != PartyBuyer && role != PartySeller {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, role, limit)
}

// notify dispatches an event if a gateway is configured. Delivery is the
// gateway's concern; the engine never blocks on it.
func (s *Service) notify(userID, event string, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(userID, event, payload)
}
