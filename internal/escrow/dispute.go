package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/safedeal/core/internal/idgen"
	"github.com/safedeal/core/internal/metrics"
	"github.com/safedeal/core/internal/traces"
)

// DisputeStatus tracks the arbitration ladder for a dispute.
type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "open"
	DisputeInvestigating DisputeStatus = "investigating"
	DisputeResolved      DisputeStatus = "resolved"
	DisputeClosed        DisputeStatus = "closed" // withdrawn without resolution
)

// EvidenceItem is one piece of evidence attached to a dispute.
type EvidenceItem struct {
	Kind      string `json:"kind"` // "image", "document" or "message"
	Reference string `json:"reference"`
	Note      string `json:"note,omitempty"`
}

// Resolution is the arbitration outcome, set exactly once.
type Resolution struct {
	Winner       Party   `json:"winner"`
	RefundAmount float64 `json:"refundAmount"`
	Reason       string  `json:"reason"`
}

// Dispute is an arbitration case against an in-flight transaction. A
// transaction has at most one open dispute; disputes are never deleted.
type Dispute struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transactionId"`
	InitiatedBy   Party          `json:"initiatedBy"`
	Reason        string         `json:"reason"`
	Description   string         `json:"description,omitempty"`
	Evidence      []EvidenceItem `json:"evidence,omitempty"`
	Status        DisputeStatus  `json:"status"`
	Resolution    *Resolution    `json:"resolution,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
}

// DisputeStore persists disputes. UpdateStatus follows the same
// compare-and-set contract as the transaction store so a dispute can be
// resolved exactly once.
type DisputeStore interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error)
	UpdateStatus(ctx context.Context, expected DisputeStatus, d *Dispute) error
}

// OpenDispute creates a dispute and forces the owning transaction into
// disputed. Valid only from shipped or delivered. The transaction
// compare-and-set runs first: it is the arbiter of the race against a
// concurrently firing auto-complete, and a lost race creates no dispute
// record.
func (s *Service) OpenDispute(ctx context.Context, transactionID string, initiator Party, callerID, reason, description string, evidence []EvidenceItem) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OpenDispute", traces.TransactionID(transactionID))
	defer span.End()

	txn, err := s.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	switch initiator {
	case PartyBuyer:
		if callerID != txn.BuyerID {
			return nil, ErrUnauthorized
		}
	case PartySeller:
		if callerID != txn.SellerID {
			return nil, ErrUnauthorized
		}
	default:
		return nil, fmt.Errorf("%w: unknown initiator %q", ErrInvalidInput, initiator)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrInvalidInput)
	}
	if txn.Status != StatusShipped && txn.Status != StatusDelivered {
		return nil, fmt.Errorf("%w: dispute requires shipped or delivered, got %s", ErrStateConflict, txn.Status)
	}

	now := s.now()
	dispute := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: txn.ID,
		InitiatedBy:   initiator,
		Reason:        strings.TrimSpace(reason),
		Description:   description,
		Evidence:      evidence,
		Status:        DisputeOpen,
		CreatedAt:     now,
	}

	prev := txn.Status
	txn.Status = StatusDisputed
	txn.DisputeID = dispute.ID
	txn.UpdatedAt = now

	if err := s.store.CompareAndSet(ctx, prev, txn); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: transaction state changed before dispute could attach", ErrStateConflict)
		}
		return nil, fmt.Errorf("persist disputed state: %w", err)
	}

	if err := s.disputes.Create(ctx, dispute); err != nil {
		// Best-effort rollback so the transaction is not stuck pointing at
		// a dispute that was never written.
		txn.Status = prev
		txn.DisputeID = ""
		txn.UpdatedAt = s.now()
		if rerr := s.store.CompareAndSet(ctx, StatusDisputed, txn); rerr != nil {
			s.logger.Error("CRITICAL: transaction disputed but dispute record missing",
				"transactionId", txn.ID, "disputeId", dispute.ID, "error", rerr)
		}
		return nil, fmt.Errorf("create dispute record: %w", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(prev), string(StatusDisputed)).Inc()
	metrics.DisputesTotal.WithLabelValues("opened").Inc()

	counterparty := txn.SellerID
	if initiator == PartySeller {
		counterparty = txn.BuyerID
	}
	s.notify(counterparty, EventDisputeOpened, map[string]any{
		"transactionId": txn.ID,
		"disputeId":     dispute.ID,
		"reason":        dispute.Reason,
	})
	s.logger.Info("dispute opened",
		"disputeId", dispute.ID, "transactionId", txn.ID, "initiator", initiator)
	return dispute, nil
}

// StartInvestigation moves an open dispute to investigating.
func (s *Service) StartInvestigation(ctx context.Context, disputeID string) (*Dispute, error) {
	dispute, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != DisputeOpen {
		return nil, fmt.Errorf("%w: investigation requires open, got %s", ErrStateConflict, dispute.Status)
	}
	dispute.Status = DisputeInvestigating
	if err := s.disputes.UpdateStatus(ctx, DisputeOpen, dispute); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: dispute no longer open", ErrStateConflict)
		}
		return nil, err
	}
	return dispute, nil
}

// ResolveDispute applies an arbitration decision. Winner buyer → refund and
// the transaction ends refunded; winner seller → payout of
// amount − refundAmount − platformFee and the transaction ends completed.
// The refund amount is recorded either way, zero included. A dispute
// resolves exactly once; the transaction compare-and-set rejects the loser
// of any concurrent double resolution.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, winner Party, refundAmount float64, reason string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(disputeID))
	defer span.End()

	dispute, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status == DisputeResolved || dispute.Status == DisputeClosed {
		return nil, fmt.Errorf("%w: dispute already %s", ErrStateConflict, dispute.Status)
	}

	txn, err := s.store.Get(ctx, dispute.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: resolve requires disputed, got %s", ErrStateConflict, txn.Status)
	}
	if winner != PartyBuyer && winner != PartySeller {
		return nil, fmt.Errorf("%w: unknown winner %q", ErrInvalidInput, winner)
	}
	if refundAmount < 0 || refundAmount > txn.Amount {
		return nil, fmt.Errorf("%w: refund %.2f outside [0, %.2f]", ErrInvalidInput, refundAmount, txn.Amount)
	}

	now := s.now()
	var outcome string
	switch winner {
	case PartyBuyer:
		if err := s.payouts.Refund(ctx, txn.BuyerID, refundAmount); err != nil {
			metrics.ProcessorCallsTotal.WithLabelValues("refund", "failed").Inc()
			s.logger.Warn("buyer refund failed, transaction stays disputed",
				"disputeId", disputeID, "buyer", txn.BuyerID, "amount", refundAmount, "error", err)
			return nil, fmt.Errorf("%w: refund: %v", ErrProcessorFailure, err)
		}
		metrics.ProcessorCallsTotal.WithLabelValues("refund", "ok").Inc()
		txn.Status = StatusRefunded
		outcome = "resolved_buyer"
	case PartySeller:
		// A refund close to the full amount can leave nothing to pay out.
		payout := txn.Amount - refundAmount - txn.Fees.PlatformFee
		if payout > 0 {
			if err := s.payouts.Payout(ctx, txn.SellerID, payout); err != nil {
				metrics.ProcessorCallsTotal.WithLabelValues("payout", "failed").Inc()
				s.logger.Warn("seller payout failed, transaction stays disputed",
					"disputeId", disputeID, "seller", txn.SellerID, "amount", payout, "error", err)
				return nil, fmt.Errorf("%w: payout: %v", ErrProcessorFailure, err)
			}
			metrics.ProcessorCallsTotal.WithLabelValues("payout", "ok").Inc()
		}
		txn.Status = StatusCompleted
		txn.CompletedAt = &now
		outcome = "resolved_seller"
	}
	txn.RefundAmount = &refundAmount
	txn.UpdatedAt = now

	if err := s.store.CompareAndSet(ctx, StatusDisputed, txn); err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Error("CRITICAL: resolution funds moved but transaction no longer disputed",
				"disputeId", disputeID, "transactionId", txn.ID, "winner", winner)
			return nil, fmt.Errorf("%w: transaction no longer disputed", ErrStateConflict)
		}
		return nil, fmt.Errorf("persist resolution state: %w", err)
	}

	prevDispute := dispute.Status
	dispute.Status = DisputeResolved
	dispute.Resolution = &Resolution{Winner: winner, RefundAmount: refundAmount, Reason: reason}
	dispute.ResolvedAt = &now
	if err := s.disputes.UpdateStatus(ctx, prevDispute, dispute); err != nil {
		// The transaction already carries the outcome; the dispute record
		// lag is recoverable and only logged.
		s.logger.Error("dispute record not marked resolved",
			"disputeId", disputeID, "error", err)
	}

	metrics.TransitionsTotal.WithLabelValues(string(StatusDisputed), string(txn.Status)).Inc()
	metrics.DisputesTotal.WithLabelValues(outcome).Inc()

	payload := map[string]any{
		"transactionId": txn.ID,
		"disputeId":     disputeID,
		"winner":        winner,
		"refundAmount":  refundAmount,
	}
	s.notify(txn.BuyerID, EventDisputeResolved, payload)
	s.notify(txn.SellerID, EventDisputeResolved, payload)
	s.logger.Info("dispute resolved",
		"disputeId", disputeID, "transactionId", txn.ID, "winner", winner, "refund", refundAmount)
	return txn, nil
}

// CloseDispute withdraws a dispute without a resolution. The transaction
// stays disputed for operator follow-up; money never moves on a close.
func (s *Service) CloseDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	dispute, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status == DisputeResolved || dispute.Status == DisputeClosed {
		return nil, fmt.Errorf("%w: dispute already %s", ErrStateConflict, dispute.Status)
	}
	prev := dispute.Status
	dispute.Status = DisputeClosed
	if err := s.disputes.UpdateStatus(ctx, prev, dispute); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: dispute state changed", ErrStateConflict)
		}
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("closed").Inc()
	return dispute, nil
}

// GetDispute returns a dispute by ID.
func (s *Service) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	return s.disputes.Get(ctx, id)
}

// GetDisputeByTransaction returns the dispute attached to a transaction.
func (s *Service) GetDisputeByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	return s.disputes.GetByTransaction(ctx, transactionID)
}
