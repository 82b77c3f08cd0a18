package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, buyer_id, seller_id, product_id, amount,
			escrow_fee, platform_fee, total_fee,
			inspection_days, return_policy, shipping_responsibility,
			insurance_required, dispute_resolution,
			status, created_at, updated_at,
			funded_at, shipped_at, delivered_at, completed_at, auto_complete_at,
			carrier, tracking_number, tracking_status, tracking_updated_at,
			dispute_id, refund_amount
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(14,2),
			$6, $7, $8,
			$9, $10, $11,
			$12, $13,
			$14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24, $25,
			$26, $27
		)`,
		t.ID, t.BuyerID, t.SellerID, t.ProductID, t.Amount,
		t.Fees.EscrowFee, t.Fees.PlatformFee, t.Fees.TotalFee,
		t.Agreement.InspectionPeriodDays, t.Agreement.ReturnPolicy, string(t.Agreement.ShippingResponsibility),
		t.Agreement.InsuranceRequired, t.Agreement.DisputeResolution,
		string(t.Status), t.CreatedAt, t.UpdatedAt,
		nullTime(t.FundedAt), nullTime(t.ShippedAt), nullTime(t.DeliveredAt), nullTime(t.CompletedAt), nullTime(t.AutoCompleteAt),
		nullString(trackingCarrier(t)), nullString(trackingNumber(t)), nullString(trackingStatus(t)), trackingUpdated(t),
		nullString(t.DisputeID), nullFloat(t.RefundAmount),
	)
	return err
}

const transactionColumns = `id, buyer_id, seller_id, product_id, amount,
	       escrow_fee, platform_fee, total_fee,
	       inspection_days, return_policy, shipping_responsibility,
	       insurance_required, dispute_resolution,
	       status, created_at, updated_at,
	       funded_at, shipped_at, delivered_at, completed_at, auto_complete_at,
	       carrier, tracking_number, tracking_status, tracking_updated_at,
	       dispute_id, refund_amount`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// CompareAndSet performs the guarded write: the UPDATE only matches while
// the stored status equals expected, which is what serializes concurrent
// transitions on one transaction.
func (p *PostgresStore) CompareAndSet(ctx context.Context, expected Status, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $1, updated_at = $2,
			funded_at = $3, shipped_at = $4, delivered_at = $5,
			completed_at = $6, auto_complete_at = $7,
			carrier = $8, tracking_number = $9, tracking_status = $10, tracking_updated_at = $11,
			dispute_id = $12, refund_amount = $13
		WHERE id = $14 AND status = $15`,
		string(t.Status), t.UpdatedAt,
		nullTime(t.FundedAt), nullTime(t.ShippedAt), nullTime(t.DeliveredAt),
		nullTime(t.CompletedAt), nullTime(t.AutoCompleteAt),
		nullString(trackingCarrier(t)), nullString(trackingNumber(t)), nullString(trackingStatus(t)), trackingUpdated(t),
		nullString(t.DisputeID), nullFloat(t.RefundAmount),
		t.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a lost race from a missing record.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, role Party, limit int) ([]*Transaction, error) {
	column := "buyer_id"
	if role == PartySeller {
		column = "seller_id"
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE `+column+` = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListDueAutoComplete(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE status = 'delivered'
		  AND auto_complete_at IS NOT NULL
		  AND auto_complete_at <= $1
		ORDER BY auto_complete_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) QueryForStats(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status, shippingResp                                  string
		fundedAt, shippedAt, deliveredAt, completedAt, dueAt  sql.NullTime
		carrier, trackingNum, trackingStat                    sql.NullString
		trackingUpdatedAt                                     sql.NullTime
		disputeID                                             sql.NullString
		refundAmount                                          sql.NullFloat64
	)

	err := s.Scan(
		&t.ID, &t.BuyerID, &t.SellerID, &t.ProductID, &t.Amount,
		&t.Fees.EscrowFee, &t.Fees.PlatformFee, &t.Fees.TotalFee,
		&t.Agreement.InspectionPeriodDays, &t.Agreement.ReturnPolicy, &shippingResp,
		&t.Agreement.InsuranceRequired, &t.Agreement.DisputeResolution,
		&status, &t.CreatedAt, &t.UpdatedAt,
		&fundedAt, &shippedAt, &deliveredAt, &completedAt, &dueAt,
		&carrier, &trackingNum, &trackingStat, &trackingUpdatedAt,
		&disputeID, &refundAmount,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Agreement.ShippingResponsibility = Party(shippingResp)
	t.DisputeID = disputeID.String
	if fundedAt.Valid {
		t.FundedAt = &fundedAt.Time
	}
	if shippedAt.Valid {
		t.ShippedAt = &shippedAt.Time
	}
	if deliveredAt.Valid {
		t.DeliveredAt = &deliveredAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if dueAt.Valid {
		t.AutoCompleteAt = &dueAt.Time
	}
	if carrier.Valid {
		t.Tracking = &Tracking{
			Carrier:        carrier.String,
			TrackingNumber: trackingNum.String,
			Status:         trackingStat.String,
			LastUpdate:     trackingUpdatedAt.Time,
		}
	}
	if refundAmount.Valid {
		t.RefundAmount = &refundAmount.Float64
	}

	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// PostgresDisputeStore persists disputes in PostgreSQL.
type PostgresDisputeStore struct {
	db *sql.DB
}

// NewPostgresDisputeStore creates a new PostgreSQL-backed dispute store.
func NewPostgresDisputeStore(db *sql.DB) *PostgresDisputeStore {
	return &PostgresDisputeStore{db: db}
}

func (p *PostgresDisputeStore) Create(ctx context.Context, d *Dispute) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_cases (
			id, transaction_id, initiated_by, reason, description,
			evidence, status, winner, resolution_refund, resolution_reason,
			created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.TransactionID, string(d.InitiatedBy), d.Reason, nullString(d.Description),
		evidenceJSON, string(d.Status),
		nullString(resolutionWinner(d)), resolutionRefund(d), nullString(resolutionReason(d)),
		d.CreatedAt, nullTime(d.ResolvedAt),
	)
	return err
}

const disputeColumns = `id, transaction_id, initiated_by, reason, description,
	       evidence, status, winner, resolution_refund, resolution_reason,
	       created_at, resolved_at`

func (p *PostgresDisputeStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM dispute_cases WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresDisputeStore) GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM dispute_cases
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, transactionID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresDisputeStore) UpdateStatus(ctx context.Context, expected DisputeStatus, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE dispute_cases SET
			status = $1, winner = $2, resolution_refund = $3,
			resolution_reason = $4, resolved_at = $5
		WHERE id = $6 AND status = $7`,
		string(d.Status), nullString(resolutionWinner(d)), resolutionRefund(d),
		nullString(resolutionReason(d)), nullTime(d.ResolvedAt),
		d.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM dispute_cases WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}
		return ErrDisputeNotFound
	}
	return nil
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		initiatedBy, status              string
		description                      sql.NullString
		evidenceJSON                     []byte
		winner, resolutionReason         sql.NullString
		resolutionRefund                 sql.NullFloat64
		resolvedAt                       sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.TransactionID, &initiatedBy, &d.Reason, &description,
		&evidenceJSON, &status, &winner, &resolutionRefund, &resolutionReason,
		&d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.InitiatedBy = Party(initiatedBy)
	d.Status = DisputeStatus(status)
	d.Description = description.String
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &d.Evidence)
	}
	if winner.Valid {
		d.Resolution = &Resolution{
			Winner:       Party(winner.String),
			RefundAmount: resolutionRefund.Float64,
			Reason:       resolutionReason.String,
		}
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	return d, nil
}

func trackingCarrier(t *Transaction) string {
	if t.Tracking == nil {
		return ""
	}
	return t.Tracking.Carrier
}

func trackingNumber(t *Transaction) string {
	if t.Tracking == nil {
		return ""
	}
	return t.Tracking.TrackingNumber
}

func trackingStatus(t *Transaction) string {
	if t.Tracking == nil {
		return ""
	}
	return t.Tracking.Status
}

func trackingUpdated(t *Transaction) sql.NullTime {
	if t.Tracking == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.Tracking.LastUpdate, Valid: true}
}

func resolutionWinner(d *Dispute) string {
	if d.Resolution == nil {
		return ""
	}
	return string(d.Resolution.Winner)
}

func resolutionRefund(d *Dispute) sql.NullFloat64 {
	if d.Resolution == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: d.Resolution.RefundAmount, Valid: true}
}

func resolutionReason(d *Dispute) string {
	if d.Resolution == nil {
		return ""
	}
	return d.Resolution.Reason
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullFloat converts a *float64 to sql.NullFloat64.
func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// Compile-time interface assertions.
var (
	_ Store        = (*PostgresStore)(nil)
	_ DisputeStore = (*PostgresDisputeStore)(nil)
)
