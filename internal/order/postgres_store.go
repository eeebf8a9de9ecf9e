package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders and transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, payment_ref, buyer_id, seller_id, product_id,
		       amount, platform_fee, seller_amount, status, escrow_status,
		       shipping_address, tracking_number, inspection_deadline,
		       paid_at, shipped_at, delivered_at, completed_at, cancelled_at,
		       gateway_txn_no, bank_code, dispute_reason, dispute_evidence, disputed_at,
		       version, created_at, updated_at`

const txColumns = `id, order_id, type, status, amount, payment_method,
		       gateway_ref, gateway_txn_no, bank_code, card_type, metadata,
		       created_at, updated_at`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

func (p *PostgresStore) Create(ctx context.Context, o *Order, payment *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, payment_ref, buyer_id, seller_id, product_id,
			amount, platform_fee, seller_amount, status, escrow_status,
			shipping_address, dispute_evidence, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '[]', $12, $13, $14)`,
		o.ID, o.PaymentRef, o.BuyerID, o.SellerID, o.ProductID,
		o.Amount, o.PlatformFee, o.SellerAmount, string(o.Status), string(o.EscrowStatus),
		o.ShippingAddress, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	if payment != nil {
		if err := insertTransaction(ctx, tx, payment); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) GetByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1`, ref)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Commit(ctx context.Context, expectedVersion int64, next *Order, change Change) error {
	evidenceJSON, err := json.Marshal(next.DisputeEvidence)
	if err != nil {
		return err
	}
	if next.DisputeEvidence == nil {
		evidenceJSON = []byte("[]")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, escrow_status = $2, tracking_number = $3, inspection_deadline = $4,
			paid_at = $5, shipped_at = $6, delivered_at = $7, completed_at = $8, cancelled_at = $9,
			gateway_txn_no = $10, bank_code = $11, dispute_reason = $12, dispute_evidence = $13,
			disputed_at = $14, version = $15, updated_at = $16
		WHERE id = $17 AND version = $18`,
		string(next.Status), string(next.EscrowStatus), nullString(next.TrackingNumber), nullTime(next.InspectionDeadline),
		nullTime(next.PaidAt), nullTime(next.ShippedAt), nullTime(next.DeliveredAt), nullTime(next.CompletedAt), nullTime(next.CancelledAt),
		nullString(next.GatewayTxnNo), nullString(next.BankCode), nullString(next.DisputeReason), string(evidenceJSON),
		nullTime(next.DisputedAt), next.Version, next.UpdatedAt,
		next.ID, expectedVersion,
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
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrStaleWrite
	}

	if s := change.Settle; s != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions SET
				status = $1, gateway_txn_no = $2, bank_code = $3, card_type = $4, updated_at = $5
			WHERE order_id = $6 AND type = $7 AND status = 'pending'`,
			string(s.Status), nullString(s.GatewayTxnNo), nullString(s.BankCode), nullString(s.CardType),
			next.UpdatedAt, next.ID, string(s.Type),
		)
		if err != nil {
			return mapUnique(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("no pending %s transaction for order %s", s.Type, next.ID)
		}
	}

	for _, t := range change.Append {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return mapUnique(err)
		}
	}

	return tx.Commit()
}

// mapUnique turns a partial unique index violation (a second completed
// payment or settlement) into ErrStaleWrite so callers re-read.
func mapUnique(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return ErrStaleWrite
	}
	return err
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.OrderID, string(t.Type), string(t.Status), t.Amount, t.PaymentMethod,
		nullString(t.GatewayRef), nullString(t.GatewayTxnNo), nullString(t.BankCode), nullString(t.CardType), string(metaJSON),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s transaction: %w", t.Type, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Order, int, error) {
	where := `WHERE ($1 = '' OR buyer_id = $1)
		  AND ($2 = '' OR seller_id = $2)
		  AND ($3 = '' OR status = $3)`
	args := []interface{}{f.BuyerID, f.SellerID, string(f.Status)}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, 0, err
	}
	if orders == nil {
		orders = []*Order{}
	}
	return orders, total, nil
}

func (p *PostgresStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'shipped'
		  AND escrow_status = 'held'
		  AND inspection_deadline <= $1
		ORDER BY inspection_deadline
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListLatePayments(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'cancelled' AND paid_at IS NULL AND gateway_txn_no IS NOT NULL
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) Transactions(ctx context.Context, orderID string) ([]*Transaction, error) {
	if _, err := p.Get(ctx, orderID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (p *PostgresStore) Stats(ctx context.Context) (*EscrowStats, error) {
	stats := &EscrowStats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE escrow_status = 'held' AND status IN ('paid', 'shipped', 'inspecting', 'disputed')),
			COALESCE(SUM(amount) FILTER (WHERE escrow_status = 'held' AND status IN ('paid', 'shipped', 'inspecting', 'disputed')), 0),
			COUNT(*) FILTER (WHERE escrow_status = 'released'),
			COALESCE(SUM(seller_amount) FILTER (WHERE escrow_status = 'released'), 0),
			COALESCE(SUM(platform_fee) FILTER (WHERE escrow_status = 'released'), 0),
			COUNT(*) FILTER (WHERE escrow_status = 'refunded'),
			COALESCE(SUM(amount) FILTER (WHERE escrow_status = 'refunded'), 0)
		FROM orders`,
	).Scan(
		&stats.Held.Count, &stats.Held.Amount,
		&stats.Released.Count, &stats.Released.Amount, &stats.PlatformFees,
		&stats.Refunded.Count, &stats.Refunded.Amount,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresStore) TransactionTotals(ctx context.Context) (map[TxType]int64, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT type, COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE status = 'completed'
		GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	totals := make(map[TxType]int64)
	for rows.Next() {
		var (
			typ   string
			total int64
		)
		if err := rows.Scan(&typ, &total); err != nil {
			return nil, err
		}
		totals[TxType(typ)] = total
	}
	return totals, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status, escrowStatus string
		tracking             sql.NullString
		deadline             sql.NullTime
		paidAt               sql.NullTime
		shippedAt            sql.NullTime
		deliveredAt          sql.NullTime
		completedAt          sql.NullTime
		cancelledAt          sql.NullTime
		gatewayTxnNo         sql.NullString
		bankCode             sql.NullString
		disputeReason        sql.NullString
		evidenceJSON         []byte
		disputedAt           sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.PaymentRef, &o.BuyerID, &o.SellerID, &o.ProductID,
		&o.Amount, &o.PlatformFee, &o.SellerAmount, &status, &escrowStatus,
		&o.ShippingAddress, &tracking, &deadline,
		&paidAt, &shippedAt, &deliveredAt, &completedAt, &cancelledAt,
		&gatewayTxnNo, &bankCode, &disputeReason, &evidenceJSON, &disputedAt,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.EscrowStatus = EscrowStatus(escrowStatus)
	o.TrackingNumber = tracking.String
	o.GatewayTxnNo = gatewayTxnNo.String
	o.BankCode = bankCode.String
	o.DisputeReason = disputeReason.String
	o.InspectionDeadline = timePtr(deadline)
	o.PaidAt = timePtr(paidAt)
	o.ShippedAt = timePtr(shippedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.DisputedAt = timePtr(disputedAt)
	if len(evidenceJSON) > 0 {
		if err := json.Unmarshal(evidenceJSON, &o.DisputeEvidence); err != nil {
			return nil, fmt.Errorf("order %s: decode dispute_evidence: %w", o.ID, err)
		}
	}
	if len(o.DisputeEvidence) == 0 {
		o.DisputeEvidence = nil
	}

	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		typ, status  string
		gatewayRef   sql.NullString
		gatewayTxnNo sql.NullString
		bankCode     sql.NullString
		cardType     sql.NullString
		metaJSON     []byte
	)
	err := s.Scan(
		&t.ID, &t.OrderID, &typ, &status, &t.Amount, &t.PaymentMethod,
		&gatewayRef, &gatewayTxnNo, &bankCode, &cardType, &metaJSON,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = TxType(typ)
	t.Status = TxStatus(status)
	t.GatewayRef = gatewayRef.String
	t.GatewayTxnNo = gatewayTxnNo.String
	t.BankCode = bankCode.String
	t.CardType = cardType.String
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("transaction %s: decode metadata: %w", t.ID, err)
		}
	}
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
	return t, nil
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
