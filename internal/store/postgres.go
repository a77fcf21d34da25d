package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/yourorg/marketplace-payments/internal/domain"
)

// uniqueViolation is the Postgres error code for a unique index conflict.
const uniqueViolation = "23505"

// oneAwaitingIndex is the partial unique index enforcing the one-live-attempt
// rule in the database:
//
//	CREATE UNIQUE INDEX payment_attempts_one_awaiting
//	ON payment_attempts (order_id) WHERE status = 'awaiting_confirmation';
const oneAwaitingIndex = "payment_attempts_one_awaiting"

// PGStore is the pgxpool-backed OrderRepository. Monetary columns are NUMERIC
// and travel as text to avoid float conversion.
type PGStore struct{ db *pgxpool.Pool }

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{db: db} }

func (s *PGStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
    INSERT INTO orders (id, user_id, total, status, payment_status, payment_method,
                        ship_recipient, ship_line1, ship_city, ship_country, ship_phone,
                        created_at, updated_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
  `, o.ID, o.UserID, o.Total.String(), o.Status, o.PaymentStatus, o.PaymentMethod,
		o.Shipping.Recipient, o.Shipping.Line1, o.Shipping.City, o.Shipping.Country, o.Shipping.Phone,
		o.CreatedAt, o.UpdatedAt); err != nil {
		return err
	}

	for _, li := range o.Lines {
		if _, err := tx.Exec(ctx, `
      INSERT INTO order_lines (id, order_id, product_id, vendor_id, quantity, unit_price, line_total, status)
      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    `, li.ID, o.ID, li.ProductID, li.VendorID, li.Quantity, li.UnitPrice.String(), li.LineTotal.String(), li.Status); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PGStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	var total string
	err := s.db.QueryRow(ctx, `
    SELECT id, user_id, total::text, status, payment_status, payment_method,
           ship_recipient, ship_line1, ship_city, ship_country, ship_phone,
           created_at, updated_at
    FROM orders WHERE id=$1
  `, orderID).Scan(&o.ID, &o.UserID, &total, &o.Status, &o.PaymentStatus, &o.PaymentMethod,
		&o.Shipping.Recipient, &o.Shipping.Line1, &o.Shipping.City, &o.Shipping.Country, &o.Shipping.Phone,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `
    SELECT id, order_id, product_id, vendor_id, quantity, unit_price::text, line_total::text, status
    FROM order_lines WHERE order_id=$1 ORDER BY id
  `, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var li domain.OrderLineItem
		var unit, lineTotal string
		if err := rows.Scan(&li.ID, &li.OrderID, &li.ProductID, &li.VendorID, &li.Quantity, &unit, &lineTotal, &li.Status); err != nil {
			return nil, err
		}
		if li.UnitPrice, err = decimal.NewFromString(unit); err != nil {
			return nil, err
		}
		if li.LineTotal, err = decimal.NewFromString(lineTotal); err != nil {
			return nil, err
		}
		o.Lines = append(o.Lines, li)
	}
	return &o, rows.Err()
}

func (s *PGStore) ListOrders(ctx context.Context) ([]*domain.Order, error) {
	rows, err := s.db.Query(ctx, `
    SELECT id, user_id, total::text, status, payment_status, payment_method, created_at, updated_at
    FROM orders ORDER BY created_at
  `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Order
	for rows.Next() {
		var o domain.Order
		var total string
		if err := rows.Scan(&o.ID, &o.UserID, &total, &o.Status, &o.PaymentStatus, &o.PaymentMethod,
			&o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		if o.Total, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *PGStore) CompareAndSwapStatus(ctx context.Context, orderID string,
	expectedStatus domain.OrderStatus, expectedPayment domain.PaymentStatus,
	newStatus domain.OrderStatus, newPayment domain.PaymentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
    UPDATE orders
    SET status = $4, payment_status = $5, updated_at = NOW()
    WHERE id = $1 AND status = $2 AND payment_status = $3
  `, orderID, expectedStatus, expectedPayment, newStatus, newPayment)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost race from a missing order.
		var one int
		if err := s.db.QueryRow(ctx, `SELECT 1 FROM orders WHERE id=$1`, orderID).Scan(&one); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (s *PGStore) AppendAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	_, err := s.db.Exec(ctx, `
    INSERT INTO payment_attempts (id, order_id, rail, provider_reference, status,
                                  failure_reason, raw_payload, created_at, updated_at)
    VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9)
  `, a.ID, a.OrderID, a.Rail, a.ProviderReference, a.Status, a.FailureReason, a.RawPayload, a.CreatedAt, a.UpdatedAt)
	if conflict := uniqueConflict(err); conflict != nil {
		return conflict
	}
	return err
}

func (s *PGStore) UpdateAttempt(ctx context.Context, attemptID string, status domain.AttemptStatus,
	providerReference, failureReason string, rawPayload []byte) error {
	tag, err := s.db.Exec(ctx, `
    UPDATE payment_attempts
    SET status = $2,
        provider_reference = COALESCE(NULLIF($3,''), provider_reference),
        failure_reason = COALESCE(NULLIF($4,''), failure_reason),
        raw_payload = COALESCE($5, raw_payload),
        updated_at = NOW()
    WHERE id = $1
  `, attemptID, status, providerReference, failureReason, rawPayload)
	if conflict := uniqueConflict(err); conflict != nil {
		return conflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (s *PGStore) FindAttemptByProviderReference(ctx context.Context, reference string) (*domain.PaymentAttempt, error) {
	return s.scanAttempt(s.db.QueryRow(ctx, `
    SELECT id, order_id, rail, COALESCE(provider_reference,''), status,
           COALESCE(failure_reason,''), raw_payload, created_at, updated_at
    FROM payment_attempts WHERE provider_reference=$1
  `, reference))
}

func (s *PGStore) LiveAttempt(ctx context.Context, orderID string) (*domain.PaymentAttempt, error) {
	return s.scanAttempt(s.db.QueryRow(ctx, `
    SELECT id, order_id, rail, COALESCE(provider_reference,''), status,
           COALESCE(failure_reason,''), raw_payload, created_at, updated_at
    FROM payment_attempts WHERE order_id=$1 AND status=$2
    ORDER BY created_at DESC LIMIT 1
  `, orderID, domain.AttemptAwaitingConfirmation))
}

func (s *PGStore) ListAttempts(ctx context.Context, orderID string) ([]*domain.PaymentAttempt, error) {
	rows, err := s.db.Query(ctx, `
    SELECT id, order_id, rail, COALESCE(provider_reference,''), status,
           COALESCE(failure_reason,''), raw_payload, created_at, updated_at
    FROM payment_attempts WHERE order_id=$1 ORDER BY created_at
  `, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.PaymentAttempt
	for rows.Next() {
		var a domain.PaymentAttempt
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Rail, &a.ProviderReference, &a.Status,
			&a.FailureReason, &a.RawPayload, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateLineStatus(ctx context.Context, orderID, lineID string, status domain.LineStatus) error {
	tag, err := s.db.Exec(ctx, `
    UPDATE order_lines SET status = $3 WHERE order_id = $1 AND id = $2
  `, orderID, lineID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (s *PGStore) scanAttempt(row pgx.Row) (*domain.PaymentAttempt, error) {
	var a domain.PaymentAttempt
	err := row.Scan(&a.ID, &a.OrderID, &a.Rail, &a.ProviderReference, &a.Status,
		&a.FailureReason, &a.RawPayload, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// uniqueConflict maps a unique violation onto the store sentinel for the
// constraint that fired, or nil for any other error.
func uniqueConflict(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil
	}
	if pgErr.ConstraintName == oneAwaitingIndex {
		return ErrAttemptConflict
	}
	return ErrDuplicateReference
}

var _ OrderRepository = (*PGStore)(nil)
