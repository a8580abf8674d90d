package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"payment-orchestrator/internal/domain"
)

type paymentRepo struct {
	q dbtx
}

const paymentColumns = `id, identifier, order_id, amount, currency, gateway, status,
	transaction_reference, remaining, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	var orderID uuid.NullUUID
	err := row.Scan(
		&p.ID,
		&p.Identifier,
		&orderID,
		&p.Amount,
		&p.Currency,
		&p.Gateway,
		&p.Status,
		&p.TransactionReference,
		&p.Remaining,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.OrderID = orderID.UUID
	return &p, nil
}

func (r *paymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.q.ExecContext(ctx, query,
		p.ID, p.Identifier, nullUUID(p.OrderID), p.Amount, p.Currency, p.Gateway, p.Status,
		p.TransactionReference, p.Remaining, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (r *paymentRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return scanPayment(r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

func (r *paymentRepo) FindByIdentifier(ctx context.Context, identifier string) (*domain.Payment, error) {
	return scanPayment(r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE identifier = $1`, identifier))
}

func (r *paymentRepo) FindByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at`, orderID)
}

func (r *paymentRepo) Update(ctx context.Context, p *domain.Payment) error {
	query := `
		UPDATE payments
		SET status = $3,
		    transaction_reference = $4,
		    remaining = $5,
		    amount = $6,
		    currency = $7,
		    gateway = $8,
		    version = version + 1,
		    updated_at = $9
		WHERE id = $1 AND version = $2
	`
	now := time.Now().UTC()
	res, err := r.q.ExecContext(ctx, query,
		p.ID, p.Version, p.Status, p.TransactionReference, p.Remaining, p.Amount, p.Currency, p.Gateway, now,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentUpdate
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func (r *paymentRepo) FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error) {
	pending := make([]string, len(domain.PendingStatuses))
	for i, s := range domain.PendingStatuses {
		pending[i] = string(s)
	}
	query := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE status = ANY($1)
		AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`
	return r.list(ctx, query, pending, before, limit)
}

func (r *paymentRepo) FindCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE status = $1
		AND updated_at >= $2 AND updated_at < $3
		ORDER BY updated_at DESC
		LIMIT $4
	`
	return r.list(ctx, query, string(domain.PaymentCreated), from, to, limit)
}

func (r *paymentRepo) list(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *paymentRepo) CreatePartial(ctx context.Context, pp *domain.PartialPayment) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO partial_payments (id, payment_id, amount, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		pp.ID, pp.PaymentID, pp.Amount, pp.Status, pp.CreatedAt, pp.UpdatedAt,
	)
	return err
}

func (r *paymentRepo) UpdatePartial(ctx context.Context, pp *domain.PartialPayment) error {
	pp.UpdatedAt = time.Now().UTC()
	res, err := r.q.ExecContext(ctx,
		`UPDATE partial_payments SET status = $2, updated_at = $3 WHERE id = $1`,
		pp.ID, pp.Status, pp.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (r *paymentRepo) FindPartials(ctx context.Context, paymentID uuid.UUID, status domain.PaymentStatus) ([]domain.PartialPayment, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, payment_id, amount, status, created_at, updated_at FROM partial_payments
		WHERE payment_id = $1 AND status = $2 ORDER BY created_at`,
		paymentID, status,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partials []domain.PartialPayment
	for rows.Next() {
		var pp domain.PartialPayment
		if err := rows.Scan(&pp.ID, &pp.PaymentID, &pp.Amount, &pp.Status, &pp.CreatedAt, &pp.UpdatedAt); err != nil {
			return nil, err
		}
		partials = append(partials, pp)
	}
	return partials, rows.Err()
}
