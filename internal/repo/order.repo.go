package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"payment-orchestrator/internal/domain"
)

type orderRepo struct {
	q dbtx
}

const orderColumns = `id, user_id, amount, currency, idempotency_key, status, created_at, updated_at`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.Amount,
		&order.Currency,
		&order.IdempotencyKey,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return scanOrder(r.q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
}

func (r *orderRepo) UpdateStatus(ctx context.Context, order *domain.Order) error {
	order.UpdatedAt = time.Now().UTC()
	_, err := r.q.ExecContext(ctx, "UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3", order.Status, order.UpdatedAt, order.ID)
	return err
}

func (r *orderRepo) Create(ctx context.Context, order *domain.Order) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		order.ID, order.UserID, order.Amount, order.Currency, order.IdempotencyKey, order.Status, order.CreatedAt, order.UpdatedAt,
	)
	return err
}

func (r *orderRepo) FindStuck(ctx context.Context, olderThan time.Duration) ([]domain.Order, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE status = $1 AND updated_at < $2`,
		domain.OrderPending, time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}
