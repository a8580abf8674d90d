package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"payment-orchestrator/internal/domain"
)

type messageRepo struct {
	q dbtx
}

const messageColumns = `id, payment_id, gateway, type, payload, created_at`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	var payload []byte
	err := row.Scan(&m.ID, &m.PaymentID, &m.Gateway, &m.Type, &payload, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &m.Payload); err != nil {
		return nil, fmt.Errorf("decode message payload: %w", err)
	}
	return &m, nil
}

func (r *messageRepo) Append(ctx context.Context, m *domain.Message) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("encode message payload: %w", err)
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO payment_messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.PaymentID, m.Gateway, m.Type, payload, m.CreatedAt,
	)
	return err
}

func (r *messageRepo) Latest(ctx context.Context, paymentID uuid.UUID, types ...domain.MessageType) (*domain.Message, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return scanMessage(r.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM payment_messages
		WHERE payment_id = $1 AND type = ANY($2)
		ORDER BY seq DESC LIMIT 1`,
		paymentID, names,
	))
}

func (r *messageRepo) List(ctx context.Context, paymentID uuid.UUID) ([]domain.Message, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM payment_messages WHERE payment_id = $1 ORDER BY seq`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}
