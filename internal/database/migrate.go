package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		idempotency_key UUID NOT NULL UNIQUE,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		identifier TEXT NOT NULL UNIQUE,
		order_id UUID REFERENCES orders(id),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		gateway TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_reference TEXT NOT NULL DEFAULT '',
		remaining TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payments_status_updated_idx ON payments (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS partial_payments (
		id UUID PRIMARY KEY,
		payment_id UUID NOT NULL REFERENCES payments(id),
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_messages (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL UNIQUE,
		payment_id UUID NOT NULL REFERENCES payments(id),
		gateway TEXT NOT NULL,
		type TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payment_messages_payment_idx ON payment_messages (payment_id, seq)`,
}

// Migrate creates the tables used by the repositories.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
