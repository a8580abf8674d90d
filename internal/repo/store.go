package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"payment-orchestrator/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConcurrentUpdate means the row changed since it was read.
	ErrConcurrentUpdate = errors.New("concurrent update")
)

type PaymentRepo interface {
	Create(ctx context.Context, p *domain.Payment) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	FindByIdentifier(ctx context.Context, identifier string) (*domain.Payment, error)
	FindByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error)
	// Update writes the mutable fields when p.Version matches the stored row,
	// then bumps p.Version.
	Update(ctx context.Context, p *domain.Payment) error
	// FindPendingBefore lists payments in a pending state last touched before the cutoff.
	FindPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.Payment, error)
	// FindCreatedBetween lists payments still in Created last touched in
	// [from, to), newest first.
	FindCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.Payment, error)

	CreatePartial(ctx context.Context, pp *domain.PartialPayment) error
	UpdatePartial(ctx context.Context, pp *domain.PartialPayment) error
	FindPartials(ctx context.Context, paymentID uuid.UUID, status domain.PaymentStatus) ([]domain.PartialPayment, error)
}

// MessageRepo is the append-only audit store.
type MessageRepo interface {
	Append(ctx context.Context, m *domain.Message) error
	// Latest returns the most recent message of any of the given types.
	Latest(ctx context.Context, paymentID uuid.UUID, types ...domain.MessageType) (*domain.Message, error)
	// List returns every message of a payment in insertion order.
	List(ctx context.Context, paymentID uuid.UUID) ([]domain.Message, error)
}

type OrderRepo interface {
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	Create(ctx context.Context, order *domain.Order) error
	UpdateStatus(ctx context.Context, order *domain.Order) error
	FindStuck(ctx context.Context, olderThan time.Duration) ([]domain.Order, error)
}

// Store groups the repositories behind one transactional unit.
type Store interface {
	Payments() PaymentRepo
	Messages() MessageRepo
	Orders() OrderRepo
	// WithinTx runs fn against a store bound to one transaction. Returning an
	// error rolls everything back.
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgStore struct {
	db *sql.DB
	q  dbtx
}

// NewPostgresStore builds a Store on a pgx-backed *sql.DB.
func NewPostgresStore(db *sql.DB) Store {
	return &pgStore{db: db, q: db}
}

func (s *pgStore) Payments() PaymentRepo { return &paymentRepo{q: s.q} }
func (s *pgStore) Messages() MessageRepo { return &messageRepo{q: s.q} }
func (s *pgStore) Orders() OrderRepo     { return &orderRepo{q: s.q} }

func (s *pgStore) WithinTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgStore{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}
