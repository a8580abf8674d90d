package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/repo"
)

// ErrOrderNotPending is returned when checking out an order that is already paid or failed.
var ErrOrderNotPending = errors.New("order is not in pending state")

type OrderService interface {
	CreateOrder(ctx context.Context, amount, currency string) (*domain.Order, error)
	// Checkout creates a payment for the order on gateway and purchases it.
	Checkout(ctx context.Context, orderID uuid.UUID, gateway string, data payment.Params) (*ServiceResponse, error)
	// Settle marks the order paid once its captured payments, plus
	// authorizations on gateways that are not manual, cover the amount.
	Settle(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
}

type orderService struct {
	store   repo.Store
	factory *Factory
	logger  *slog.Logger
}

func NewOrderService(store repo.Store, factory *Factory, logger *slog.Logger) OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &orderService{store: store, factory: factory, logger: logger}
}

// SettleOrdersOnPayment settles the order of every payment that gets
// captured or authorized, whichever path completed it. Call it once per
// set of hooks.
func SettleOrdersOnPayment(hooks *Hooks, orders OrderService) {
	settle := func(ctx context.Context, ev *HookEvent) error {
		if ev.Payment.OrderID == uuid.Nil {
			return nil
		}
		_, err := orders.Settle(ctx, ev.Payment.OrderID)
		return err
	}
	hooks.On(HookCaptured, settle)
	hooks.On(HookAuthorized, settle)
}

func (s *orderService) CreateOrder(ctx context.Context, amount, currency string) (*domain.Order, error) {
	normalized, err := s.factory.Math().Normalize(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidParameter, amount)
	}
	if currency == "" {
		return nil, fmt.Errorf("%w: currency", ErrMissingParameter)
	}
	now := time.Now().UTC()
	order := &domain.Order{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Amount:         normalized,
		Currency:       currency,
		IdempotencyKey: uuid.New(),
		Status:         domain.OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Orders().Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

func (s *orderService) Checkout(ctx context.Context, orderID uuid.UUID, gateway string, data payment.Params) (*ServiceResponse, error) {
	order, err := s.store.Orders().FindByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", orderID, err)
	}
	if order.Status != domain.OrderPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderNotPending, order.ID, order.Status)
	}

	p := domain.NewPayment(order.ID, order.Amount, order.Currency, gateway)
	if err := s.store.Payments().Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	purchase, err := s.factory.Service(p, IntentPurchase)
	if err != nil {
		return nil, err
	}
	resp, err := purchase.Initiate(ctx, data)
	if err != nil {
		return nil, err
	}
	s.logger.Info("checkout finished",
		"order", order.ID, "payment", p.Identifier, "status", p.Status,
		"error", resp.IsError(), "pending", resp.IsAwaitingNotification(), "redirect", resp.IsRedirect())
	return resp, nil
}

func (s *orderService) Settle(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	var (
		order *domain.Order
		paid  bool
	)
	err := s.store.WithinTx(ctx, func(tx repo.Store) error {
		var err error
		if order, err = tx.Orders().FindByID(ctx, orderID); err != nil {
			return err
		}
		if order.Status != domain.OrderPending {
			return nil
		}
		payments, err := tx.Payments().FindByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		m := s.factory.Math()
		total, err := domain.TotalPaidOrAuthorized(m, payments, s.factory.IsManual)
		if err != nil {
			return err
		}
		if cmp, err := m.Compare(total, order.Amount); err != nil || cmp < 0 {
			return err
		}
		order.Status, paid = domain.OrderPaid, true
		return tx.Orders().UpdateStatus(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("settle order %s: %w", orderID, err)
	}
	if paid {
		s.logger.Info("order paid", "order", order.ID)
	}
	return order, nil
}
