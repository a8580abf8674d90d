package domain

import (
	"time"

	"github.com/google/uuid"

	"payment-orchestrator/internal/money"
)

type OrderStatus string

const (
	OrderPending OrderStatus = "PENDING"
	OrderPaid    OrderStatus = "PAID"
	OrderFailed  OrderStatus = "FAILED"
)

// Order is the payable that owns payments.
type Order struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Amount         string
	Currency       string
	IdempotencyKey uuid.UUID
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TotalPaidOrAuthorized sums captured payments and authorizations, except
// authorizations on manual gateways which are only a promise to pay.
func TotalPaidOrAuthorized(m money.Math, payments []Payment, isManual func(gateway string) bool) (string, error) {
	return sum(m, payments, func(p Payment) bool {
		if p.Status == PaymentCaptured {
			return true
		}
		return p.Status == PaymentAuthorized && (isManual == nil || !isManual(p.Gateway))
	})
}

func sum(m money.Math, payments []Payment, include func(Payment) bool) (string, error) {
	total := "0"
	for _, p := range payments {
		if !include(p) {
			continue
		}
		// captured payments count what has not been refunded
		amount := p.Amount
		if p.Status == PaymentCaptured && p.Remaining != "" {
			amount = p.Remaining
		}
		var err error
		if total, err = m.Add(total, amount); err != nil {
			return "", err
		}
	}
	return m.Normalize(total)
}
