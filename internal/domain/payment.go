package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentCreated              PaymentStatus = "Created"
	PaymentPendingAuthorization PaymentStatus = "PendingAuthorization"
	PaymentAuthorized           PaymentStatus = "Authorized"
	PaymentPendingPurchase      PaymentStatus = "PendingPurchase"
	PaymentPendingCapture       PaymentStatus = "PendingCapture"
	PaymentCaptured             PaymentStatus = "Captured"
	PaymentPendingRefund        PaymentStatus = "PendingRefund"
	PaymentRefunded             PaymentStatus = "Refunded"
	PaymentPendingVoid          PaymentStatus = "PendingVoid"
	PaymentVoid                 PaymentStatus = "Void"
)

// PendingStatuses are the states waiting on a redirect return or a notification.
var PendingStatuses = []PaymentStatus{
	PaymentPendingAuthorization,
	PaymentPendingPurchase,
	PaymentPendingCapture,
	PaymentPendingRefund,
	PaymentPendingVoid,
}

func (s PaymentStatus) IsPending() bool {
	for _, p := range PendingStatuses {
		if s == p {
			return true
		}
	}
	return false
}

// ErrPaymentLocked is returned when amount, currency or gateway change after
// the payment left Created.
var ErrPaymentLocked = errors.New("payment is no longer editable")

type Payment struct {
	ID         uuid.UUID
	Identifier string // external, used in callback URLs
	OrderID    uuid.UUID
	Amount     string
	Currency   string
	Gateway    string
	Status     PaymentStatus
	// TransactionReference is set once the gateway confirms an operation.
	TransactionReference string
	// Remaining is the captured amount not yet refunded.
	Remaining string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewPayment returns a Created payment with fresh identifiers.
func NewPayment(orderID uuid.UUID, amount, currency, gateway string) *Payment {
	now := time.Now().UTC()
	return &Payment{
		ID:         uuid.New(),
		Identifier: uuid.NewString(),
		OrderID:    orderID,
		Amount:     amount,
		Currency:   currency,
		Gateway:    gateway,
		Status:     PaymentCreated,
		Remaining:  amount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Edit changes the charged amount, currency or gateway. Only allowed while Created.
func (p *Payment) Edit(amount, currency, gateway string) error {
	if p.Status != PaymentCreated {
		return ErrPaymentLocked
	}
	p.Amount, p.Remaining = amount, amount
	p.Currency = currency
	p.Gateway = gateway
	return nil
}

// PartialPayment tracks a partial refund carved out of a parent payment.
type PartialPayment struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	Amount    string
	Status    PaymentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewPartialPayment(parent *Payment, amount string) *PartialPayment {
	now := time.Now().UTC()
	return &PartialPayment{
		ID:        uuid.New(),
		PaymentID: parent.ID,
		Amount:    amount,
		Status:    PaymentPendingRefund,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
