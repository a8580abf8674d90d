package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/money"
)

func TestPaymentStatus_IsPending(t *testing.T) {
	for _, s := range PendingStatuses {
		assert.True(t, s.IsPending(), s)
	}
	for _, s := range []PaymentStatus{PaymentCreated, PaymentAuthorized, PaymentCaptured, PaymentRefunded, PaymentVoid} {
		assert.False(t, s.IsPending(), s)
	}
}

func TestPayment_EditOnlyWhileCreated(t *testing.T) {
	p := NewPayment(uuid.Nil, "10.00", "EUR", "Mock")
	assert.Equal(t, "10.00", p.Remaining)
	assert.NotEmpty(t, p.Identifier)

	require.NoError(t, p.Edit("12.00", "GBP", "Stripe"))
	assert.Equal(t, "12.00", p.Remaining)

	p.Status = PaymentCaptured
	assert.ErrorIs(t, p.Edit("1.00", "GBP", "Stripe"), ErrPaymentLocked)
	assert.Equal(t, "12.00", p.Amount)
}

func TestOrderTotals(t *testing.T) {
	m := money.Default()
	payments := []Payment{
		{Amount: "10.00", Remaining: "10.00", Status: PaymentCaptured, Gateway: "Mock"},
		{Amount: "5.00", Remaining: "2.50", Status: PaymentCaptured, Gateway: "Mock"},
		{Amount: "7.00", Remaining: "7.00", Status: PaymentAuthorized, Gateway: "Mock"},
		{Amount: "3.00", Remaining: "3.00", Status: PaymentAuthorized, Gateway: "Manual"},
		{Amount: "9.00", Remaining: "9.00", Status: PaymentPendingPurchase, Gateway: "Mock"},
	}

	manual := func(g string) bool { return g == "Manual" }
	paid, err := TotalPaidOrAuthorized(m, payments, manual)
	require.NoError(t, err)
	assert.Equal(t, "19.50", paid)

	paid, err = TotalPaidOrAuthorized(m, payments, nil)
	require.NoError(t, err)
	assert.Equal(t, "22.50", paid)

	none, err := TotalPaidOrAuthorized(m, nil, manual)
	require.NoError(t, err)
	assert.Equal(t, "0.00", none)
}
