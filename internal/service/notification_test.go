package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
)

var rawNotification = &payment.NotificationRequest{Method: http.MethodPost, Body: []byte(`{}`)}

// pendingPurchase leaves a purchase waiting on a notification for reference ref.
func pendingPurchase(t *testing.T, env *testEnv, ref string) *domain.Payment {
	t.Helper()
	env.gw.on(payment.ActionPurchase, awaiting(ref))
	p := env.newPayment(t, domain.PaymentCreated, "12.00", "EUR")
	resp, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, resp.IsAwaitingNotification())
	return p
}

func TestNotification_Completes(t *testing.T) {
	env := newTestEnv(t, true)
	hooks := countHooks(env.factory.Hooks(), HookCaptured)
	p := pendingPurchase(t, env, "pi_1")
	env.gw.notify(&payment.Notification{Status: payment.NotificationCompleted, TransactionReference: "pi_1"}, nil)

	resp, err := env.executor(t, p, IntentPurchase, WithRawRequest(rawNotification)).Complete(context.Background(), nil, true)
	require.NoError(t, err)
	assert.True(t, resp.IsNotification())
	assert.False(t, resp.IsError())
	assert.Equal(t, domain.PaymentCaptured, p.Status)
	assert.Equal(t, 1, hooks.count(HookCaptured))
	assert.Equal(t, []domain.MessageType{
		domain.PurchaseRequest,
		domain.PurchasePendingResponse,
		domain.PurchasedResponse,
	}, env.messageTypes(t, p))

	// a redelivered notification is acknowledged without side effects
	again, err := env.executor(t, p, IntentPurchase, WithRawRequest(rawNotification)).HandleNotification(context.Background())
	require.NoError(t, err)
	assert.True(t, again.IsNotification())
	assert.False(t, again.IsError())
	assert.Len(t, env.messageTypes(t, p), 3)
	assert.Equal(t, 1, hooks.count(HookCaptured))
	assert.Empty(t, env.gw.callsTo(payment.ActionCompletePurchase))
}

func TestNotification_StillPending(t *testing.T) {
	env := newTestEnv(t, true)
	p := pendingPurchase(t, env, "pi_1")
	env.gw.notify(&payment.Notification{Status: payment.NotificationPending, TransactionReference: "pi_1"}, nil)

	resp, err := env.executor(t, p, IntentPurchase, WithRawRequest(rawNotification)).HandleNotification(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.IsNotification())
	assert.True(t, resp.IsAwaitingNotification())
	assert.Equal(t, domain.PaymentPendingPurchase, p.Status)
	assert.Len(t, env.messageTypes(t, p), 2)
}

func TestNotification_Failed(t *testing.T) {
	env := newTestEnv(t, true)
	p := pendingPurchase(t, env, "pi_1")
	env.gw.notify(&payment.Notification{Status: payment.NotificationFailed, TransactionReference: "pi_1", Message: "insufficient funds"}, nil)

	resp, err := env.executor(t, p, IntentPurchase, WithRawRequest(rawNotification)).HandleNotification(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.True(t, resp.IsNotification())
	assert.Equal(t, domain.PaymentPendingPurchase, p.Status)
	assert.Equal(t, domain.PurchaseError, env.messageTypes(t, p)[2])
}

func TestNotification_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		n       *payment.Notification
		err     error
		message string
	}{
		{
			name:    "reference mismatch",
			n:       &payment.Notification{Status: payment.NotificationCompleted, TransactionReference: "pi_other"},
			message: "references do not match",
		},
		{
			name:    "other operation",
			n:       &payment.Notification{Status: payment.NotificationCompleted, Action: payment.ActionRefund, TransactionReference: "pi_1"},
			message: "does not match pending purchase",
		},
		{
			name:    "unparseable",
			err:     errors.New("bad signature"),
			message: "bad signature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true)
			hooks := countHooks(env.factory.Hooks(), HookCaptured)
			p := pendingPurchase(t, env, "pi_1")
			env.gw.notify(tt.n, tt.err)

			resp, err := env.executor(t, p, IntentPurchase, WithRawRequest(rawNotification)).HandleNotification(context.Background())
			require.NoError(t, err)
			assert.True(t, resp.IsError())
			assert.True(t, resp.IsNotification())
			assert.Equal(t, domain.PaymentPendingPurchase, env.stored(t, p).Status)
			assert.Zero(t, hooks.count(HookCaptured))

			msgs, err := env.factory.Audit().Messages(context.Background(), p)
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, domain.NotificationError, msgs[2].Type)
			assert.Contains(t, msgs[2].Payload.Message, tt.message)
		})
	}
}

func TestNotification_MismatchKeepsBothReferences(t *testing.T) {
	env := newTestEnv(t, true)
	p := pendingPurchase(t, env, "pi_1")
	env.gw.notify(&payment.Notification{Status: payment.NotificationCompleted, TransactionReference: "pi_2"}, nil)

	_, err := env.executor(t, p, IntentPurchase, WithRawRequest(rawNotification)).HandleNotification(context.Background())
	require.NoError(t, err)

	msg, err := env.factory.Audit().LatestOfType(context.Background(), p, domain.NotificationError)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "pi_1", msg.Payload.Data["expected"])
	assert.Equal(t, "pi_2", msg.Payload.Data["received"])
}

func TestRefundNotification_MismatchKeepsRefundPending(t *testing.T) {
	env := newTestEnv(t, true)
	ctx := context.Background()
	hooks := countHooks(env.factory.Hooks(), HookRefunded)
	env.gw.on(payment.ActionRefund, awaiting("ch_1"))
	p := env.newPayment(t, domain.PaymentCaptured, "10.00", "USD")
	env.record(t, p, domain.CapturedResponse, "ch_1")

	_, err := env.executor(t, p, IntentRefund).Initiate(ctx, payment.Params{"amount": "4.00"})
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPendingRefund, p.Status)

	env.gw.notify(&payment.Notification{
		Status:               payment.NotificationCompleted,
		Action:               payment.ActionRefund,
		TransactionReference: "ch_other",
	}, nil)
	resp, err := env.executor(t, p, IntentRefund, WithRawRequest(rawNotification)).Complete(ctx, nil, true)
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.True(t, resp.IsNotification())
	assert.Zero(t, hooks.count(HookRefunded))

	stored := env.stored(t, p)
	assert.Equal(t, domain.PaymentPendingRefund, stored.Status)
	assert.Equal(t, "10.00", stored.Remaining)

	pending, err := env.store.Payments().FindPartials(ctx, p.ID, domain.PaymentPendingRefund)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "4.00", pending[0].Amount)
	refunded, err := env.store.Payments().FindPartials(ctx, p.ID, domain.PaymentRefunded)
	require.NoError(t, err)
	assert.Empty(t, refunded)

	assert.Equal(t, []domain.MessageType{
		domain.CapturedResponse,
		domain.RefundRequest,
		domain.RefundPendingResponse,
		domain.NotificationError,
	}, env.messageTypes(t, p))
}

func TestNotification_Preconditions(t *testing.T) {
	t.Run("no raw request", func(t *testing.T) {
		env := newTestEnv(t, true)
		p := pendingPurchase(t, env, "pi_1")

		_, err := env.executor(t, p, IntentPurchase).HandleNotification(context.Background())
		assert.ErrorIs(t, err, ErrMissingParameter)
	})

	t.Run("gateway without notifications", func(t *testing.T) {
		env := newTestEnv(t, true)
		p := pendingPurchase(t, env, "pi_1")
		env.gw.unsupported[payment.ActionAcceptNotification] = true

		_, err := env.executor(t, p, IntentPurchase, WithRawRequest(rawNotification)).HandleNotification(context.Background())
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("nothing pending", func(t *testing.T) {
		env := newTestEnv(t, true)
		p := env.newPayment(t, domain.PaymentCreated, "1.00", "EUR")

		_, err := env.executor(t, p, IntentPurchase, WithRawRequest(rawNotification)).HandleNotification(context.Background())
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestCapture_CompletedByNotification(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionCapture, awaiting("auth_1"))
	p := env.newPayment(t, domain.PaymentAuthorized, "8.00", "EUR")
	env.record(t, p, domain.AuthorizedResponse, "auth_1")

	resp, err := env.executor(t, p, IntentCapture).Initiate(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, resp.IsAwaitingNotification())
	assert.Equal(t, domain.PaymentPendingCapture, p.Status)

	env.gw.notify(&payment.Notification{Status: payment.NotificationCompleted, TransactionReference: "auth_1"}, nil)
	// capture has no complete action, so a return visit is reconciled as well
	done, err := env.executor(t, p, IntentCapture, WithRawRequest(rawNotification)).Complete(context.Background(), nil, false)
	require.NoError(t, err)
	assert.False(t, done.IsError())
	assert.Equal(t, domain.PaymentCaptured, p.Status)
}

func TestReturnAndNotificationRace(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t, true)
		env.gw.on(payment.ActionPurchase, redirectTo("3ds_1", "https://acs.test", http.MethodGet))
		env.gw.on(payment.ActionCompletePurchase, ok("3ds_1"))
		env.gw.notify(&payment.Notification{Status: payment.NotificationCompleted, TransactionReference: "3ds_1"}, nil)
		hooks := countHooks(env.factory.Hooks(), HookCaptured)

		p := env.newPayment(t, domain.PaymentCreated, "20.00", "EUR")
		_, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
		require.NoError(t, err)

		returned, notified := *p, *p
		onReturn := env.executor(t, &returned, IntentPurchase)
		onNotify := env.executor(t, &notified, IntentPurchase, WithRawRequest(rawNotification))

		var wg sync.WaitGroup
		results := make([]*ServiceResponse, 2)
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0], errs[0] = onReturn.Complete(context.Background(), nil, false)
		}()
		go func() {
			defer wg.Done()
			results[1], errs[1] = onNotify.Complete(context.Background(), nil, true)
		}()
		wg.Wait()

		for j := range results {
			require.NoError(t, errs[j])
			assert.False(t, results[j].IsError())
		}
		assert.Equal(t, domain.PaymentCaptured, env.stored(t, p).Status)
		assert.Equal(t, 1, hooks.count(HookCaptured))

		var settled int
		for _, typ := range env.messageTypes(t, p) {
			if typ == domain.PurchasedResponse {
				settled++
			}
		}
		assert.Equal(t, 1, settled)
	}
}
