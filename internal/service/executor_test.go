package service

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
)

func TestPurchase_Success(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, ok("ch_1"))
	hooks := countHooks(env.factory.Hooks(), HookCaptured, HookBeforeRequest, HookAfterRequest, HookAfterSend, HookUpdateServiceResponse)
	p := env.newPayment(t, domain.PaymentCreated, "12.22", "GBP")

	resp, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), payment.Params{"token": "tok_visa"})
	require.NoError(t, err)

	assert.False(t, resp.IsError())
	assert.False(t, resp.IsAwaitingNotification())
	assert.False(t, resp.IsRedirect())
	assert.Equal(t, domain.PaymentCaptured, p.Status)
	assert.Equal(t, "ch_1", p.TransactionReference)
	assert.Equal(t, domain.PaymentCaptured, env.stored(t, p).Status)
	assert.Equal(t, []domain.MessageType{domain.PurchaseRequest, domain.PurchasedResponse}, env.messageTypes(t, p))

	calls := env.gw.callsTo(payment.ActionPurchase)
	require.Len(t, calls, 1)
	assert.Equal(t, "12.22", calls[0].Amount())
	assert.Equal(t, "GBP", calls[0].Currency())
	assert.Equal(t, p.Identifier, calls[0].TransactionID())
	assert.Equal(t, "tok_visa", calls[0].Params.String(payment.ParamToken))
	assert.Equal(t, "https://shop.test/paymentendpoint/"+p.Identifier+"/notify", calls[0].Params.String(payment.ParamNotifyURL))

	for _, h := range []Hook{HookCaptured, HookBeforeRequest, HookAfterRequest, HookAfterSend, HookUpdateServiceResponse} {
		assert.Equal(t, 1, hooks.count(h), h.String())
	}
}

func TestPurchase_IsIdempotentOnceSettled(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, ok("ch_1"))
	p := env.newPayment(t, domain.PaymentCreated, "5.00", "EUR")

	ex := env.executor(t, p, IntentPurchase)
	_, err := ex.Initiate(context.Background(), nil)
	require.NoError(t, err)

	_, err = ex.Initiate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	resp, err := ex.Complete(context.Background(), nil, false)
	require.NoError(t, err)
	assert.False(t, resp.IsError())
	assert.Len(t, env.gw.callsTo(payment.ActionPurchase), 1)
	assert.Empty(t, env.gw.callsTo(payment.ActionCompletePurchase))
	assert.Len(t, env.messageTypes(t, p), 2)
}

func TestPurchase_Declined(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, declined("Card declined", "card_declined"))
	hooks := countHooks(env.factory.Hooks(), HookCaptured)
	p := env.newPayment(t, domain.PaymentCreated, "10.00", "USD")

	resp, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), payment.Params{
		"successUrl": "https://shop.test/thanks",
		"failureUrl": "https://shop.test/oops",
	})
	require.NoError(t, err)

	assert.True(t, resp.IsError())
	assert.Equal(t, domain.PaymentCreated, env.stored(t, p).Status)
	assert.Equal(t, []domain.MessageType{domain.PurchaseRequest, domain.PurchaseError}, env.messageTypes(t, p))
	assert.Equal(t, "https://shop.test/oops", resp.TargetURL())
	assert.Zero(t, hooks.count(HookCaptured))

	msgs, err := env.factory.Audit().Messages(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "Card declined", msgs[1].Payload.Message)
	assert.Equal(t, "card_declined", msgs[1].Payload.Code)
	assert.Equal(t, "https://shop.test/thanks", msgs[0].Payload.SuccessURL)
	_, leaked := msgs[0].Payload.Data["successUrl"]
	assert.False(t, leaked)
}

func TestPurchase_TransportFailure(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, transportFailure())
	p := env.newPayment(t, domain.PaymentCreated, "10.00", "USD")

	resp, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, resp.IsError())
	assert.Nil(t, resp.GatewayResponse())

	msgs, err := env.factory.Audit().Messages(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.PurchaseError, msgs[1].Type)
	assert.Contains(t, msgs[1].Payload.Message, "connection reset")
	assert.Equal(t, "*payment.GatewayError", msgs[1].Payload.Data["exception"])
}

func TestPurchase_SuccessURL(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, ok("ch_1"))
	p := env.newPayment(t, domain.PaymentCreated, "10.00", "USD")

	resp, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), payment.Params{
		"successUrl": "https://shop.test/thanks",
		"failureUrl": "https://shop.test/oops",
	})
	require.NoError(t, err)

	reply, err := resp.RedirectOrRespond()
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, http.StatusFound, reply.Status)
	assert.Equal(t, "https://shop.test/thanks", reply.Location)
}

func TestPurchase_RedirectThenComplete(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, redirectTo("3ds_1", "https://acs.test/challenge", http.MethodGet))
	env.gw.on(payment.ActionCompletePurchase, ok("3ds_1"))
	hooks := countHooks(env.factory.Hooks(), HookCaptured)
	p := env.newPayment(t, domain.PaymentCreated, "20.00", "EUR")

	resp, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), payment.Params{
		"successUrl": "https://shop.test/thanks",
	})
	require.NoError(t, err)
	assert.True(t, resp.IsRedirect())
	assert.False(t, resp.IsAwaitingNotification())
	assert.Equal(t, domain.PaymentPendingPurchase, p.Status)
	assert.Zero(t, hooks.count(HookCaptured))

	reply, err := resp.RedirectOrRespond()
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, reply.Status)
	assert.Equal(t, "https://acs.test/challenge", reply.Location)

	done, err := env.executor(t, p, IntentPurchase).Complete(context.Background(), nil, false)
	require.NoError(t, err)
	assert.False(t, done.IsError())
	assert.False(t, done.IsNotification())
	assert.Equal(t, domain.PaymentCaptured, p.Status)
	assert.Equal(t, "https://shop.test/thanks", done.TargetURL())
	assert.Equal(t, 1, hooks.count(HookCaptured))
	assert.Equal(t, []domain.MessageType{
		domain.PurchaseRequest,
		domain.PurchaseRedirectResponse,
		domain.CompletePurchaseRequest,
		domain.PurchasedResponse,
	}, env.messageTypes(t, p))

	calls := env.gw.callsTo(payment.ActionCompletePurchase)
	require.Len(t, calls, 1)
	assert.Equal(t, "3ds_1", calls[0].TransactionReference())
}

func TestPurchase_CompleteDeclined(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, redirectTo("3ds_1", "https://acs.test/challenge", http.MethodPost))
	env.gw.on(payment.ActionCompletePurchase, declined("Authentication failed", "3ds_failed"))
	p := env.newPayment(t, domain.PaymentCreated, "20.00", "EUR")

	resp, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
	require.NoError(t, err)
	reply, err := resp.RedirectOrRespond()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, reply.Status)
	assert.Contains(t, reply.Body, `action="https://acs.test/challenge"`)

	done, err := env.executor(t, p, IntentPurchase).Complete(context.Background(), nil, false)
	require.NoError(t, err)
	assert.True(t, done.IsError())
	assert.Equal(t, domain.PaymentPendingPurchase, p.Status)
	assert.Equal(t, domain.CompletePurchaseError, env.messageTypes(t, p)[3])
}

func TestComplete_RequiresPendingStatus(t *testing.T) {
	env := newTestEnv(t, true)
	p := env.newPayment(t, domain.PaymentCreated, "20.00", "EUR")

	_, err := env.executor(t, p, IntentPurchase).Complete(context.Background(), nil, false)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, env.messageTypes(t, p))
}

func TestAuthorize_AwaitingNotification(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionAuthorize, awaiting("auth_1"))
	hooks := countHooks(env.factory.Hooks(), HookAuthorized)
	p := env.newPayment(t, domain.PaymentCreated, "30.00", "EUR")

	resp, err := env.executor(t, p, IntentAuthorize).Initiate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, resp.IsAwaitingNotification())
	assert.False(t, resp.IsError())
	assert.Equal(t, domain.PaymentPendingAuthorization, p.Status)
	assert.Equal(t, "auth_1", p.TransactionReference)
	assert.Equal(t, []domain.MessageType{domain.AuthorizeRequest, domain.AuthorizePendingResponse}, env.messageTypes(t, p))
	assert.Zero(t, hooks.count(HookAuthorized))
}

func TestCapture_ResolvesReferenceFromHistory(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionCapture, ok("abc123"))
	p := env.newPayment(t, domain.PaymentAuthorized, "15.00", "USD")
	env.record(t, p, domain.AuthorizeRequest, "")
	env.record(t, p, domain.AuthorizedResponse, "abc123")

	resp, err := env.executor(t, p, IntentCapture).Initiate(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, resp.IsError())
	assert.Equal(t, domain.PaymentCaptured, p.Status)

	calls := env.gw.callsTo(payment.ActionCapture)
	require.Len(t, calls, 1)
	assert.Equal(t, "abc123", calls[0].TransactionReference())
	assert.Equal(t, "15.00", calls[0].Amount())
}

func TestCapture_PrefersExplicitReference(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionCapture, ok("explicit"))
	p := env.newPayment(t, domain.PaymentAuthorized, "15.00", "USD")
	env.record(t, p, domain.AuthorizedResponse, "abc123")

	_, err := env.executor(t, p, IntentCapture).Initiate(context.Background(), payment.Params{"receipt": "explicit"})
	require.NoError(t, err)

	calls := env.gw.callsTo(payment.ActionCapture)
	require.Len(t, calls, 1)
	assert.Equal(t, "explicit", calls[0].TransactionReference())
	_, hasReceipt := calls[0].Params["receipt"]
	assert.False(t, hasReceipt)
}

func TestCapture_Preconditions(t *testing.T) {
	t.Run("created payment", func(t *testing.T) {
		env := newTestEnv(t, true)
		p := env.newPayment(t, domain.PaymentCreated, "15.00", "USD")

		_, err := env.executor(t, p, IntentCapture).Initiate(context.Background(), nil)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Empty(t, env.messageTypes(t, p))
		assert.Empty(t, env.gw.callsTo(payment.ActionCapture))
	})

	t.Run("no reference anywhere", func(t *testing.T) {
		env := newTestEnv(t, true)
		p := env.newPayment(t, domain.PaymentAuthorized, "15.00", "USD")

		_, err := env.executor(t, p, IntentCapture).Initiate(context.Background(), nil)
		assert.ErrorIs(t, err, ErrMissingParameter)
		assert.Empty(t, env.messageTypes(t, p))
	})

	t.Run("unsupported action", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.gw.unsupported[payment.ActionCapture] = true
		p := env.newPayment(t, domain.PaymentAuthorized, "15.00", "USD")
		p.TransactionReference = "abc123"
		require.NoError(t, env.store.Payments().Update(context.Background(), p))

		_, err := env.executor(t, p, IntentCapture).Initiate(context.Background(), nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		assert.Empty(t, env.messageTypes(t, p))
	})

	t.Run("unknown gateway", func(t *testing.T) {
		env := newTestEnv(t, true)
		p := env.newPayment(t, domain.PaymentCreated, "15.00", "USD")
		p.Gateway = "Nope"
		require.NoError(t, env.store.Payments().Update(context.Background(), p))

		_, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestVoid(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionVoid, ok("auth_9"))
	hooks := countHooks(env.factory.Hooks(), HookVoid)
	p := env.newPayment(t, domain.PaymentAuthorized, "15.00", "USD")
	env.record(t, p, domain.AuthorizeRedirectResponse, "auth_9")

	_, err := env.executor(t, p, IntentVoid).Initiate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentVoid, p.Status)
	assert.Equal(t, 1, hooks.count(HookVoid))
	assert.Equal(t, "auth_9", env.gw.callsTo(payment.ActionVoid)[0].TransactionReference())
}

func TestRefund_PartialThenRest(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionRefund, ok("ch_1"))
	hooks := countHooks(env.factory.Hooks(), HookRefunded)
	p := env.newPayment(t, domain.PaymentCaptured, "10.00", "USD")
	env.record(t, p, domain.PurchasedResponse, "ch_1")

	_, err := env.executor(t, p, IntentRefund).Initiate(context.Background(), payment.Params{"amount": "4"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCaptured, p.Status)
	assert.Equal(t, "6.00", p.Remaining)
	assert.Equal(t, "10.00", p.Amount)
	assert.Equal(t, "4.00", env.gw.callsTo(payment.ActionRefund)[0].Amount())

	partials, err := env.store.Payments().FindPartials(context.Background(), p.ID, domain.PaymentRefunded)
	require.NoError(t, err)
	require.Len(t, partials, 1)
	assert.Equal(t, "4.00", partials[0].Amount)

	// more than what is left is clamped
	_, err = env.executor(t, p, IntentRefund).Initiate(context.Background(), payment.Params{"amount": "100"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentRefunded, p.Status)
	assert.Equal(t, "0.00", p.Remaining)
	assert.Equal(t, "6.00", env.gw.callsTo(payment.ActionRefund)[1].Amount())
	assert.Equal(t, 2, hooks.count(HookRefunded))

	assert.Equal(t, []domain.MessageType{
		domain.PurchasedResponse,
		domain.RefundRequest,
		domain.PartiallyRefundedResponse,
		domain.RefundRequest,
		domain.RefundedResponse,
	}, env.messageTypes(t, p))

	_, err = env.executor(t, p, IntentRefund).Initiate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRefund_InvalidAmount(t *testing.T) {
	for _, amount := range []string{"0", "-1", "abc", "0.001"} {
		t.Run(amount, func(t *testing.T) {
			env := newTestEnv(t, true)
			p := env.newPayment(t, domain.PaymentCaptured, "10.00", "USD")
			env.record(t, p, domain.CapturedResponse, "ch_1")

			_, err := env.executor(t, p, IntentRefund).Initiate(context.Background(), payment.Params{"amount": amount})
			assert.ErrorIs(t, err, ErrInvalidParameter)
			assert.Equal(t, []domain.MessageType{domain.CapturedResponse}, env.messageTypes(t, p))
			assert.Equal(t, domain.PaymentCaptured, env.stored(t, p).Status)
			assert.Empty(t, env.gw.callsTo(payment.ActionRefund))
		})
	}
}

func TestRefund_PendingThenNotification(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionRefund, awaiting("ch_1"))
	p := env.newPayment(t, domain.PaymentCaptured, "10.00", "USD")
	env.record(t, p, domain.CapturedResponse, "ch_1")

	resp, err := env.executor(t, p, IntentRefund).Initiate(context.Background(), payment.Params{"amount": "3.00"})
	require.NoError(t, err)
	assert.True(t, resp.IsAwaitingNotification())
	assert.Equal(t, domain.PaymentPendingRefund, p.Status)
	assert.Equal(t, "10.00", p.Remaining)

	pending, err := env.store.Payments().FindPartials(context.Background(), p.ID, domain.PaymentPendingRefund)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	done, err := env.factory.Reconcile(context.Background(), p, &payment.Notification{
		Status:               payment.NotificationCompleted,
		Action:               payment.ActionRefund,
		TransactionReference: "ch_1",
	})
	require.NoError(t, err)
	assert.True(t, done.IsNotification())
	assert.False(t, done.IsError())
	assert.Equal(t, domain.PaymentCaptured, p.Status)
	assert.Equal(t, "7.00", p.Remaining)
}

func TestBeforeRequestHookCanAlterData(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, ok("ch_1"))
	env.factory.Hooks().On(HookBeforeRequest, func(_ context.Context, ev *HookEvent) error {
		ev.Data[payment.ParamDescription] = "Order for " + ev.Payment.Identifier
		return nil
	})
	p := env.newPayment(t, domain.PaymentCreated, "1.00", "USD")

	_, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Order for "+p.Identifier, env.gw.callsTo(payment.ActionPurchase)[0].Params.String(payment.ParamDescription))
}

func TestCompletionHookFailure(t *testing.T) {
	boom := errors.New("mailer down")

	t.Run("logged when not strict", func(t *testing.T) {
		env := newTestEnv(t, false)
		env.gw.on(payment.ActionPurchase, ok("ch_1"))
		env.factory.Hooks().On(HookCaptured, func(context.Context, *HookEvent) error { return boom })
		env.factory.Hooks().On(HookCaptured, func(context.Context, *HookEvent) error { panic("listener bug") })
		p := env.newPayment(t, domain.PaymentCreated, "1.00", "USD")

		resp, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
		require.NoError(t, err)
		assert.False(t, resp.IsError())
		assert.Equal(t, domain.PaymentCaptured, p.Status)
	})

	t.Run("returned when strict", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.gw.on(payment.ActionPurchase, ok("ch_1"))
		env.factory.Hooks().On(HookCaptured, func(context.Context, *HookEvent) error { return boom })
		p := env.newPayment(t, domain.PaymentCreated, "1.00", "USD")

		_, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
		assert.ErrorIs(t, err, boom)
		assert.ErrorContains(t, err, "onCaptured")
		// the transition itself already committed
		assert.Equal(t, domain.PaymentCaptured, env.stored(t, p).Status)
	})
}

func TestAfterSendHookFailureKeepsOutcome(t *testing.T) {
	boom := errors.New("listener down")
	tests := []struct {
		name   string
		step   step
		status domain.PaymentStatus
		want   []domain.MessageType
	}{
		{"approved", ok("ch_1"), domain.PaymentCaptured, []domain.MessageType{domain.PurchaseRequest, domain.PurchasedResponse}},
		{"declined", declined("Do not honor", "05"), domain.PaymentCreated, []domain.MessageType{domain.PurchaseRequest, domain.PurchaseError}},
		{"transport failure", transportFailure(), domain.PaymentCreated, []domain.MessageType{domain.PurchaseRequest, domain.PurchaseError}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, true)
			env.gw.on(payment.ActionPurchase, tt.step)
			env.factory.Hooks().On(HookAfterSend, func(context.Context, *HookEvent) error { return boom })
			p := env.newPayment(t, domain.PaymentCreated, "4.00", "USD")

			_, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, tt.status, env.stored(t, p).Status)
			assert.Equal(t, tt.want, env.messageTypes(t, p))
		})
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, redirectTo("3ds_1", "https://acs.test", http.MethodGet))
	hooks := countHooks(env.factory.Hooks(), HookCancelled)
	p := env.newPayment(t, domain.PaymentCreated, "20.00", "EUR")

	_, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), payment.Params{
		"failureUrl": "https://shop.test/cart",
	})
	require.NoError(t, err)

	resp, err := env.factory.Cancel(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, resp.IsCancelled())
	assert.Equal(t, domain.PaymentVoid, p.Status)
	assert.Equal(t, "https://shop.test/cart", resp.TargetURL())
	assert.Equal(t, 1, hooks.count(HookCancelled))
	assert.Equal(t, domain.CancelledResponse, env.messageTypes(t, p)[2])

	again, err := env.factory.Cancel(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, again.IsCancelled())
	assert.Len(t, env.messageTypes(t, p), 3)
	assert.Equal(t, 1, hooks.count(HookCancelled))

	captured := env.newPayment(t, domain.PaymentCaptured, "1.00", "EUR")
	_, err = env.factory.Cancel(context.Background(), captured)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUnresolved(t *testing.T) {
	for _, tc := range []struct {
		name     string
		steps    []step
		initiate bool
		want     domain.MessageType
	}{
		{"declined", []step{declined("Card declined", "05")}, true, ""},
		{"captured", []step{ok("ch_1")}, true, ""},
		{"transport failure", []step{transportFailure()}, true, domain.PurchaseError},
		{"request without answer", nil, false, domain.PurchaseRequest},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, true)
			env.gw.on(payment.ActionPurchase, tc.steps...)
			p := env.newPayment(t, domain.PaymentCreated, "10.00", "USD")
			if tc.initiate {
				_, err := env.executor(t, p, IntentPurchase).Initiate(context.Background(), nil)
				require.NoError(t, err)
			} else {
				env.record(t, p, domain.PurchaseRequest, "")
			}

			intent, msg, err := env.factory.Unresolved(context.Background(), env.stored(t, p))
			require.NoError(t, err)
			if tc.want == "" {
				assert.Nil(t, msg)
				return
			}
			require.NotNil(t, msg)
			assert.Equal(t, tc.want, msg.Type)
			assert.Equal(t, IntentPurchase, intent)
		})
	}
}

func TestRecover_ChargeTakenDuringTimeout(t *testing.T) {
	env := newTestEnv(t, true)
	env.gw.on(payment.ActionPurchase, transportFailure())
	hooks := countHooks(env.factory.Hooks(), HookCaptured)
	p := env.newPayment(t, domain.PaymentCreated, "10.00", "USD")
	ctx := context.Background()

	_, err := env.executor(t, p, IntentPurchase).Initiate(ctx, nil)
	require.NoError(t, err)
	intent, msg, err := env.factory.Unresolved(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, msg)

	resp, err := env.factory.Recover(ctx, p, intent, &payment.Notification{
		Status:               payment.NotificationCompleted,
		TransactionReference: "ch_lost",
	})
	require.NoError(t, err)
	assert.False(t, resp.IsError())
	assert.Equal(t, domain.PaymentCaptured, env.stored(t, p).Status)
	assert.Equal(t, "ch_lost", env.stored(t, p).TransactionReference)
	assert.Equal(t, 1, hooks.count(HookCaptured))
	assert.Equal(t, []domain.MessageType{
		domain.PurchaseRequest,
		domain.PurchaseError,
		domain.PurchasedResponse,
	}, env.messageTypes(t, p))

	_, err = env.factory.Recover(ctx, p, intent, &payment.Notification{Status: payment.NotificationCompleted})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, hooks.count(HookCaptured))
}

func TestRecover_PendingAndNotCharged(t *testing.T) {
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.gw.on(payment.ActionPurchase, transportFailure())
		p := env.newPayment(t, domain.PaymentCreated, "10.00", "USD")
		_, err := env.executor(t, p, IntentPurchase).Initiate(ctx, nil)
		require.NoError(t, err)

		resp, err := env.factory.Recover(ctx, p, IntentPurchase, &payment.Notification{
			Status:               payment.NotificationPending,
			TransactionReference: "pi_9",
		})
		require.NoError(t, err)
		assert.True(t, resp.IsAwaitingNotification())
		stored := env.stored(t, p)
		assert.Equal(t, domain.PaymentPendingPurchase, stored.Status)
		assert.Equal(t, "pi_9", stored.TransactionReference)
	})

	t.Run("not charged", func(t *testing.T) {
		env := newTestEnv(t, true)
		env.gw.on(payment.ActionPurchase, transportFailure())
		p := env.newPayment(t, domain.PaymentCreated, "10.00", "USD")
		_, err := env.executor(t, p, IntentPurchase).Initiate(ctx, nil)
		require.NoError(t, err)

		resp, err := env.factory.Recover(ctx, p, IntentPurchase, &payment.Notification{
			Status:  payment.NotificationFailed,
			Message: "no charge found at gateway",
		})
		require.NoError(t, err)
		assert.True(t, resp.IsError())
		assert.Equal(t, domain.PaymentCreated, env.stored(t, p).Status)

		// the gateway's answer resolves the attempt
		_, msg, err := env.factory.Unresolved(ctx, p)
		require.NoError(t, err)
		assert.Nil(t, msg)
	})
}
