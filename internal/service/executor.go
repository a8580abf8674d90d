package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"payment-orchestrator/internal/audit"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/repo"
	"payment-orchestrator/internal/tracing"
)

// legacy key some callers still use for the transaction reference
const paramReceipt = "receipt"

// Executor drives one intent for one payment.
type Executor struct {
	cfg      IntentConfig
	strategy Strategy
	deps     *Deps
	log      *audit.Log
	payment  *domain.Payment
	raw      *payment.NotificationRequest
}

// Option configures an Executor.
type Option func(*Executor)

// WithRawRequest attaches the inbound notification request the reconciler parses.
func WithRawRequest(raw *payment.NotificationRequest) Option {
	return func(e *Executor) { e.raw = raw }
}

func (e *Executor) Intent() Intent { return e.cfg.Intent }

// Payment returns the payment as last loaded or written by the executor.
func (e *Executor) Payment() *domain.Payment { return e.payment }

// Initiate starts the transition.
func (e *Executor) Initiate(ctx context.Context, data payment.Params) (resp *ServiceResponse, err error) {
	ctx, span := tracing.StartSpan(ctx, e.deps.Tracer, "payment."+string(e.cfg.Intent),
		attribute.String("payment.identifier", e.payment.Identifier))
	defer func() { tracing.End(span, err) }()

	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p := e.payment
	if !e.strategy.CanInitiate(e.cfg, p) {
		return nil, fmt.Errorf("%w: cannot %s payment %s in state %s", ErrInvalidState, e.cfg.Intent, p.Identifier, p.Status)
	}
	gw, err := e.gateway()
	if err != nil {
		return nil, err
	}
	reference, err := e.resolveReference(ctx, data)
	if err != nil {
		return nil, err
	}
	if !gw.Supports(e.cfg.Action) {
		return nil, e.unsupported(gw, e.cfg.Action)
	}
	amount, partial, err := e.strategy.Amount(p, data)
	if err != nil {
		return nil, err
	}

	req, err := e.prepare(ctx, gw, e.cfg.Action, e.gatewayData(data, amount, reference))
	if err != nil {
		return nil, err
	}
	if _, err := e.log.Record(ctx, p, e.cfg.RequestMessage, req); err != nil {
		return nil, err
	}
	gwResp, sendErr := e.send(ctx, req)
	hookErr := e.fire(ctx, &HookEvent{Hook: HookAfterSend, Request: req, Response: gwResp})

	// the outcome is recorded before a hook failure surfaces
	switch {
	case sendErr != nil:
		resp, err = e.fail(ctx, e.cfg.ErrorMessage, sendErr)
	case gwResp.Redirect && e.cfg.RedirectMessage != "":
		resp, err = e.redirect(ctx, gwResp)
	case gwResp.AwaitingNotification:
		resp, err = e.pending(ctx, gwResp, amount, partial)
	case !gwResp.Successful:
		resp, err = e.fail(ctx, e.cfg.ErrorMessage, gwResp)
	default:
		resp, err = e.markCompleted(ctx, gwResp, gwResp, amount, partial)
	}
	return afterSend(resp, err, hookErr)
}

func afterSend(resp *ServiceResponse, err, hookErr error) (*ServiceResponse, error) {
	if err != nil {
		return nil, err
	}
	if hookErr != nil {
		return nil, hookErr
	}
	return resp, nil
}

// Complete finishes a pending transition, after an offsite redirect returns
// or when a notification arrives. It is a no-op once the payment settled.
func (e *Executor) Complete(ctx context.Context, data payment.Params, isNotification bool) (resp *ServiceResponse, err error) {
	ctx, span := tracing.StartSpan(ctx, e.deps.Tracer, "payment.complete."+string(e.cfg.Intent),
		attribute.String("payment.identifier", e.payment.Identifier),
		attribute.Bool("notification", isNotification))
	defer func() { tracing.End(span, err) }()

	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if done := e.settledResponse(ctx, isNotification); done != nil {
		return done, nil
	}
	p := e.payment
	if p.Status != e.cfg.Pending {
		return nil, fmt.Errorf("%w: cannot complete %s of payment %s in state %s", ErrInvalidState, e.cfg.Intent, p.Identifier, p.Status)
	}
	gw, err := e.gateway()
	if err != nil {
		return nil, err
	}
	if e.cfg.CompleteAction == "" || (isNotification && gw.Supports(payment.ActionAcceptNotification)) {
		return e.reconcile(ctx, gw)
	}
	if !gw.Supports(e.cfg.CompleteAction) {
		return nil, e.unsupported(gw, e.cfg.CompleteAction)
	}

	reference := data.String(payment.ParamTransactionReference)
	if reference == "" {
		msg, err := e.log.LatestWithReference(ctx, p, nonEmpty(e.cfg.RedirectMessage, e.cfg.PendingMessage)...)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			reference = msg.Payload.TransactionReference
		}
	}
	if reference == "" {
		reference = p.TransactionReference
	}

	req, err := e.prepare(ctx, gw, e.cfg.CompleteAction, e.gatewayData(data, p.Amount, reference))
	if err != nil {
		return nil, err
	}
	if _, err := e.log.Record(ctx, p, e.cfg.CompleteRequestMessage, req); err != nil {
		return nil, err
	}
	gwResp, sendErr := e.send(ctx, req)
	hookErr := e.fire(ctx, &HookEvent{Hook: HookAfterSend, Request: req, Response: gwResp})

	var flags []Flag
	if isNotification {
		flags = append(flags, FlagNotification)
	}
	switch {
	case sendErr != nil:
		resp, err = e.fail(ctx, e.cfg.CompleteErrorMessage, sendErr, flags...)
	case gwResp.AwaitingNotification:
		if _, err := e.log.Record(ctx, p, e.cfg.PendingMessage, gwResp); err != nil {
			return nil, err
		}
		e.deps.Metrics.IncTransition(string(e.cfg.Intent), metrics.OutcomePending)
		resp, err = e.finish(ctx, NewServiceResponse(p, append(flags, FlagPending)...).SetGatewayResponse(gwResp))
	case !gwResp.Successful:
		resp, err = e.fail(ctx, e.cfg.CompleteErrorMessage, gwResp, flags...)
	default:
		resp, err = e.markCompleted(ctx, gwResp, gwResp, "", false, flags...)
	}
	return afterSend(resp, err, hookErr)
}

// HandleNotification reconciles the raw notification attached with WithRawRequest.
func (e *Executor) HandleNotification(ctx context.Context) (resp *ServiceResponse, err error) {
	ctx, span := tracing.StartSpan(ctx, e.deps.Tracer, "payment.notification."+string(e.cfg.Intent),
		attribute.String("payment.identifier", e.payment.Identifier))
	defer func() { tracing.End(span, err) }()

	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if done := e.settledResponse(ctx, true); done != nil {
		return done, nil
	}
	if e.payment.Status != e.cfg.Pending {
		return nil, fmt.Errorf("%w: no pending %s for payment %s in state %s", ErrInvalidState, e.cfg.Intent, e.payment.Identifier, e.payment.Status)
	}
	gw, err := e.gateway()
	if err != nil {
		return nil, err
	}
	return e.reconcile(ctx, gw)
}

// ApplyNotification reconciles an already parsed notification, such as a
// status fetched from the gateway.
func (e *Executor) ApplyNotification(ctx context.Context, n *payment.Notification) (*ServiceResponse, error) {
	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if done := e.settledResponse(ctx, true); done != nil {
		return done, nil
	}
	if e.payment.Status != e.cfg.Pending {
		return nil, fmt.Errorf("%w: no pending %s for payment %s in state %s", ErrInvalidState, e.cfg.Intent, e.payment.Identifier, e.payment.Status)
	}
	return e.apply(ctx, n)
}

// Recover settles a transition whose request reached the gateway but whose
// answer was lost, using the state the gateway reports for the transaction.
func (e *Executor) Recover(ctx context.Context, n *payment.Notification) (*ServiceResponse, error) {
	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p := e.payment
	if !e.strategy.CanInitiate(e.cfg, p) {
		return nil, fmt.Errorf("%w: cannot recover %s of payment %s in state %s", ErrInvalidState, e.cfg.Intent, p.Identifier, p.Status)
	}
	e.deps.Logger.Info("recovering lost gateway answer",
		"payment", p.Identifier, "intent", e.cfg.Intent, "status", n.Status, "reference", n.TransactionReference)

	switch n.Status {
	case payment.NotificationCompleted:
		return e.markCompleted(ctx, n, nil, p.Amount, false)
	case payment.NotificationPending:
		return e.pending(ctx, &payment.Response{
			AwaitingNotification: true,
			TransactionReference: n.TransactionReference,
			Message:              n.Message,
			Data:                 n.Data,
		}, p.Amount, false)
	default:
		return e.fail(ctx, e.cfg.ErrorMessage, n)
	}
}

// Cancel voids a payment waiting on an offsite authorize or purchase.
func (e *Executor) Cancel(ctx context.Context) (*ServiceResponse, error) {
	unlock, err := e.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p := e.payment
	if p.Status == domain.PaymentVoid {
		return NewServiceResponse(p, FlagCancelled), nil
	}
	if p.Status != domain.PaymentPendingPurchase && p.Status != domain.PaymentPendingAuthorization {
		return nil, fmt.Errorf("%w: cannot cancel payment %s in state %s", ErrInvalidState, p.Identifier, p.Status)
	}

	err = e.transition(ctx, func(tx repo.Store, log *audit.Log, next *domain.Payment) error {
		next.Status = domain.PaymentVoid
		if err := tx.Payments().Update(ctx, next); err != nil {
			return err
		}
		_, err := log.Record(ctx, next, domain.CancelledResponse, "Payment cancelled by customer")
		return err
	})
	if err != nil {
		return nil, err
	}

	r := NewServiceResponse(p, FlagCancelled)
	if err := e.fire(ctx, &HookEvent{Hook: HookCancelled, ServiceResponse: r}); err != nil {
		return nil, err
	}
	e.deps.Logger.Info("payment cancelled", "payment", p.Identifier, "intent", e.cfg.Intent)
	return e.finish(ctx, r)
}

// lock takes the payment lock and reloads the payment under it.
func (e *Executor) lock(ctx context.Context) (func(), error) {
	unlock, err := e.deps.Locker.Lock(ctx, e.payment.ID.String())
	if err != nil {
		return nil, fmt.Errorf("lock payment %s: %w", e.payment.Identifier, err)
	}
	fresh, err := e.deps.Store.Payments().FindByID(ctx, e.payment.ID)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("reload payment %s: %w", e.payment.Identifier, err)
	}
	*e.payment = *fresh
	return unlock, nil
}

func (e *Executor) gateway() (payment.Gateway, error) {
	gw, err := e.deps.Gateways.Gateway(e.payment.Gateway)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return gw, nil
}

func (e *Executor) unsupported(gw payment.Gateway, action payment.Action) error {
	return fmt.Errorf("%w: gateway %s does not support %s", ErrInvalidConfiguration, gw.Name(), action)
}

// resolveReference finds the transaction reference the intent operates on:
// explicit data first, then the legacy receipt key, then the audit trail.
func (e *Executor) resolveReference(ctx context.Context, data payment.Params) (string, error) {
	if len(e.cfg.ReferenceMessages) == 0 {
		return "", nil
	}
	if ref := data.String(payment.ParamTransactionReference); ref != "" {
		return ref, nil
	}
	if ref := data.String(paramReceipt); ref != "" {
		return ref, nil
	}
	msg, err := e.log.LatestWithReference(ctx, e.payment, e.cfg.ReferenceMessages...)
	if err != nil {
		return "", err
	}
	if msg != nil {
		return msg.Payload.TransactionReference, nil
	}
	if e.payment.TransactionReference != "" {
		return e.payment.TransactionReference, nil
	}
	return "", fmt.Errorf("%w: no transaction reference to %s payment %s", ErrMissingParameter, e.cfg.Intent, e.payment.Identifier)
}

// gatewayData merges caller data with the values the gateway always needs.
func (e *Executor) gatewayData(data payment.Params, amount, reference string) payment.Params {
	p := e.payment
	params := data.Clone()
	delete(params, paramReceipt)

	if key := e.deps.Gateways.TokenKey(p.Gateway); key != payment.ParamToken {
		if token, ok := params[payment.ParamToken]; ok {
			params[key] = token
			delete(params, payment.ParamToken)
		}
	}
	params[payment.ParamAmount] = amount
	params[payment.ParamCurrency] = p.Currency
	params[payment.ParamTransactionID] = p.Identifier
	if reference != "" {
		params[payment.ParamTransactionReference] = reference
	}
	if e.deps.URLs != nil {
		params[payment.ParamReturnURL] = e.deps.URLs.EndpointURL(EndpointComplete, p.Identifier)
		params[payment.ParamCancelURL] = e.deps.URLs.EndpointURL(EndpointCancel, p.Identifier)
		params[payment.ParamNotifyURL] = e.deps.URLs.EndpointURL(EndpointNotify, p.Identifier)
	}
	return params
}

func (e *Executor) prepare(ctx context.Context, gw payment.Gateway, action payment.Action, params payment.Params) (*payment.Request, error) {
	if err := e.fire(ctx, &HookEvent{Hook: HookBeforeRequest, Data: params}); err != nil {
		return nil, err
	}
	req, err := gw.Execute(ctx, action, params)
	if err != nil {
		if errors.Is(err, payment.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if err := e.fire(ctx, &HookEvent{Hook: HookAfterRequest, Request: req}); err != nil {
		return nil, err
	}
	return req, nil
}

func (e *Executor) send(ctx context.Context, req *payment.Request) (*payment.Response, error) {
	ctx, span := tracing.StartSpan(ctx, e.deps.Tracer, "gateway."+string(req.Action),
		attribute.String("gateway", req.Gateway))
	start := time.Now()

	resp, err := req.Send(ctx)
	if err == nil && resp == nil {
		err = &payment.GatewayError{Gateway: req.Gateway, Message: "empty response"}
	}
	e.deps.Metrics.ObserveGatewayRequest(req.Gateway, string(req.Action), time.Since(start))
	tracing.End(span, err)
	return resp, err
}

// transition runs fn on a copy of the payment inside one store transaction
// and adopts the copy only when everything committed.
func (e *Executor) transition(ctx context.Context, fn func(tx repo.Store, log *audit.Log, next *domain.Payment) error) error {
	next := *e.payment
	err := e.deps.Store.WithinTx(ctx, func(tx repo.Store) error {
		return fn(tx, e.log.With(tx.Messages()), &next)
	})
	if err != nil {
		return err
	}
	*e.payment = next
	return nil
}

func (e *Executor) redirect(ctx context.Context, gwResp *payment.Response) (*ServiceResponse, error) {
	err := e.transition(ctx, func(tx repo.Store, log *audit.Log, next *domain.Payment) error {
		next.Status = e.cfg.Pending
		if gwResp.TransactionReference != "" {
			next.TransactionReference = gwResp.TransactionReference
		}
		if err := tx.Payments().Update(ctx, next); err != nil {
			return err
		}
		_, err := log.Record(ctx, next, e.cfg.RedirectMessage, gwResp)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.deps.Metrics.IncTransition(string(e.cfg.Intent), metrics.OutcomeRedirect)
	return e.finish(ctx, NewServiceResponse(e.payment).SetGatewayResponse(gwResp))
}

func (e *Executor) pending(ctx context.Context, gwResp *payment.Response, amount string, partial bool) (*ServiceResponse, error) {
	err := e.transition(ctx, func(tx repo.Store, log *audit.Log, next *domain.Payment) error {
		if partial {
			if err := tx.Payments().CreatePartial(ctx, domain.NewPartialPayment(next, amount)); err != nil {
				return err
			}
		}
		next.Status = e.cfg.Pending
		if gwResp.TransactionReference != "" {
			next.TransactionReference = gwResp.TransactionReference
		}
		if err := tx.Payments().Update(ctx, next); err != nil {
			return err
		}
		_, err := log.Record(ctx, next, e.cfg.PendingMessage, gwResp)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.deps.Metrics.IncTransition(string(e.cfg.Intent), metrics.OutcomePending)
	return e.finish(ctx, NewServiceResponse(e.payment, FlagPending).SetGatewayResponse(gwResp))
}

// markCompleted settles the transition and fires the completion hook.
func (e *Executor) markCompleted(ctx context.Context, source any, gwResp *payment.Response, amount string, partial bool, flags ...Flag) (*ServiceResponse, error) {
	var reference string
	switch s := source.(type) {
	case *payment.Response:
		reference = s.TransactionReference
	case *payment.Notification:
		reference = s.TransactionReference
	}

	err := e.transition(ctx, func(tx repo.Store, log *audit.Log, next *domain.Payment) error {
		if partial {
			if err := tx.Payments().CreatePartial(ctx, domain.NewPartialPayment(next, amount)); err != nil {
				return err
			}
		}
		return e.strategy.Settle(ctx, settlement{
			cfg:       e.cfg,
			store:     tx,
			log:       log,
			payment:   next,
			source:    source,
			reference: reference,
		})
	})
	if err != nil {
		return nil, err
	}

	r, err := newSuccessResponse(e.payment, gwResp, flags...)
	if err != nil {
		return nil, err
	}
	e.deps.Metrics.IncTransition(string(e.cfg.Intent), metrics.OutcomeSuccess)
	e.deps.Logger.Info("payment transition completed",
		"payment", e.payment.Identifier, "intent", e.cfg.Intent, "status", e.payment.Status)

	if err := e.fire(ctx, &HookEvent{Hook: e.cfg.CompletionHook, ServiceResponse: r}); err != nil {
		return nil, err
	}
	return e.finish(ctx, r)
}

// fail records source as an error message and returns an ERROR envelope.
func (e *Executor) fail(ctx context.Context, msgType domain.MessageType, source any, flags ...Flag) (*ServiceResponse, error) {
	msg, err := e.log.Record(ctx, e.payment, msgType, source)
	if err != nil {
		return nil, err
	}
	e.deps.Metrics.IncTransition(string(e.cfg.Intent), metrics.OutcomeError)
	e.deps.Logger.Warn("payment operation failed",
		"payment", e.payment.Identifier, "intent", e.cfg.Intent, "type", msgType,
		"message", msg.Payload.Message, "code", msg.Payload.Code)

	r := NewServiceResponse(e.payment, append(flags, FlagError)...)
	if resp, ok := source.(*payment.Response); ok {
		r.SetGatewayResponse(resp)
	}
	return e.finish(ctx, r)
}

// settledResponse is the idempotent answer for a transition that already finished.
func (e *Executor) settledResponse(ctx context.Context, isNotification bool) *ServiceResponse {
	if !e.strategy.Settled(e.cfg, e.payment) {
		return nil
	}
	r := NewServiceResponse(e.payment)
	if isNotification {
		r.AddFlag(FlagNotification)
	}
	e.deps.Metrics.IncTransition(string(e.cfg.Intent), metrics.OutcomeIgnored)
	e.applyTarget(ctx, r)
	return r
}

func (e *Executor) finish(ctx context.Context, r *ServiceResponse) (*ServiceResponse, error) {
	e.applyTarget(ctx, r)
	if err := e.fire(ctx, &HookEvent{Hook: HookUpdateServiceResponse, ServiceResponse: r}); err != nil {
		return nil, err
	}
	return r, nil
}

// applyTarget points the customer at the success or failure url stored with
// the original request.
func (e *Executor) applyTarget(ctx context.Context, r *ServiceResponse) {
	if r.IsRedirect() || r.TargetURL() != "" {
		return
	}
	msg, err := e.log.LatestOfType(ctx, e.payment, e.cfg.RequestMessage)
	if err != nil || msg == nil {
		return
	}
	url := msg.Payload.SuccessURL
	if r.IsError() || r.IsCancelled() {
		url = msg.Payload.FailureURL
	}
	if url != "" {
		_ = r.SetTargetURL(url)
	}
}

func (e *Executor) fire(ctx context.Context, ev *HookEvent) error {
	ev.Intent = e.cfg.Intent
	ev.Payment = e.payment
	return e.deps.Hooks.Fire(ctx, ev)
}

func nonEmpty(types ...domain.MessageType) []domain.MessageType {
	out := types[:0:0]
	for _, t := range types {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
