package service

import (
	"context"
	"fmt"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/metrics"
)

// reconcile parses the attached raw notification and applies it.
func (e *Executor) reconcile(ctx context.Context, gw payment.Gateway) (*ServiceResponse, error) {
	if !gw.Supports(payment.ActionAcceptNotification) {
		return nil, e.unsupported(gw, payment.ActionAcceptNotification)
	}
	if e.raw == nil {
		return nil, fmt.Errorf("%w: no notification request to reconcile payment %s", ErrMissingParameter, e.payment.Identifier)
	}
	n, err := gw.ParseNotification(ctx, e.raw)
	if err != nil {
		e.deps.Metrics.IncNotification(gw.Name(), metrics.OutcomeError)
		if _, recErr := e.log.Record(ctx, e.payment, domain.NotificationError, err); recErr != nil {
			return nil, recErr
		}
		e.deps.Logger.Warn("notification rejected", "payment", e.payment.Identifier, "gateway", gw.Name(), "error", err)
		return NewServiceResponse(e.payment, FlagError, FlagNotification), nil
	}
	return e.apply(ctx, n)
}

// apply moves the pending payment according to a parsed notification. A
// completed notification must carry the reference the gateway handed out for
// this payment.
func (e *Executor) apply(ctx context.Context, n *payment.Notification) (*ServiceResponse, error) {
	p := e.payment
	gateway := p.Gateway

	if n.Action != "" && n.Action != e.cfg.Action && n.Action != e.cfg.CompleteAction {
		e.deps.Metrics.IncNotification(gateway, metrics.OutcomeIgnored)
		return e.rejectNotification(ctx, fmt.Sprintf("notification for %s does not match pending %s", n.Action, e.cfg.Intent), n)
	}

	switch n.Status {
	case payment.NotificationPending:
		e.deps.Metrics.IncNotification(gateway, metrics.OutcomePending)
		return NewServiceResponse(p, FlagNotification, FlagPending), nil
	case payment.NotificationCompleted:
	default:
		e.deps.Metrics.IncNotification(gateway, metrics.OutcomeError)
		return e.fail(ctx, e.cfg.ErrorMessage, n, FlagNotification)
	}

	expected, err := e.expectedReference(ctx)
	if err != nil {
		return nil, err
	}
	if expected == "" {
		e.deps.Metrics.IncNotification(gateway, metrics.OutcomeError)
		return e.rejectNotification(ctx, "no transaction reference found", n)
	}
	if expected != n.TransactionReference {
		e.deps.Metrics.IncNotification(gateway, metrics.OutcomeError)
		return e.rejectNotification(ctx, map[string]any{
			"message":  "references do not match",
			"expected": expected,
			"received": n.TransactionReference,
		}, n)
	}

	e.deps.Metrics.IncNotification(gateway, metrics.OutcomeSuccess)
	return e.markCompleted(ctx, n, nil, "", false, FlagNotification)
}

// expectedReference is the reference recorded by the request or the
// gateway's first answer, whichever the audit trail has.
func (e *Executor) expectedReference(ctx context.Context) (string, error) {
	groups := [][]domain.MessageType{
		nonEmpty(e.cfg.RequestMessage, e.cfg.CompleteRequestMessage),
		nonEmpty(e.cfg.RedirectMessage, e.cfg.PendingMessage),
	}
	for _, types := range groups {
		if len(types) == 0 {
			continue
		}
		msg, err := e.log.LatestWithReference(ctx, e.payment, types...)
		if err != nil {
			return "", err
		}
		if msg != nil {
			return msg.Payload.TransactionReference, nil
		}
	}
	return "", nil
}

func (e *Executor) rejectNotification(ctx context.Context, reason any, n *payment.Notification) (*ServiceResponse, error) {
	if _, err := e.log.Record(ctx, e.payment, domain.NotificationError, reason); err != nil {
		return nil, err
	}
	e.deps.Logger.Warn("notification rejected",
		"payment", e.payment.Identifier, "intent", e.cfg.Intent, "reference", n.TransactionReference)
	return NewServiceResponse(e.payment, FlagError, FlagNotification), nil
}
