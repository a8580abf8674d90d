package service

import (
	"context"
	"fmt"

	"payment-orchestrator/internal/audit"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/money"
	"payment-orchestrator/internal/repo"
)

// Intent is a category of gateway operation driving one transition.
type Intent string

const (
	IntentAuthorize Intent = "authorize"
	IntentPurchase  Intent = "purchase"
	IntentCapture   Intent = "capture"
	IntentRefund    Intent = "refund"
	IntentVoid      Intent = "void"
)

// IntentConfig describes one transition.
type IntentConfig struct {
	Intent  Intent
	Start   domain.PaymentStatus
	Pending domain.PaymentStatus
	End     domain.PaymentStatus

	Action         payment.Action
	CompleteAction payment.Action // empty when completion only comes by notification

	RequestMessage         domain.MessageType
	SuccessMessage         domain.MessageType
	ErrorMessage           domain.MessageType
	RedirectMessage        domain.MessageType
	PendingMessage         domain.MessageType
	CompleteRequestMessage domain.MessageType
	CompleteErrorMessage   domain.MessageType

	// ReferenceMessages are searched for a transaction reference when the
	// caller doesn't supply one. Empty means no reference is needed.
	ReferenceMessages []domain.MessageType

	CompletionHook Hook
}

var intents = map[Intent]IntentConfig{
	IntentAuthorize: {
		Intent:                 IntentAuthorize,
		Start:                  domain.PaymentCreated,
		Pending:                domain.PaymentPendingAuthorization,
		End:                    domain.PaymentAuthorized,
		Action:                 payment.ActionAuthorize,
		CompleteAction:         payment.ActionCompleteAuthorize,
		RequestMessage:         domain.AuthorizeRequest,
		SuccessMessage:         domain.AuthorizedResponse,
		ErrorMessage:           domain.AuthorizeError,
		RedirectMessage:        domain.AuthorizeRedirectResponse,
		PendingMessage:         domain.AuthorizePendingResponse,
		CompleteRequestMessage: domain.CompleteAuthorizeRequest,
		CompleteErrorMessage:   domain.CompleteAuthorizeError,
		CompletionHook:         HookAuthorized,
	},
	IntentPurchase: {
		Intent:                 IntentPurchase,
		Start:                  domain.PaymentCreated,
		Pending:                domain.PaymentPendingPurchase,
		End:                    domain.PaymentCaptured,
		Action:                 payment.ActionPurchase,
		CompleteAction:         payment.ActionCompletePurchase,
		RequestMessage:         domain.PurchaseRequest,
		SuccessMessage:         domain.PurchasedResponse,
		ErrorMessage:           domain.PurchaseError,
		RedirectMessage:        domain.PurchaseRedirectResponse,
		PendingMessage:         domain.PurchasePendingResponse,
		CompleteRequestMessage: domain.CompletePurchaseRequest,
		CompleteErrorMessage:   domain.CompletePurchaseError,
		CompletionHook:         HookCaptured,
	},
	IntentCapture: {
		Intent:            IntentCapture,
		Start:             domain.PaymentAuthorized,
		Pending:           domain.PaymentPendingCapture,
		End:               domain.PaymentCaptured,
		Action:            payment.ActionCapture,
		RequestMessage:    domain.CaptureRequest,
		SuccessMessage:    domain.CapturedResponse,
		ErrorMessage:      domain.CaptureError,
		PendingMessage:    domain.CapturePendingResponse,
		ReferenceMessages: []domain.MessageType{domain.AuthorizedResponse, domain.AuthorizeRedirectResponse},
		CompletionHook:    HookCaptured,
	},
	IntentRefund: {
		Intent:            IntentRefund,
		Start:             domain.PaymentCaptured,
		Pending:           domain.PaymentPendingRefund,
		End:               domain.PaymentRefunded,
		Action:            payment.ActionRefund,
		RequestMessage:    domain.RefundRequest,
		SuccessMessage:    domain.RefundedResponse,
		ErrorMessage:      domain.RefundError,
		PendingMessage:    domain.RefundPendingResponse,
		ReferenceMessages: []domain.MessageType{domain.CapturedResponse, domain.PurchasedResponse},
		CompletionHook:    HookRefunded,
	},
	IntentVoid: {
		Intent:            IntentVoid,
		Start:             domain.PaymentAuthorized,
		Pending:           domain.PaymentPendingVoid,
		End:               domain.PaymentVoid,
		Action:            payment.ActionVoid,
		RequestMessage:    domain.VoidRequest,
		SuccessMessage:    domain.VoidedResponse,
		ErrorMessage:      domain.VoidError,
		PendingMessage:    domain.VoidPendingResponse,
		ReferenceMessages: []domain.MessageType{domain.AuthorizedResponse, domain.AuthorizeRedirectResponse},
		CompletionHook:    HookVoid,
	},
}

// Config returns the configuration of an intent.
func Config(intent Intent) (IntentConfig, bool) {
	cfg, ok := intents[intent]
	return cfg, ok
}

// IntentForPending maps a pending status back to the intent that set it.
func IntentForPending(status domain.PaymentStatus) (Intent, bool) {
	for _, cfg := range intents {
		if cfg.Pending == status {
			return cfg.Intent, true
		}
	}
	return "", false
}

// settlement is what a Strategy needs to finish a transition inside a store transaction.
type settlement struct {
	cfg       IntentConfig
	store     repo.Store
	log       *audit.Log
	payment   *domain.Payment
	source    any
	reference string
}

// Strategy holds the behaviour that differs between intents.
type Strategy interface {
	// CanInitiate reports whether the payment may start the transition.
	CanInitiate(cfg IntentConfig, p *domain.Payment) bool
	// Settled reports whether the transition already finished.
	Settled(cfg IntentConfig, p *domain.Payment) bool
	// Amount returns the amount to send and whether it covers only part of the payment.
	Amount(p *domain.Payment, data payment.Params) (amount string, partial bool, err error)
	// Settle moves the payment to its end state and records the outcome.
	Settle(ctx context.Context, s settlement) error
}

type defaultStrategy struct{}

func (defaultStrategy) CanInitiate(cfg IntentConfig, p *domain.Payment) bool {
	return p.Status == cfg.Start
}

func (defaultStrategy) Settled(cfg IntentConfig, p *domain.Payment) bool {
	return p.Status == cfg.End
}

func (defaultStrategy) Amount(p *domain.Payment, _ payment.Params) (string, bool, error) {
	return p.Amount, false, nil
}

func (defaultStrategy) Settle(ctx context.Context, s settlement) error {
	p := s.payment
	p.Status = s.cfg.End
	if s.reference != "" {
		p.TransactionReference = s.reference
	}
	if err := s.store.Payments().Update(ctx, p); err != nil {
		return err
	}
	_, err := s.log.Record(ctx, p, s.cfg.SuccessMessage, s.source)
	return err
}

// refundStrategy implements partial refund accounting against Payment.Remaining.
type refundStrategy struct {
	math money.Math
}

func (r refundStrategy) CanInitiate(cfg IntentConfig, p *domain.Payment) bool {
	if p.Status != cfg.Start {
		return false
	}
	cmp, err := r.math.Compare(p.Remaining, "0")
	return err == nil && cmp > 0
}

// Settled treats a payment that is back in Captured after a partial refund
// as settled as well.
func (refundStrategy) Settled(cfg IntentConfig, p *domain.Payment) bool {
	return p.Status == cfg.End || p.Status == cfg.Start
}

func (r refundStrategy) Amount(p *domain.Payment, data payment.Params) (string, bool, error) {
	requested := data.String(payment.ParamAmount)
	if requested == "" {
		return p.Remaining, false, nil
	}
	cmp, err := r.math.Compare(requested, "0")
	if err != nil {
		return "", false, fmt.Errorf("%w: amount %q", ErrInvalidParameter, requested)
	}
	if cmp <= 0 {
		return "", false, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidParameter, requested)
	}
	cmp, err = r.math.Compare(requested, p.Remaining)
	if err != nil {
		return "", false, err
	}
	if cmp >= 0 {
		// clamp to what is left
		return p.Remaining, false, nil
	}
	amount, err := r.math.Normalize(requested)
	if err != nil {
		return "", false, fmt.Errorf("%w: amount %q", ErrInvalidParameter, requested)
	}
	// below the money precision, nothing would be refunded
	if zero, err := r.math.IsZero(amount); err != nil || zero {
		return "", false, fmt.Errorf("%w: amount %s rounds to %s", ErrInvalidParameter, requested, amount)
	}
	return amount, true, nil
}

func (r refundStrategy) Settle(ctx context.Context, s settlement) error {
	p := s.payment
	payments := s.store.Payments()

	partials, err := payments.FindPartials(ctx, p.ID, domain.PaymentPendingRefund)
	if err != nil {
		return err
	}

	refunded := p.Remaining
	if len(partials) > 0 {
		refunded = "0"
		for i := range partials {
			if refunded, err = r.math.Add(refunded, partials[i].Amount); err != nil {
				return err
			}
			partials[i].Status = domain.PaymentRefunded
			if err := payments.UpdatePartial(ctx, &partials[i]); err != nil {
				return err
			}
		}
	}

	remaining, err := r.math.Subtract(p.Remaining, refunded)
	if err != nil {
		return err
	}
	if cmp, err := r.math.Compare(remaining, "0"); err != nil {
		return err
	} else if cmp < 0 {
		remaining, _ = r.math.Normalize("0")
	}
	p.Remaining = remaining

	msgType := domain.PartiallyRefundedResponse
	p.Status = s.cfg.Start
	if zero, _ := r.math.IsZero(remaining); zero {
		msgType = s.cfg.SuccessMessage
		p.Status = s.cfg.End
	}
	if err := payments.Update(ctx, p); err != nil {
		return err
	}
	_, err = s.log.Record(ctx, p, msgType, s.source)
	return err
}

func strategyFor(intent Intent, m money.Math) Strategy {
	if intent == IntentRefund {
		return refundStrategy{math: m}
	}
	return defaultStrategy{}
}
