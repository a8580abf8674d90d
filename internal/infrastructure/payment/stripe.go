package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"payment-orchestrator/internal/money"
)

// StripeGatewayName is the registry name of the Stripe adapter.
const StripeGatewayName = "Stripe"

// zero-decimal currencies per Stripe's documentation
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	// Backends overrides the API backends (tests point them at a fake server).
	Backends *stripe.Backends
}

// StripeGateway drives Stripe PaymentIntents and Refunds.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	return &StripeGateway{
		api:           client.New(cfg.APIKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
	}
}

func (g *StripeGateway) Name() string { return StripeGatewayName }

func (g *StripeGateway) Supports(action Action) bool {
	switch action {
	case ActionAuthorize, ActionCompleteAuthorize, ActionPurchase, ActionCompletePurchase,
		ActionCapture, ActionRefund, ActionVoid:
		return true
	case ActionAcceptNotification:
		return g.webhookSecret != ""
	}
	return false
}

func (g *StripeGateway) Execute(_ context.Context, action Action, params Params) (*Request, error) {
	var send SendFunc
	switch action {
	case ActionAuthorize:
		send = func(ctx context.Context) (*Response, error) { return g.createIntent(ctx, params, true) }
	case ActionPurchase:
		send = func(ctx context.Context) (*Response, error) { return g.createIntent(ctx, params, false) }
	case ActionCompleteAuthorize, ActionCompletePurchase:
		send = func(ctx context.Context) (*Response, error) { return g.retrieveIntent(ctx, params) }
	case ActionCapture:
		send = func(ctx context.Context) (*Response, error) { return g.capture(ctx, params) }
	case ActionRefund:
		send = func(ctx context.Context) (*Response, error) { return g.refund(ctx, params) }
	case ActionVoid:
		send = func(ctx context.Context) (*Response, error) { return g.cancel(ctx, params) }
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, action)
	}
	return NewRequest(StripeGatewayName, action, params, send), nil
}

func (g *StripeGateway) createIntent(ctx context.Context, params Params, manualCapture bool) (*Response, error) {
	amount, currency, err := minorAmount(params)
	if err != nil {
		return nil, err
	}
	p := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(currency)),
		Confirm:  stripe.Bool(true),
	}
	p.Context = ctx
	if manualCapture {
		p.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if token := params.String(ParamToken); token != "" {
		p.PaymentMethod = stripe.String(token)
	}
	if u := params.String(ParamReturnURL); u != "" {
		p.ReturnURL = stripe.String(u)
	}
	if d := params.String(ParamDescription); d != "" {
		p.Description = stripe.String(d)
	}
	if id := params.String(ParamTransactionID); id != "" {
		p.AddMetadata("transaction_id", id)
		// a retry with another card must not replay the previous attempt
		p.SetIdempotencyKey(fmt.Sprintf("%s-%s-%s", actionFor(manualCapture), id, params.String(ParamToken)))
	}

	pi, err := g.api.PaymentIntents.New(p)
	if err != nil {
		return g.failure(err)
	}
	return intentResponse(pi), nil
}

func actionFor(manualCapture bool) Action {
	if manualCapture {
		return ActionAuthorize
	}
	return ActionPurchase
}

func (g *StripeGateway) retrieveIntent(ctx context.Context, params Params) (*Response, error) {
	reference := params.String(ParamTransactionReference)
	if reference == "" {
		// Stripe appends the intent id to the return URL
		reference = params.String("payment_intent")
	}
	if reference == "" {
		return &Response{Message: "missing payment intent reference", Code: "missing_reference"}, nil
	}
	p := &stripe.PaymentIntentParams{}
	p.Context = ctx
	pi, err := g.api.PaymentIntents.Get(reference, p)
	if err != nil {
		return g.failure(err)
	}
	return intentResponse(pi), nil
}

func (g *StripeGateway) capture(ctx context.Context, params Params) (*Response, error) {
	amount, _, err := minorAmount(params)
	if err != nil {
		return nil, err
	}
	p := &stripe.PaymentIntentCaptureParams{AmountToCapture: stripe.Int64(amount)}
	p.Context = ctx
	pi, err := g.api.PaymentIntents.Capture(params.String(ParamTransactionReference), p)
	if err != nil {
		return g.failure(err)
	}
	return intentResponse(pi), nil
}

func (g *StripeGateway) cancel(ctx context.Context, params Params) (*Response, error) {
	p := &stripe.PaymentIntentCancelParams{}
	p.Context = ctx
	pi, err := g.api.PaymentIntents.Cancel(params.String(ParamTransactionReference), p)
	if err != nil {
		return g.failure(err)
	}
	resp := intentResponse(pi)
	resp.Successful = pi.Status == stripe.PaymentIntentStatusCanceled
	return resp, nil
}

func (g *StripeGateway) refund(ctx context.Context, params Params) (*Response, error) {
	amount, _, err := minorAmount(params)
	if err != nil {
		return nil, err
	}
	reference := params.String(ParamTransactionReference)
	p := &stripe.RefundParams{
		PaymentIntent: stripe.String(reference),
		Amount:        stripe.Int64(amount),
	}
	p.Context = ctx
	r, err := g.api.Refunds.New(p)
	if err != nil {
		return g.failure(err)
	}
	return refundResponse(r, reference), nil
}

// FetchStatus asks Stripe for the current state of a transaction.
func (g *StripeGateway) FetchStatus(ctx context.Context, action Action, reference string) (*Notification, error) {
	if action == ActionRefund {
		lp := &stripe.RefundListParams{PaymentIntent: stripe.String(reference)}
		lp.Context = ctx
		lp.Limit = stripe.Int64(1)
		it := g.api.Refunds.List(lp)
		if it.Next() {
			r := it.Refund()
			return &Notification{Status: refundStatus(r.Status), TransactionReference: reference, Data: map[string]any{"refund": r.ID}}, nil
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		return &Notification{Status: NotificationPending, TransactionReference: reference}, nil
	}

	p := &stripe.PaymentIntentParams{}
	p.Context = ctx
	pi, err := g.api.PaymentIntents.Get(reference, p)
	if err != nil {
		return nil, err
	}
	return &Notification{
		Status:               intentStatus(pi.Status, action),
		TransactionReference: pi.ID,
		Data:                 map[string]any{"status": string(pi.Status)},
	}, nil
}

// FindTransaction searches payment intents by the transaction_id metadata set
// when they were created.
func (g *StripeGateway) FindTransaction(ctx context.Context, action Action, transactionID string) (*Notification, error) {
	sp := &stripe.PaymentIntentSearchParams{}
	sp.Context = ctx
	sp.Query = fmt.Sprintf("metadata['transaction_id']:'%s'", strings.ReplaceAll(transactionID, "'", "\\'"))
	sp.Limit = stripe.Int64(1)
	it := g.api.PaymentIntents.Search(sp)
	if it.Next() {
		pi := it.PaymentIntent()
		return &Notification{
			Status:               intentStatus(pi.Status, action),
			TransactionReference: pi.ID,
			Data:                 map[string]any{"status": string(pi.Status)},
		}, nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
}

// ParseNotification verifies and decodes a Stripe webhook delivery.
func (g *StripeGateway) ParseNotification(_ context.Context, raw *NotificationRequest) (*Notification, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ActionAcceptNotification)
	}
	if raw == nil {
		return nil, errors.New("stripe: empty notification")
	}
	event, err := webhook.ConstructEventWithOptions(raw.Body, raw.Header.Get("Stripe-Signature"), g.webhookSecret,
		webhook.ConstructEventOptions{Tolerance: 5 * time.Minute, IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("stripe: verify webhook: %w", err)
	}
	data := map[string]any{"event_id": event.ID, "event_type": string(event.Type)}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated",
		"payment_intent.processing", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		n := &Notification{TransactionReference: pi.ID, Data: data}
		switch event.Type {
		case "payment_intent.succeeded":
			n.Status = NotificationCompleted
		case "payment_intent.amount_capturable_updated":
			n.Status, n.Action = NotificationCompleted, ActionAuthorize
		case "payment_intent.processing":
			n.Status = NotificationPending
		case "payment_intent.canceled":
			n.Status, n.Action = NotificationCompleted, ActionVoid
		default:
			n.Status = NotificationFailed
			if pi.LastPaymentError != nil {
				n.Message = pi.LastPaymentError.Msg
			}
		}
		return n, nil

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("stripe: decode charge: %w", err)
		}
		if ch.PaymentIntent == nil {
			return nil, errors.New("stripe: refunded charge without payment intent")
		}
		return &Notification{Status: NotificationCompleted, Action: ActionRefund, TransactionReference: ch.PaymentIntent.ID, Data: data}, nil

	case "refund.created", "refund.updated", "charge.refund.updated":
		var r stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, fmt.Errorf("stripe: decode refund: %w", err)
		}
		if r.PaymentIntent == nil {
			return nil, errors.New("stripe: refund without payment intent")
		}
		data["refund"] = r.ID
		return &Notification{Status: refundStatus(r.Status), Action: ActionRefund, TransactionReference: r.PaymentIntent.ID, Data: data}, nil
	}
	return nil, fmt.Errorf("stripe: unhandled event type %q", event.Type)
}

// failure turns card errors into unsuccessful responses and everything else
// into transport errors.
func (g *StripeGateway) failure(err error) (*Response, error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeCard {
			return &Response{Message: stripeErr.Msg, Code: string(stripeErr.Code)}, nil
		}
		return nil, &GatewayError{Gateway: StripeGatewayName, Code: string(stripeErr.Code), Message: stripeErr.Msg, Err: err}
	}
	return nil, &GatewayError{Gateway: StripeGatewayName, Message: err.Error(), Err: err}
}

func intentResponse(pi *stripe.PaymentIntent) *Response {
	resp := &Response{
		TransactionReference: pi.ID,
		Code:                 string(pi.Status),
		Data:                 map[string]any{"id": pi.ID, "status": string(pi.Status)},
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
		resp.Successful = true
		resp.Message = "Success"
	case stripe.PaymentIntentStatusProcessing:
		resp.AwaitingNotification = true
		resp.Message = "Processing"
	case stripe.PaymentIntentStatusRequiresAction:
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			resp.Redirect = true
			resp.RedirectURL = pi.NextAction.RedirectToURL.URL
			resp.RedirectMethod = "GET"
			resp.Message = "Redirecting to gateway"
		} else {
			resp.Message = "Additional customer action required"
		}
	default:
		resp.Message = "Payment " + string(pi.Status)
		if pi.LastPaymentError != nil {
			resp.Message = pi.LastPaymentError.Msg
			resp.Code = string(pi.LastPaymentError.Code)
		}
	}
	return resp
}

func refundResponse(r *stripe.Refund, reference string) *Response {
	resp := &Response{
		TransactionReference: reference,
		Code:                 string(r.Status),
		Data:                 map[string]any{"refund": r.ID, "status": string(r.Status)},
	}
	switch refundStatus(r.Status) {
	case NotificationCompleted:
		resp.Successful = true
		resp.Message = "Refunded"
	case NotificationPending:
		resp.AwaitingNotification = true
		resp.Message = "Refund pending"
	default:
		resp.Message = "Refund " + string(r.Status)
	}
	return resp
}

func refundStatus(s stripe.RefundStatus) NotificationStatus {
	switch s {
	case stripe.RefundStatusSucceeded:
		return NotificationCompleted
	case stripe.RefundStatusPending, stripe.RefundStatusRequiresAction:
		return NotificationPending
	}
	return NotificationFailed
}

func intentStatus(s stripe.PaymentIntentStatus, action Action) NotificationStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return NotificationCompleted
	case stripe.PaymentIntentStatusRequiresCapture:
		if action == ActionAuthorize || action == ActionCompleteAuthorize {
			return NotificationCompleted
		}
		return NotificationPending
	case stripe.PaymentIntentStatusCanceled:
		if action == ActionVoid {
			return NotificationCompleted
		}
		return NotificationFailed
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		return NotificationFailed
	}
	return NotificationPending
}

func minorAmount(params Params) (int64, string, error) {
	currency := strings.ToUpper(params.String(ParamCurrency))
	exponent := int32(2)
	if zeroDecimalCurrencies[currency] {
		exponent = 0
	}
	amount, err := money.ToMinor(params.String(ParamAmount), exponent)
	if err != nil {
		return 0, "", fmt.Errorf("stripe: %w", err)
	}
	return amount, currency, nil
}
