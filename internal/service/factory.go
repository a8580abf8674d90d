package service

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"payment-orchestrator/internal/audit"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/lock"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/money"
	"payment-orchestrator/internal/repo"
)

// Endpoint actions of the customer facing payment endpoint.
const (
	EndpointComplete = "complete"
	EndpointCancel   = "cancel"
	EndpointNotify   = "notify"
)

// GatewayResolver finds adapters and their per-gateway settings.
type GatewayResolver interface {
	Gateway(name string) (payment.Gateway, error)
	Info(name string) payment.Info
	TokenKey(name string) string
}

// URLBuilder renders absolute urls of the payment endpoint.
type URLBuilder interface {
	EndpointURL(action, identifier string) string
}

// Deps are the collaborators shared by every executor.
type Deps struct {
	Store     repo.Store
	Gateways  GatewayResolver
	URLs      URLBuilder
	Locker    lock.Locker
	Hooks     *Hooks
	Math      money.Math
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	AuditMode audit.Mode
}

// Factory hands out executors bound to a payment.
type Factory struct {
	deps Deps
}

func NewFactory(d Deps) (*Factory, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfiguration)
	}
	if d.Gateways == nil {
		return nil, fmt.Errorf("%w: gateway resolver is required", ErrInvalidConfiguration)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Locker == nil {
		d.Locker = lock.NewMemoryLocker()
	}
	if d.Hooks == nil {
		d.Hooks = NewHooks(false, d.Logger, d.Metrics)
	}
	if d.Math == (money.Math{}) {
		d.Math = money.Default()
	}
	return &Factory{deps: d}, nil
}

func (f *Factory) Hooks() *Hooks { return f.deps.Hooks }

func (f *Factory) Math() money.Math { return f.deps.Math }

// IsManual reports whether the gateway settles offline.
func (f *Factory) IsManual(gateway string) bool { return f.deps.Gateways.Info(gateway).Manual }

// AcceptsNotifications reports whether the gateway confirms operations by
// calling the notify endpoint.
func (f *Factory) AcceptsNotifications(gateway string) bool {
	return f.deps.Gateways.Info(gateway).AsyncNotification
}

// Audit returns an audit log over the factory's store.
func (f *Factory) Audit() *audit.Log {
	return audit.New(f.deps.Store.Messages(), f.deps.Logger, f.deps.AuditMode)
}

// Service returns the executor of intent for p. The executor updates p in place.
func (f *Factory) Service(p *domain.Payment, intent Intent, opts ...Option) (*Executor, error) {
	cfg, ok := Config(intent)
	if !ok {
		return nil, fmt.Errorf("%w: unknown intent %q", ErrInvalidConfiguration, intent)
	}
	e := &Executor{
		cfg:      cfg,
		strategy: strategyFor(intent, f.deps.Math),
		deps:     &f.deps,
		log:      f.Audit(),
		payment:  p,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Cancel voids a payment whose customer abandoned the offsite flow.
func (f *Factory) Cancel(ctx context.Context, p *domain.Payment) (*ServiceResponse, error) {
	intent := IntentPurchase
	if p.Status == domain.PaymentPendingAuthorization {
		intent = IntentAuthorize
	}
	e, err := f.Service(p, intent)
	if err != nil {
		return nil, err
	}
	return e.Cancel(ctx)
}

// IntentOf works out which intent an inbound completion or notification
// belongs to: the pending transition if there is one, otherwise the last
// request made for the payment.
func (f *Factory) IntentOf(ctx context.Context, p *domain.Payment) (Intent, error) {
	if intent, ok := IntentForPending(p.Status); ok {
		return intent, nil
	}
	if p.Status == domain.PaymentCreated {
		return "", fmt.Errorf("%w: payment %s has not been started", ErrInvalidState, p.Identifier)
	}
	byRequest := make(map[domain.MessageType]Intent)
	types := make([]domain.MessageType, 0, len(intents)*2)
	for _, cfg := range intents {
		for _, t := range nonEmpty(cfg.RequestMessage, cfg.CompleteRequestMessage) {
			byRequest[t] = cfg.Intent
			types = append(types, t)
		}
	}
	msg, err := f.Audit().LatestOfType(ctx, p, types...)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", fmt.Errorf("%w: no request recorded for payment %s", ErrInvalidState, p.Identifier)
	}
	return byRequest[msg.Type], nil
}

// Reconcile applies a notification obtained out of band, such as a status
// fetched by the reconciliation worker.
func (f *Factory) Reconcile(ctx context.Context, p *domain.Payment, n *payment.Notification) (*ServiceResponse, error) {
	intent, ok := IntentForPending(p.Status)
	if !ok {
		return nil, fmt.Errorf("%w: payment %s is not pending", ErrInvalidState, p.Identifier)
	}
	e, err := f.Service(p, intent)
	if err != nil {
		return nil, err
	}
	return e.ApplyNotification(ctx, n)
}

// Unresolved finds the last authorize or purchase attempt of a Created
// payment whose outcome is unknown: the request was recorded but no answer
// followed, or the send failed in transport. The gateway may have charged
// such a payment. It returns a nil message when the payment is resolved.
func (f *Factory) Unresolved(ctx context.Context, p *domain.Payment) (Intent, *domain.Message, error) {
	if p.Status != domain.PaymentCreated {
		return "", nil, nil
	}
	byType := make(map[domain.MessageType]Intent)
	var types []domain.MessageType
	for _, intent := range []Intent{IntentAuthorize, IntentPurchase} {
		cfg := intents[intent]
		byType[cfg.RequestMessage] = intent
		byType[cfg.ErrorMessage] = intent
		types = append(types, cfg.RequestMessage, cfg.ErrorMessage)
	}
	msg, err := f.Audit().LatestOfType(ctx, p, types...)
	if err != nil || msg == nil {
		return "", nil, err
	}
	intent := byType[msg.Type]
	if msg.Type == intents[intent].ErrorMessage {
		if _, exception := msg.Payload.Data[audit.KeyException]; !exception {
			return "", nil, nil
		}
	}
	return intent, msg, nil
}

// Recover applies the gateway's view of a charge whose answer was lost.
func (f *Factory) Recover(ctx context.Context, p *domain.Payment, intent Intent, n *payment.Notification) (*ServiceResponse, error) {
	e, err := f.Service(p, intent)
	if err != nil {
		return nil, err
	}
	return e.Recover(ctx, n)
}
