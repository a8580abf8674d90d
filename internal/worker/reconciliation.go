// Package worker runs the background reconciliation of payments and orders
// that were left waiting on a gateway.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/repo"
	"payment-orchestrator/internal/service"
)

// Outcomes of reconciling one payment.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomePending     = "pending"
	OutcomeUnsupported = "unsupported"
	OutcomeNoReference = "no_reference"
	OutcomeSkipped     = "skipped"
	OutcomeError       = "error"
)

const (
	DefaultBatchSize     = 100
	DefaultRecoverWithin = 24 * time.Hour
)

type Config struct {
	Interval time.Duration
	// StaleAfter is how long a payment must sit in a pending state before
	// the gateway is asked about it.
	StaleAfter time.Duration
	// OrderTimeout expires pending orders older than this with no payment
	// in flight. Zero disables it.
	OrderTimeout time.Duration
	// RecoverWithin bounds how far back Created payments with a lost gateway
	// answer are looked up at the gateway.
	RecoverWithin time.Duration
	BatchSize     int
}

// Result summarises one reconciliation pass.
type Result struct {
	Checked       int
	Recovered     int
	Outcomes      map[string]int
	OrdersPaid    int
	OrdersExpired int
}

type ReconciliationWorker struct {
	store    repo.Store
	factory  *service.Factory
	orders   service.OrderService
	gateways payment.Factory
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewReconciliationWorker(
	store repo.Store,
	factory *service.Factory,
	orders service.OrderService,
	gateways payment.Factory,
	cfg Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ReconciliationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RecoverWithin <= 0 {
		cfg.RecoverWithin = DefaultRecoverWithin
	}
	return &ReconciliationWorker{
		store:    store,
		factory:  factory,
		orders:   orders,
		gateways: gateways,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Run reconciles every interval until ctx is cancelled.
func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	rw.logger.Info("reconciliation worker started", "interval", rw.cfg.Interval, "stale_after", rw.cfg.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			if _, err := rw.RunOnce(ctx); err != nil && ctx.Err() == nil {
				rw.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single pass over stale payments, then payments whose
// gateway answer was lost, then stuck orders.
func (rw *ReconciliationWorker) RunOnce(ctx context.Context) (*Result, error) {
	res, err := rw.process(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	rw.metrics.IncReconcileRun(status)
	return res, err
}

func (rw *ReconciliationWorker) process(ctx context.Context) (*Result, error) {
	res := &Result{Outcomes: make(map[string]int)}

	stale, err := rw.store.Payments().FindPendingBefore(ctx, rw.now().Add(-rw.cfg.StaleAfter), rw.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	if len(stale) > 0 {
		rw.logger.Info("found stale payments", "count", len(stale))
	}
	for i := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome := rw.reconcilePayment(ctx, &stale[i])
		res.Checked++
		res.Outcomes[outcome]++
		rw.metrics.IncReconciled(outcome)
	}

	if err := rw.recoverPayments(ctx, res); err != nil {
		return res, err
	}

	if rw.cfg.OrderTimeout > 0 && rw.orders != nil {
		if err := rw.expireOrders(ctx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// reconcilePayment asks the gateway for the real status of a pending
// payment and applies it like a notification.
func (rw *ReconciliationWorker) reconcilePayment(ctx context.Context, p *domain.Payment) string {
	log := rw.logger.With("payment", p.Identifier, "gateway", p.Gateway, "status", p.Status)

	intent, ok := service.IntentForPending(p.Status)
	if !ok {
		return OutcomeSkipped
	}
	cfg, _ := service.Config(intent)

	gw, err := rw.gateways.Gateway(p.Gateway)
	if err != nil {
		log.Warn("gateway unavailable", "error", err)
		return OutcomeError
	}
	checker, ok := gw.(payment.StatusChecker)
	if !ok {
		return OutcomeUnsupported
	}

	reference, err := rw.reference(ctx, p, cfg)
	if err != nil {
		log.Error("load transaction reference", "error", err)
		return OutcomeError
	}
	if reference == "" {
		log.Warn("pending payment has no transaction reference")
		return OutcomeNoReference
	}

	n, err := checker.FetchStatus(ctx, cfg.Action, reference)
	if err != nil {
		log.Warn("fetch status failed", "reference", reference, "error", err)
		return OutcomeError
	}
	if n.Status == payment.NotificationPending {
		return OutcomePending
	}

	resp, err := rw.factory.Reconcile(ctx, p, n)
	switch {
	case errors.Is(err, service.ErrInvalidState):
		// settled by a return or notification since it was listed
		return OutcomeSkipped
	case err != nil:
		log.Error("reconcile payment", "error", err)
		return OutcomeError
	case !resp.IsError():
		log.Info("pending payment completed by gateway status", "reference", reference)
		return OutcomeCompleted
	}

	// the offsite attempt is dead, release the payment
	if p.Status == domain.PaymentPendingPurchase || p.Status == domain.PaymentPendingAuthorization {
		if _, err := rw.factory.Cancel(ctx, p); err != nil {
			log.Error("cancel failed payment", "error", err)
			return OutcomeError
		}
	}
	log.Warn("pending payment failed at gateway", "reference", reference)
	return OutcomeFailed
}

func (rw *ReconciliationWorker) recoverPayments(ctx context.Context, res *Result) error {
	now := rw.now()
	created, err := rw.store.Payments().FindCreatedBetween(ctx, now.Add(-rw.cfg.RecoverWithin), now.Add(-rw.cfg.StaleAfter), rw.cfg.BatchSize)
	if err != nil {
		return err
	}
	for i := range created {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome, checked := rw.recoverPayment(ctx, &created[i], now)
		if !checked {
			continue
		}
		res.Recovered++
		res.Outcomes[outcome]++
		rw.metrics.IncReconciled(outcome)
	}
	return nil
}

// recoverPayment looks up a charge whose answer never arrived by the
// transaction id it was sent with, and applies what the gateway knows.
func (rw *ReconciliationWorker) recoverPayment(ctx context.Context, p *domain.Payment, now time.Time) (string, bool) {
	log := rw.logger.With("payment", p.Identifier, "gateway", p.Gateway)

	intent, msg, err := rw.factory.Unresolved(ctx, p)
	if err != nil {
		log.Error("load last attempt", "error", err)
		return OutcomeError, true
	}
	// a younger request may still be in flight
	if msg == nil || msg.CreatedAt.After(now.Add(-rw.cfg.StaleAfter)) {
		return "", false
	}
	cfg, _ := service.Config(intent)

	gw, err := rw.gateways.Gateway(p.Gateway)
	if err != nil {
		log.Warn("gateway unavailable", "error", err)
		return OutcomeError, true
	}
	finder, ok := gw.(payment.TransactionFinder)
	if !ok {
		log.Warn("gateway answer lost and gateway cannot look it up", "type", msg.Type)
		return OutcomeUnsupported, true
	}

	n, err := finder.FindTransaction(ctx, cfg.Action, p.Identifier)
	switch {
	case errors.Is(err, payment.ErrTransactionNotFound):
		n = &payment.Notification{Status: payment.NotificationFailed, Message: "no charge found at gateway"}
	case err != nil:
		log.Warn("find transaction failed", "error", err)
		return OutcomeError, true
	}

	resp, err := rw.factory.Recover(ctx, p, intent, n)
	switch {
	case errors.Is(err, service.ErrInvalidState):
		return OutcomeSkipped, true
	case err != nil:
		log.Error("recover payment", "error", err)
		return OutcomeError, true
	case resp.IsError():
		log.Info("lost charge was not taken", "status", n.Status)
		return OutcomeFailed, true
	case resp.IsAwaitingNotification():
		return OutcomePending, true
	}
	log.Warn("lost charge was taken, payment recovered", "reference", n.TransactionReference)
	return OutcomeCompleted, true
}

func (rw *ReconciliationWorker) reference(ctx context.Context, p *domain.Payment, cfg service.IntentConfig) (string, error) {
	var types []domain.MessageType
	for _, t := range []domain.MessageType{cfg.PendingMessage, cfg.RedirectMessage, cfg.RequestMessage} {
		if t != "" {
			types = append(types, t)
		}
	}
	msg, err := rw.factory.Audit().LatestWithReference(ctx, p, types...)
	if err != nil {
		return "", err
	}
	if msg != nil {
		return msg.Payload.TransactionReference, nil
	}
	return p.TransactionReference, nil
}

// expireOrders settles stuck orders: paid ones are fixed to PAID, the rest
// are FAILED once no payment is in flight and no charge has an unknown outcome.
func (rw *ReconciliationWorker) expireOrders(ctx context.Context, res *Result) error {
	stuck, err := rw.store.Orders().FindStuck(ctx, rw.cfg.OrderTimeout)
	if err != nil {
		return err
	}
	for _, order := range stuck {
		payments, err := rw.store.Payments().FindByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if inFlight(payments) {
			continue
		}
		if unknown, err := rw.unresolved(ctx, payments); err != nil {
			return err
		} else if unknown {
			rw.logger.Warn("stuck order has a charge with unknown outcome", "order", order.ID)
			continue
		}

		settled, err := rw.orders.Settle(ctx, order.ID)
		if err != nil {
			rw.logger.Error("settle stuck order", "order", order.ID, "error", err)
			continue
		}
		if settled.Status == domain.OrderPaid {
			rw.logger.Warn("found ghost order, fixed to PAID", "order", order.ID)
			res.OrdersPaid++
			continue
		}

		settled.Status = domain.OrderFailed
		if err := rw.store.Orders().UpdateStatus(ctx, settled); err != nil {
			rw.logger.Error("expire order", "order", order.ID, "error", err)
			continue
		}
		rw.logger.Info("found abandoned order, fixed to FAILED", "order", order.ID, "payments", len(payments))
		res.OrdersExpired++
	}
	return nil
}

func (rw *ReconciliationWorker) unresolved(ctx context.Context, payments []domain.Payment) (bool, error) {
	for i := range payments {
		_, msg, err := rw.factory.Unresolved(ctx, &payments[i])
		if err != nil {
			return false, err
		}
		if msg != nil {
			return true, nil
		}
	}
	return false, nil
}

func inFlight(payments []domain.Payment) bool {
	for _, p := range payments {
		if p.Status.IsPending() {
			return true
		}
	}
	return false
}
