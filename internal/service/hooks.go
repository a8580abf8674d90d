package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/metrics"
)

// Hook names an extension point.
type Hook int

const (
	HookBeforeRequest Hook = iota
	HookAfterRequest
	HookAfterSend
	HookUpdateServiceResponse
	HookAuthorized
	HookCaptured
	HookRefunded
	HookVoid
	HookCancelled
)

func (h Hook) String() string {
	switch h {
	case HookBeforeRequest:
		return "onBeforeRequest"
	case HookAfterRequest:
		return "onAfterRequest"
	case HookAfterSend:
		return "onAfterSend"
	case HookUpdateServiceResponse:
		return "updateServiceResponse"
	case HookAuthorized:
		return "onAuthorized"
	case HookCaptured:
		return "onCaptured"
	case HookRefunded:
		return "onRefunded"
	case HookVoid:
		return "onVoid"
	case HookCancelled:
		return "onCancelled"
	}
	return fmt.Sprintf("hook(%d)", int(h))
}

// HookEvent is handed to listeners. Which fields are set depends on the hook:
// BeforeRequest carries Data (listeners may modify it), AfterRequest the
// Request, AfterSend the Request and Response (nil on transport failure),
// the rest the ServiceResponse.
type HookEvent struct {
	Hook            Hook
	Intent          Intent
	Payment         *domain.Payment
	Data            payment.Params
	Request         *payment.Request
	Response        *payment.Response
	ServiceResponse *ServiceResponse
}

// Listener reacts to a hook. Errors and panics are contained by Hooks.
type Listener func(ctx context.Context, ev *HookEvent) error

// Hooks is the listener registry.
type Hooks struct {
	mu        sync.RWMutex
	listeners map[Hook][]Listener
	strict    bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewHooks creates a registry. In strict mode the first listener failure is
// returned to the caller instead of only being logged.
func NewHooks(strict bool, logger *slog.Logger, m *metrics.Metrics) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{
		listeners: make(map[Hook][]Listener),
		strict:    strict,
		logger:    logger,
		metrics:   m,
	}
}

// On registers l for hook. Listeners run in registration order.
func (h *Hooks) On(hook Hook, l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[hook] = append(h.listeners[hook], l)
}

// Fire runs every listener of ev.Hook.
func (h *Hooks) Fire(ctx context.Context, ev *HookEvent) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	listeners := append([]Listener(nil), h.listeners[ev.Hook]...)
	h.mu.RUnlock()

	for _, l := range listeners {
		if err := h.call(ctx, l, ev); err != nil {
			h.metrics.IncHookFailure(ev.Hook.String())
			attrs := []any{"hook", ev.Hook.String(), "intent", ev.Intent, "error", err}
			if ev.Payment != nil {
				attrs = append(attrs, "payment", ev.Payment.Identifier)
			}
			h.logger.Warn("hook listener failed", attrs...)
			if h.strict {
				return fmt.Errorf("hook %s: %w", ev.Hook, err)
			}
		}
	}
	return nil
}

func (h *Hooks) call(ctx context.Context, l Listener, ev *HookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l(ctx, ev)
}
