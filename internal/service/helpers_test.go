package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/repo"
)

const fakeGatewayName = "Fake"

type step func(req *payment.Request) (*payment.Response, error)

func ok(ref string) step {
	return func(*payment.Request) (*payment.Response, error) {
		return &payment.Response{Successful: true, TransactionReference: ref, Message: "Approved"}, nil
	}
}

func declined(message, code string) step {
	return func(*payment.Request) (*payment.Response, error) {
		return &payment.Response{Message: message, Code: code}, nil
	}
}

func redirectTo(ref, url, method string) step {
	return func(*payment.Request) (*payment.Response, error) {
		return &payment.Response{
			Redirect:             true,
			RedirectURL:          url,
			RedirectMethod:       method,
			RedirectData:         map[string]string{"PaReq": "xyz"},
			TransactionReference: ref,
		}, nil
	}
}

func awaiting(ref string) step {
	return func(*payment.Request) (*payment.Response, error) {
		return &payment.Response{AwaitingNotification: true, TransactionReference: ref}, nil
	}
}

func transportFailure() step {
	return func(*payment.Request) (*payment.Response, error) {
		return nil, errors.New("connection reset by peer")
	}
}

// fakeGateway answers each action from a script. The last step of an
// action repeats once the script runs out.
type fakeGateway struct {
	mu          sync.Mutex
	unsupported map[payment.Action]bool
	script      map[payment.Action][]step
	calls       []*payment.Request

	notification *payment.Notification
	notifyErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		unsupported: make(map[payment.Action]bool),
		script:      make(map[payment.Action][]step),
	}
}

func (g *fakeGateway) on(action payment.Action, steps ...step) *fakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script[action] = append(g.script[action], steps...)
	return g
}

func (g *fakeGateway) notify(n *payment.Notification, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notification, g.notifyErr = n, err
}

func (g *fakeGateway) Name() string { return fakeGatewayName }

func (g *fakeGateway) Supports(action payment.Action) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unsupported[action]
}

func (g *fakeGateway) Execute(_ context.Context, action payment.Action, params payment.Params) (*payment.Request, error) {
	if action == payment.ActionAcceptNotification {
		return nil, payment.ErrUnsupported
	}
	var req *payment.Request
	req = payment.NewRequest(fakeGatewayName, action, params, func(context.Context) (*payment.Response, error) {
		return g.respond(req)
	})
	return req, nil
}

func (g *fakeGateway) respond(req *payment.Request) (*payment.Response, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	steps := g.script[req.Action]
	var next step
	switch len(steps) {
	case 0:
	case 1:
		next = steps[0]
	default:
		next, g.script[req.Action] = steps[0], steps[1:]
	}
	g.mu.Unlock()

	if next == nil {
		return nil, errors.New("no scripted response for " + string(req.Action))
	}
	return next(req)
}

func (g *fakeGateway) ParseNotification(context.Context, *payment.NotificationRequest) (*payment.Notification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.notifyErr != nil {
		return nil, g.notifyErr
	}
	if g.notification == nil {
		return nil, errors.New("empty notification")
	}
	n := *g.notification
	return &n, nil
}

func (g *fakeGateway) callsTo(action payment.Action) []*payment.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*payment.Request
	for _, c := range g.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

type shopURLs struct{}

func (shopURLs) EndpointURL(action, identifier string) string {
	return "https://shop.test/paymentendpoint/" + identifier + "/" + action
}

type testEnv struct {
	store    *repo.MemoryStore
	gw       *fakeGateway
	registry *payment.Registry
	factory  *Factory
}

func newTestEnv(t *testing.T, strictHooks bool) *testEnv {
	t.Helper()
	store := repo.NewMemoryStore()
	gw := newFakeGateway()
	registry := payment.NewRegistry()
	registry.Register(gw, payment.Info{})

	f, err := NewFactory(Deps{
		Store:    store,
		Gateways: registry,
		URLs:     shopURLs{},
		Hooks:    NewHooks(strictHooks, nil, nil),
	})
	require.NoError(t, err)
	return &testEnv{store: store, gw: gw, registry: registry, factory: f}
}

// newPayment stores a payment in status with the given amount.
func (e *testEnv) newPayment(t *testing.T, status domain.PaymentStatus, amount, currency string) *domain.Payment {
	t.Helper()
	p := domain.NewPayment(uuid.Nil, amount, currency, fakeGatewayName)
	p.Status = status
	require.NoError(t, e.store.Payments().Create(context.Background(), p))
	return p
}

func (e *testEnv) record(t *testing.T, p *domain.Payment, typ domain.MessageType, ref string) {
	t.Helper()
	_, err := e.factory.Audit().Record(context.Background(), p, typ, domain.Payload{TransactionReference: ref})
	require.NoError(t, err)
}

func (e *testEnv) messageTypes(t *testing.T, p *domain.Payment) []domain.MessageType {
	t.Helper()
	msgs, err := e.factory.Audit().Messages(context.Background(), p)
	require.NoError(t, err)
	out := make([]domain.MessageType, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func (e *testEnv) executor(t *testing.T, p *domain.Payment, intent Intent, opts ...Option) *Executor {
	t.Helper()
	ex, err := e.factory.Service(p, intent, opts...)
	require.NoError(t, err)
	return ex
}

func (e *testEnv) stored(t *testing.T, p *domain.Payment) *domain.Payment {
	t.Helper()
	fresh, err := e.store.Payments().FindByID(context.Background(), p.ID)
	require.NoError(t, err)
	return fresh
}

// hookCounter counts how often each hook fired.
type hookCounter struct {
	mu    sync.Mutex
	fired map[Hook]int
}

func countHooks(h *Hooks, hooks ...Hook) *hookCounter {
	c := &hookCounter{fired: make(map[Hook]int)}
	for _, hook := range hooks {
		h.On(hook, func(_ context.Context, ev *HookEvent) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.fired[ev.Hook]++
			return nil
		})
	}
	return c
}

func (c *hookCounter) count(h Hook) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired[h]
}
