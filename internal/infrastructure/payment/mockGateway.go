package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockGatewayName is the name the mock adapter registers under by default.
const MockGatewayName = "Mock"

// Outcome is what the mock gateway does with a request.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDeclined
	// OutcomeTimeout charges the card but reports a transport failure.
	OutcomeTimeout
	OutcomeRedirect
	OutcomePending
)

// OutcomePicker decides the outcome of each request.
type OutcomePicker func(action Action, params Params) Outcome

// RandomOutcomes: 70% success, 20% declined, 10% phantom charge (timeout).
func RandomOutcomes(Action, Params) Outcome {
	chance := rand.IntN(100)
	switch {
	case chance < 70:
		return OutcomeSuccess
	case chance < 90:
		return OutcomeDeclined
	default:
		return OutcomeTimeout
	}
}

// Always returns a picker yielding o for every request.
func Always(o Outcome) OutcomePicker {
	return func(Action, Params) Outcome { return o }
}

type mockTransaction struct {
	reference string
	action    Action
	status    NotificationStatus
}

// MockGateway is an in-process gateway used by the simulator and tests.
type MockGateway struct {
	mu           sync.RWMutex
	name         string
	async        bool
	latency      time.Duration
	pick         OutcomePicker
	transactions map[string]*mockTransaction // by reference
	byKey        map[string]*Response        // idempotency: action + transactionId
	byTxID       map[string]string           // transactionId -> reference
}

// MockOption configures a MockGateway.
type MockOption func(*MockGateway)

// WithOutcomes sets the outcome picker.
func WithOutcomes(p OutcomePicker) MockOption { return func(g *MockGateway) { g.pick = p } }

// WithAsyncNotification makes successful operations wait for a notification.
func WithAsyncNotification(async bool) MockOption { return func(g *MockGateway) { g.async = async } }

// WithLatency delays every send.
func WithLatency(d time.Duration) MockOption { return func(g *MockGateway) { g.latency = d } }

// WithName overrides the gateway name.
func WithName(name string) MockOption { return func(g *MockGateway) { g.name = name } }

func NewMockGateway(opts ...MockOption) *MockGateway {
	g := &MockGateway{
		name:         MockGatewayName,
		pick:         RandomOutcomes,
		transactions: make(map[string]*mockTransaction),
		byKey:        make(map[string]*Response),
		byTxID:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *MockGateway) Name() string { return g.name }

func (g *MockGateway) Supports(action Action) bool {
	switch action {
	case ActionAuthorize, ActionCompleteAuthorize, ActionPurchase, ActionCompletePurchase,
		ActionCapture, ActionRefund, ActionVoid, ActionAcceptNotification:
		return true
	}
	return false
}

func (g *MockGateway) Execute(_ context.Context, action Action, params Params) (*Request, error) {
	if !g.Supports(action) || action == ActionAcceptNotification {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, action)
	}
	return NewRequest(g.name, action, params, func(ctx context.Context) (*Response, error) {
		return g.send(ctx, action, params)
	}), nil
}

func (g *MockGateway) send(ctx context.Context, action Action, params Params) (*Response, error) {
	key := string(action) + ":" + params.String(ParamTransactionID)

	// charges are idempotent per transaction id
	if isCharge(action) {
		g.mu.RLock()
		if resp, exists := g.byKey[key]; exists {
			g.mu.RUnlock()
			return resp, nil
		}
		g.mu.RUnlock()
	}

	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return nil, &GatewayError{Gateway: g.name, Message: "request cancelled", Err: ctx.Err()}
		}
	}

	switch action {
	case ActionCompleteAuthorize, ActionCompletePurchase:
		return g.complete(action, params)
	}

	reference := params.String(ParamTransactionReference)
	if reference == "" || action == ActionAuthorize || action == ActionPurchase {
		reference = "mock_" + uuid.NewString()
	}

	var resp *Response
	var status NotificationStatus
	switch g.pick(action, params) {
	case OutcomeDeclined:
		resp = &Response{Message: "Card Declined", Code: "declined", TransactionReference: reference}
		status = NotificationFailed
	case OutcomeTimeout:
		// the gateway took the money, we only see the timeout
		g.store(key, params, &mockTransaction{reference: reference, action: action, status: NotificationCompleted}, nil)
		return nil, &GatewayError{Gateway: g.name, Code: "timeout", Message: "Connection Timeout"}
	case OutcomeRedirect:
		resp = &Response{
			Redirect:             true,
			RedirectURL:          "https://mock-gateway.local/checkout/" + reference,
			RedirectMethod:       "GET",
			TransactionReference: reference,
			Message:              "Redirecting to gateway",
		}
		status = NotificationPending
	case OutcomePending:
		resp = g.pending(reference)
		status = NotificationPending
	default:
		if g.async {
			resp = g.pending(reference)
			status = NotificationPending
		} else {
			resp = &Response{Successful: true, TransactionReference: reference, Message: "Success", Code: "00"}
			status = NotificationCompleted
		}
	}
	resp.Data = map[string]any{"action": string(action), "reference": reference}

	g.store(key, params, &mockTransaction{reference: reference, action: action, status: status}, resp)
	return resp, nil
}

func (g *MockGateway) pending(reference string) *Response {
	return &Response{
		AwaitingNotification: true,
		TransactionReference: reference,
		Message:              "Awaiting notification",
		Code:                 "pending",
	}
}

func (g *MockGateway) complete(action Action, params Params) (*Response, error) {
	g.mu.Lock()
	reference := params.String(ParamTransactionReference)
	if reference == "" {
		reference = g.byTxID[params.String(ParamTransactionID)]
	}
	txn, ok := g.transactions[reference]
	declined := ok && txn.status == NotificationFailed
	if ok && !declined {
		txn.status = NotificationCompleted
	}
	g.mu.Unlock()

	if !ok {
		return &Response{Message: "Unknown transaction", Code: "not_found"}, nil
	}
	if declined {
		return &Response{TransactionReference: reference, Message: "Card Declined", Code: "declined"}, nil
	}
	return &Response{
		Successful:           true,
		TransactionReference: reference,
		Message:              "Success",
		Code:                 "00",
		Data:                 map[string]any{"action": string(action), "reference": reference},
	}, nil
}

func (g *MockGateway) store(key string, params Params, txn *mockTransaction, resp *Response) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transactions[txn.reference] = txn
	if !isCharge(txn.action) {
		return
	}
	if id := params.String(ParamTransactionID); id != "" {
		g.byTxID[id] = txn.reference
	}
	if resp != nil {
		g.byKey[key] = resp
	}
}

func isCharge(action Action) bool {
	return action == ActionAuthorize || action == ActionPurchase
}

// Settle changes the status of a transaction, as the real gateway would
// when it finishes processing asynchronously.
func (g *MockGateway) Settle(reference string, status NotificationStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	txn, ok := g.transactions[reference]
	if !ok {
		return fmt.Errorf("mock gateway: unknown transaction %q", reference)
	}
	txn.status = status
	return nil
}

// FetchStatus reports the stored status of a transaction.
func (g *MockGateway) FetchStatus(_ context.Context, _ Action, reference string) (*Notification, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if txn, exists := g.transactions[reference]; exists {
		return &Notification{Status: txn.status, TransactionReference: reference}, nil
	}
	return &Notification{Status: NotificationPending, TransactionReference: reference}, nil
}

// FindTransaction looks up a charge by the transaction id it was sent with.
func (g *MockGateway) FindTransaction(_ context.Context, _ Action, transactionID string) (*Notification, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	reference, ok := g.byTxID[transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
	}
	return &Notification{Status: g.transactions[reference].status, TransactionReference: reference}, nil
}

type mockNotification struct {
	TransactionReference string `json:"transactionReference"`
	Status               string `json:"status"`
}

// NotificationBody builds the payload the mock gateway posts to notify URLs.
func NotificationBody(reference string, status NotificationStatus) []byte {
	b, _ := json.Marshal(mockNotification{TransactionReference: reference, Status: string(status)})
	return b
}

func (g *MockGateway) ParseNotification(_ context.Context, raw *NotificationRequest) (*Notification, error) {
	if raw == nil {
		return nil, errors.New("mock gateway: empty notification")
	}
	var n mockNotification
	switch {
	case raw.Form.Get(ParamTransactionReference) != "":
		n.TransactionReference = raw.Form.Get(ParamTransactionReference)
		n.Status = raw.Form.Get("status")
	case len(raw.Body) > 0:
		if err := json.Unmarshal(raw.Body, &n); err != nil {
			return nil, fmt.Errorf("mock gateway: decode notification: %w", err)
		}
	default:
		n.TransactionReference = raw.Query.Get(ParamTransactionReference)
		n.Status = raw.Query.Get("status")
	}
	if n.TransactionReference == "" {
		return nil, errors.New("mock gateway: notification without transaction reference")
	}

	status := NotificationStatus(n.Status)
	switch status {
	case NotificationCompleted, NotificationPending, NotificationFailed:
	default:
		status = NotificationFailed
	}
	return &Notification{
		Status:               status,
		TransactionReference: n.TransactionReference,
		Data:                 map[string]any{"status": n.Status, "transactionReference": n.TransactionReference},
	}, nil
}
