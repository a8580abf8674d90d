// Package payment defines the gateway adapter contract used by the
// orchestration services and ships the adapters this module provides.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Action names an operation a gateway may support.
type Action string

const (
	ActionAuthorize          Action = "authorize"
	ActionCompleteAuthorize  Action = "completeAuthorize"
	ActionPurchase           Action = "purchase"
	ActionCompletePurchase   Action = "completePurchase"
	ActionCapture            Action = "capture"
	ActionRefund             Action = "refund"
	ActionVoid               Action = "void"
	ActionAcceptNotification Action = "acceptNotification"
)

// Parameter keys shared by every request.
const (
	ParamAmount               = "amount"
	ParamCurrency             = "currency"
	ParamTransactionID        = "transactionId"
	ParamTransactionReference = "transactionReference"
	ParamReturnURL            = "returnUrl"
	ParamCancelURL            = "cancelUrl"
	ParamNotifyURL            = "notifyUrl"
	ParamDescription          = "description"
	ParamToken                = "token"
	ParamClientIP             = "clientIp"
)

var (
	// ErrUnsupported is returned by adapters asked to run an action they don't support.
	ErrUnsupported = errors.New("action not supported by gateway")
	// ErrTransactionNotFound means the gateway has no record of a transaction.
	ErrTransactionNotFound = errors.New("transaction not found at gateway")
)

// Gateway is implemented by every payment gateway adapter.
type Gateway interface {
	// Name is the gateway identifier stored on payments.
	Name() string

	// Supports reports whether the adapter can run the action.
	Supports(action Action) bool

	// Execute builds a request for the action. Nothing is sent until Request.Send.
	Execute(ctx context.Context, action Action, params Params) (*Request, error)

	// ParseNotification decodes an inbound asynchronous notification.
	ParseNotification(ctx context.Context, raw *NotificationRequest) (*Notification, error)
}

// StatusChecker is implemented by adapters that can report the current
// state of a transaction on demand. Used by the reconciliation worker.
type StatusChecker interface {
	FetchStatus(ctx context.Context, action Action, reference string) (*Notification, error)
}

// TransactionFinder is implemented by adapters that can look up a charge by
// the transaction id it was sent with. It settles requests whose response
// never arrived. ErrTransactionNotFound means the charge never reached the gateway.
type TransactionFinder interface {
	FindTransaction(ctx context.Context, action Action, transactionID string) (*Notification, error)
}

// Params is the loosely typed parameter bag handed to a gateway.
type Params map[string]any

// String returns the value under key as a string, or "" if absent.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a copy of p overwritten with the entries of other.
func (p Params) Merge(other Params) Params {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// SendFunc performs the network call for a request.
type SendFunc func(ctx context.Context) (*Response, error)

// Request is a prepared gateway call.
type Request struct {
	Action  Action
	Gateway string
	Params  Params

	send SendFunc
}

// NewRequest wires a prepared call. Adapters use this from Execute.
func NewRequest(gateway string, action Action, params Params, send SendFunc) *Request {
	return &Request{Action: action, Gateway: gateway, Params: params, send: send}
}

// Send performs the call. Transport and protocol failures are returned as *GatewayError.
func (r *Request) Send(ctx context.Context) (*Response, error) {
	if r.send == nil {
		return nil, &GatewayError{Gateway: r.Gateway, Message: "request has no transport"}
	}
	resp, err := r.send(ctx)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) {
			return nil, gwErr
		}
		return nil, &GatewayError{Gateway: r.Gateway, Message: err.Error(), Err: err}
	}
	return resp, nil
}

func (r *Request) Amount() string               { return r.Params.String(ParamAmount) }
func (r *Request) Currency() string             { return r.Params.String(ParamCurrency) }
func (r *Request) TransactionID() string        { return r.Params.String(ParamTransactionID) }
func (r *Request) TransactionReference() string { return r.Params.String(ParamTransactionReference) }

// Response is the normalised outcome of a sent request.
type Response struct {
	Successful bool

	Redirect       bool
	RedirectURL    string
	RedirectMethod string // GET or POST
	RedirectData   map[string]string

	// AwaitingNotification is set by the adapter when the gateway accepted
	// the request but will only confirm it asynchronously.
	AwaitingNotification bool

	TransactionReference string
	Message              string
	Code                 string
	Data                 map[string]any
}

// NotificationStatus is the transaction status reported by a notification.
type NotificationStatus string

const (
	NotificationCompleted NotificationStatus = "completed"
	NotificationPending   NotificationStatus = "pending"
	NotificationFailed    NotificationStatus = "failed"
)

// Notification is the parsed form of an asynchronous gateway callback.
type Notification struct {
	Status NotificationStatus
	// Action restricts the notification to one operation. Empty matches any.
	Action               Action
	TransactionReference string
	Message              string
	Data                 map[string]any
}

// NotificationRequest carries the raw inbound HTTP request of a notification.
type NotificationRequest struct {
	Method string
	Header http.Header
	Query  url.Values
	Form   url.Values
	Body   []byte
}

// GatewayError is a transport or protocol failure talking to a gateway.
type GatewayError struct {
	Gateway string
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s (%s)", e.Gateway, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway %s: %s", e.Gateway, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }
