package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ManualGatewayName is the registry name of the manual gateway.
const ManualGatewayName = "Manual"

// ManualGateway records offline payments (cash, bank transfer). Every
// supported action succeeds immediately and nothing leaves the process.
type ManualGateway struct{}

func NewManualGateway() *ManualGateway { return &ManualGateway{} }

func (ManualGateway) Name() string { return ManualGatewayName }

func (ManualGateway) Supports(action Action) bool {
	switch action {
	case ActionAuthorize, ActionCapture, ActionVoid:
		return true
	}
	return false
}

func (g ManualGateway) Execute(_ context.Context, action Action, params Params) (*Request, error) {
	if !g.Supports(action) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, action)
	}
	return NewRequest(ManualGatewayName, action, params, func(context.Context) (*Response, error) {
		reference := params.String(ParamTransactionReference)
		if reference == "" {
			reference = "manual_" + uuid.NewString()
		}
		return &Response{Successful: true, TransactionReference: reference, Message: "Manual " + string(action)}, nil
	}), nil
}

func (ManualGateway) ParseNotification(context.Context, *NotificationRequest) (*Notification, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, ActionAcceptNotification)
}
