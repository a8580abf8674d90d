package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageType tags an audit message.
type MessageType string

const (
	AuthorizeRequest          MessageType = "AuthorizeRequest"
	AuthorizedResponse        MessageType = "AuthorizedResponse"
	AuthorizeError            MessageType = "AuthorizeError"
	AuthorizeRedirectResponse MessageType = "AuthorizeRedirectResponse"
	AuthorizePendingResponse  MessageType = "AuthorizePendingResponse"
	CompleteAuthorizeRequest  MessageType = "CompleteAuthorizeRequest"
	CompleteAuthorizeError    MessageType = "CompleteAuthorizeError"

	PurchaseRequest          MessageType = "PurchaseRequest"
	PurchasedResponse        MessageType = "PurchasedResponse"
	PurchaseError            MessageType = "PurchaseError"
	PurchaseRedirectResponse MessageType = "PurchaseRedirectResponse"
	PurchasePendingResponse  MessageType = "PurchasePendingResponse"
	CompletePurchaseRequest  MessageType = "CompletePurchaseRequest"
	CompletePurchaseError    MessageType = "CompletePurchaseError"

	CaptureRequest         MessageType = "CaptureRequest"
	CapturedResponse       MessageType = "CapturedResponse"
	CaptureError           MessageType = "CaptureError"
	CapturePendingResponse MessageType = "CapturePendingResponse"

	RefundRequest             MessageType = "RefundRequest"
	RefundedResponse          MessageType = "RefundedResponse"
	PartiallyRefundedResponse MessageType = "PartiallyRefundedResponse"
	RefundError               MessageType = "RefundError"
	RefundPendingResponse     MessageType = "RefundPendingResponse"

	VoidRequest         MessageType = "VoidRequest"
	VoidedResponse      MessageType = "VoidedResponse"
	VoidError           MessageType = "VoidError"
	VoidPendingResponse MessageType = "VoidPendingResponse"

	NotificationError MessageType = "NotificationError"
	CancelledResponse MessageType = "CancelledResponse"
)

// Payload is the normalised body of an audit message.
type Payload struct {
	Message              string         `json:"message,omitempty"`
	Code                 string         `json:"code,omitempty"`
	TransactionReference string         `json:"transactionReference,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
	SuccessURL           string         `json:"successUrl,omitempty"`
	FailureURL           string         `json:"failureUrl,omitempty"`
}

// Message is one immutable entry of a payment's audit trail.
type Message struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	Gateway   string
	Type      MessageType
	Payload   Payload
	CreatedAt time.Time
}
