// Package audit records the append-only message trail of a payment.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/repo"
)

// Mode controls how recorded messages are echoed to the logger.
type Mode string

const (
	ModeOff     Mode = ""
	ModeSimple  Mode = "simple"
	ModeVerbose Mode = "verbose"
)

// Data keys read back from request messages.
const (
	KeySuccessURL = "successUrl"
	KeyFailureURL = "failureUrl"
	// KeyException marks a payload normalized from an error rather than a
	// gateway answer.
	KeyException = "exception"
)

// Log writes audit messages through a MessageRepo.
type Log struct {
	messages repo.MessageRepo
	logger   *slog.Logger
	mode     Mode
}

func New(messages repo.MessageRepo, logger *slog.Logger, mode Mode) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{messages: messages, logger: logger, mode: mode}
}

// With returns a copy writing through messages, typically a transaction-bound repo.
func (l *Log) With(messages repo.MessageRepo) *Log {
	return &Log{messages: messages, logger: l.logger, mode: l.mode}
}

// Record normalises source and appends it to the trail of p. source may be a
// string, a map, a domain.Payload, a gateway request, response, notification
// or error.
func (l *Log) Record(ctx context.Context, p *domain.Payment, typ domain.MessageType, source any) (*domain.Message, error) {
	msg := &domain.Message{
		ID:        uuid.New(),
		PaymentID: p.ID,
		Gateway:   p.Gateway,
		Type:      typ,
		Payload:   Normalize(source),
		CreatedAt: time.Now().UTC(),
	}
	if err := l.messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("record %s: %w", typ, err)
	}
	l.echo(msg)
	return msg, nil
}

// LatestOfType returns the most recent message of any of the given types, or
// nil when there is none.
func (l *Log) LatestOfType(ctx context.Context, p *domain.Payment, types ...domain.MessageType) (*domain.Message, error) {
	msg, err := l.messages.Latest(ctx, p.ID, types...)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

// LatestWithReference is LatestOfType restricted to messages carrying a
// transaction reference.
func (l *Log) LatestWithReference(ctx context.Context, p *domain.Payment, types ...domain.MessageType) (*domain.Message, error) {
	all, err := l.messages.List(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Payload.TransactionReference == "" {
			continue
		}
		for _, t := range types {
			if all[i].Type == t {
				return &all[i], nil
			}
		}
	}
	return nil, nil
}

// Messages lists the trail of p in insertion order.
func (l *Log) Messages(ctx context.Context, p *domain.Payment) ([]domain.Message, error) {
	return l.messages.List(ctx, p.ID)
}

func (l *Log) echo(msg *domain.Message) {
	switch l.mode {
	case ModeVerbose:
		l.logger.Info("payment message",
			"type", msg.Type,
			"gateway", msg.Gateway,
			"payment_id", msg.PaymentID,
			"message", msg.Payload.Message,
			"code", msg.Payload.Code,
			"reference", msg.Payload.TransactionReference,
			"data", msg.Payload.Data,
		)
	case ModeSimple:
		l.logger.Info("payment message", "type", msg.Type, "gateway", msg.Gateway,
			"message", msg.Payload.Message, "code", msg.Payload.Code)
	}
}

// Normalize converts a message source into the common payload shape.
func Normalize(source any) domain.Payload {
	switch s := source.(type) {
	case nil:
		return domain.Payload{}
	case string:
		return domain.Payload{Message: s}
	case domain.Payload:
		return s
	case map[string]any:
		return fromMap(s)
	case payment.Params:
		return fromMap(s)
	case *payment.Request:
		params := s.Params.Clone()
		delete(params, KeySuccessURL)
		delete(params, KeyFailureURL)
		return domain.Payload{
			TransactionReference: s.TransactionReference(),
			Data:                 params,
			SuccessURL:           s.Params.String(KeySuccessURL),
			FailureURL:           s.Params.String(KeyFailureURL),
		}
	case *payment.Response:
		return domain.Payload{
			Message:              s.Message,
			Code:                 s.Code,
			TransactionReference: s.TransactionReference,
			Data:                 s.Data,
		}
	case *payment.Notification:
		return domain.Payload{
			Message:              s.Message,
			Code:                 string(s.Status),
			TransactionReference: s.TransactionReference,
			Data:                 s.Data,
		}
	case *payment.GatewayError:
		return domain.Payload{
			Message: s.Message,
			Code:    s.Code,
			Data:    map[string]any{KeyException: fmt.Sprintf("%T", s), "error": s.Error()},
		}
	case error:
		return domain.Payload{Message: s.Error(), Data: map[string]any{KeyException: fmt.Sprintf("%T", s)}}
	default:
		return domain.Payload{Message: fmt.Sprint(s)}
	}
}

func fromMap(m map[string]any) domain.Payload {
	data := make(map[string]any, len(m))
	for k, v := range m {
		data[k] = v
	}
	p := domain.Payload{Data: data}
	take := func(key string) string {
		v, ok := data[key]
		if !ok {
			return ""
		}
		delete(data, key)
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	p.Message = take("message")
	p.Code = take("code")
	p.TransactionReference = take(payment.ParamTransactionReference)
	p.SuccessURL = take(KeySuccessURL)
	p.FailureURL = take(KeyFailureURL)
	if len(data) == 0 {
		p.Data = nil
	}
	return p
}
