package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/service"
)

var adminOperations = map[string]service.Intent{
	"capture": service.IntentCapture,
	"refund":  service.IntentRefund,
	"void":    service.IntentVoid,
}

type operationRequest struct {
	Amount               string `json:"amount"`
	TransactionReference string `json:"transactionReference"`
}

type createOrderRequest struct {
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

type checkoutRequest struct {
	Gateway string         `json:"gateway" binding:"required"`
	Data    map[string]any `json:"data"`
}

type paymentView struct {
	Identifier           string               `json:"identifier"`
	OrderID              string               `json:"orderId,omitempty"`
	Gateway              string               `json:"gateway"`
	Status               domain.PaymentStatus `json:"status"`
	Amount               string               `json:"amount"`
	Remaining            string               `json:"remaining"`
	Currency             string               `json:"currency"`
	TransactionReference string               `json:"transactionReference,omitempty"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

func newPaymentView(p *domain.Payment) paymentView {
	v := paymentView{
		Identifier:           p.Identifier,
		Gateway:              p.Gateway,
		Status:               p.Status,
		Amount:               p.Amount,
		Remaining:            p.Remaining,
		Currency:             p.Currency,
		TransactionReference: p.TransactionReference,
		UpdatedAt:            p.UpdatedAt,
	}
	if p.OrderID != uuid.Nil {
		v.OrderID = p.OrderID.String()
	}
	return v
}

type responseView struct {
	Payment     *paymentView `json:"payment,omitempty"`
	Flags       []string     `json:"flags"`
	Message     string       `json:"message,omitempty"`
	Code        string       `json:"code,omitempty"`
	RedirectURL string       `json:"redirectUrl,omitempty"`
	TargetURL   string       `json:"targetUrl,omitempty"`
}

func newResponseView(resp *service.ServiceResponse) responseView {
	v := responseView{Flags: []string{}, TargetURL: resp.TargetURL()}
	if p := resp.Payment(); p != nil {
		pv := newPaymentView(p)
		v.Payment = &pv
	}
	for _, f := range resp.Flags().List() {
		v.Flags = append(v.Flags, f.String())
	}
	if gw := resp.GatewayResponse(); gw != nil {
		v.Message, v.Code = gw.Message, gw.Code
		if gw.Redirect {
			v.RedirectURL = gw.RedirectURL
		}
	}
	return v
}

type messageView struct {
	Type      domain.MessageType `json:"type"`
	Gateway   string             `json:"gateway"`
	Payload   domain.Payload     `json:"payload"`
	CreatedAt time.Time          `json:"createdAt"`
}

func (s *Server) handleGetPayment(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := s.store.Payments().FindByIdentifier(ctx, c.Param("identifier"))
	if err != nil {
		s.abort(c, err)
		return
	}
	msgs, err := s.factory.Audit().Messages(ctx, p)
	if err != nil {
		s.abort(c, err)
		return
	}
	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, messageView{Type: m.Type, Gateway: m.Gateway, Payload: m.Payload, CreatedAt: m.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"payment": newPaymentView(p), "messages": views})
}

// handlePaymentOperation runs capture, refund or void on a payment.
func (s *Server) handlePaymentOperation(c *gin.Context) {
	ctx := c.Request.Context()
	intent, ok := adminOperations[c.Param("operation")]
	if !ok {
		s.abort(c, fmt.Errorf("%w: %q", errUnknownAction, c.Param("operation")))
		return
	}
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.abortWith(c, http.StatusBadRequest, err)
		return
	}
	p, err := s.store.Payments().FindByIdentifier(ctx, c.Param("identifier"))
	if err != nil {
		s.abort(c, err)
		return
	}

	data := payment.Params{}
	if req.Amount != "" {
		data[payment.ParamAmount] = req.Amount
	}
	if req.TransactionReference != "" {
		data[payment.ParamTransactionReference] = req.TransactionReference
	}
	e, err := s.factory.Service(p, intent)
	if err != nil {
		s.abort(c, err)
		return
	}
	resp, err := e.Initiate(ctx, data)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, newResponseView(resp))
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWith(c, http.StatusBadRequest, err)
		return
	}
	order, err := s.orders.CreateOrder(c.Request.Context(), req.Amount, req.Currency)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, orderView(order, nil))
}

func (s *Server) handleGetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.abortWith(c, http.StatusBadRequest, fmt.Errorf("invalid order id: %w", err))
		return
	}
	order, err := s.store.Orders().FindByID(ctx, id)
	if err != nil {
		s.abort(c, err)
		return
	}
	payments, err := s.store.Payments().FindByOrder(ctx, id)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, orderView(order, payments))
}

// handleCheckout starts a purchase for the order. Offsite redirects are
// returned as redirectUrl for the client to follow.
func (s *Server) handleCheckout(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.abortWith(c, http.StatusBadRequest, fmt.Errorf("invalid order id: %w", err))
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortWith(c, http.StatusBadRequest, err)
		return
	}
	if c.ClientIP() != "" {
		if req.Data == nil {
			req.Data = map[string]any{}
		}
		req.Data[payment.ParamClientIP] = c.ClientIP()
	}
	resp, err := s.orders.Checkout(c.Request.Context(), id, req.Gateway, payment.Params(req.Data))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, newResponseView(resp))
}

func orderView(o *domain.Order, payments []domain.Payment) gin.H {
	view := gin.H{
		"id":        o.ID,
		"amount":    o.Amount,
		"currency":  o.Currency,
		"status":    o.Status,
		"createdAt": o.CreatedAt,
	}
	if payments != nil {
		pvs := make([]paymentView, 0, len(payments))
		for i := range payments {
			pvs = append(pvs, newPaymentView(&payments[i]))
		}
		view["payments"] = pvs
	}
	return view
}
