package api

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/service"
)

// handlePaymentEndpoint serves /paymentendpoint/:identifier/:action for
// customers returning from an offsite page and for gateway notifications.
func (s *Server) handlePaymentEndpoint(c *gin.Context) {
	ctx := c.Request.Context()
	action := c.Param("action")
	switch action {
	case service.EndpointComplete, service.EndpointNotify, service.EndpointCancel:
	default:
		s.abort(c, fmt.Errorf("%w: %q", errUnknownAction, action))
		return
	}

	p, err := s.store.Payments().FindByIdentifier(ctx, c.Param("identifier"))
	if err != nil {
		s.abort(c, err)
		return
	}

	if action == service.EndpointCancel {
		resp, err := s.factory.Cancel(ctx, p)
		if err != nil {
			s.abort(c, err)
			return
		}
		s.reply(c, resp)
		return
	}

	if p.Status == domain.PaymentCreated {
		s.abortWith(c, http.StatusForbidden, fmt.Errorf("payment %s has not been started", p.Identifier))
		return
	}
	if action == service.EndpointNotify && !s.factory.AcceptsNotifications(p.Gateway) {
		s.abort(c, fmt.Errorf("%w: gateway %s sends no notifications", errUnknownAction, p.Gateway))
		return
	}
	raw, data, err := s.readRequest(c)
	if err != nil {
		s.abortWith(c, http.StatusBadRequest, err)
		return
	}
	intent, err := s.factory.IntentOf(ctx, p)
	if err != nil {
		s.abort(c, err)
		return
	}

	isNotification := action == service.EndpointNotify
	var opts []service.Option
	if isNotification {
		opts = append(opts, service.WithRawRequest(raw))
	}
	e, err := s.factory.Service(p, intent, opts...)
	if err != nil {
		s.abort(c, err)
		return
	}
	resp, err := e.Complete(ctx, data, isNotification)
	if err != nil {
		if isNotification {
			s.logger.Warn("notification rejected", "payment", p.Identifier, "intent", intent, "error", err)
		}
		s.abort(c, err)
		return
	}

	if isNotification {
		// gateways only look at the status code and body
		reply := &service.Reply{Status: http.StatusOK, Body: "OK"}
		if resp.IsError() {
			reply = &service.Reply{Status: http.StatusInternalServerError, Body: "ERROR"}
		}
		resp.SetReply(reply)
	}
	s.reply(c, resp)
}

// reply writes the HTTP answer of a service response, falling back to a
// JSON view of the payment when the response carries none.
func (s *Server) reply(c *gin.Context, resp *service.ServiceResponse) {
	reply, err := resp.RedirectOrRespond()
	if err != nil {
		s.abort(c, err)
		return
	}
	if reply == nil {
		c.JSON(http.StatusOK, newResponseView(resp))
		return
	}
	writeReply(c, reply)
}

func writeReply(c *gin.Context, reply *service.Reply) {
	if reply.Location != "" {
		c.Redirect(reply.Status, reply.Location)
		return
	}
	contentType := reply.ContentType
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	c.Data(reply.Status, contentType, []byte(reply.Body))
}

// readRequest captures the inbound request for notification parsing and
// flattens query and form values into executor data. Form values win.
func (s *Server) readRequest(c *gin.Context) (*payment.NotificationRequest, payment.Params, error) {
	r := c.Request
	raw := &payment.NotificationRequest{
		Method: r.Method,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		Form:   url.Values{},
	}
	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, r.Body, s.maxBody))
		if err != nil {
			return nil, nil, fmt.Errorf("read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		raw.Body = body
	}
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "application/x-www-form-urlencoded" {
		form, err := url.ParseQuery(string(raw.Body))
		if err != nil {
			return nil, nil, fmt.Errorf("parse form: %w", err)
		}
		raw.Form = form
	}

	data := payment.Params{}
	for _, values := range []url.Values{raw.Query, raw.Form} {
		for key, v := range values {
			if len(v) > 0 {
				data[key] = v[0]
			}
		}
	}
	return raw, data, nil
}
