package service

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
)

// Flag is one outcome marker of a ServiceResponse.
type Flag uint8

const (
	FlagError Flag = iota
	FlagPending
	FlagNotification
	FlagCancelled
)

func (f Flag) String() string {
	switch f {
	case FlagError:
		return "error"
	case FlagPending:
		return "pending"
	case FlagNotification:
		return "notification"
	case FlagCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("flag(%d)", uint8(f))
}

// Flags is a set of independent flags.
type Flags struct {
	set [4]bool
}

func (fs Flags) Has(f Flag) bool { return int(f) < len(fs.set) && fs.set[f] }

func (fs *Flags) Add(f Flag) {
	if int(f) < len(fs.set) {
		fs.set[f] = true
	}
}

func (fs *Flags) Remove(f Flag) {
	if int(f) < len(fs.set) {
		fs.set[f] = false
	}
}

// List returns the flags that are set, in declaration order.
func (fs Flags) List() []Flag {
	var out []Flag
	for i, on := range fs.set {
		if on {
			out = append(out, Flag(i))
		}
	}
	return out
}

// Reply is a ready-to-write HTTP answer.
type Reply struct {
	Status      int
	Location    string
	ContentType string
	Body        string
}

// ServiceResponse is the outcome of an orchestration call.
type ServiceResponse struct {
	payment         *domain.Payment
	gatewayResponse *payment.Response
	targetURL       string
	reply           *Reply
	flags           Flags
}

func NewServiceResponse(p *domain.Payment, flags ...Flag) *ServiceResponse {
	r := &ServiceResponse{payment: p}
	for _, f := range flags {
		r.flags.Add(f)
	}
	return r
}

// newSuccessResponse wraps a gateway response that completed the operation.
func newSuccessResponse(p *domain.Payment, resp *payment.Response, flags ...Flag) (*ServiceResponse, error) {
	if resp != nil && !resp.Successful {
		return nil, fmt.Errorf("%w: success response from unsuccessful gateway result", ErrServiceInvariant)
	}
	r := NewServiceResponse(p, flags...)
	r.gatewayResponse = resp
	return r, nil
}

func (r *ServiceResponse) Payment() *domain.Payment { return r.payment }

func (r *ServiceResponse) GatewayResponse() *payment.Response { return r.gatewayResponse }

func (r *ServiceResponse) SetGatewayResponse(resp *payment.Response) *ServiceResponse {
	r.gatewayResponse = resp
	return r
}

func (r *ServiceResponse) Flags() Flags { return r.flags }

func (r *ServiceResponse) AddFlag(f Flag) *ServiceResponse {
	r.flags.Add(f)
	return r
}

func (r *ServiceResponse) RemoveFlag(f Flag) *ServiceResponse {
	r.flags.Remove(f)
	return r
}

func (r *ServiceResponse) IsError() bool                { return r.flags.Has(FlagError) }
func (r *ServiceResponse) IsAwaitingNotification() bool { return r.flags.Has(FlagPending) }
func (r *ServiceResponse) IsNotification() bool         { return r.flags.Has(FlagNotification) }
func (r *ServiceResponse) IsCancelled() bool            { return r.flags.Has(FlagCancelled) }

// IsRedirect reports whether the wrapped gateway response is an offsite redirect.
func (r *ServiceResponse) IsRedirect() bool {
	return r.gatewayResponse != nil && r.gatewayResponse.Redirect
}

func (r *ServiceResponse) TargetURL() string { return r.targetURL }

// SetTargetURL sets where the customer goes next. Gateway redirects cannot be overridden.
func (r *ServiceResponse) SetTargetURL(url string) error {
	if r.IsRedirect() {
		return fmt.Errorf("%w: target url of a gateway redirect is immutable", ErrServiceInvariant)
	}
	r.targetURL = url
	return nil
}

// SetReply attaches a prepared HTTP reply.
func (r *ServiceResponse) SetReply(reply *Reply) *ServiceResponse {
	r.reply = reply
	return r
}

// RedirectOrRespond turns the outcome into an HTTP reply: the gateway
// redirect first, then an attached reply, then the target url. nil means
// the caller decides.
func (r *ServiceResponse) RedirectOrRespond() (*Reply, error) {
	if r.IsRedirect() {
		return redirectReply(r.gatewayResponse)
	}
	if r.reply != nil {
		return r.reply, nil
	}
	if r.targetURL != "" {
		return &Reply{Status: http.StatusFound, Location: r.targetURL}, nil
	}
	return nil, nil
}

var redirectForm = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html>
<head><title>Redirecting...</title></head>
<body onload="document.forms[0].submit();">
<form action="{{.URL}}" method="post">
<p>Redirecting to payment page...</p>
{{range $k, $v := .Data}}<input type="hidden" name="{{$k}}" value="{{$v}}" />
{{end}}<input type="submit" value="Continue" />
</form>
</body>
</html>`))

func redirectReply(resp *payment.Response) (*Reply, error) {
	if resp.RedirectURL == "" {
		return nil, fmt.Errorf("%w: redirect response without target", ErrServiceInvariant)
	}
	if !strings.EqualFold(resp.RedirectMethod, http.MethodPost) {
		return &Reply{Status: http.StatusFound, Location: resp.RedirectURL}, nil
	}
	var buf bytes.Buffer
	err := redirectForm.Execute(&buf, struct {
		URL  string
		Data map[string]string
	}{resp.RedirectURL, resp.RedirectData})
	if err != nil {
		return nil, fmt.Errorf("render redirect form: %w", err)
	}
	return &Reply{Status: http.StatusOK, ContentType: "text/html; charset=utf-8", Body: buf.String()}, nil
}
