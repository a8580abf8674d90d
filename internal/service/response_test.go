package service

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
)

func TestFlags(t *testing.T) {
	var fs Flags
	fs.Add(FlagNotification)
	fs.Add(FlagError)
	fs.Add(FlagError)
	assert.True(t, fs.Has(FlagError))
	assert.False(t, fs.Has(FlagPending))
	assert.Equal(t, []Flag{FlagError, FlagNotification}, fs.List())

	fs.Remove(FlagError)
	assert.Equal(t, []Flag{FlagNotification}, fs.List())
	assert.Equal(t, "notification", FlagNotification.String())
}

func TestServiceResponse_SuccessInvariant(t *testing.T) {
	p := &domain.Payment{}

	_, err := newSuccessResponse(p, &payment.Response{Successful: false})
	assert.ErrorIs(t, err, ErrServiceInvariant)

	r, err := newSuccessResponse(p, &payment.Response{Successful: true}, FlagNotification)
	require.NoError(t, err)
	assert.True(t, r.IsNotification())
	assert.False(t, r.IsError())
}

func TestServiceResponse_RedirectTargetIsImmutable(t *testing.T) {
	r := NewServiceResponse(&domain.Payment{}).SetGatewayResponse(&payment.Response{
		Redirect:    true,
		RedirectURL: "https://acs.test",
	})
	assert.ErrorIs(t, r.SetTargetURL("https://shop.test"), ErrServiceInvariant)
	assert.Empty(t, r.TargetURL())
}

func TestServiceResponse_RedirectOrRespond(t *testing.T) {
	tests := []struct {
		name     string
		resp     *ServiceResponse
		want     *Reply
		body     []string
		wantErr  bool
		wantNone bool
	}{
		{
			name: "get redirect",
			resp: NewServiceResponse(nil).SetGatewayResponse(&payment.Response{
				Redirect: true, RedirectURL: "https://acs.test/3ds", RedirectMethod: "GET",
			}),
			want: &Reply{Status: http.StatusFound, Location: "https://acs.test/3ds"},
		},
		{
			name: "post redirect renders a form",
			resp: NewServiceResponse(nil).SetGatewayResponse(&payment.Response{
				Redirect: true, RedirectURL: "https://acs.test/3ds", RedirectMethod: "post",
				RedirectData: map[string]string{"PaReq": "a&b"},
			}),
			body: []string{`action="https://acs.test/3ds"`, `name="PaReq"`, `value="a&amp;b"`, "document.forms[0].submit()"},
		},
		{
			name:    "redirect without url",
			resp:    NewServiceResponse(nil).SetGatewayResponse(&payment.Response{Redirect: true}),
			wantErr: true,
		},
		{
			name: "attached reply",
			resp: NewServiceResponse(nil).SetReply(&Reply{Status: http.StatusOK, Body: "OK"}),
			want: &Reply{Status: http.StatusOK, Body: "OK"},
		},
		{
			name: "target url",
			resp: func() *ServiceResponse {
				r := NewServiceResponse(nil)
				_ = r.SetTargetURL("https://shop.test/done")
				return r
			}(),
			want: &Reply{Status: http.StatusFound, Location: "https://shop.test/done"},
		},
		{
			name:     "nothing to send",
			resp:     NewServiceResponse(nil, FlagPending),
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := tt.resp.RedirectOrRespond()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrServiceInvariant)
				return
			}
			require.NoError(t, err)
			if tt.wantNone {
				assert.Nil(t, reply)
				return
			}
			require.NotNil(t, reply)
			if tt.want != nil {
				assert.Equal(t, tt.want, reply)
			}
			for _, s := range tt.body {
				assert.Contains(t, reply.Body, s)
			}
		})
	}
}
