package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/lock"
	"payment-orchestrator/internal/repo"
	"payment-orchestrator/internal/service"
)

var errUnknownAction = errors.New("unknown action")

func statusFor(err error) int {
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, errUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, service.ErrMissingParameter), errors.Is(err, service.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrOrderNotPending),
		errors.Is(err, repo.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, lock.ErrNotAcquired):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrInvalidConfiguration),
		errors.Is(err, payment.ErrUnknownGateway),
		errors.Is(err, payment.ErrUnsupported):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// abort writes err as JSON with the status it maps to.
func (s *Server) abort(c *gin.Context, err error) {
	s.abortWith(c, statusFor(err), err)
}

func (s *Server) abortWith(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
