// Package api exposes the payment endpoint that gateways and returning
// customers call, plus a small admin surface for orders and payments.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"payment-orchestrator/internal/repo"
	"payment-orchestrator/internal/service"
)

// DefaultMaxBodyBytes bounds inbound notification and form bodies.
const DefaultMaxBodyBytes = 1 << 20

// Health reports the state of a backing dependency.
type Health interface {
	Health(ctx context.Context) map[string]string
}

// Options are the collaborators of a Server.
type Options struct {
	Store   repo.Store
	Factory *service.Factory
	Orders  service.OrderService
	// Health is optional; without it /health always reports up.
	Health Health
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

type Server struct {
	store   repo.Store
	factory *service.Factory
	orders  service.OrderService
	health  Health
	maxBody int64
	logger  *slog.Logger
	router  *gin.Engine
}

func NewServer(o Options) *Server {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		store:   o.Store,
		factory: o.Factory,
		orders:  o.Orders,
		health:  o.Health,
		maxBody: o.MaxBodyBytes,
		logger:  o.Logger,
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(o.Logger), corsFor(o.AllowedOrigins))

	router.GET("/health", s.handleHealth)
	if o.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{})))
	}

	// gateways and browsers come back here
	router.GET("/paymentendpoint/:identifier/:action", s.handlePaymentEndpoint)
	router.POST("/paymentendpoint/:identifier/:action", s.handlePaymentEndpoint)

	payments := router.Group("/payments")
	{
		payments.GET("/:identifier", s.handleGetPayment)
		payments.POST("/:identifier/:operation", s.handlePaymentOperation)
	}
	orders := router.Group("/orders")
	{
		orders.POST("", s.handleCreateOrder)
		orders.GET("/:id", s.handleGetOrder)
		orders.POST("/:id/checkout", s.handleCheckout)
	}

	s.router = router
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
		return
	}
	stats := s.health.Health(c.Request.Context())
	status := http.StatusOK
	if stats["status"] != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, stats)
}

func corsFor(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// requestLogger logs one line per request once the handler returns.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}
