package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"payment-orchestrator/internal/api"
	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/database"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/lock"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/money"
	"payment-orchestrator/internal/repo"
	"payment-orchestrator/internal/service"
	"payment-orchestrator/internal/tracing"
	"payment-orchestrator/internal/worker"
)

const serviceName = "payment-orchestrator"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "config", cfg.LogSummary())

	db, err := database.Open(ctx, cfg.Database.DSN(), cfg.Database.Name(), logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db.DB()); err != nil {
		return err
	}
	store := repo.NewPostgresStore(db.DB())

	registry := newRegistry(cfg)
	logger.Info("gateways registered", "gateways", registry.Names())

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics()
	if err := m.Register(promReg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:      cfg.OTLPEndpoint != "",
		ServiceName:  serviceName,
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: 1,
		Insecure:     cfg.Env != "production",
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown", "error", err)
		}
	}()

	factory, err := service.NewFactory(service.Deps{
		Store:     store,
		Gateways:  registry,
		URLs:      api.NewURLBuilder(cfg.BaseURL),
		Locker:    locker,
		Hooks:     service.NewHooks(cfg.StrictHooks(), logger, m),
		Math:      money.New(cfg.MoneyPrecision, cfg.MoneyExact),
		Logger:    logger,
		Metrics:   m,
		Tracer:    tp.Tracer(),
		AuditMode: cfg.FileLogging,
	})
	if err != nil {
		return err
	}
	orders := service.NewOrderService(store, factory, logger)
	service.SettleOrdersOnPayment(factory.Hooks(), orders)

	rw := worker.NewReconciliationWorker(store, factory, orders, registry, worker.Config{
		Interval:     cfg.ReconcileInterval,
		StaleAfter:   cfg.ReconcileStaleAfter,
		OrderTimeout: cfg.OrderTimeout,
	}, logger, m)
	go rw.Run(ctx)

	srv := api.NewServer(api.Options{
		Store:          store,
		Factory:        factory,
		Orders:         orders,
		Health:         db,
		Gatherer:       promReg,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	})
	handler := otelhttp.NewHandler(srv.Handler(), serviceName,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", server.Addr, "base_url", cfg.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func newRegistry(cfg *config.Config) *payment.Registry {
	registry := payment.NewRegistry()

	mockInfo := cfg.GatewayInfo(payment.MockGatewayName)
	mockInfo.AsyncNotification = mockInfo.AsyncNotification || cfg.MockAsyncNotification
	registry.Register(payment.NewMockGateway(payment.WithAsyncNotification(mockInfo.AsyncNotification)), mockInfo)

	manualInfo := cfg.GatewayInfo(payment.ManualGatewayName)
	manualInfo.Manual = true
	registry.Register(payment.NewManualGateway(), manualInfo)

	if cfg.StripeAPIKey != "" {
		stripeInfo := cfg.GatewayInfo(payment.StripeGatewayName)
		stripeInfo.AsyncNotification = true
		registry.Register(payment.NewStripeGateway(payment.StripeConfig{
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		}), stripeInfo)
	}
	return registry
}

// newLocker uses Redis when configured so several instances share payment
// locks, and an in-process lock otherwise.
func newLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set, payment locks are local to this process")
		return lock.NewMemoryLocker(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("using redis payment locks")
	return lock.NewRedisLocker(client, logger), func() { client.Close() }, nil
}
