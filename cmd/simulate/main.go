package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"payment-orchestrator/internal/api"
	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/database"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/infrastructure/payment"
	"payment-orchestrator/internal/repo"
	"payment-orchestrator/internal/service"
	"payment-orchestrator/internal/worker"
)

// Gateways of the simulation, one per flow.
const (
	cardGateway     = payment.MockGatewayName
	asyncGateway    = "MockAsync"
	redirectGateway = "Mock3DS"
)

type simulation struct {
	store   repo.Store
	factory *service.Factory
	orders  service.OrderService
	async   *payment.MockGateway
	client  *http.Client
	logger  *slog.Logger
	placed  []domain.Order
}

func main() {
	count := flag.Int("orders", 20, "number of orders to simulate")
	usePostgres := flag.Bool("postgres", false, "store in the configured database instead of memory")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	cfg, errs := config.Load(os.Getenv("CONFIG_FILE"))
	for _, err := range errs {
		// the simulator runs in memory by default
		if errors.Is(err, config.ErrMissingDatabase) && !*usePostgres {
			continue
		}
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Env)

	if err := run(cfg, logger, *count, *usePostgres); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, count int, usePostgres bool) error {
	ctx := context.Background()

	var store repo.Store = repo.NewMemoryStore()
	if usePostgres {
		db, err := database.Open(ctx, cfg.Database.DSN(), cfg.Database.Name(), logger)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(ctx, db.DB()); err != nil {
			return err
		}
		store = repo.NewPostgresStore(db.DB())
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	baseURL := "http://" + listener.Addr().String()

	async := payment.NewMockGateway(
		payment.WithName(asyncGateway),
		payment.WithOutcomes(payment.Always(payment.OutcomeSuccess)),
		payment.WithAsyncNotification(true),
	)
	registry := payment.NewRegistry()
	registry.Register(payment.NewMockGateway(payment.WithLatency(20*time.Millisecond)), payment.Info{})
	registry.Register(async, payment.Info{AsyncNotification: true})
	registry.Register(payment.NewMockGateway(
		payment.WithName(redirectGateway),
		payment.WithOutcomes(payment.Always(payment.OutcomeRedirect)),
	), payment.Info{})

	factory, err := service.NewFactory(service.Deps{
		Store:     store,
		Gateways:  registry,
		URLs:      api.NewURLBuilder(baseURL),
		Logger:    logger,
		AuditMode: cfg.FileLogging,
	})
	if err != nil {
		return err
	}
	orders := service.NewOrderService(store, factory, logger)
	service.SettleOrdersOnPayment(factory.Hooks(), orders)

	srv := &http.Server{Handler: api.NewServer(api.Options{Store: store, Factory: factory, Orders: orders, Logger: logger}).Handler()}
	go srv.Serve(listener)
	defer srv.Close()

	sim := &simulation{
		store:   store,
		factory: factory,
		orders:  orders,
		async:   async,
		logger:  logger,
		// the customer's browser: redirects are inspected, not followed
		client: &http.Client{
			Timeout: 5 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS) ---\n", count)
	for i := range count {
		sim.step(ctx, i)
		fmt.Println("---------------------------------------------------")
	}

	fmt.Println("--- RECONCILIATION ---")
	time.Sleep(50 * time.Millisecond)
	rw := worker.NewReconciliationWorker(store, factory, orders, registry, worker.Config{
		StaleAfter:   time.Millisecond,
		OrderTimeout: time.Millisecond,
	}, logger, nil)
	res, err := rw.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("checked %d pending payments, recovered %d lost answers: %v, orders fixed to PAID: %d, expired: %d\n",
		res.Checked, res.Recovered, res.Outcomes, res.OrdersPaid, res.OrdersExpired)

	return sim.summary(ctx)
}

func (s *simulation) step(ctx context.Context, i int) {
	gateway := []string{cardGateway, cardGateway, asyncGateway, redirectGateway}[i%4]
	order, err := s.orders.CreateOrder(ctx, fmt.Sprintf("%d.99", 10+i), "USD")
	if err != nil {
		s.logger.Error("create order", "error", err)
		return
	}
	s.placed = append(s.placed, *order)

	fmt.Printf("[%d] Processing order %s on %s ... ", i+1, order.ID, gateway)
	resp, err := s.orders.Checkout(ctx, order.ID, gateway, payment.Params{
		payment.ParamToken:    "tok_visa",
		"successUrl":          "https://shop.example/thanks",
		"failureUrl":          "https://shop.example/sorry",
		payment.ParamClientIP: "127.0.0.1",
	})
	switch {
	case err != nil:
		fmt.Printf("FAILED: %v\n", err)
		return
	case resp.IsError():
		fmt.Printf("DECLINED: %s\n", describe(resp))
	case resp.IsRedirect():
		fmt.Printf("REDIRECT to %s\n", resp.GatewayResponse().RedirectURL)
		s.returnFromRedirect(ctx, resp.Payment())
	case resp.IsAwaitingNotification():
		fmt.Printf("PENDING\n")
		s.settleAsync(ctx, resp.Payment(), i)
	default:
		fmt.Printf("SUCCESS\n")
	}

	fresh, err := s.store.Orders().FindByID(ctx, order.ID)
	if err != nil {
		s.logger.Error("reload order", "error", err)
		return
	}
	fmt.Printf("    -> order status: %s\n", fresh.Status)
}

// returnFromRedirect plays the customer coming back from the offsite page.
func (s *simulation) returnFromRedirect(ctx context.Context, p *domain.Payment) {
	url, err := s.requestURL(ctx, p, payment.ParamReturnURL)
	if err != nil {
		s.logger.Error("find return url", "error", err)
		return
	}
	resp, err := s.client.Get(url)
	if err != nil {
		s.logger.Error("return to shop", "error", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("    -> customer returned: %d, sent to %s\n", resp.StatusCode, resp.Header.Get("Location"))
}

// settleAsync lets the gateway finish the charge. Every other payment gets
// its notification delivered; the rest are left for the reconciliation worker.
func (s *simulation) settleAsync(ctx context.Context, p *domain.Payment, i int) {
	msg, err := s.factory.Audit().LatestOfType(ctx, p, domain.PurchasePendingResponse)
	if err != nil || msg == nil {
		s.logger.Error("find pending reference", "error", err)
		return
	}
	ref := msg.Payload.TransactionReference
	if err := s.async.Settle(ref, payment.NotificationCompleted); err != nil {
		s.logger.Error("settle at gateway", "error", err)
		return
	}
	if (i/4)%2 == 1 {
		fmt.Println("    -> notification lost, waiting for reconciliation")
		return
	}

	url, err := s.requestURL(ctx, p, payment.ParamNotifyURL)
	if err != nil {
		s.logger.Error("find notify url", "error", err)
		return
	}
	body := bytes.NewReader(payment.NotificationBody(ref, payment.NotificationCompleted))
	resp, err := s.client.Post(url, "application/json", body)
	if err != nil {
		s.logger.Error("deliver notification", "error", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("    -> notification delivered: %d\n", resp.StatusCode)
}

// requestURL reads a callback url from the request the gateway received.
func (s *simulation) requestURL(ctx context.Context, p *domain.Payment, key string) (string, error) {
	msg, err := s.factory.Audit().LatestOfType(ctx, p, domain.PurchaseRequest)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", fmt.Errorf("no purchase request for payment %s", p.Identifier)
	}
	url, _ := msg.Payload.Data[key].(string)
	if url == "" {
		return "", fmt.Errorf("purchase request of %s has no %s", p.Identifier, key)
	}
	return url, nil
}

func (s *simulation) summary(ctx context.Context) error {
	counts := make(map[domain.OrderStatus]int)
	for _, o := range s.placed {
		fresh, err := s.store.Orders().FindByID(ctx, o.ID)
		if err != nil {
			return err
		}
		counts[fresh.Status]++
	}
	fmt.Println("--- FINAL ORDER STATUS ---")
	for _, status := range []domain.OrderStatus{domain.OrderPaid, domain.OrderPending, domain.OrderFailed} {
		fmt.Printf("%-8s %d\n", status, counts[status])
	}
	return nil
}

func describe(resp *service.ServiceResponse) string {
	if gw := resp.GatewayResponse(); gw != nil {
		return gw.Message
	}
	return "gateway unreachable"
}
