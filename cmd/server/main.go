package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yourorg/marketplace-payments/internal/adapter"
	"github.com/yourorg/marketplace-payments/internal/adapter/mpesa"
	"github.com/yourorg/marketplace-payments/internal/adapter/paystack"
	"github.com/yourorg/marketplace-payments/internal/adapter/stripecard"
	"github.com/yourorg/marketplace-payments/internal/config"
	"github.com/yourorg/marketplace-payments/internal/domain"
	"github.com/yourorg/marketplace-payments/internal/gateway"
	"github.com/yourorg/marketplace-payments/internal/gateway/circuitbreaker"
	"github.com/yourorg/marketplace-payments/internal/httpx"
	"github.com/yourorg/marketplace-payments/internal/monitor"
	"github.com/yourorg/marketplace-payments/internal/policy"
	"github.com/yourorg/marketplace-payments/internal/settlement"
	"github.com/yourorg/marketplace-payments/internal/store"
)

// logPublisher writes settlement events to the log; fulfillment and
// notification consumers live outside this service.
type logPublisher struct{}

func (logPublisher) PublishSettlement(ev domain.SettlementEvent) {
	log.Printf("[event] settlement order=%s amount=%s rail=%s txid=%s",
		ev.OrderID, ev.SettledAmount, ev.Rail, ev.ProviderTransactionID)
}

// app bundles the wired components the handlers need.
type app struct {
	repo        store.OrderRepository
	coordinator *settlement.Coordinator
	gateway     *gateway.Gateway
}

func buildApp(cfg config.Config, repo store.OrderRepository) (*app, error) {
	coordinator := settlement.NewCoordinator(repo, logPublisher{})

	adapters := []adapter.ProviderAdapter{
		mpesa.New(mpesa.Config{
			BaseURL:        cfg.MpesaBaseURL,
			ConsumerKey:    cfg.MpesaConsumerKey,
			ConsumerSecret: cfg.MpesaConsumerSecret,
			Shortcode:      cfg.MpesaShortcode,
			Passkey:        cfg.MpesaPasskey,
			CallbackURL:    cfg.CallbackBaseURL + "/webhooks/push-payment",
		}, nil),
		paystack.New(paystack.Config{
			BaseURL:     cfg.PaystackBaseURL,
			SecretKey:   cfg.PaystackSecretKey,
			CallbackURL: cfg.CallbackBaseURL + "/payments/wallet-return",
		}, nil),
		stripecard.New(stripecard.Config{
			BaseURL:       cfg.StripeBaseURL,
			APIKey:        cfg.StripeAPIKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Currency:      cfg.StripeCurrency,
		}, nil),
	}

	webhookMon, err := monitor.NewWebhookMonitor()
	if err != nil {
		return nil, err
	}
	enforcer, err := policy.NewEnforcer(policy.DefaultRules())
	if err != nil {
		return nil, err
	}

	gw := gateway.New(repo, coordinator, adapters,
		circuitbreaker.New(circuitbreaker.Config{}), webhookMon, enforcer)

	return &app{repo: repo, coordinator: coordinator, gateway: gw}, nil
}

func setupRouter(a *app) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("marketplace-payments"), httpx.RequestID(), httpx.Logger())

	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/orders", a.createOrderHandler)
	r.GET("/orders/:id", a.getOrderHandler)
	r.POST("/orders/:id/payments", a.startPaymentHandler)
	r.GET("/orders/:id/payment-status", a.pollStatusHandler)
	r.POST("/orders/:id/capture", a.captureHandler)
	r.POST("/orders/:id/cancel", a.cancelHandler)
	r.POST("/orders/:id/lines/:lineID/fulfill", a.fulfillLineHandler)

	r.GET("/reports/settlement", a.settlementReportHandler)

	r.POST("/webhooks/push-payment", a.pushPaymentWebhookHandler)
	r.POST("/webhooks/redirect-wallet", a.signedWebhookHandler(domain.MethodRedirectWallet))
	r.POST("/webhooks/card-intent", a.signedWebhookHandler(domain.MethodCardIntent))

	return r
}

func initTracing() func() {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Fatalf("failed to create trace exporter: %v", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }
}

func main() {
	cfg := config.Load()

	shutdown := initTracing()
	defer shutdown()

	var repo store.OrderRepository
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()
		repo = store.NewPGStore(pool)
	} else {
		repo = store.NewMemoryStore()
	}

	a, err := buildApp(cfg, repo)
	if err != nil {
		log.Fatalf("failed to build application: %v", err)
	}

	r := setupRouter(a)
	log.Printf("payment service listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
