// cmd/server/main.go
// HTTP Server
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"marketplace-payments/internal/config"
	"marketplace-payments/internal/entities"
	"marketplace-payments/internal/gateway"
	"marketplace-payments/internal/handler"
	"marketplace-payments/internal/models"
	"marketplace-payments/internal/repository"
	"marketplace-payments/internal/service"
	"marketplace-payments/pkg/database"
	"marketplace-payments/pkg/logger"
	"marketplace-payments/pkg/middleware"
	"marketplace-payments/pkg/redis"
)

const serviceName = "marketplace-payments"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(serviceName, cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize ledger database
	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrations := append([]string{models.PaymentSchema}, models.PaymentIndexes...)
	if err := db.Migrate(ctx, migrations...); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	// Initialize marketplace document store
	mongoDB, err := database.NewMongoDB(ctx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		log.Fatal("failed to connect to mongo", zap.Error(err))
	}
	defer mongoDB.Close(context.Background())

	// Initialize Redis
	redisClient := redis.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx); err != nil {
		log.Warn("redis unavailable, idempotency cache degraded", zap.Error(err))
	}

	// Initialize repositories and gateways
	paymentRepo := repository.NewPaymentRepository(db.DB)
	stripeClient := gateway.NewStripeClient(cfg.StripeKey, cfg.GatewayTimeout, log)

	// Initialize services
	paymentService := service.NewPaymentService(service.Dependencies{
		Ledger:        paymentRepo,
		Gateway:       stripeClient,
		Orders:        entities.NewOrderStore(mongoDB.Collection(entities.OrdersCollection)),
		Subscriptions: entities.NewSubscriptionStore(mongoDB.Collection(entities.SubscriptionsCollection)),
		Accounts:      entities.NewAccountStore(mongoDB.Collection(entities.UsersCollection)),
		Cache:         service.NewRedisIdempotencyCache(redisClient, cfg.IdempotencyTTL, log),
	}, cfg.Currency, cfg.CurrencyDigits, log)
	reconciliationService := service.NewReconciliationService(paymentRepo, paymentService, log)

	if cfg.SweepInterval > 0 {
		go reconciliationService.Start(ctx, cfg.SweepInterval, cfg.SweepPendingAfter, cfg.SweepLimit)
	}

	// Initialize handlers
	paymentHandler := handler.NewPaymentHandler(paymentService, cfg.CurrencyDigits, log)
	webhookHandler := handler.NewWebhookHandler(paymentService, cfg.StripeWebhookSecret, log)
	reconciliationHandler := handler.NewReconciliationHandler(reconciliationService, cfg.SweepPendingAfter, log)

	// Setup router
	router := setupRouter(paymentHandler, webhookHandler, reconciliationHandler, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		return mongoDB.Ping(ctx)
	}, log)

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info("starting server", zap.String("port", cfg.Port), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

func setupRouter(
	payments *handler.PaymentHandler,
	webhooks *handler.WebhookHandler,
	reconciliation *handler.ReconciliationHandler,
	ready func(context.Context) error,
	log *zap.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))

	// Health checks
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	// Metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	v1 := router.Group("/api/v1")
	{
		p := v1.Group("/payments")
		{
			p.POST("", payments.CreatePayment)
			p.POST("/confirm", payments.ConfirmPayment)
			p.GET("/:transactionId", payments.GetPayment)
			p.POST("/:transactionId/resync", payments.ResyncEntity)
		}

		v1.POST("/reconciliation/pending", reconciliation.ReconcilePending)

		// Webhook for Stripe
		v1.POST("/webhooks/stripe", webhooks.StripeWebhook)
	}

	return router
}
