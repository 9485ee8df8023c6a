package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SigNoz/artist-storefront/internal/api"
	"github.com/SigNoz/artist-storefront/internal/auth"
	"github.com/SigNoz/artist-storefront/internal/db"
	"github.com/SigNoz/artist-storefront/internal/events"
	"github.com/SigNoz/artist-storefront/internal/locks"
	"github.com/SigNoz/artist-storefront/internal/logging"
	"github.com/SigNoz/artist-storefront/internal/metrics"
	"github.com/SigNoz/artist-storefront/internal/middleware"
	"github.com/SigNoz/artist-storefront/internal/payment/stripegw"
	"github.com/SigNoz/artist-storefront/internal/services"
	"github.com/SigNoz/artist-storefront/pkg/config"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// sweepGrace is added to the provider session lifetime before a silent checkout is released.
const sweepGrace = 10 * time.Minute

func main() {
	cfg := config.LoadConfig()

	logger, err := logging.NewLogger(cfg.OTELServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server_failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry
	res, err := metrics.NewResource(ctx, cfg)
	if err != nil {
		return err
	}
	appMetrics, meterProvider, err := metrics.InitMetrics(ctx, cfg, res)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("meter_provider_shutdown_failed", zap.Error(err))
		}
	}()
	if cfg.OTELTracingEnabled {
		tracerProvider, err := metrics.InitTracing(ctx, cfg, res)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer_provider_shutdown_failed", zap.Error(err))
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	useCases := metrics.NewUseCaseMetrics(registry)

	// Database
	database, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		return err
	}
	logger.Info("database_ready", zap.String("driver", cfg.DBDriver))

	// Session locks
	var locker locks.Locker = locks.NewMemoryLocker()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = locks.NewRedisLocker(client, "storefront:lock:", 30*time.Second, logger)
		logger.Info("session_locks", zap.String("backend", "redis"))
	}

	// Order events
	var publisher events.Publisher = events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaOrdersTopic))
		logger.Info("order_events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaOrdersTopic))
	}
	defer publisher.Close()

	// Payment provider
	if cfg.PaymentWebhookSecret == "" {
		logger.Warn("payment_webhook_secret_missing", zap.String("effect", "every webhook delivery will be rejected"))
	}
	stripeClient := stripegw.New(stripegw.Config{
		APIKey:        cfg.PaymentAPIKey,
		WebhookSecret: cfg.PaymentWebhookSecret,
		SessionTTL:    cfg.CheckoutSessionTTL,
	})

	// Services
	ledger := services.NewInventoryLedger(database, appMetrics)
	checkouts := services.NewCheckoutStore(database, appMetrics, ledger)
	outbox := events.NewOutboxStore(database, appMetrics)
	orderService := services.NewOrderService(database, appMetrics, ledger, checkouts, outbox)
	productService := services.NewProductService(database, appMetrics)
	userService := services.NewUserService(database, appMetrics)
	coordinator := services.NewFulfillmentCoordinator(services.FulfillmentConfig{
		Products:  productService,
		Checkouts: checkouts,
		Orders:    orderService,
		Gateway:   stripeClient,
		Locker:    locker,
		Metrics:   appMetrics,
		UseCases:  useCases,
		Logger:    logger,
		Currency:  cfg.PaymentCurrency,
	})

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = randomSecret()
		logger.Warn("jwt_secret_missing", zap.String("effect", "admin tokens will not survive a restart"))
	}
	authService := auth.NewService(userService, jwtSecret, cfg.JWTTTL, logger)
	if err := authService.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}

	// Background workers
	sweeper := services.NewSweeper(coordinator, checkouts, useCases, logger, cfg.SweepInterval, stripeClient.SessionTTL()+sweepGrace)
	go sweeper.Run(ctx)
	go events.NewOutboxPoller(outbox, publisher, logger, 2*time.Second).Run(ctx)
	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	rateLimiter := middleware.NewRateLimiter(cfg.CheckoutRateLimit, cfg.CheckoutRateBurst, proxies...)
	go rateLimiter.Run(ctx)

	app := api.NewApp(api.Deps{
		Config:         cfg,
		DB:             database,
		Metrics:        appMetrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Products:       productService,
		Ledger:         ledger,
		Orders:         orderService,
		Gallery:        services.NewGalleryService(database, appMetrics),
		Coordinator:    coordinator,
		Verifier:       stripeClient,
		Auth:           authService,
		RateLimiter:    rateLimiter,
		Logger:         logger,
	})
	router := mux.NewRouter()
	app.SetupRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_starting",
			zap.String("port", cfg.AppPort),
			zap.String("otlp_endpoint", cfg.OTELExporterOTLPEndpoint))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server_exited")
	return nil
}

func openDB(cfg *config.Config) (*db.DB, error) {
	switch db.Dialect(cfg.DBDriver) {
	case db.DialectSQLite:
		return db.NewDB(db.DialectSQLite, "file:"+cfg.DBPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", cfg.OTELServiceName)
	case db.DialectMySQL:
		return db.NewDB(db.DialectMySQL, cfg.GetDSN(), cfg.OTELServiceName)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
