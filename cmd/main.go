/**
 * @description
 * This is the main entry point for the escrow-service. It is responsible for
 * initializing all components of the service, including configuration, logging,
 * the database connection, the payment rail client, message brokers, the outbox
 * dispatcher, the ledger audit job and the HTTP server. It wires everything
 * together and shuts the background workers down on SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: Loads a local .env during development.
 * - github.com/prometheus/client_golang: Metrics registry.
 * - github.com/redis/go-redis/v9: Rate limiter backend.
 * - internal/api, internal/app, internal/config, internal/logging, internal/store: Service packages.
 * - pkg/payrail: Client for the payment rail API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/transfa/escrow-service/internal/api"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/logging"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/payrail"
	rmrabbit "github.com/transfa/escrow-service/pkg/rabbitmq"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	bootLog := logging.Component(logger, "bootstrap")

	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		bootLog.WithField("env", "INTERNAL_API_KEY").Fatal("internal api key must be configured")
	}
	if strings.TrimSpace(cfg.ClerkJWKSURL) == "" {
		bootLog.WithField("env", "CLERK_JWKS_URL").Fatal("clerk jwks url must be configured")
	}
	bootLog.WithField("port", cfg.ServerPort).Info("starting escrow-service")

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.WithError(err).Fatal("database url parse failed")
	}
	poolConfig.MaxConns = cfg.DatabaseMaxConns
	poolConfig.MinConns = cfg.DatabaseMaxConns / 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLog.WithError(err).Fatal("database connection failed")
	}
	defer dbpool.Close()
	bootLog.Info("database connected")

	repository := store.NewPostgresRepository(dbpool)
	if cfg.AutoMigrate {
		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		if err := repository.Migrate(migrateCtx); err != nil {
			cancelMigrate()
			bootLog.WithError(err).Fatal("schema migration failed")
		}
		cancelMigrate()
		bootLog.Info("schema migrated")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	// The payment rail is optional; without it withdrawals report unavailable.
	var rail app.TransferRail
	if strings.TrimSpace(cfg.PayrailBaseURL) == "" || strings.TrimSpace(cfg.PayrailSecretKey) == "" {
		bootLog.WithFields(logrus.Fields{
			"payrail_base_url_set":   strings.TrimSpace(cfg.PayrailBaseURL) != "",
			"payrail_secret_key_set": strings.TrimSpace(cfg.PayrailSecretKey) != "",
		}).Warn("payment rail not configured; withdrawals disabled")
	} else {
		rail = payrail.NewClient(cfg.PayrailBaseURL, cfg.PayrailSecretKey, logger)
	}

	escrowService := app.NewService(repository, rail, logger, app.Settings{
		EventsExchange:        cfg.EventsExchange,
		DefaultCurrency:       cfg.DefaultCurrency,
		MinimumWithdrawalKobo: cfg.MinimumWithdrawalKobo,
	})
	escrowService.SetMetrics(metrics)

	limiter := connectRateLimiter(cfg, bootLog)
	if closer, ok := limiter.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// Outbox rows are relayed to RabbitMQ by a background dispatcher. The broker
	// connection is opened lazily so a broker outage never blocks startup.
	dispatcher := app.NewOutboxDispatcher(repository, rmrabbit.Dialer(cfg.RabbitMQURL, logger), logger)
	dispatcher.Configure(cfg.OutboxBatchSize, time.Duration(cfg.OutboxPollIntervalMS)*time.Millisecond, metrics)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(workerCtx)
	}()

	auditScheduler := app.NewAuditScheduler(repository, cfg.LedgerAuditSchedule, metrics, logger)
	if err := auditScheduler.Start(); err != nil {
		bootLog.WithError(err).Fatal("ledger audit scheduler start failed")
	}

	// Rail status events settle withdrawals that did not resolve synchronously.
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		bootLog.WithError(err).Warn("rabbitmq consumer unavailable; withdrawals will only settle synchronously")
	} else {
		defer rabbitConsumer.Close()
		transferConsumer := escrowService.TransferStatusConsumer()
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.TransferEventQueue, transferConsumer.Bindings()); err != nil {
			bootLog.WithError(err).Fatal("transfer consumer start failed")
		}
		bootLog.WithField("queue", cfg.TransferEventQueue).Info("transfer status consumer started")
	}

	handlers := api.NewEscrowHandlers(escrowService, auditScheduler, logger)
	observability := api.NewObservability(api.ObservabilityConfig{
		ServiceName: "escrow-service",
		Enabled:     true,
		LogRequests: logger.IsLevelEnabled(logrus.DebugLevel),
	}, registry, logger)

	router := api.NewRouter(handlers, api.RouterOptions{
		Auth: api.AuthConfig{
			JWKSURL:  cfg.ClerkJWKSURL,
			Audience: cfg.ClerkAudience,
			Issuer:   cfg.ClerkIssuer,
		},
		InternalAPIKey:      cfg.InternalAPIKey,
		Limiter:             limiter,
		WriteLimitPerMinute: cfg.EscrowWriteRateLimitPerMinute,
		Observability:       observability,
		Logger:              logger,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpLog := logging.Component(logger, "http")

	go func() {
		httpLog.WithField("addr", serverAddr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpLog.WithError(err).Fatal("server stopped unexpectedly")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	httpLog.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		httpLog.WithError(err).Error("shutdown failed")
	}

	stopWorkers()
	select {
	case <-dispatcherDone:
	case <-ctx.Done():
		bootLog.Warn("outbox dispatcher did not stop before shutdown deadline")
	}
	select {
	case <-auditScheduler.Stop().Done():
	case <-ctx.Done():
		bootLog.Warn("ledger audit did not stop before shutdown deadline")
	}

	httpLog.Info("shutdown complete")
}

// redisLimiter pairs the limiter with its client so main can close it.
type redisLimiter struct {
	*app.RedisRateLimiter
	client *redis.Client
}

func (l redisLimiter) Close() error {
	return l.client.Close()
}

// connectRateLimiter returns nil when rate limiting is disabled or Redis is
// unreachable; the write routes then run unlimited.
func connectRateLimiter(cfg config.Config, bootLog *logrus.Entry) app.RateLimiter {
	if cfg.EscrowWriteRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		bootLog.WithField("env", "REDIS_URL").Warn("redis url missing; escrow write rate limiting disabled")
		return nil
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		bootLog.WithError(err).Warn("redis url parse failed; escrow write rate limiting disabled")
		return nil
	}
	client := redis.NewClient(redisOptions)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		bootLog.WithError(err).Warn("redis ping failed; escrow write rate limiting disabled")
		client.Close()
		return nil
	}

	bootLog.Info("redis connected")
	return redisLimiter{
		RedisRateLimiter: app.NewRedisRateLimiter(client, cfg.RedisRateLimitPrefix),
		client:           client,
	}
}
