/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * message brokers, the rate limiter, repositories, the core application service, the
 * background scheduler and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - net/http: Standard Go library for the HTTP server.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Verification throttling backend.
 * - github.com/joho/godotenv: Local .env loading.
 * - go.uber.org/zap: Structured logging.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/finora/transfer-service/internal/api"
	"github.com/finora/transfer-service/internal/app"
	"github.com/finora/transfer-service/internal/config"
	"github.com/finora/transfer-service/internal/domain"
	"github.com/finora/transfer-service/internal/store"
	"github.com/finora/transfer-service/pkg/logger"
	rmrabbit "github.com/finora/transfer-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	log, err := logger.New("transfer-service", os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	bootLog := logger.Component(log, "bootstrap")

	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".", log)
	if err != nil {
		bootLog.Fatal("config load failed", zap.Error(err))
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		bootLog.Fatal("jwt secret must be configured", zap.String("env", "JWT_SECRET"))
	}

	bootLog.Info("starting transfer-service", zap.String("port", cfg.ServerPort))

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		bootLog.Fatal("database url parse failed", zap.Error(err))
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		bootLog.Fatal("database connection failed", zap.Error(err))
	}
	defer dbpool.Close()
	bootLog.Info("database connected")

	if cfg.RunMigrations {
		if err := store.RunMigrations(dbpool, log); err != nil {
			bootLog.Fatal("database migration failed", zap.Error(err))
		}
	}

	// Redis backs verification throttling. Without it the endpoints stay open.
	var limiter app.AttemptLimiter
	if cfg.RedisURL == "" {
		bootLog.Warn("redis url missing; verification rate limiting disabled", zap.String("env", "REDIS_URL"))
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			bootLog.Warn("redis url parse failed; verification rate limiting disabled", zap.Error(parseErr))
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				bootLog.Warn("redis ping failed; verification rate limiting disabled", zap.Error(pingErr))
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisAttemptLimiter(redisClient, cfg.RedisRateLimitPrefix)
				bootLog.Info("redis connected")
			}
		}
	}

	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, log)
	if err != nil {
		bootLog.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		producer = &rmrabbit.EventProducerFallback{Logger: log}
	} else {
		producer = eventProducer
		bootLog.Info("rabbitmq producer connected")
	}
	defer producer.Close()

	repository := store.NewPostgresRepository(dbpool)

	transferService := app.NewService(
		repository,
		app.NewUserPolicyProvider(repository, cfg.OtpEnabled),
		app.NewBrokerOtpDelivery(producer, cfg.EventsExchange),
		producer,
		app.Settings{
			FeeSchedules:       cfg.FeeSchedules,
			Location:           cfg.Location,
			OtpTTL:             cfg.OtpTTL(),
			OtpDeliveryTimeout: cfg.OtpDeliveryTimeout(),
			EventsExchange:     cfg.EventsExchange,
		},
		log,
	)

	// Clearing results for wire and domestic transfers arrive from the settlement network.
	clearing := app.NewClearingConsumer(repository, producer, cfg.EventsExchange, app.SystemClock(), log)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, log)
	if err != nil {
		bootLog.Fatal("rabbitmq consumer init failed", zap.Error(err))
	}
	defer rabbitConsumer.Close()

	clearingBindings := map[string]rmrabbit.Handler{
		domain.RoutingKeyClearingCompleted: clearing.HandleCompleted,
		domain.RoutingKeyClearingFailed:    clearing.HandleFailed,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.ClearingEventQueue, clearingBindings); err != nil {
		bootLog.Fatal("clearing consumer start failed", zap.Error(err))
	}

	jobs := app.NewJobs(repository, cfg.OtpRetention(), app.SystemClock(), log)
	scheduler := app.NewScheduler(jobs, cfg.OtpCleanupSchedule, log)
	if err := scheduler.Start(); err != nil {
		bootLog.Fatal("scheduler start failed", zap.Error(err))
	}

	handlers := api.NewTransferHandlers(transferService, log)
	router := api.TransferRoutes(handlers, limiter, api.RouterConfig{
		JWTSecret:                    []byte(cfg.JWTSecret),
		JWTIssuer:                    cfg.JWTIssuer,
		AllowedOrigins:               cfg.AllowedOrigins(),
		VerifyRateLimitPerMinute:     cfg.VerifyRateLimitPerMinute,
		OtpRequestRateLimitPerMinute: cfg.OtpRequestRateLimitPerMinute,
	}, log)

	httpLog := logger.Component(log, "http")
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		httpLog.Info("server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpLog.Fatal("server stopped unexpectedly", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	httpLog.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		httpLog.Error("shutdown failed", zap.Error(err))
	}
	<-scheduler.Stop().Done()
	transferService.Wait()

	httpLog.Info("shutdown complete")
}
