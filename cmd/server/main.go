package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-saga/config"
	"order-saga/internal/api"
	"order-saga/internal/broker"
	"order-saga/internal/entity"
	"order-saga/internal/redisclient"
	"order-saga/internal/service"
	"order-saga/internal/store"
	"order-saga/internal/util"
	"order-saga/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	if err := run(cfg); err != nil {
		util.GetLogger().Error("Server exited with error", zap.Error(err))
		util.SyncLogger()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := util.GetLogger()
	logger.Info("Starting order saga service",
		zap.String("env", cfg.Server.Env),
		zap.String("event_log", cfg.EventLog.Driver))

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var handlerOpts []api.Option

	eventLog, closeLog, err := openEventLog(ctx, cfg, &handlerOpts)
	if err != nil {
		return err
	}
	defer closeLog()

	var snapshots entity.SnapshotStore
	if cfg.Redis.Enabled {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))

		snapshots = redisclient.NewSnapshotStore(redisClient, cfg.Redis.SnapshotTTL)
		handlerOpts = append(handlerOpts,
			api.WithIdempotency(redisClient, cfg.Saga.IdempotencyTTL),
			api.WithReadinessCheck("redis", redisClient.Ping))
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicJournal)
		defer producer.Close()

		publishing := store.NewPublishingLog(eventLog, broker.NewJournalPublisher(producer), 0)
		eventLog = publishing
		g.Go(func() error { return publishing.Run(gctx) })

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicJournal, cfg.Kafka.ConsumerGroup)
		feedWorker := worker.NewFeedWorker(consumer, nil)
		defer feedWorker.Stop()
		g.Go(func() error { return feedWorker.Start(gctx) })

		logger.Info("Kafka journal feed enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.TopicJournal))
	}

	coordinator := service.NewCoordinator(service.Dependencies{
		Log:           eventLog,
		Snapshots:     snapshots,
		SnapshotEvery: cfg.Redis.SnapshotEvery,
		Policy:        service.NewRandomFailurePolicy(cfg.Saga.PaymentFailureRate, time.Now().UnixNano()),
		MaxAttempts:   cfg.Saga.MaxPaymentAttempts,
		AskTimeout:    cfg.Saga.AskTimeout,
		RetryBackoff:  cfg.Saga.RetryBackoff,
		Logger:        logger,
	})
	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer coordinator.Stop()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	api.NewHandler(coordinator, handlerOpts...).SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Server exited")
	return err
}

// openEventLog opens the configured journal backend.
func openEventLog(ctx context.Context, cfg *config.Config, opts *[]api.Option) (store.EventLog, func(), error) {
	logger := util.GetLogger()

	var (
		db  *store.Store
		err error
	)
	switch cfg.EventLog.Driver {
	case "memory":
		logger.Warn("Using in-memory event log; state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case store.DriverSQLite:
		db, err = store.NewStore(store.DriverSQLite, cfg.EventLog.SQLitePath)
	default:
		db, err = store.NewStore(store.DriverPostgres, cfg.EventLog.DatabaseURL)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event log: %w", err)
	}

	streams, err := db.Streams(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to list streams: %w", err)
	}
	logger.Info("Event log opened",
		zap.String("driver", cfg.EventLog.Driver),
		zap.Int("streams", len(streams)))

	*opts = append(*opts, api.WithReadinessCheck("event_log", func(ctx context.Context) error {
		return db.GetDB().PingContext(ctx)
	}))
	return db, func() { _ = db.Close() }, nil
}
