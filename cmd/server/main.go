package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/idgen"
	"github.com/rl1809/stock-reservation/internal/adapter/metrics"
	"github.com/rl1809/stock-reservation/internal/adapter/queue"
	"github.com/rl1809/stock-reservation/internal/adapter/resilience"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/port"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize cache
	cache, closeCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	// Initialize queue
	reservations := openQueue(cfg, logger)
	defer reservations.Close()

	breaker := resilience.Config{
		MaxFailures:      cfg.Breaker.MaxFailures,
		OpenTimeout:      cfg.Breaker.OpenTimeout,
		HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
	}
	guardedStore := resilience.NewStore(store,
		resilience.NewPolicy("store", breaker, domain.ErrStoreUnavailable, logger, recorder.BreakerStateChanged))
	guardedQueue := resilience.NewQueue(reservations,
		resilience.NewPolicy("queue", breaker, domain.ErrQueueUnavailable, logger, recorder.BreakerStateChanged))

	// Initialize services
	peakMode, err := service.ParsePeakMode(cfg.Reservation.PeakMode)
	if err != nil {
		return err
	}
	peakPolicy, err := service.ParsePeakPolicy(cfg.Cache.PeakPolicy)
	if err != nil {
		return err
	}

	layer := service.NewCacheLayer(cache, guardedStore, cfg.Cache.TTL, peakPolicy, logger.Named("cache"))
	coordinator := service.NewCoordinator(service.CoordinatorDeps{
		Store:   guardedStore,
		Queue:   guardedQueue,
		Cache:   layer,
		Orders:  service.NewOrderStateMachine(guardedStore, logger.Named("orders")),
		IDs:     idgen.NewUUIDAllocator(),
		Regime:  service.NewLoadRegime(peakMode, cfg.Reservation.PeakInFlight, cfg.Reservation.BusyCooldown),
		Metrics: recorder,
		Logger:  logger.Named("coordinator"),
	}, cfg.Reservation.MaxRetries)
	oracle := service.NewAvailabilityOracle(guardedStore, cache, cfg.Cache.TTL, logger.Named("oracle"))
	consumer := service.NewConsumer(reservations, coordinator, logger.Named("consumer"))
	reconciler := service.NewReconciler(coordinator, service.ReconcilerConfig{
		Interval:       cfg.Reconciler.Interval,
		Deadline:       cfg.Reconciler.Deadline,
		HardDeadline:   cfg.Reconciler.HardDeadline,
		PaymentTimeout: cfg.Reconciler.PaymentTimeout,
		BatchSize:      cfg.Reconciler.BatchSize,
	}, logger.Named("reconciler"))

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryLogger(logger.Named("grpc"))))
	handler.RegisterReservationServer(grpcServer, handler.NewGRPCHandler(coordinator, oracle, logger.Named("grpc")))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}

	// Initialize HTTP server
	mux := http.NewServeMux()
	handler.NewHTTPHandler(coordinator, oracle, logger.Named("http")).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: http.TimeoutHandler(mux, cfg.Reservation.RequestTimeout, `{"message":"request timed out"}`),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPC.Addr))
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (port.DatabaseRepository, func(), error) {
	if cfg.Store.Driver == "memory" {
		mem := storage.NewMemoryAdapter()
		for id, amount := range cfg.Seed {
			mem.SetInventory(id, amount)
		}
		logger.Info("using in-memory store", zap.Int("seeded", len(cfg.Seed)))
		return mem, func() {}, nil
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping mysql: %w", err)
	}
	logger.Info("connected to mysql")

	adapter := storage.NewMySQLAdapter(db)
	if cfg.MySQL.Migrate {
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	for id, amount := range cfg.Seed {
		if err := adapter.SetInventory(ctx, id, amount); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("seed %s: %w", id, err)
		}
		logger.Info("initialized inventory", zap.String("inventory_id", id), zap.Int("available", amount))
	}
	return adapter, func() { db.Close() }, nil
}

func openCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (port.CacheRepository, func(), error) {
	if cfg.Cache.Driver == "memory" {
		logger.Info("using in-memory cache")
		return storage.NewMemoryCache(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	return storage.NewRedisAdapter(rdb), func() { rdb.Close() }, nil
}

func openQueue(cfg config.Config, logger *zap.Logger) port.ReservationQueue {
	retry := queue.RetryPolicy{MaxAttempts: cfg.Queue.MaxAttempts, Backoff: cfg.Queue.RetryBackoff}
	if cfg.Queue.Driver == "memory" {
		logger.Info("using in-memory queue", zap.Int("partitions", cfg.Queue.Partitions))
		return queue.NewMemoryQueue(cfg.Queue.Partitions, cfg.Queue.BufferSize, retry, logger.Named("queue"))
	}
	logger.Info("using kafka queue", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	return queue.NewKafkaQueue(queue.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		GroupID:      cfg.Kafka.GroupID,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	}, retry, logger.Named("queue"))
}

func unaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		logger.Debug("rpc",
			zap.String("method", info.FullMethod),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return resp, err
	}
}
