package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/ensemble-gateway/config"
	"github.com/vnmchuo/ensemble-gateway/internal/billing"
	"github.com/vnmchuo/ensemble-gateway/internal/ensemble"
	"github.com/vnmchuo/ensemble-gateway/internal/logger"
	"github.com/vnmchuo/ensemble-gateway/internal/proxy"
	"github.com/vnmchuo/ensemble-gateway/internal/telemetry"
	"github.com/vnmchuo/ensemble-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Fatal("failed to load config", zap.Error(err))
	}

	log := logger.New(cfg.LogLevel)
	defer log.Sync()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("ensemble-gateway", cfg, log)
	if err != nil {
		log.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer("ensemble-gateway")

	ctx := context.Background()

	// 3. Usage store: PostgreSQL when configured, memory otherwise
	var billingStore billing.Store = billing.NewMemoryStore()
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatal("failed to ping postgres", zap.Error(err))
		}
		pgStore := billing.NewPostgresStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatal("failed to migrate usage store", zap.Error(err))
		}
		billingStore = pgStore
		log.Info("PostgreSQL connected")
	} else {
		log.Warn("POSTGRES_DSN not set, usage is kept in memory")
	}

	// 4. Redis: catalog cache and rate limiting
	deps := proxy.Deps{Logger: log, Tracer: tracer}
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to ping redis", zap.Error(err))
		}
		deps.Redis = rdb
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		log.Info("Redis connected")
	} else {
		log.Warn("REDIS_ADDR not set, catalog cache and rate limiting disabled")
	}

	// 5. Models
	models, err := proxy.BuildModels(ctx, cfg, deps)
	if err != nil {
		log.Fatal("failed to build models", zap.Error(err))
	}

	// 6. Router and handler
	router := proxy.NewRouter(proxy.Targets(models),
		ensemble.WithMaxConcurrency(cfg.EnsembleMaxConcurrency),
		ensemble.WithLogger(log),
		ensemble.WithTracer(tracer),
	)
	handler := proxy.NewHandler(router, billingStore, limiter, tracer, log)

	// 7. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      proxy.NewServer(handler, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("Ensemble gateway starting", zap.String("port", cfg.Port), zap.Int("models", len(models)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	log.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
	handler.Wait()
	log.Info("Server stopped")
}
