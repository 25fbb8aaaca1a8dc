package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/poolgate/poolgate/config"
	"github.com/poolgate/poolgate/internal/auth"
	"github.com/poolgate/poolgate/internal/ledger"
	"github.com/poolgate/poolgate/internal/pricing"
	"github.com/poolgate/poolgate/internal/proxy"
	"github.com/poolgate/poolgate/internal/quota"
	"github.com/poolgate/poolgate/internal/seeder"
	"github.com/poolgate/poolgate/internal/telemetry"
	"github.com/poolgate/poolgate/internal/upstream"
	"github.com/poolgate/poolgate/pkg/ratelimit"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	shutdownTracer, err := telemetry.InitTracer("poolgate", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("postgres connected")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("redis connected")

	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, logger)

	ledgerStore := ledger.NewPostgresStore(pool)
	led := ledger.New(ledgerStore, pricing.NewCalculator(), logger)

	engine := quota.NewEngine(quota.NewAggregator(ledgerStore))

	tokenStore := upstream.NewPostgresStore(pool)
	refresher := upstream.NewOAuthRefresher(cfg.OAuthTokenURL, cfg.OAuthClientID, cfg.UpstreamTimeout)
	tokens := upstream.NewTokenManager(tokenStore, refresher, logger)

	client := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamTimeout)
	limiter := ratelimit.NewLimiter(rdb, cfg.RequestsPerMinute)

	tracer := otel.GetTracerProvider().Tracer("poolgate")
	handler := proxy.NewHandler(authStore, tokens, client, led, engine,
		limiter, tracer, logger, cfg.UpstreamTimeout)

	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestCredential(ctx, pool, authStore, led, logger)
	}

	pruner := ledger.NewPruner(ledgerStore,
		time.Duration(cfg.RetentionDays)*24*time.Hour, time.Hour, logger)
	prunerCtx, stopPruner := context.WithCancel(ctx)
	defer stopPruner()
	go pruner.Run(prunerCtx)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"poolgate"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/messages", handler.HandleMessages)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/quota", handler.HandleQuota)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	stopPruner()
	logger.Info("server stopped")
}
