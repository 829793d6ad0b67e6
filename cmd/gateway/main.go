package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vnmchuo/llmgate/config"
	"github.com/vnmchuo/llmgate/internal/auth"
	"github.com/vnmchuo/llmgate/internal/billing"
	"github.com/vnmchuo/llmgate/internal/gateway"
	"github.com/vnmchuo/llmgate/internal/httpapi"
	"github.com/vnmchuo/llmgate/internal/instrument"
	"github.com/vnmchuo/llmgate/internal/provider"
	"github.com/vnmchuo/llmgate/internal/provider/anthropic"
	"github.com/vnmchuo/llmgate/internal/provider/gemini"
	"github.com/vnmchuo/llmgate/internal/provider/openai"
	"github.com/vnmchuo/llmgate/internal/provider/transport"
	"github.com/vnmchuo/llmgate/internal/seeder"
	"github.com/vnmchuo/llmgate/internal/telemetry"
	"github.com/vnmchuo/llmgate/internal/worker"
	"github.com/vnmchuo/llmgate/pkg/ratelimit"
)

const defaultTenant = "default"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(cfg)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	ctx := context.Background()

	// 3. Usage ledger (optional)
	var (
		billingStore billing.Store
		recorder     httpapi.Recorder
	)
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return err
		}
		store := billing.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		billingStore = store
		logger.Info("PostgreSQL connected")

		queue := worker.NewUsageQueue(store, 4096, logger)
		queueCtx, stopQueue := context.WithCancel(ctx)
		queueDone := make(chan struct{})
		go func() {
			defer close(queueDone)
			_ = queue.Process(queueCtx)
		}()
		defer func() {
			stopQueue()
			<-queueDone
		}()
		recorder = queue
	}

	// 4. Rate limiter (optional)
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		logger.Info("Redis connected")
	}

	// 5. Providers
	tc := transport.New(
		transport.WithTimeout(cfg.RequestTimeout),
		transport.WithMaxRetries(cfg.MaxRetries),
	)
	registry := provider.NewRegistry(cfg, provider.WithDefaultModels(cfg.DefaultModels()))
	clients := []provider.Provider{
		openai.New(cfg.OpenAIAPIKey, tc),
		gemini.New(cfg.GeminiAPIKey, tc),
		anthropic.New(cfg.AnthropicAPIKey, tc),
	}

	// 6. Gateway and instrumentation
	gw, err := gateway.New(registry, clients,
		gateway.WithProvider(cfg.DefaultProvider),
		gateway.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	chat := instrument.New(gw, instrument.WithLogger(logger))
	logger.Info("LLM gateway ready",
		"provider", gw.Provider(),
		"model", gw.Model(),
		"available", gw.AvailableProviders(),
	)

	// 7. HTTP
	authn := auth.StaticTenant(defaultTenant)
	if cfg.AuthJWTSecret != "" {
		authn = auth.NewMiddleware([]byte(cfg.AuthJWTSecret))
		if os.Getenv("RUN_SEED") == "true" {
			if _, err := seeder.SeedTestToken([]byte(cfg.AuthJWTSecret), logger); err != nil {
				logger.Warn("failed to seed test token", "error", err)
			}
		}
	} else {
		logger.Warn("AUTH_JWT_SECRET not set; all requests use the default tenant")
	}
	handler := httpapi.NewHandler(chat, gw, billingStore, recorder, limiter, logger)
	router := httpapi.NewRouter(handler, authn)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(router, "llm-gateway"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// 8. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("LLM Gateway starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
