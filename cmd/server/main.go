package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/aigateway/backend/internal/api"
	"github.com/aigateway/backend/internal/audit"
	"github.com/aigateway/backend/internal/budget"
	"github.com/aigateway/backend/internal/cache"
	"github.com/aigateway/backend/internal/config"
	"github.com/aigateway/backend/internal/database"
	"github.com/aigateway/backend/internal/gateway"
	"github.com/aigateway/backend/internal/guardrails"
	"github.com/aigateway/backend/internal/pii"
	"github.com/aigateway/backend/internal/providers"
	"github.com/aigateway/backend/internal/ratelimit"
	"github.com/aigateway/backend/internal/webhooks"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run() error {
	_ = godotenv.Load()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	cfg, err := config.Load("config", env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	slog.Info("starting AI gateway", "env", env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	store, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	// Admin-key callers share a fixed principal; its users row must exist
	// for the budgets and logs foreign keys.
	if err := store.EnsureUser(ctx, database.User{
		ID:       api.AdminUserID,
		Username: "admin",
		Email:    "admin@localhost",
	}); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	// Each Redis-backed subsystem gets its own connection pool so a
	// saturated cache scan cannot starve rate-limit admission checks.
	newRedis := func() *redis.Client { return redis.NewClient(redisOpts) }
	limiterRedis := newRedis()
	defer limiterRedis.Close()
	cacheRedis := newRedis()
	defer cacheRedis.Close()
	maskerRedis := newRedis()
	defer maskerRedis.Close()
	if err := limiterRedis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// Upstream providers and routing.
	registry, err := providers.NewRegistry(cfg.Providers)
	if err != nil {
		return err
	}
	fallback := providers.NewFallbackManager(registry, cfg.Fallback, cfg.ProviderTimeout())

	defaultProvider := "openai"
	defaultModel := ""
	if pc, ok := cfg.Providers[defaultProvider]; ok {
		defaultModel = pc.DefaultModel
	}
	router := providers.NewABRouter(cfg.ABTesting, defaultProvider, defaultModel)

	embedder := buildEmbedder(cfg)
	semanticCache := cache.NewSemanticCache(cacheRedis, embedder,
		cfg.Cache.Enabled, cfg.CacheTTL(), cfg.Cache.SimilarityThreshold)

	// Pipeline stages.
	limiter := ratelimit.NewLimiter(limiterRedis, cfg.RateLimiting)
	detector := pii.NewDetector(nil) // NER extractor plugs in here when available
	masker := pii.NewMasker(maskerRedis, cfg.MaskingTTL())
	engine, err := guardrails.NewEngine(cfg.Guardrails)
	if err != nil {
		return err
	}

	dispatcher := webhooks.NewDispatcher(store, cfg.Webhooks, 4)
	meter := budget.NewMeter(store, cfg.Budget, dispatcher)
	auditWriter := audit.NewWriter(store)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(promRegistry)

	service := gateway.NewService(gateway.Deps{
		Limiter:        limiter,
		Detector:       detector,
		Masker:         masker,
		Guardrails:     engine,
		Cache:          semanticCache,
		Budget:         meter,
		Router:         router,
		Executor:       fallback,
		Audit:          auditWriter,
		Notifier:       dispatcher,
		Metrics:        metrics,
		MaskingEnabled: cfg.PII.Masking.Enabled,
	})
	streamer := gateway.NewStreamer(limiter, detector, masker, engine, router,
		registry, cfg.PII.Masking.Enabled, gateway.StreamHooks{})

	auth := api.NewAuthenticator(store, cfg.Auth.AdminAPIKey)
	server := api.NewServer(service, streamer, detector, store, store, engine, auth, promRegistry)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	service.Shutdown()
	dispatcher.Shutdown()
	return nil
}

// buildEmbedder picks the cache embedding client by configuration,
// defaulting to OpenAI.
func buildEmbedder(cfg *config.Config) cache.Embedder {
	switch cfg.Cache.EmbeddingProvider {
	case "gemini":
		pc := cfg.Providers["gemini"]
		return providers.NewGeminiEmbedder(pc.APIKey, pc.BaseURL, cfg.Cache.EmbeddingModel)
	default:
		pc := cfg.Providers["openai"]
		return providers.NewOpenAIEmbedder(pc.APIKey, pc.BaseURL, cfg.Cache.EmbeddingModel)
	}
}
