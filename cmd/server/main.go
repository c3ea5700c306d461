package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "charactersearch/searchservice/internal/api/http"
	"charactersearch/searchservice/internal/app"
	"charactersearch/searchservice/internal/metrics"
	"charactersearch/searchservice/internal/providers/rickmorty"
	"charactersearch/searchservice/internal/search"
	"charactersearch/searchservice/internal/session"
	"charactersearch/searchservice/internal/telemetry"
)

const serviceName = "character-search"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("characterEndpoint", cfg.CharacterEndpoint),
		slog.Duration("fetchTimeout", cfg.FetchTimeout),
		slog.Int("fetchMaxAttempts", cfg.FetchMaxAttempts),
		slog.Duration("debounce", cfg.DebounceDelay),
		slog.Int("sessionMax", cfg.SessionMax),
		slog.Duration("sessionIdleTimeout", cfg.SessionIdleTimeout),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("tracing", strings.TrimSpace(cfg.OTLPEndpoint) != ""),
	)

	characterClient := rickmorty.NewClient(rickmorty.Config{
		Endpoint:    cfg.CharacterEndpoint,
		UserAgent:   cfg.UserAgent,
		Client:      &http.Client{Timeout: cfg.FetchTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		MaxAttempts: cfg.FetchMaxAttempts,
	})
	fetcher := search.NewSharedFetcher(characterClient.Name(), characterClient,
		search.WithMaxConcurrentFetches(cfg.FetchMaxConcurrent),
		search.WithFetchRateLimit(cfg.FetchRatePerSecond, cfg.FetchRateBurst),
		search.WithSharedFetchTimeout(cfg.FetchTimeout),
	)

	managerOpts := []session.Option{
		session.WithLogger(logger),
		session.WithIdleTimeout(cfg.SessionIdleTimeout),
		session.WithMaxSessions(cfg.SessionMax),
		session.WithControllerOptions(
			search.WithLogger(logger),
			search.WithDebounceDelay(cfg.DebounceDelay),
			search.WithFetchTimeout(cfg.FetchTimeout),
		),
	}
	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithFetcherDiagnostics(fetcher),
		apihttp.WithImageProxyHosts(cfg.ImageProxyHosts),
		apihttp.WithRateLimit(cfg.HTTPRateLimitRPS, cfg.HTTPRateLimitBurst),
	}
	if backend := buildRedisBackend(cfg, logger); backend != nil {
		defer func() {
			if err := backend.Close(); err != nil {
				logger.Warn("redis close failed", slog.String("error", err.Error()))
			}
		}()
		managerOpts = append(managerOpts, session.WithCacheBackend(backend))
		serverOpts = append(serverOpts, apihttp.WithDependencyCheck("redis", backend.Ping))
	}

	manager := session.NewManager(fetcher, managerOpts...)
	api := apihttp.NewServer(manager, serverOpts...)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Session streams (SSE and WebSocket) stay open far longer than any write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	manager.StartBackground(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("character search service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Duration("debounce", cfg.DebounceDelay),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Hijacked WebSocket connections are not tracked by Shutdown; close them first.
	api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	manager.Close()
	logger.Info("character search service stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildRedisBackend(cfg app.Config, logger *slog.Logger) *search.RedisCacheBackend {
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory cache only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory cache only", slog.String("error", err.Error()))
		_ = client.Close()
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr), slog.Duration("ttl", cfg.RedisCacheTTL))
	return search.NewRedisCacheBackend(client, cfg.RedisCacheTTL)
}
