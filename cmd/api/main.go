// Package main is the entry point for the API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quorumhq/quorum/internal/api"
	"github.com/quorumhq/quorum/internal/archive"
	"github.com/quorumhq/quorum/internal/audit"
	"github.com/quorumhq/quorum/internal/config"
	"github.com/quorumhq/quorum/internal/db"
	"github.com/quorumhq/quorum/internal/health"
	"github.com/quorumhq/quorum/internal/identity"
	"github.com/quorumhq/quorum/internal/jobs"
	"github.com/quorumhq/quorum/internal/middleware"
	"github.com/quorumhq/quorum/internal/tracing"
)

const serviceName = "quorum-api"

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Quorum Audit Trail API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "summary", cfg.LogSummary())

	// Tracing is opt-in via environment; the provider is a no-op when disabled.
	tracerProvider, err := tracing.NewProvider(tracingConfigFromEnv(cfg.Env))
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	eventLog := audit.NewPostgresEventLog(conn, logger)

	// The chain head store prefers Redis when configured. CAS on the head is
	// the commit bottleneck, so a memory store keeps admission latency low.
	var headStore audit.HeadStore
	var rateLimitStore middleware.RateLimitStore
	var redisChecker api.HealthChecker
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		headStore = audit.NewRedisHeadStore(redisClient)
		rateLimitStore = middleware.NewRedisRateLimitStore(redisClient)
		redisChecker = health.NewRedisChecker(redisClient)
		logger.Info("using redis chain head store", "addr", cfg.RedisAddr)
	} else {
		headStore = audit.NewPostgresHeadStore(conn, logger)
		rateLimitStore = middleware.NewInMemoryRateLimitStore()
	}

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auditMetrics := audit.NewMetrics()
	if err := auditMetrics.Register(registry); err != nil {
		logger.Error("failed to register audit metrics", "error", err)
		os.Exit(1)
	}
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register http metrics", "error", err)
		os.Exit(1)
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		logger.Error("failed to register job metrics", "error", err)
		os.Exit(1)
	}

	engine := audit.NewEngine(eventLog, headStore, logger, auditMetrics)
	broadcaster := audit.NewBroadcaster()

	var jwtService *identity.JWTService
	if cfg.JWTSecretPrevious != "" {
		jwtService = identity.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTSecretPrevious)
	} else {
		jwtService = identity.NewJWTService(cfg.JWTSecret)
	}

	var archiver api.ExportArchiver
	if cfg.ArchiveEnabled() {
		svc, err := archive.NewService(archive.ServiceConfig{
			BucketName:      cfg.ArchiveBucketName,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
		})
		if err != nil {
			logger.Error("failed to initialize export archive", "error", err)
			os.Exit(1)
		}
		archiver = svc
		logger.Info("export archive enabled", "bucket", svc.GetBucketName())
	}

	auditHandlers := api.NewAuditHandlers(engine, eventLog, broadcaster, archiver)
	feedHandlers := api.NewFeedHandlers(broadcaster)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:      health.NewDBChecker(conn),
		RedisChecker:   redisChecker,
		MetricsEnabled: true,
	})

	requireAuth := api.RequireAuth(jwtService)

	// Admission and export are rate limited per actor. Reads share a
	// per-client limit keyed on the socket address.
	writeLimit := middleware.RateLimiter(rateLimitStore, middleware.RateLimitConfig{
		RequestsPerWindow: 120,
		WindowDuration:    time.Minute,
	}, middleware.ActorKeyFunc(), httpMetrics)
	exportLimit := middleware.RateLimiter(rateLimitStore, middleware.RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
	}, middleware.ActorKeyFunc(), httpMetrics)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/audit/events", requireAuth(writeLimit(http.HandlerFunc(auditHandlers.RecordEvent))))
	mux.HandleFunc("GET /v1/audit/events", auditHandlers.ListEvents)
	mux.HandleFunc("GET /v1/audit/events/{id}", auditHandlers.GetEvent)
	mux.HandleFunc("GET /v1/audit/verify", auditHandlers.VerifyChain)
	mux.Handle("POST /v1/audit/export", requireAuth(exportLimit(http.HandlerFunc(auditHandlers.Export))))
	mux.HandleFunc("GET /v1/audit/feed", feedHandlers.Subscribe)
	mux.HandleFunc("GET /health", healthHandlers.Health)
	mux.HandleFunc("GET /ready", healthHandlers.Ready)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Apply middleware: CORS -> RequestID -> Logging -> Tracing -> HTTPMetrics
	handler := middleware.CORS(corsConfigFromEnv())(
		middleware.RequestID(
			middleware.Logging(logger)(
				middleware.Tracing(serviceName)(
					middleware.HTTPMetrics(httpMetrics)(mux)))))

	// pprof endpoints, development only
	profilingEnabled, _ := strconv.ParseBool(os.Getenv("PROFILING_ENABLED"))
	handler = middleware.Profiling(middleware.ProfilingConfig{
		Enabled:     profilingEnabled,
		Environment: cfg.Env,
	})(handler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background verification sweep over all partitions
	sweep := jobs.NewVerifySweep(engine, eventLog, logger, jobMetrics)
	sweepStop := make(chan struct{})
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	go sweep.RunPeriodic(sweepCtx, time.Duration(cfg.VerifyIntervalMinutes)*time.Minute, sweepStop)

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	close(sweepStop)
	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down tracing", "error", err)
	}

	logger.Info("server stopped")
}

// corsConfigFromEnv builds the CORS allowlist from CORS_ALLOWED_ORIGINS, a
// comma-separated list of origins. CORS stays disabled when unset.
func corsConfigFromEnv() middleware.CORSConfig {
	var origins []string
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return middleware.CORSConfig{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

// tracingConfigFromEnv builds the tracing configuration from OTEL environment
// variables. Tracing stays off unless TRACING_ENABLED is truthy.
func tracingConfigFromEnv(env string) tracing.Config {
	enabled, _ := strconv.ParseBool(os.Getenv("TRACING_ENABLED"))

	samplingRate := 1.0
	if v := os.Getenv("TRACING_SAMPLING_RATE"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			samplingRate = parsed
		}
	}

	exporterType := os.Getenv("TRACING_EXPORTER")
	if exporterType == "" {
		exporterType = "otlp-grpc"
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	insecure, _ := strconv.ParseBool(os.Getenv("TRACING_INSECURE"))

	return tracing.Config{
		ServiceName:  serviceName,
		Enabled:      enabled,
		Environment:  env,
		ExporterType: exporterType,
		OTLPEndpoint: endpoint,
		SamplingRate: samplingRate,
		InsecureMode: insecure,
	}
}
