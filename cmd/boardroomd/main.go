package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	advisoryclient "github.com/rtfm-si/boardroom/internal/adapter/advisory"
	brhttp "github.com/rtfm-si/boardroom/internal/adapter/http"
	brnats "github.com/rtfm-si/boardroom/internal/adapter/nats"
	"github.com/rtfm-si/boardroom/internal/adapter/natskv"
	"github.com/rtfm-si/boardroom/internal/adapter/otel"
	"github.com/rtfm-si/boardroom/internal/adapter/postgres"
	"github.com/rtfm-si/boardroom/internal/adapter/ristretto"
	"github.com/rtfm-si/boardroom/internal/adapter/tiered"
	"github.com/rtfm-si/boardroom/internal/adapter/ws"
	"github.com/rtfm-si/boardroom/internal/config"
	"github.com/rtfm-si/boardroom/internal/logger"
	"github.com/rtfm-si/boardroom/internal/middleware"
	"github.com/rtfm-si/boardroom/internal/resilience"
	"github.com/rtfm-si/boardroom/internal/service"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otlpEndpoint := ""
	if cfg.Telemetry.Enabled {
		otlpEndpoint = cfg.Telemetry.Endpoint
	}
	shutdownTelemetry, err := otel.Setup(ctx, cfg.Logging.Service, otlpEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// NATS JetStream
	queue, err := brnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// Tiered cache: in-process L1 over a NATS KV L2.
	l1, err := ristretto.New(int(cfg.Cache.L1MaxSizeMB))
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	defer l1.Close()

	kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("l2 cache bucket: %w", err)
	}
	cache := tiered.New(l1, natskv.New(kv), cfg.Cache.L2TTL)

	// Advisory client with a circuit breaker around the upstream.
	advisor := advisoryclient.NewClient(
		cfg.Advisory.URL, cfg.Advisory.APIKey, cfg.Advisory.Timeout, int64(cfg.Advisory.MaxConcurrent))
	advisor.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---
	store := postgres.NewStore(pool)
	events := postgres.NewEventStore(pool)
	costLedger := postgres.NewLedger(pool)

	hub := ws.NewHub(events.LoadFrom)

	seq := service.NewSequencerService(events, hub, queue)
	costs := service.NewCostService(costLedger, store, cache, queue, cfg.Cache.CostTTL)
	driver := service.NewDeliberationService(store, seq, costs, advisor, &cfg.Deliberation, metrics)
	term := service.NewTerminationService(store, seq, queue, driver, metrics)
	driver.SetTerminator(term)
	sessions := service.NewSessionService(store, events, seq, driver)
	recovery := service.NewRecoveryService(store, seq, driver, term, &cfg.Recovery, metrics)

	// Reclaim sessions a previous process left running, then keep scanning.
	if err := recovery.StartupScan(ctx); err != nil {
		return fmt.Errorf("recovery startup scan: %w", err)
	}
	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()
	go recovery.Run(scanCtx)

	// --- HTTP ---
	handlers := &brhttp.Handlers{
		Sessions: sessions,
		Term:     term,
		Costs:    costs,
		Store:    store,
		Hub:      hub,
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(brhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(brhttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(brhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)
	if cfg.Telemetry.Enabled {
		r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	}

	brhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")
	stopScan()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
