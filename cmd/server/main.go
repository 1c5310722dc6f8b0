package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/mmynk/royalties/internal/audit"
	"github.com/mmynk/royalties/internal/auth"
	"github.com/mmynk/royalties/internal/config"
	"github.com/mmynk/royalties/internal/escrow"
	"github.com/mmynk/royalties/internal/ingest"
	"github.com/mmynk/royalties/internal/metrics"
	"github.com/mmynk/royalties/internal/middleware"
	"github.com/mmynk/royalties/internal/registry"
	"github.com/mmynk/royalties/internal/resolver"
	"github.com/mmynk/royalties/internal/royalty"
	"github.com/mmynk/royalties/internal/service"
	"github.com/mmynk/royalties/internal/settlement"
	"github.com/mmynk/royalties/internal/storage/bolt"
	"github.com/mmynk/royalties/internal/storage/sqlite"
	"github.com/mmynk/royalties/internal/substrate"
	"github.com/mmynk/royalties/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		logging.Setup()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	for _, path := range []string{cfg.Storage.SQLitePath, cfg.Storage.AuditPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// Initialize SQLite storage
	store, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	slog.Info("Storage initialized", "database", cfg.Storage.SQLitePath)

	auditStore, err := bolt.Open(cfg.Storage.AuditPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer auditStore.Close()
	slog.Info("Audit log opened", "path", cfg.Storage.AuditPath)

	tolerance, err := cfg.Tolerance()
	if err != nil {
		return err
	}

	ledger := audit.New(auditStore)
	reg := registry.New(store, ledger, registry.WithTolerance(tolerance))
	esc := escrow.NewManager(store, reg, ledger)
	sim := substrate.NewSimulated(cfg.Substrate.FinalityDelay)
	engine := settlement.NewEngine(store, sim, esc, ledger, settlement.Config{
		MaxAttempts:   cfg.Settlement.MaxAttempts,
		BaseBackoff:   cfg.Settlement.BaseBackoff,
		MaxBackoff:    cfg.Settlement.MaxBackoff,
		RetryInterval: cfg.Settlement.RetryInterval,
		Workers:       cfg.Settlement.Workers,
		BatchSize:     cfg.Settlement.BatchSize,
	})
	sim.SetListener(engine)
	pipeline := royalty.New(store,
		ingest.New(store, reg, ledger),
		resolver.New(store, reg, ledger, cfg.Distribution.PlatformFeeBps),
		engine, esc, ledger)

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	keys := make([]auth.KeyEntry, 0, len(cfg.Auth.Principals))
	for _, p := range cfg.Auth.Principals {
		role, err := auth.ParseRole(p.Role)
		if err != nil {
			return fmt.Errorf("principal %s: %w", p.Subject, err)
		}
		keys = append(keys, auth.KeyEntry{Subject: p.Subject, Role: role, KeyHash: p.KeyHash})
	}
	authenticator, err := auth.NewKeyAuthenticator(keys)
	if err != nil {
		return fmt.Errorf("failed to load principals: %w", err)
	}

	mux := http.NewServeMux()

	// Register Connect services
	service.Services{
		Auth:       service.NewAuthService(authenticator, jwtManager, slog.Default()),
		Registry:   service.NewRegistryService(reg),
		Revenue:    service.NewRevenueService(pipeline, store),
		Settlement: service.NewSettlementService(engine),
		Escrow:     service.NewEscrowService(esc),
		Audit:      service.NewAuditService(ledger),
	}.Mount(mux, connect.WithInterceptors(
		middleware.RequireAuth(jwtManager, service.Policy()),
		middleware.LoggingInterceptor(),
	))
	mux.Handle("/metrics", metrics.Handler())

	// Add logging and CORS middleware
	loggedHandler := loggingMiddleware(corsMiddleware(mux))

	// Wrap with h2c for HTTP/2 without TLS (required for Connect)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(loggedHandler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("Connect server starting",
			"address", cfg.Server.Addr,
			"substrate", cfg.Substrate.Mode,
			"principals", len(keys),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// loggingMiddleware logs all incoming requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		slog.Debug("Request received",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		next.ServeHTTP(w, r)

		slog.Info("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
