// Package main is the entry point for the cached results server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"resultcache/internal/api"
	"resultcache/internal/config"
	internaldb "resultcache/internal/db"
	"resultcache/internal/db/repository"
	"resultcache/internal/engine"
	"resultcache/internal/logic"
	"resultcache/internal/middleware"
	"resultcache/internal/service/cachedresults"
	"resultcache/internal/status"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "resultcache",
		Short:         "Cached results query server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	})

	return root
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runMigrate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := internaldb.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	return internaldb.RunMigrations(store, cfg.StoreDriver)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	store, err := internaldb.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := internaldb.RunMigrations(store, cfg.StoreDriver); err != nil {
		return err
	}

	// Repositories over the shared store.
	statusRepo := repository.NewStatusRepo(store)
	lockRepo := repository.NewLockRepo(store)
	monitorRepo := repository.NewMonitorStatusRepo(store)
	tableRepo := repository.NewTableRegistryRepo(store)
	auditRepo := repository.NewAuditRepo(store)

	statuses := status.NewCache(statusRepo, lockRepo, cfg.LockWaitTime, cfg.LockLeaseTime, logger)

	registry := logic.NewRegistry()
	for _, name := range cfg.CacheableLogics {
		registry.Register(name, logic.EventCodec{LogicName: name})
	}

	queryEngine := engine.NewRemoteEngine(cfg.RemoteEngine)
	materializer := cachedresults.NewMaterializer(store, cfg.NumFields, cfg.MaxValueLength, cfg.MaxInsertAttempts, logger)
	sqlgen, err := cachedresults.NewSQLGenerator(cfg.ReservedStatements, cfg.AllowedFunctions)
	if err != nil {
		return err
	}
	loader := cachedresults.NewLoader(queryEngine, registry, materializer, statuses, tableRepo, logger)

	svc, err := cachedresults.NewService(cfg, statuses, loader, queryEngine, registry, materializer, sqlgen, auditRepo, tableRepo, store, logger)
	if err != nil {
		return err
	}
	defer svc.Shutdown()

	monitor := cachedresults.NewMonitor(cfg.Monitor, cfg.DaysToLive, statuses, lockRepo, monitorRepo, tableRepo, materializer, queryEngine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	router := buildRouter(cfg, svc, auditRepo, store, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func buildRouter(cfg *config.Config, svc *cachedresults.Service, auditRepo *repository.AuditRepo, store *sql.DB, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.PrincipalHeader, middleware.PrincipalAdminHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := store.PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Identity before the rate limiter so buckets key on the principal.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Use(middleware.RateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		}))
		r.Mount("/", api.NewHandler(svc, auditRepo, logger).Routes())
	})

	return r
}
