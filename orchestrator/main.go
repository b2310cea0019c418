package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/itskum47/PlanetForge/orchestrator/config"
	"github.com/itskum47/PlanetForge/orchestrator/logging"
	"github.com/itskum47/PlanetForge/orchestrator/queue"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

// Set via -ldflags at build time.
var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "planetforge",
		Short:   "Round-calculation orchestrator for planet game servers",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}
	root.AddCommand(serveCmd, migrateCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{
		Level:      cfg.Logging.Level,
		JSONOutput: cfg.Logging.JSONOutput,
	})
	log := logging.WithComponent("main")
	log.Info().Str("version", version).Str("addr", cfg.Server.Addr).Msg("starting orchestrator")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	idx, err := buildIndex(cfg)
	if err != nil {
		return err
	}

	if err := reconcileStartup(ctx, st, idx, cfg.Redis.LegacyKey, time.Now); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	hub := NewHub(st)
	var assignMu sync.Mutex
	results := NewResults(st, idx, hub, &assignMu)
	assigner := NewAssigner(st, idx, hub, &assignMu, cfg.Scheduler.TickInterval)
	health := NewHealth(st, idx, hub, results, cfg.Scheduler.HealthInterval, cfg.Scheduler.HeartbeatStale, cfg.Scheduler.HeartbeatOffline)
	sessions := NewSessionServer(ctx, st, hub, results, cfg.Session)
	api := NewAPI(st, idx, hub, results, sessions, &assignMu)

	assigner.Start(ctx)
	health.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Str("addr", cfg.Server.Addr).Msg("listening")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	log.Info().Msg("orchestrator stopped")
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		st, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return st, nil
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildIndex(cfg *config.Config) (queue.Index, error) {
	switch cfg.Redis.Driver {
	case "redis":
		idx, err := queue.NewRedisIndex(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.QueueKey)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return idx, nil
	case "memory":
		return queue.NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown redis driver %q", cfg.Redis.Driver)
	}
}

func runMigrate(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Database.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, store.Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	fmt.Println("schema applied")
	return nil
}
