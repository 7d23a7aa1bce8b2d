package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/darkermemo/huntql/common/logging"
	"github.com/darkermemo/huntql/common/middleware"
	"github.com/darkermemo/huntql/internal/aggregate"
	"github.com/darkermemo/huntql/internal/catalog"
	"github.com/darkermemo/huntql/internal/compile"
	"github.com/darkermemo/huntql/internal/config"
	"github.com/darkermemo/huntql/internal/detection"
	"github.com/darkermemo/huntql/internal/eventstore"
	"github.com/darkermemo/huntql/internal/execute"
	"github.com/darkermemo/huntql/internal/handlers"
	"github.com/darkermemo/huntql/internal/notify"
	"github.com/darkermemo/huntql/internal/server"
	"github.com/darkermemo/huntql/internal/tail"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the huntql API server and detection scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	if err := runMigrations(cfg.Postgres.DSN); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.Postgres.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Postgres.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var publisher *notify.Publisher
	if cfg.NATS.Enabled {
		publisher, err = notify.NewPublisher(cfg.NATS.URL, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer publisher.Close()
	}

	store := eventstore.NewClickHouse(eventstore.ClickHouseConfig{
		URL:      cfg.ClickHouse.URL,
		Database: cfg.ClickHouse.Database,
		Username: cfg.ClickHouse.Username,
		Password: cfg.ClickHouse.Password,
		Timeout:  cfg.ClickHouse.Timeout,
	}, logger)

	provider, err := catalogProvider(cfg)
	if err != nil {
		return err
	}

	compiler := compile.New(compile.Config{
		Table:             cfg.ClickHouse.Table,
		MaxSpan:           cfg.Query.MaxSpan,
		MaxRegexCost:      cfg.Query.MaxRegexCost,
		DefaultScanBudget: cfg.Query.DefaultScanBudget,
		TenantScanBudgets: cfg.Query.TenantScanBudgets,
	})

	limiter := execute.NewLimiter(redisClient, cfg.Query.MaxConcurrentPerTenant, logger)
	signer := execute.NewCursorSigner(cfg.Query.CursorSecret)
	engine := execute.NewEngine(store, limiter, signer, cfg.ClickHouse.Table, logger)
	agg := aggregate.NewService(store, cfg.ClickHouse.Table, logger)

	repo := detection.NewRepository(pool)
	detections := detection.NewService(repo, compiler, provider, store, publisher, logger)

	if cfg.Scheduler.Enabled {
		sched := detection.NewScheduler(detections, cfg.Scheduler.RefreshInterval, cfg.Scheduler.DedupTTL, logger)
		go sched.Run(ctx)
	}

	h := handlers.New(handlers.Config{
		Compiler:   compiler,
		Engine:     engine,
		Aggregator: agg,
		Catalog:    provider,
		Detections: detections,
		Store:      store,
		Table:      cfg.ClickHouse.Table,
		Tail: tail.Config{
			PollInterval:   cfg.Tail.PollInterval,
			Grace:          cfg.Tail.Grace,
			MaxRowsPerPoll: cfg.Tail.MaxRowsPerPoll,
		},
		MaxTails: cfg.Tail.MaxSessions,
		Logger:   logger,
	})

	auth := middleware.NewTenantAuth(cfg.Auth.JWTSecret)
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowedOrigins = cfg.Server.AllowedOrigins

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.NewRouter(h, auth, corsCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("huntql listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMigrations(dsn string) error {
	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func catalogProvider(cfg *config.Config) (catalog.Provider, error) {
	if cfg.Catalog.OverlayPath == "" {
		return catalog.NewStaticProvider(), nil
	}
	if _, err := os.Stat(cfg.Catalog.OverlayPath); err != nil {
		return nil, fmt.Errorf("catalog overlay: %w", err)
	}
	return catalog.NewStaticProviderFromFile(cfg.Catalog.OverlayPath)
}
