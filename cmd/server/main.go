package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/acmelabs/product-importer/internal/config"
	"github.com/acmelabs/product-importer/internal/importer"
	"github.com/acmelabs/product-importer/internal/logging"
	"github.com/acmelabs/product-importer/internal/store"
	"github.com/acmelabs/product-importer/internal/store/migrations"
	"github.com/acmelabs/product-importer/internal/web"
	"github.com/acmelabs/product-importer/internal/webhook"
)

func main() {
	// Load .env file if present (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_batch_size", cfg.Import.BatchSize,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
	)

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	if err := migrations.RunUp(ctx, pool); err != nil {
		slog.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Import.UploadDir, 0o755); err != nil {
		slog.Error("failed to create upload directory",
			"dir", cfg.Import.UploadDir, "error", err)
		os.Exit(1)
	}

	registry := store.NewWebhookRegistry(pool)
	dispatcher := webhook.NewDispatcher(registry, cfg.Webhook.Timeout)

	service := importer.NewService(
		store.NewRecordStore(pool),
		store.NewLedger(pool),
		dispatcher,
		importer.Options{
			BatchSize:     cfg.Import.BatchSize,
			MaxConcurrent: cfg.Import.MaxConcurrent,
			MaxWaitTime:   cfg.Import.MaxWaitTime,
		},
	)

	server := web.NewServer(service, pool, cfg)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if active := service.ActiveImports(); active > 0 {
			slog.Info("waiting for imports to complete", "active", active)
			if err := service.WaitForImports(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
