package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"code-review-service/internal/config"
	"code-review-service/internal/gateway"
	"code-review-service/internal/httpx"
	"code-review-service/internal/inference"
	"code-review-service/internal/notify"
	"code-review-service/internal/pipeline"
	"code-review-service/internal/source"
	"code-review-service/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components. One retry policy serves every
	// outbound integration.
	policy := httpx.Policy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.RetryBaseDelay,
		BackoffFactor: cfg.RetryBackoffFactor,
		RetryStatuses: httpx.DefaultPolicy().RetryStatuses,
	}

	recordStore := store.New(dbpool, logger)
	sourceClient := source.NewClient(cfg.GithubToken, policy, cfg.RequestTimeout, logger)
	inferenceClient := inference.NewClient(cfg.InferenceURL, cfg.InferenceModel,
		httpx.NewClient(policy, cfg.InferenceTimeout, logger), logger)
	dispatcher := notify.NewDispatcher(httpx.NewClient(policy, cfg.RequestTimeout, logger), logger)

	pipe := pipeline.New(recordStore, sourceClient, inferenceClient, dispatcher, pipeline.Config{
		Owner:            cfg.RepoOwner,
		Name:             cfg.RepoName,
		NotifyWebhookURL: cfg.NotifyWebhookURL,
		MaxDiffChars:     cfg.MaxDiffChars,
		NotifyDelay:      cfg.NotifyDelay,
		SweepInterval:    cfg.SweepInterval,
	}, logger)

	router := gateway.NewRouter(recordStore, pipe, cfg.WebhookSecret, cfg.RepoOwner, cfg.RepoName, logger)

	// 6. Start the sweeper and the HTTP server
	go pipe.Start(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server failure
	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received. Exiting.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	return nil
}

func runMigrations(dbURL string) error {
	m, err := migrate.New("file://migrations", dbURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
