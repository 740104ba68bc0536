// WA Dispatch - paced WhatsApp batch messaging server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/wa-dispatch/internal/config"
	"github.com/ashureev/wa-dispatch/internal/dispatch"
	"github.com/ashureev/wa-dispatch/internal/lifecycle"
	"github.com/ashureev/wa-dispatch/internal/session"
	"github.com/ashureev/wa-dispatch/internal/store"
	"github.com/ashureev/wa-dispatch/internal/transport/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

const pruneInterval = time.Hour

func main() {
	logLevel := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logLevel.Set(cfg.LogLevel)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	reg := session.NewRegistry(session.SendLimit{
		Rate:  rate.Limit(cfg.Dispatch.SendRatePerMinute / 60),
		Burst: cfg.Dispatch.SendBurst,
	})
	defer reg.Close()

	mgr := lifecycle.NewManager(reg, whatsapp.NewFactory(cfg.SessionDir, logger), logger)
	disp := dispatch.New(reg, dispatch.Config{
		MinDelay:    cfg.Dispatch.MinDelay,
		MaxDelay:    cfg.Dispatch.MaxDelay,
		SendTimeout: cfg.Dispatch.SendTimeout,
	}, dispatch.WithRecorder(repo), dispatch.WithLogger(logger))

	// Signals cancel every request context, so running batches record
	// their remaining recipients as cancelled before the store closes.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newHTTPServer(":"+cfg.Port, newRouter(cfg, reg, repo, mgr, disp), ctx)

	session.StartReaper(ctx, reg, cfg.Reaper.Interval, cfg.Reaper.IdleTimeout)
	store.StartRetentionWorker(ctx, repo, pruneInterval, cfg.BatchRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}
