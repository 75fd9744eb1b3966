// Package main - точка входа HTTP API Progression Engine.
//
// API принимает события обучения, начисляет XP, ведёт серии и бейджи,
// отдаёт статистику учеников и лидерборды.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/app"
	httpapi "github.com/alem-hub/progression-engine/internal/interface/http"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log, err := app.NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()
	log = log.Named("api")

	log.Info("starting Progression Engine API",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("driver", cfg.Database.Driver),
		logger.Bool("redis", !cfg.Redis.Disabled),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩЕ, КЕШ, ШИНА СОБЫТИЙ, ОБРАБОТЧИКИ
	// ─────────────────────────────────────────────────────────────────────────
	a, err := app.New(ctx, cfg, log, "api")
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Error("shutdown finished with errors", logger.Err(err))
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. HEALTH CHECKS
	// ─────────────────────────────────────────────────────────────────────────
	health := httpapi.NewHealthChecker(cfg.App.Version)
	health.AddPinger("store", true, a.Store)
	if a.Redis != nil {
		// Without Redis the API still serves from the store.
		health.AddPinger("redis", false, a.Redis)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	h := a.Handlers
	server, err := httpapi.NewServer(httpapi.Config{
		Host:           cfg.HTTP.Host,
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		AdminTokenHash: cfg.HTTP.AdminTokenHash,
		ServiceName:    cfg.App.Name,
		Debug:          cfg.App.Debug,
	}, httpapi.Dependencies{
		RecordEvent:      h.RecordEvent,
		EvaluateBadges:   h.EvaluateBadges,
		AcknowledgeBadge: h.AcknowledgeBadge,
		SetVisibility:    h.SetVisibility,
		UseStreakFreeze:  h.UseStreakFreeze,
		Recalculation:    h.Recalculation,
		GetStats:         h.GetStats,
		GetBadges:        h.GetBadges,
		GetBadgeProgress: h.GetBadgeProgress,
		GetBadgeCatalog:  h.GetBadgeCatalog,
		GetDailyGoal:     h.GetDailyGoal,
		GetTransactions:  h.GetTransactions,
		GetLeaderboard:   h.GetLeaderboard,
		Health:           health,
		Logger:           log,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	if cfg.HTTP.AdminTokenHash == "" {
		log.Warn("ADMIN_TOKEN_HASH is empty, admin endpoints are closed")
	}

	errCh := server.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
	}

	log.Info("shutdown completed successfully")
	return nil
}
