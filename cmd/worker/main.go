// Package main - точка входа для фоновых процессов (Worker) Progression Engine.
//
// Worker отвечает за периодические задачи:
// - Ночной перерасчёт прогрессии (сверка XP с журналом, уровни, серии, бейджи)
// - Обновление снимков лидерборда
//
// С флагом -once выполняется один проход перерасчёта, после чего процесс завершается.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/app"
	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progression-engine/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	once := flag.Bool("once", false, "run a single recalculation pass and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *once); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, once bool) error {
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
	log = log.Named("worker")

	log.Info("starting Progression Engine Worker",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.Bool("once", once),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ХРАНИЛИЩЕ, КЕШ, ШИНА СОБЫТИЙ, ОБРАБОТЧИКИ
	// ─────────────────────────────────────────────────────────────────────────
	a, err := app.New(ctx, cfg, log, "worker")
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

	if once {
		return runOnce(ctx, a, log)
	}

	if !cfg.Scheduler.Enabled {
		log.Warn("scheduler is disabled, nothing to do")
		return nil
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:         log,
		Timezone:       cfg.Scheduler.Location,
		JobTimeout:     cfg.Scheduler.JobTimeout,
		MaxHistorySize: 100,
		EnableMetrics:  true,
	})

	recalcJob := jobs.NewRecalculateProgressionJob(a.Handlers.Recalculation, log)
	if err := sched.Register(recalcJob, cfg.Scheduler.RecalculationSchedule); err != nil {
		return fmt.Errorf("failed to register %s: %w", recalcJob.Name(), err)
	}

	refreshJob := jobs.NewRefreshLeaderboardJob(a.Handlers.GetLeaderboard, time.Minute, log)
	if err := sched.Register(refreshJob, cfg.Scheduler.SnapshotRefreshSchedule); err != nil {
		return fmt.Errorf("failed to register %s: %w", refreshJob.Name(), err)
	}

	sched.OnJobComplete(func(r scheduler.JobResult) {
		if !r.Success {
			log.Error("job failed",
				logger.String("job", r.JobName),
				logger.Duration("duration", r.Duration),
				logger.String("error", r.Error),
			)
		}
	})

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	for _, j := range sched.ListJobs() {
		log.Info("job scheduled",
			logger.String("job", j.Name),
			logger.String("schedule", j.Schedule),
			logger.Time("next_run", j.NextRun),
		)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	<-ctx.Done()
	log.Info("received shutdown signal, stopping scheduler")

	if err := sched.Stop(); err != nil {
		log.Warn("scheduler stop failed", logger.Err(err))
	}

	log.Info("shutdown completed successfully")
	return nil
}

// runOnce выполняет один ручной проход перерасчёта.
func runOnce(ctx context.Context, a *app.App, log *logger.Logger) error {
	if a.Config.Scheduler.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Config.Scheduler.JobTimeout)
		defer cancel()
	}

	res, err := a.Handlers.Recalculation.Handle(ctx, command.RunRecalculationCommand{Trigger: "manual"})
	if errors.Is(err, shared.ErrRecalcInProgress) {
		log.Warn("another recalculation is running, exiting")
		return nil
	}
	if err != nil {
		return fmt.Errorf("recalculation failed: %w", err)
	}

	log.Info("recalculation finished",
		logger.Int("updated", res.Updated),
		logger.Int("errors", res.Errors),
		logger.Int("repaired", res.Repaired),
		logger.Int64("duration_ms", res.DurationMs),
		logger.Bool("incomplete", res.Incomplete),
	)
	if res.Incomplete {
		return errors.New("recalculation stopped before all learners were processed")
	}
	return nil
}
