// Package app wires configuration, storage, cache, event bus and the
// application handlers shared by the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	gormlogger "gorm.io/gorm/logger"

	"github.com/alem-hub/progression-engine/config"
	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/application/eventhandler"
	"github.com/alem-hub/progression-engine/internal/application/query"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progression-engine/internal/infrastructure/observability"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/sqlite"
	"github.com/alem-hub/progression-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// EventBus is the bus the handlers publish to and subscribe on.
type EventBus interface {
	shared.EventPublisher
	shared.EventSubscriber
	Close() error
}

// Handlers groups the command and query handlers.
type Handlers struct {
	RecordEvent      *command.RecordEventHandler
	EvaluateBadges   *command.EvaluateBadgesHandler
	AcknowledgeBadge *command.AcknowledgeBadgeHandler
	SetVisibility    *command.SetVisibilityHandler
	UseStreakFreeze  *command.UseStreakFreezeHandler
	Recalculation    *command.RunRecalculationHandler

	GetStats         *query.GetStatsHandler
	GetBadges        *query.GetBadgesHandler
	GetBadgeProgress *query.GetBadgeProgressHandler
	GetBadgeCatalog  *query.GetBadgeCatalogHandler
	GetDailyGoal     *query.GetDailyGoalHandler
	GetTransactions  *query.GetTransactionsHandler
	GetLeaderboard   *query.GetLeaderboardHandler
}

// App holds every long-lived dependency of a process.
type App struct {
	Config    *config.Config
	Log       *logger.Logger
	Clock     timeutil.Clock
	Store     progression.Store
	Catalogue *progression.Catalogue
	Bus       EventBus
	Handlers  Handlers

	// Redis is nil when the cache is disabled.
	Redis *redis.Cache

	shutdownTracing observability.ShutdownFunc
	closers         []func() error
}

// NewLogger builds the process logger from the observability settings.
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Options{
		Level:       logger.ParseLevel(cfg.Observability.LogLevel),
		Format:      logger.Format(cfg.Observability.LogFormat),
		AddCaller:   true,
		Development: cfg.App.Environment == config.EnvDevelopment,
	})
}

// New connects to storage and wires the handlers. Close releases everything
// New acquired, also when New fails halfway.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, component string) (a *App, err error) {
	a = &App{
		Config: cfg,
		Log:    log,
		Clock:  timeutil.SystemClock(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	a.shutdownTracing, err = observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		ServiceName: cfg.App.Name + "-" + component,
		Environment: string(cfg.App.Environment),
		Version:     cfg.App.Version,
		Exporter:    cfg.Observability.TracingExporter,
		SampleRatio: cfg.Observability.TracingSampleRatio,
	}, log)
	if err != nil {
		return a, fmt.Errorf("init tracing: %w", err)
	}

	a.Catalogue, err = config.LoadBadgeCatalogue(cfg.Progression.BadgeCatalogPath)
	if err != nil {
		return a, fmt.Errorf("load badge catalogue: %w", err)
	}

	if err = a.openStore(ctx); err != nil {
		return a, err
	}
	if err = a.Store.SyncBadgeDefinitions(ctx, a.Catalogue.All()); err != nil {
		return a, fmt.Errorf("sync badge definitions: %w", err)
	}

	if !cfg.Redis.Disabled {
		if err = a.connectRedis(ctx); err != nil {
			return a, err
		}
	}

	if err = a.openBus(); err != nil {
		return a, err
	}

	a.wireHandlers()

	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		conn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL, postgres.PoolOptions{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("migrate postgres: %w", err)
		}
		a.Store = postgres.NewStore(conn, postgres.StoreOptions{
			LockTimeout:     cfg.Progression.LockTimeout,
			DefaultTimezone: cfg.Progression.DefaultTimezone,
		})

	case config.DriverSQLite:
		opts := sqlite.Options{
			LockTimeout:     cfg.Progression.LockTimeout,
			DefaultTimezone: cfg.Progression.DefaultTimezone,
			Clock:           a.Clock,
		}
		if cfg.Database.LogQueries {
			opts.LogLevel = gormlogger.Info
		}
		store, err := sqlite.Open(cfg.Database.SQLitePath, opts)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.Store = store

	case config.DriverMemory:
		a.Log.Warn("using the in-memory store, progression is lost on restart")
		a.Store = memory.New(memory.Options{
			LockTimeout:     cfg.Progression.LockTimeout,
			DefaultTimezone: cfg.Progression.DefaultTimezone,
			Clock:           a.Clock,
		})

	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	a.closers = append(a.closers, a.Store.Close)
	a.Log.Info("store ready", logger.String("driver", cfg.Database.Driver))
	return nil
}

func (a *App) connectRedis(ctx context.Context) error {
	rc := a.Config.Redis
	cache, err := redis.NewCache(ctx, redis.Config{
		URL:          rc.URL,
		Host:         rc.Host,
		Port:         rc.Port,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.Redis = cache
	a.closers = append(a.closers, cache.Close)
	a.Log.Info("redis ready")
	return nil
}

func (a *App) openBus() error {
	local := messaging.InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 4,
		Logger:         a.Log,
		EnableMetrics:  true,
	}
	if a.Redis == nil {
		a.Bus = messaging.NewInMemoryEventBus(local)
	} else {
		bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			Client:         messaging.NewGoRedisClient(a.Redis.Client()),
			InstanceID:     uuid.NewString(),
			LocalBusConfig: local,
			Logger:         a.Log,
		})
		if err != nil {
			return fmt.Errorf("start event bus: %w", err)
		}
		a.Bus = bus
	}
	// The bus drains before the store closes.
	a.closers = append(a.closers, a.Bus.Close)
	return nil
}

func (a *App) wireHandlers() {
	cfg := a.Config
	features := cfg.Features
	policy := progression.StreakPolicy{GraceWindow: cfg.Progression.GraceWindow}
	targets := progression.GoalTargets{
		XP:      cfg.Progression.DailyGoalXP,
		Lessons: cfg.Progression.DailyGoalLessons,
		Minutes: cfg.Progression.DailyGoalMinutes,
	}

	var (
		cache   query.LeaderboardCache
		history progression.RecalculationLog
		lock    command.DistributedLock
	)
	if a.Redis != nil {
		breaker := circuitbreaker.CacheBreaker(func(name string, from, to circuitbreaker.State) {
			a.Log.Warn("circuit breaker state changed",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		})
		cache = redis.NewLeaderboardCache(a.Redis, cfg.Leaderboard.CacheTTL, breaker)
		history = redis.NewRecalcResultStore(a.Redis)
		lock = a.Redis
	} else {
		cache = memory.NewLeaderboardCache(cfg.Leaderboard.CacheTTL, a.Clock)
		history = &memory.RecalculationLog{}
	}

	leaderboard := query.NewGetLeaderboardHandler(a.Store, cache, features, a.Clock, a.Log, query.GetLeaderboardHandlerConfig{
		Location:     cfg.Leaderboard.Location,
		SnapshotSize: cfg.Leaderboard.SnapshotSize,
	})

	a.Handlers = Handlers{
		RecordEvent: command.NewRecordEventHandler(a.Store, a.Catalogue, a.Bus, features, a.Clock, a.Log, command.RecordEventHandlerConfig{
			StreakPolicy:  policy,
			GoalTargets:   targets,
			MaxFutureSkew: cfg.Progression.MaxFutureSkew,
			RetryAttempts: cfg.Progression.RetryAttempts,
		}),
		EvaluateBadges:   command.NewEvaluateBadgesHandler(a.Store, a.Catalogue, a.Bus, features, a.Clock, a.Log),
		AcknowledgeBadge: command.NewAcknowledgeBadgeHandler(a.Store),
		SetVisibility:    command.NewSetVisibilityHandler(a.Store, cache, a.Clock, a.Log),
		UseStreakFreeze:  command.NewUseStreakFreezeHandler(a.Store, a.Bus, features, a.Clock, policy, a.Log),
		Recalculation: command.NewRunRecalculationHandler(a.Store, a.Catalogue, command.RecalculationDeps{
			Publisher: a.Bus,
			Features:  features,
			Clock:     a.Clock,
			Logger:    a.Log,
			History:   history,
			Lock:      lock,
			Snapshots: leaderboard,
		}, command.RunRecalculationHandlerConfig{
			StreakPolicy: policy,
			Workers:      cfg.Scheduler.RecalculationWorkers,
			PageSize:     cfg.Scheduler.RecalculationPageSize,
			LockTTL:      cfg.Scheduler.JobTimeout,
		}),

		GetStats:         query.NewGetStatsHandler(a.Store, a.Catalogue, a.Clock, policy, cfg.Leaderboard.Location),
		GetBadges:        query.NewGetBadgesHandler(a.Store, a.Catalogue),
		GetBadgeProgress: query.NewGetBadgeProgressHandler(a.Store, a.Catalogue, features, a.Clock, policy),
		GetBadgeCatalog:  query.NewGetBadgeCatalogHandler(a.Catalogue),
		GetDailyGoal:     query.NewGetDailyGoalHandler(a.Store, a.Clock, targets),
		GetTransactions:  query.NewGetTransactionsHandler(a.Store),
		GetLeaderboard:   leaderboard,
	}

	a.subscribe(cache)
}

// subscribe attaches the event handlers. A failure only costs cache freshness,
// which the snapshot TTL bounds anyway.
func (a *App) subscribe(cache eventhandler.Invalidator) {
	err := eventhandler.Register(a.Bus,
		eventhandler.NewOnXPChangedHandler(cache, a.Log),
		eventhandler.NewOnMilestoneHandler(a.Log),
	)
	if err != nil {
		a.Log.Error("failed to register event handlers", logger.Err(err))
	}
}

// Close releases resources in reverse order of acquisition and flushes spans.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
