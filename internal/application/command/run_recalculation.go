package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RUN RECALCULATION COMMAND
// Ночной проход по всем ученикам: сверка кеша totalXp с журналом,
// пересчёт уровня и серий, выдача недостающих бейджей.
// ══════════════════════════════════════════════════════════════════════════════

// recalcLockName - имя распределённой блокировки прохода.
const recalcLockName = "recalculation"

// Обобщённые причины ошибок; внутренние детали остаются в логах.
const (
	reasonMalformedProfile = "malformed progression profile"
	reasonLearnerBusy      = "learner busy"
	reasonStoreError       = "store error"
)

// RunRecalculationCommand запускает проход.
type RunRecalculationCommand struct {
	// Trigger - кто запустил: "schedule" или "manual".
	Trigger string
}

// DistributedLock не даёт двум процессам выполнять проход одновременно.
type DistributedLock interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// SnapshotRefresher пересчитывает кешированные рейтинги после прохода.
type SnapshotRefresher interface {
	RefreshSnapshots(ctx context.Context) error
}

// RunRecalculationHandler обрабатывает RunRecalculationCommand.
type RunRecalculationHandler struct {
	store     progression.Store
	catalogue *progression.Catalogue
	publisher shared.EventPublisher
	features  FeatureGate
	clock     timeutil.Clock
	log       *logger.Logger

	history   progression.RecalculationLog
	distLock  DistributedLock
	snapshots SnapshotRefresher

	policy   progression.StreakPolicy
	workers  int
	pageSize int
	lockTTL  time.Duration

	running atomic.Bool

	mu   sync.Mutex
	last *progression.RecalculationResult
}

// RunRecalculationHandlerConfig содержит настройки прохода.
type RunRecalculationHandlerConfig struct {
	StreakPolicy progression.StreakPolicy
	Workers      int
	PageSize     int

	// LockTTL - срок распределённой блокировки; должен превышать длительность прохода.
	LockTTL time.Duration
}

// DefaultRunRecalculationHandlerConfig возвращает настройки по умолчанию.
func DefaultRunRecalculationHandlerConfig() RunRecalculationHandlerConfig {
	return RunRecalculationHandlerConfig{
		StreakPolicy: progression.DefaultStreakPolicy(),
		Workers:      8,
		PageSize:     500,
		LockTTL:      30 * time.Minute,
	}
}

// RecalculationDeps - необязательные зависимости прохода.
type RecalculationDeps struct {
	Publisher shared.EventPublisher
	Features  FeatureGate
	Clock     timeutil.Clock
	Logger    *logger.Logger

	// History хранит итог последнего прохода вне процесса.
	History progression.RecalculationLog

	// Lock защищает от параллельного прохода в другом процессе.
	Lock DistributedLock

	// Snapshots пересчитывает рейтинги после прохода.
	Snapshots SnapshotRefresher
}

// NewRunRecalculationHandler создаёт обработчик.
func NewRunRecalculationHandler(
	store progression.Store,
	catalogue *progression.Catalogue,
	deps RecalculationDeps,
	config RunRecalculationHandlerConfig,
) *RunRecalculationHandler {
	defaults := DefaultRunRecalculationHandlerConfig()
	if config.StreakPolicy.GraceWindow <= 0 {
		config.StreakPolicy = defaults.StreakPolicy
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.PageSize <= 0 {
		config.PageSize = defaults.PageSize
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if deps.Publisher == nil {
		deps.Publisher = shared.NopPublisher{}
	}
	if deps.Features == nil {
		deps.Features = allFeatures{}
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}

	return &RunRecalculationHandler{
		store:     store,
		catalogue: catalogue,
		publisher: deps.Publisher,
		features:  deps.Features,
		clock:     deps.Clock,
		log:       deps.Logger.Named("recalculation"),
		history:   deps.History,
		distLock:  deps.Lock,
		snapshots: deps.Snapshots,
		policy:    config.StreakPolicy,
		workers:   config.Workers,
		pageSize:  config.PageSize,
		lockTTL:   config.LockTTL,
	}
}

// Handle выполняет проход. Второй одновременный вызов получает ErrRecalcInProgress.
// Ошибка отдельного ученика учитывается в результате и не прерывает проход.
// Отмена или ошибка чтения страницы останавливает проход: результат
// возвращается с уже собранными счётчиками и Incomplete=true.
func (h *RunRecalculationHandler) Handle(ctx context.Context, cmd RunRecalculationCommand) (result *progression.RecalculationResult, err error) {
	ctx, span := tracer.Start(ctx, "command.RunRecalculation", trace.WithAttributes(
		attribute.String("trigger", cmd.Trigger),
	))
	defer func() { endSpan(span, err) }()

	if !h.running.CompareAndSwap(false, true) {
		return nil, shared.ErrRecalcInProgress
	}
	defer h.running.Store(false)

	if h.distLock != nil {
		release, ok, err := h.distLock.TryLock(ctx, recalcLockName, h.lockTTL)
		switch {
		case err != nil:
			h.log.Warn("distributed recalculation lock unavailable, continuing", logger.Err(err))
		case !ok:
			return nil, shared.ErrRecalcInProgress
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					h.log.Warn("failed to release recalculation lock", logger.Err(err))
				}
			}()
		}
	}

	start := time.Now()
	h.log.Info("recalculation started", logger.String("trigger", cmd.Trigger))

	res := progression.RecalculationResult{}
	var resMu sync.Mutex

	var after progression.LearnerID
	for {
		if err := ctx.Err(); err != nil {
			h.log.Warn("recalculation interrupted", logger.LearnerID(after.Int64()), logger.Err(err))
			res.Errors++
			res.Incomplete = true
			break
		}

		ids, err := h.store.LearnerIDs(ctx, after, h.pageSize)
		if err != nil {
			h.log.Error("failed to list learners, stopping pass", logger.LearnerID(after.Int64()), logger.Err(err))
			res.Errors++
			res.Incomplete = true
			break
		}
		if len(ids) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(h.workers)
		for _, id := range ids {
			g.Go(func() error {
				repaired, err := h.recalculateLearner(ctx, id)

				resMu.Lock()
				defer resMu.Unlock()
				if err != nil {
					res.Errors++
					res.Failures = append(res.Failures, progression.RecalculationFailure{
						LearnerID: id,
						Reason:    failureReason(err),
					})
					h.log.Error("learner recalculation failed", logger.LearnerID(id.Int64()), logger.Err(err))
					return nil
				}
				res.Updated++
				if repaired {
					res.Repaired++
				}
				return nil
			})
		}
		_ = g.Wait()

		after = ids[len(ids)-1]
		if len(ids) < h.pageSize {
			break
		}
	}

	if h.snapshots != nil && ctx.Err() == nil {
		if err := h.snapshots.RefreshSnapshots(ctx); err != nil {
			h.log.Warn("leaderboard snapshot refresh failed", logger.Err(err))
		}
	}

	res.DurationMs = time.Since(start).Milliseconds()
	res.Timestamp = h.clock.Now().UTC()

	h.remember(context.WithoutCancel(ctx), res)
	publishAll(h.publisher, h.features, 0, []shared.Event{
		shared.NewRecalculationCompletedEvent(res.Updated, res.Errors, res.DurationMs, res.Timestamp),
	})

	h.log.Info("recalculation finished",
		logger.Int("updated", res.Updated),
		logger.Int("errors", res.Errors),
		logger.Int("repaired", res.Repaired),
		logger.Bool("incomplete", res.Incomplete),
		logger.Latency(time.Since(start)),
	)
	span.SetAttributes(
		attribute.Int("recalc.updated", res.Updated),
		attribute.Int("recalc.errors", res.Errors),
	)

	return &res, nil
}

// recalculateLearner пересчитывает одного ученика под его блокировкой.
func (h *RunRecalculationHandler) recalculateLearner(ctx context.Context, id progression.LearnerID) (repaired bool, err error) {
	now := h.clock.Now()
	var events []shared.Event

	err = h.store.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
		events = nil
		repaired = false

		p, err := tx.LoadProfile(ctx)
		if err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		loc, err := p.Location()
		if err != nil {
			return err
		}

		ledger, err := tx.LedgerTotal(ctx)
		if err != nil {
			return fmt.Errorf("ledger total: %w", err)
		}
		if ledger != p.TotalXP {
			h.log.Warn("cached total xp drifted from ledger, repairing",
				logger.LearnerID(id.Int64()),
				logger.Int64("cached_xp", p.TotalXP),
				logger.Int64("ledger_xp", ledger),
			)
			events = append(events, shared.NewDriftRepairedEvent(id.Int64(), p.TotalXP, ledger, now))
			repaired = true
		}
		p.ApplyTotal(ledger, now)

		dates, err := tx.ActivityDates(ctx, loc)
		if err != nil {
			return fmt.Errorf("activity dates: %w", err)
		}
		p.ApplyActivity(dates, timeutil.DateOf(now, loc), h.policy, now)

		badges, err := awardPending(ctx, tx, h.catalogue, p, now)
		if err != nil {
			return err
		}
		events = append(events, badgeEvents(id, badges)...)

		return tx.SaveProfile(ctx, p)
	})
	if err != nil {
		return false, err
	}

	publishAll(h.publisher, h.features, id, events)
	return repaired, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrInvalidID):
		return reasonMalformedProfile
	case shared.IsRetryable(err):
		return reasonLearnerBusy
	default:
		return reasonStoreError
	}
}

func (h *RunRecalculationHandler) remember(ctx context.Context, res progression.RecalculationResult) {
	h.mu.Lock()
	r := res
	h.last = &r
	h.mu.Unlock()

	if h.history != nil {
		if err := h.history.SaveLastRecalculation(ctx, res); err != nil {
			h.log.Warn("failed to store recalculation result", logger.Err(err))
		}
	}
}

// Last возвращает итог последнего прохода: сначала из общего хранилища,
// затем из памяти процесса. found=false, если проход ещё не выполнялся.
func (h *RunRecalculationHandler) Last(ctx context.Context) (*progression.RecalculationResult, bool, error) {
	if h.history != nil {
		r, found, err := h.history.LastRecalculation(ctx)
		if err != nil {
			h.log.Warn("failed to read recalculation result", logger.Err(err))
		} else if found {
			return r, true, nil
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return nil, false, nil
	}
	r := *h.last
	return &r, true, nil
}

// Running сообщает, выполняется ли проход в этом процессе.
func (h *RunRecalculationHandler) Running() bool {
	return h.running.Load()
}
