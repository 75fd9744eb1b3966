package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/retry"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD EVENT COMMAND
// Превращает учебное событие в запись журнала XP и пересчитывает уровень,
// серию, дневную цель и бейджи ученика в одной транзакции.
// ══════════════════════════════════════════════════════════════════════════════

// RecordEventCommand - учебное событие от внешнего источника.
type RecordEventCommand struct {
	// LearnerID - ученик.
	LearnerID progression.LearnerID

	// Source - источник XP.
	Source progression.Source

	// Amount - базовая сумма до множителя серии.
	Amount int64

	// ReferenceID - необязательный идентификатор урока, теста и т.п.
	ReferenceID string

	// OccurredAt - момент события; нулевое значение - сейчас.
	OccurredAt time.Time

	// Minutes - время занятия для дневной цели.
	Minutes int

	// Timezone - IANA-пояс ученика; пустая строка оставляет сохранённый.
	Timezone string
}

// Validate проверяет команду без обращения к хранилищу.
func (c RecordEventCommand) Validate() error {
	if err := c.LearnerID.Validate(); err != nil {
		return err
	}
	if !c.Source.IsValid() {
		return shared.ErrUnknownSource
	}
	if err := c.Source.ValidateAmount(c.Amount); err != nil {
		return err
	}
	if c.Minutes < 0 {
		return shared.NewDomainError("progression", "RecordEvent", shared.ErrNegativeValue, "minutes cannot be negative")
	}
	if c.Timezone != "" {
		if _, err := timeutil.LoadLocation(c.Timezone); err != nil {
			return shared.ErrInvalidTimezone
		}
	}
	return nil
}

// RecordEventResult - состояние ученика после события.
type RecordEventResult struct {
	LearnerID     progression.LearnerID `json:"learnerId"`
	TransactionID string                `json:"transactionId"`

	// XPAwarded - начисленная сумма с учётом множителя.
	XPAwarded int64 `json:"xpAwarded"`

	// MultiplierPct - применённый множитель в процентах.
	MultiplierPct int `json:"multiplierApplied"`

	TotalXP   int64                 `json:"totalXp"`
	Level     progression.LevelInfo `json:"level"`
	LeveledUp bool                  `json:"leveledUp"`

	Streak        int `json:"streak"`
	LongestStreak int `json:"longestStreak"`

	// StreakFreezes - доступные заморозки после события.
	StreakFreezes int `json:"streakFreezes"`

	NewBadges []AwardedBadge `json:"newBadges"`

	// DailyGoal - цель на сегодня; nil для опоздавших событий за прошлые дни.
	DailyGoal *progression.DailyGoal `json:"dailyGoal,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// RecordEventHandler обрабатывает RecordEventCommand.
type RecordEventHandler struct {
	uow       progression.UnitOfWork
	catalogue *progression.Catalogue
	publisher shared.EventPublisher
	features  FeatureGate
	clock     timeutil.Clock
	retrier   *retry.Retrier
	log       *logger.Logger

	policy        progression.StreakPolicy
	goalTargets   progression.GoalTargets
	maxFutureSkew time.Duration
}

// RecordEventHandlerConfig содержит настройки обработчика.
type RecordEventHandlerConfig struct {
	StreakPolicy  progression.StreakPolicy
	GoalTargets   progression.GoalTargets
	MaxFutureSkew time.Duration
	RetryAttempts int
}

// DefaultRecordEventHandlerConfig возвращает настройки по умолчанию.
func DefaultRecordEventHandlerConfig() RecordEventHandlerConfig {
	return RecordEventHandlerConfig{
		StreakPolicy:  progression.DefaultStreakPolicy(),
		GoalTargets:   progression.DefaultGoalTargets(),
		MaxFutureSkew: 5 * time.Minute,
		RetryAttempts: 3,
	}
}

// NewRecordEventHandler создаёт обработчик. publisher, features, clock и log могут быть nil.
func NewRecordEventHandler(
	uow progression.UnitOfWork,
	catalogue *progression.Catalogue,
	publisher shared.EventPublisher,
	features FeatureGate,
	clock timeutil.Clock,
	log *logger.Logger,
	config RecordEventHandlerConfig,
) *RecordEventHandler {
	defaults := DefaultRecordEventHandlerConfig()
	if config.StreakPolicy.GraceWindow <= 0 {
		config.StreakPolicy = defaults.StreakPolicy
	}
	if config.GoalTargets == (progression.GoalTargets{}) {
		config.GoalTargets = defaults.GoalTargets
	}
	if config.MaxFutureSkew <= 0 {
		config.MaxFutureSkew = defaults.MaxFutureSkew
	}
	if publisher == nil {
		publisher = shared.NopPublisher{}
	}
	if features == nil {
		features = allFeatures{}
	}
	if clock == nil {
		clock = timeutil.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}

	return &RecordEventHandler{
		uow:           uow,
		catalogue:     catalogue,
		publisher:     publisher,
		features:      features,
		clock:         clock,
		retrier:       retry.LearnerWriteRetrier(config.RetryAttempts, shared.IsRetryable),
		log:           log.Named("record_event"),
		policy:        config.StreakPolicy,
		goalTargets:   config.GoalTargets,
		maxFutureSkew: config.MaxFutureSkew,
	}
}

// Handle выполняет команду. Конфликт блокировки повторяется несколько раз;
// если попытки исчерпаны, возвращается shared.ErrTryAgain.
func (h *RecordEventHandler) Handle(ctx context.Context, cmd RecordEventCommand) (result *RecordEventResult, err error) {
	ctx, span := tracer.Start(ctx, "command.RecordEvent", trace.WithAttributes(
		attribute.Int64("learner.id", cmd.LearnerID.Int64()),
		attribute.String("xp.source", cmd.Source.String()),
		attribute.Int64("xp.amount", cmd.Amount),
	))
	defer func() { endSpan(span, err) }()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	now := h.clock.Now()
	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	if occurredAt.Sub(now) > h.maxFutureSkew {
		return nil, shared.ErrEventInFuture
	}
	// Допустимое расхождение часов: событие записывается текущим моментом,
	// иначе оно не попало бы в окна рейтинга до наступления этого времени.
	if occurredAt.After(now) {
		occurredAt = now
	}

	var events []shared.Event
	result, err = retry.DoWithData(ctx, h.retrier, func(ctx context.Context) (*RecordEventResult, error) {
		events = nil
		var res *RecordEventResult
		err := h.uow.WithLearnerLock(ctx, cmd.LearnerID, func(ctx context.Context, tx progression.LearnerTx) error {
			var err error
			res, events, err = h.apply(ctx, tx, cmd, occurredAt, now)
			return err
		})
		return res, err
	})
	if err != nil {
		if retry.IsExhausted(err) {
			h.log.Warn("learner lock contention, giving up",
				logger.LearnerID(cmd.LearnerID.Int64()),
				logger.Int("attempts", h.retrier.MaxAttempts()),
				logger.Err(err),
			)
			return nil, shared.WrapError("progression", "RecordEvent", shared.ErrTransient, "please try again", err)
		}
		return nil, err
	}

	publishAll(h.publisher, h.features, cmd.LearnerID, events)

	h.log.Debug("event recorded",
		logger.LearnerID(cmd.LearnerID.Int64()),
		logger.Source(cmd.Source.String()),
		logger.XPAmount(result.XPAwarded),
		logger.Int("multiplier_pct", result.MultiplierPct),
	)
	return result, nil
}

// apply выполняет все изменения внутри транзакции ученика.
func (h *RecordEventHandler) apply(
	ctx context.Context,
	tx progression.LearnerTx,
	cmd RecordEventCommand,
	occurredAt, now time.Time,
) (*RecordEventResult, []shared.Event, error) {
	p, err := tx.LoadProfile(ctx)
	if err != nil {
		return nil, nil, err
	}
	if cmd.Timezone != "" {
		p.Timezone = cmd.Timezone
	}
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	loc, err := p.Location()
	if err != nil {
		return nil, nil, err
	}
	today := timeutil.DateOf(now, loc)
	eventDate := timeutil.DateOf(occurredAt, loc)

	// Множитель считается по серии на дату события без учёта самого события.
	dates, err := tx.ActivityDates(ctx, loc)
	if err != nil {
		return nil, nil, fmt.Errorf("activity dates: %w", err)
	}
	streakAtEvent := h.policy.CurrentWithFreezes(
		progression.DatesUpTo(dates, eventDate),
		progression.DatesUpTo(p.FrozenDates, eventDate),
		eventDate,
	)
	streakBefore := p.EffectiveStreak(today, h.policy)

	t, err := progression.NewTransaction(progression.NewTransactionParams{
		ID:            uuid.NewString(),
		LearnerID:     cmd.LearnerID,
		BaseAmount:    cmd.Amount,
		MultiplierPct: progression.MultiplierPct(streakAtEvent),
		Source:        cmd.Source,
		ReferenceID:   cmd.ReferenceID,
		OccurredAt:    occurredAt,
		RecordedAt:    now,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return nil, nil, fmt.Errorf("append transaction: %w", err)
	}

	total, err := tx.LedgerTotal(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger total: %w", err)
	}
	if total < 0 {
		return nil, nil, shared.ErrNegativeTotal
	}
	oldLevel := p.ApplyTotal(total, now)

	if t.Source.Qualifies() {
		dates = append(dates, eventDate)
	}
	oldStreak := p.ApplyActivity(dates, today, h.policy, now)
	p.GrantStreakFreezes(streakBefore)

	var goal *progression.DailyGoal
	if eventDate.Equal(today) {
		goal, err = h.applyDailyGoal(ctx, tx, t, cmd.Minutes, today, now)
		if err != nil {
			return nil, nil, err
		}
	}

	badges, err := awardPending(ctx, tx, h.catalogue, p, now)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.SaveProfile(ctx, p); err != nil {
		return nil, nil, fmt.Errorf("save profile: %w", err)
	}

	events := []shared.Event{
		shared.NewXPRecordedEvent(cmd.LearnerID.Int64(), t.Amount, p.TotalXP, t.Source.String(), occurredAt),
	}
	if p.Level > oldLevel {
		events = append(events, shared.NewLevelUpEvent(cmd.LearnerID.Int64(), oldLevel, p.Level, p.LevelInfo().Title, now))
	}
	if p.CurrentStreak != oldStreak {
		events = append(events, shared.NewStreakChangedEvent(cmd.LearnerID.Int64(), oldStreak, p.CurrentStreak, p.LongestStreak, now))
	}
	events = append(events, badgeEvents(cmd.LearnerID, badges)...)

	if badges == nil {
		badges = []AwardedBadge{}
	}
	return &RecordEventResult{
		LearnerID:     cmd.LearnerID,
		TransactionID: t.ID,
		XPAwarded:     t.Amount,
		MultiplierPct: t.MultiplierPct,
		TotalXP:       p.TotalXP,
		Level:         p.LevelInfo(),
		LeveledUp:     p.Level > oldLevel,
		Streak:        p.CurrentStreak,
		LongestStreak: p.LongestStreak,
		StreakFreezes: p.StreakFreezes,
		NewBadges:     badges,
		DailyGoal:     goal,
	}, events, nil
}

// applyDailyGoal добавляет событие к цели на сегодня, создавая её при первом событии дня.
func (h *RecordEventHandler) applyDailyGoal(
	ctx context.Context,
	tx progression.LearnerTx,
	t *progression.Transaction,
	minutes int,
	today timeutil.Date,
	now time.Time,
) (*progression.DailyGoal, error) {
	goal, found, err := tx.DailyGoal(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("load daily goal: %w", err)
	}
	if !found {
		goal = progression.NewDailyGoal(t.LearnerID, today, h.goalTargets, now)
	}
	if err := goal.Apply(today, t.Source, t.Amount, minutes, now); err != nil {
		if errors.Is(err, shared.ErrClosed) {
			return nil, nil
		}
		return nil, err
	}
	if err := tx.SaveDailyGoal(ctx, goal); err != nil {
		return nil, fmt.Errorf("save daily goal: %w", err)
	}
	return goal, nil
}
