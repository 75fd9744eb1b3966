package command

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// USE STREAK FREEZE COMMAND
// Ученик, пропустивший вчерашний день, тратит заморозку, и серия сохраняется.
// Замороженный день не добавляет к серии единицу и не приносит XP.
// ══════════════════════════════════════════════════════════════════════════════

const featureStreakFreeze = "streak.freeze"

// ErrStreakFreezeDisabled возвращается, когда функция выключена флагом.
var ErrStreakFreezeDisabled = shared.NewDomainError("streak", "UseFreeze", shared.ErrNotFound, "streak freeze is disabled")

// UseStreakFreezeCommand тратит одну заморозку серии.
type UseStreakFreezeCommand struct {
	LearnerID progression.LearnerID
}

// UseStreakFreezeResult - состояние серии после заморозки.
type UseStreakFreezeResult struct {
	LearnerID        progression.LearnerID `json:"learnerId"`
	FrozenDate       timeutil.Date         `json:"frozenDate"`
	Streak           int                   `json:"streak"`
	LongestStreak    int                   `json:"longestStreak"`
	FreezesRemaining int                   `json:"freezesRemaining"`
}

// UseStreakFreezeHandler обрабатывает UseStreakFreezeCommand.
type UseStreakFreezeHandler struct {
	store     progression.Store
	publisher shared.EventPublisher
	features  FeatureGate
	clock     timeutil.Clock
	policy    progression.StreakPolicy
	log       *logger.Logger
}

// NewUseStreakFreezeHandler создаёт обработчик.
func NewUseStreakFreezeHandler(
	store progression.Store,
	publisher shared.EventPublisher,
	features FeatureGate,
	clock timeutil.Clock,
	policy progression.StreakPolicy,
	log *logger.Logger,
) *UseStreakFreezeHandler {
	if policy.GraceWindow <= 0 {
		policy = progression.DefaultStreakPolicy()
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
	return &UseStreakFreezeHandler{
		store:     store,
		publisher: publisher,
		features:  features,
		clock:     clock,
		policy:    policy,
		log:       log.Named("streak_freeze"),
	}
}

// Handle выполняет команду под блокировкой ученика. Профиль должен существовать.
func (h *UseStreakFreezeHandler) Handle(ctx context.Context, cmd UseStreakFreezeCommand) (result *UseStreakFreezeResult, err error) {
	ctx, span := tracer.Start(ctx, "command.UseStreakFreeze", trace.WithAttributes(
		attribute.Int64("learner.id", cmd.LearnerID.Int64()),
	))
	defer func() { endSpan(span, err) }()

	if err := cmd.LearnerID.Validate(); err != nil {
		return nil, err
	}
	if !h.features.IsEnabled(featureStreakFreeze, cmd.LearnerID.Int64()) {
		return nil, ErrStreakFreezeDisabled
	}
	if _, err := h.store.Profile(ctx, cmd.LearnerID); err != nil {
		return nil, err
	}

	now := h.clock.Now()
	var event shared.Event
	err = h.store.WithLearnerLock(ctx, cmd.LearnerID, func(ctx context.Context, tx progression.LearnerTx) error {
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

		dates, err := tx.ActivityDates(ctx, loc)
		if err != nil {
			return fmt.Errorf("activity dates: %w", err)
		}

		frozen, err := p.UseStreakFreeze(dates, timeutil.DateOf(now, loc), h.policy, now)
		if err != nil {
			return err
		}
		if err := tx.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("save profile: %w", err)
		}

		result = &UseStreakFreezeResult{
			LearnerID:        cmd.LearnerID,
			FrozenDate:       frozen,
			Streak:           p.CurrentStreak,
			LongestStreak:    p.LongestStreak,
			FreezesRemaining: p.StreakFreezes,
		}
		event = shared.NewStreakFrozenEvent(cmd.LearnerID.Int64(), frozen.String(), p.CurrentStreak, p.StreakFreezes, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	publishAll(h.publisher, h.features, cmd.LearnerID, []shared.Event{event})
	h.log.Info("streak freeze used",
		logger.LearnerID(cmd.LearnerID.Int64()),
		logger.String("frozen_date", result.FrozenDate.String()),
		logger.Int("streak", result.Streak),
	)
	return result, nil
}
