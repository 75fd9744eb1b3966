package command

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/pkg/logger"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SET LEADERBOARD VISIBILITY COMMAND
// Ученик может скрыть себя из рейтинга; XP и бейджи продолжают начисляться.
// ══════════════════════════════════════════════════════════════════════════════

// SetVisibilityCommand включает или выключает участие в рейтинге.
type SetVisibilityCommand struct {
	LearnerID progression.LearnerID
	Visible   bool
}

// SetVisibilityResult - новое значение флага.
type SetVisibilityResult struct {
	LearnerID         progression.LearnerID `json:"learnerId"`
	ShowOnLeaderboard bool                  `json:"showOnLeaderboard"`
}

// SetVisibilityHandler обрабатывает SetVisibilityCommand.
type SetVisibilityHandler struct {
	store       progression.Store
	invalidator LeaderboardInvalidator
	clock       timeutil.Clock
	log         *logger.Logger
}

// NewSetVisibilityHandler создаёт обработчик. invalidator может быть nil.
func NewSetVisibilityHandler(store progression.Store, invalidator LeaderboardInvalidator, clock timeutil.Clock, log *logger.Logger) *SetVisibilityHandler {
	if clock == nil {
		clock = timeutil.SystemClock()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SetVisibilityHandler{store: store, invalidator: invalidator, clock: clock, log: log.Named("set_visibility")}
}

// Handle выполняет команду. Профиль должен существовать.
func (h *SetVisibilityHandler) Handle(ctx context.Context, cmd SetVisibilityCommand) (result *SetVisibilityResult, err error) {
	ctx, span := tracer.Start(ctx, "command.SetVisibility", trace.WithAttributes(
		attribute.Int64("learner.id", cmd.LearnerID.Int64()),
		attribute.Bool("visible", cmd.Visible),
	))
	defer func() { endSpan(span, err) }()

	if err := cmd.LearnerID.Validate(); err != nil {
		return nil, err
	}
	if _, err := h.store.Profile(ctx, cmd.LearnerID); err != nil {
		return nil, err
	}

	changed := false
	err = h.store.WithLearnerLock(ctx, cmd.LearnerID, func(ctx context.Context, tx progression.LearnerTx) error {
		p, err := tx.LoadProfile(ctx)
		if err != nil {
			return err
		}
		if p.ShowOnLeaderboard == cmd.Visible {
			return nil
		}
		p.ShowOnLeaderboard = cmd.Visible
		p.UpdatedAt = h.clock.Now().UTC()
		changed = true
		return tx.SaveProfile(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	if changed && h.invalidator != nil {
		if err := h.invalidator.Invalidate(ctx); err != nil {
			h.log.Warn("leaderboard cache invalidation failed", logger.Err(err))
		}
	}

	return &SetVisibilityResult{LearnerID: cmd.LearnerID, ShowOnLeaderboard: cmd.Visible}, nil
}
