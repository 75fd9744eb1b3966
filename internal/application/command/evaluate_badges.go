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
// EVALUATE BADGES COMMAND
// Повторная оценка правил бейджей без нового события. Идемпотентна.
// ══════════════════════════════════════════════════════════════════════════════

// EvaluateBadgesCommand - запрос на оценку бейджей ученика.
type EvaluateBadgesCommand struct {
	LearnerID progression.LearnerID
}

// EvaluateBadgesResult - выданные бейджи.
type EvaluateBadgesResult struct {
	LearnerID progression.LearnerID `json:"learnerId"`
	NewBadges []AwardedBadge        `json:"newBadges"`
	TotalXP   int64                 `json:"totalXp"`
}

// EvaluateBadgesHandler обрабатывает EvaluateBadgesCommand.
type EvaluateBadgesHandler struct {
	store     progression.Store
	catalogue *progression.Catalogue
	publisher shared.EventPublisher
	features  FeatureGate
	clock     timeutil.Clock
	log       *logger.Logger
}

// NewEvaluateBadgesHandler создаёт обработчик.
func NewEvaluateBadgesHandler(
	store progression.Store,
	catalogue *progression.Catalogue,
	publisher shared.EventPublisher,
	features FeatureGate,
	clock timeutil.Clock,
	log *logger.Logger,
) *EvaluateBadgesHandler {
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
	return &EvaluateBadgesHandler{
		store:     store,
		catalogue: catalogue,
		publisher: publisher,
		features:  features,
		clock:     clock,
		log:       log.Named("evaluate_badges"),
	}
}

// Handle выдаёт недостающие бейджи. Неизвестный ученик - ErrLearnerNotFound:
// оценка не создаёт профиль.
func (h *EvaluateBadgesHandler) Handle(ctx context.Context, cmd EvaluateBadgesCommand) (result *EvaluateBadgesResult, err error) {
	ctx, span := tracer.Start(ctx, "command.EvaluateBadges", trace.WithAttributes(
		attribute.Int64("learner.id", cmd.LearnerID.Int64()),
	))
	defer func() { endSpan(span, err) }()

	if err := cmd.LearnerID.Validate(); err != nil {
		return nil, err
	}
	if _, err := h.store.Profile(ctx, cmd.LearnerID); err != nil {
		return nil, err
	}

	now := h.clock.Now()
	var badges []AwardedBadge
	var total int64
	err = h.store.WithLearnerLock(ctx, cmd.LearnerID, func(ctx context.Context, tx progression.LearnerTx) error {
		p, err := tx.LoadProfile(ctx)
		if err != nil {
			return err
		}
		badges, err = awardPending(ctx, tx, h.catalogue, p, now)
		if err != nil {
			return err
		}
		total = p.TotalXP
		if len(badges) == 0 {
			return nil
		}
		if err := tx.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	publishAll(h.publisher, h.features, cmd.LearnerID, badgeEvents(cmd.LearnerID, badges))

	for _, b := range badges {
		h.log.Info("badge awarded", logger.LearnerID(cmd.LearnerID.Int64()), logger.BadgeType(b.Type))
	}

	if badges == nil {
		badges = []AwardedBadge{}
	}
	return &EvaluateBadgesResult{LearnerID: cmd.LearnerID, NewBadges: badges, TotalXP: total}, nil
}
