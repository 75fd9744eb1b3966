package command

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACKNOWLEDGE BADGE COMMAND
// ══════════════════════════════════════════════════════════════════════════════

// AcknowledgeBadgeCommand отмечает бейдж как просмотренный.
type AcknowledgeBadgeCommand struct {
	LearnerID progression.LearnerID
	BadgeType string
}

// Validate проверяет команду.
func (c AcknowledgeBadgeCommand) Validate() error {
	if err := c.LearnerID.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.BadgeType) == "" {
		return shared.NewDomainError("badge", "Acknowledge", shared.ErrInvalidInput, "badge type is required")
	}
	return nil
}

// AcknowledgeBadgeHandler обрабатывает AcknowledgeBadgeCommand.
// Правила бейджей при этом не оцениваются.
type AcknowledgeBadgeHandler struct {
	store progression.Store
}

// NewAcknowledgeBadgeHandler создаёт обработчик.
func NewAcknowledgeBadgeHandler(store progression.Store) *AcknowledgeBadgeHandler {
	return &AcknowledgeBadgeHandler{store: store}
}

// Handle выполняет команду. Повторное подтверждение - не ошибка.
func (h *AcknowledgeBadgeHandler) Handle(ctx context.Context, cmd AcknowledgeBadgeCommand) (err error) {
	ctx, span := tracer.Start(ctx, "command.AcknowledgeBadge", trace.WithAttributes(
		attribute.Int64("learner.id", cmd.LearnerID.Int64()),
		attribute.String("badge.type", cmd.BadgeType),
	))
	defer func() { endSpan(span, err) }()

	if err := cmd.Validate(); err != nil {
		return err
	}
	if _, err := h.store.Profile(ctx, cmd.LearnerID); err != nil {
		return err
	}

	return h.store.WithLearnerLock(ctx, cmd.LearnerID, func(ctx context.Context, tx progression.LearnerTx) error {
		return tx.AcknowledgeAward(ctx, cmd.BadgeType)
	})
}
