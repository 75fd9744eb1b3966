// Package eventhandler содержит обработчики доменных событий.
package eventhandler

import (
	"context"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON XP CHANGED HANDLER
// Сбрасывает кеш рейтингов, когда меняется XP хотя бы одного ученика:
// новая запись журнала, бонус за бейдж или исправленное расхождение.
// После перерасчёта на другом экземпляре кеш тоже сбрасывается.
// ═══════════════════════════════════════════════════════════════════════════

// Invalidator сбрасывает кешированные рейтинги.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// OnXPChangedHandler обрабатывает события изменения XP.
type OnXPChangedHandler struct {
	cache   Invalidator
	timeout time.Duration
	logger  *logger.Logger
}

// NewOnXPChangedHandler создаёт обработчик.
func NewOnXPChangedHandler(cache Invalidator, log *logger.Logger) *OnXPChangedHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnXPChangedHandler{
		cache:   cache,
		timeout: 2 * time.Second,
		logger:  log.With(logger.Component("on_xp_changed")),
	}
}

// EventTypes возвращает события, на которые подписывается обработчик.
func (h *OnXPChangedHandler) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventXPRecorded,
		shared.EventBadgeAwarded,
		shared.EventDriftRepaired,
		shared.EventRecalculationCompleted,
	}
}

// Handle реализует shared.EventHandler.
func (h *OnXPChangedHandler) Handle(event shared.Event) error {
	if event.EventType() == shared.EventBadgeAwarded {
		// Бейдж без бонуса не меняет XP.
		if b, ok := event.(shared.BadgeAwardedEvent); ok && b.XPBonus == 0 {
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.cache.Invalidate(ctx); err != nil {
		h.logger.Warn("leaderboard cache invalidation failed",
			logger.String("event_type", string(event.EventType())),
			logger.String("aggregate_id", event.AggregateID()),
			logger.Err(err),
		)
		return err
	}
	return nil
}
