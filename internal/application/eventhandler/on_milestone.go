package eventhandler

import (
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON MILESTONE HANDLER
// Пишет в журнал приложения заметные события прогрессии: новый уровень,
// бейдж, изменение и заморозку серии, исправленное расхождение кеша.
// ═══════════════════════════════════════════════════════════════════════════

// OnMilestoneHandler журналирует события прогрессии.
type OnMilestoneHandler struct {
	logger *logger.Logger
}

// NewOnMilestoneHandler создаёт обработчик.
func NewOnMilestoneHandler(log *logger.Logger) *OnMilestoneHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &OnMilestoneHandler{logger: log.With(logger.Component("on_milestone"))}
}

// EventTypes возвращает события, на которые подписывается обработчик.
func (h *OnMilestoneHandler) EventTypes() []shared.EventType {
	return []shared.EventType{
		shared.EventLevelUp,
		shared.EventBadgeAwarded,
		shared.EventStreakChanged,
		shared.EventDriftRepaired,
		shared.EventStreakFrozen,
	}
}

// Handle реализует shared.EventHandler.
func (h *OnMilestoneHandler) Handle(event shared.Event) error {
	switch e := event.(type) {
	case shared.LevelUpEvent:
		h.logger.Info("level up",
			logger.LearnerID(e.LearnerID),
			logger.Int("old_level", e.OldLevel),
			logger.Int("new_level", e.NewLevel),
			logger.String("title", e.Title),
		)
	case shared.BadgeAwardedEvent:
		h.logger.Info("badge awarded",
			logger.LearnerID(e.LearnerID),
			logger.BadgeType(e.BadgeType),
			logger.String("tier", e.Tier),
			logger.XPAmount(e.XPBonus),
		)
	case shared.StreakChangedEvent:
		h.logger.Debug("streak changed",
			logger.LearnerID(e.LearnerID),
			logger.Int("old_streak", e.OldStreak),
			logger.Int("new_streak", e.NewStreak),
		)
	case shared.StreakFrozenEvent:
		h.logger.Info("streak freeze used",
			logger.LearnerID(e.LearnerID),
			logger.String("frozen_date", e.FrozenDate),
			logger.Int("streak", e.Streak),
			logger.Int("freezes_remaining", e.FreezesRemaining),
		)
	case shared.DriftRepairedEvent:
		h.logger.Warn("total xp drift repaired",
			logger.LearnerID(e.LearnerID),
			logger.Int64("cached_xp", e.CachedTotal),
			logger.Int64("ledger_xp", e.LedgerTotal),
		)
	default:
		// События другого экземпляра приходят без конкретного типа.
		h.logger.Debug("progression event",
			logger.String("event_type", string(event.EventType())),
			logger.String("aggregate_id", event.AggregateID()),
		)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// REGISTRATION
// ═══════════════════════════════════════════════════════════════════════════

// Subscriber - обработчик вместе с типами событий, на которые он подписан.
type Subscriber interface {
	EventTypes() []shared.EventType
	Handle(event shared.Event) error
}

// Register подписывает обработчики на шину.
func Register(bus shared.EventSubscriber, subscribers ...Subscriber) error {
	for _, s := range subscribers {
		for _, t := range s.EventTypes() {
			if err := bus.Subscribe(t, s.Handle); err != nil {
				return err
			}
		}
	}
	return nil
}
