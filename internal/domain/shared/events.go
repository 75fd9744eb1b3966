// Package shared contains common domain types, errors and events
// used across the progression domain.
package shared

import (
	"strconv"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types published after a per-learner transaction commits.
const (
	EventXPRecorded    EventType = "progression.xp_recorded"
	EventLevelUp       EventType = "progression.level_up"
	EventStreakChanged EventType = "progression.streak_changed"
	EventBadgeAwarded  EventType = "badge.awarded"
	EventDriftRepaired EventType = "progression.drift_repaired"
	EventStreakFrozen  EventType = "progression.streak_frozen"

	EventRecalculationCompleted EventType = "system.recalculation_completed"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int       `json:"version"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// LearnerAggregateID formats a learner id as an aggregate id.
func LearnerAggregateID(learnerID int64) string {
	return strconv.FormatInt(learnerID, 10)
}

// ═══════════════════════════════════════════════════════════════════════════
// Progression Events
// ═══════════════════════════════════════════════════════════════════════════

// XPRecordedEvent is published when a ledger entry is committed.
type XPRecordedEvent struct {
	BaseEvent
	LearnerID int64  `json:"learner_id"`
	Amount    int64  `json:"amount"`
	Source    string `json:"source"`
	NewTotal  int64  `json:"new_total"`
}

// Payload implements Event interface.
func (e XPRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id": e.LearnerID,
		"amount":     e.Amount,
		"source":     e.Source,
		"new_total":  e.NewTotal,
	}
}

// NewXPRecordedEvent creates a new XPRecordedEvent.
func NewXPRecordedEvent(learnerID, amount, newTotal int64, source string, at time.Time) XPRecordedEvent {
	return XPRecordedEvent{
		BaseEvent: NewBaseEvent(EventXPRecorded, LearnerAggregateID(learnerID), at),
		LearnerID: learnerID,
		Amount:    amount,
		Source:    source,
		NewTotal:  newTotal,
	}
}

// LevelUpEvent is published when a learner crosses a level threshold.
type LevelUpEvent struct {
	BaseEvent
	LearnerID int64  `json:"learner_id"`
	OldLevel  int    `json:"old_level"`
	NewLevel  int    `json:"new_level"`
	Title     string `json:"title"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id": e.LearnerID,
		"old_level":  e.OldLevel,
		"new_level":  e.NewLevel,
		"title":      e.Title,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(learnerID int64, oldLevel, newLevel int, title string, at time.Time) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, LearnerAggregateID(learnerID), at),
		LearnerID: learnerID,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Title:     title,
	}
}

// StreakChangedEvent is published when the current streak value changes.
type StreakChangedEvent struct {
	BaseEvent
	LearnerID     int64 `json:"learner_id"`
	OldStreak     int   `json:"old_streak"`
	NewStreak     int   `json:"new_streak"`
	LongestStreak int   `json:"longest_streak"`
}

// Payload implements Event interface.
func (e StreakChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id":     e.LearnerID,
		"old_streak":     e.OldStreak,
		"new_streak":     e.NewStreak,
		"longest_streak": e.LongestStreak,
	}
}

// NewStreakChangedEvent creates a new StreakChangedEvent.
func NewStreakChangedEvent(learnerID int64, oldStreak, newStreak, longest int, at time.Time) StreakChangedEvent {
	return StreakChangedEvent{
		BaseEvent:     NewBaseEvent(EventStreakChanged, LearnerAggregateID(learnerID), at),
		LearnerID:     learnerID,
		OldStreak:     oldStreak,
		NewStreak:     newStreak,
		LongestStreak: longest,
	}
}

// StreakFrozenEvent is published when a learner spends a streak freeze.
type StreakFrozenEvent struct {
	BaseEvent
	LearnerID        int64  `json:"learner_id"`
	FrozenDate       string `json:"frozen_date"`
	Streak           int    `json:"streak"`
	FreezesRemaining int    `json:"freezes_remaining"`
}

// Payload implements Event interface.
func (e StreakFrozenEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id":        e.LearnerID,
		"frozen_date":       e.FrozenDate,
		"streak":            e.Streak,
		"freezes_remaining": e.FreezesRemaining,
	}
}

// NewStreakFrozenEvent creates a new StreakFrozenEvent.
func NewStreakFrozenEvent(learnerID int64, frozenDate string, streak, remaining int, at time.Time) StreakFrozenEvent {
	return StreakFrozenEvent{
		BaseEvent:        NewBaseEvent(EventStreakFrozen, LearnerAggregateID(learnerID), at),
		LearnerID:        learnerID,
		FrozenDate:       frozenDate,
		Streak:           streak,
		FreezesRemaining: remaining,
	}
}

// BadgeAwardedEvent is published once per (learner, badge).
type BadgeAwardedEvent struct {
	BaseEvent
	LearnerID int64  `json:"learner_id"`
	BadgeType string `json:"badge_type"`
	Tier      string `json:"tier"`
	XPBonus   int64  `json:"xp_bonus"`
}

// Payload implements Event interface.
func (e BadgeAwardedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id": e.LearnerID,
		"badge_type": e.BadgeType,
		"tier":       e.Tier,
		"xp_bonus":   e.XPBonus,
	}
}

// NewBadgeAwardedEvent creates a new BadgeAwardedEvent.
func NewBadgeAwardedEvent(learnerID int64, badgeType, tier string, bonus int64, at time.Time) BadgeAwardedEvent {
	return BadgeAwardedEvent{
		BaseEvent: NewBaseEvent(EventBadgeAwarded, LearnerAggregateID(learnerID), at),
		LearnerID: learnerID,
		BadgeType: badgeType,
		Tier:      tier,
		XPBonus:   bonus,
	}
}

// DriftRepairedEvent is published when the cached total disagreed with the ledger.
type DriftRepairedEvent struct {
	BaseEvent
	LearnerID   int64 `json:"learner_id"`
	CachedTotal int64 `json:"cached_total"`
	LedgerTotal int64 `json:"ledger_total"`
}

// Payload implements Event interface.
func (e DriftRepairedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"learner_id":   e.LearnerID,
		"cached_total": e.CachedTotal,
		"ledger_total": e.LedgerTotal,
	}
}

// NewDriftRepairedEvent creates a new DriftRepairedEvent.
func NewDriftRepairedEvent(learnerID, cached, ledger int64, at time.Time) DriftRepairedEvent {
	return DriftRepairedEvent{
		BaseEvent:   NewBaseEvent(EventDriftRepaired, LearnerAggregateID(learnerID), at),
		LearnerID:   learnerID,
		CachedTotal: cached,
		LedgerTotal: ledger,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// System Events
// ═══════════════════════════════════════════════════════════════════════════

// RecalculationCompletedEvent is published after every recalculation pass.
type RecalculationCompletedEvent struct {
	BaseEvent
	Updated    int   `json:"updated"`
	Errors     int   `json:"errors"`
	DurationMs int64 `json:"duration_ms"`
}

// Payload implements Event interface.
func (e RecalculationCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"updated":     e.Updated,
		"errors":      e.Errors,
		"duration_ms": e.DurationMs,
	}
}

// NewRecalculationCompletedEvent creates a new RecalculationCompletedEvent.
func NewRecalculationCompletedEvent(updated, errs int, durationMs int64, at time.Time) RecalculationCompletedEvent {
	return RecalculationCompletedEvent{
		BaseEvent:  NewBaseEvent(EventRecalculationCompleted, "recalculation", at),
		Updated:    updated,
		Errors:     errs,
		DurationMs: durationMs,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(Event) error { return nil }
