// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

var tracer = otel.Tracer("github.com/alem-hub/progression-engine/internal/application/command")

// FeatureGate сообщает, включена ли функция для ученика (0 - глобально).
type FeatureGate interface {
	IsEnabled(feature string, learnerID int64) bool
}

type allFeatures struct{}

func (allFeatures) IsEnabled(string, int64) bool { return true }

// Имена функций, проверяемых командами.
const (
	featureDomainEvents = "events.publish"
)

// LeaderboardInvalidator сбрасывает кешированные рейтинги.
type LeaderboardInvalidator interface {
	Invalidate(ctx context.Context) error
}

// AwardedBadge - бейдж, выданный в рамках команды.
type AwardedBadge struct {
	Type     string           `json:"type"`
	Name     string           `json:"name"`
	Tier     progression.Tier `json:"tier"`
	XPBonus  int64            `json:"xpBonus"`
	EarnedAt time.Time        `json:"earnedAt"`
}

// ══════════════════════════════════════════════════════════════════════════════
// BADGE AWARDING
// Общая логика для RecordEvent, EvaluateBadges и перерасчёта.
// ══════════════════════════════════════════════════════════════════════════════

// maxAwardPasses ограничивает число проходов: каждый проход выдаёт хотя бы
// один новый бейдж, поэтому больше, чем бейджей в каталоге, не бывает.
func maxAwardPasses(c *progression.Catalogue) int {
	return c.Len() + 1
}

// awardPending выдаёт все бейджи, условия которых выполнены, и начисляет бонусы.
// Проходы повторяются, пока выдаются новые бейджи: бонус может открыть XP-бейдж.
// Профиль p обновляется суммой журнала после каждого бонуса; сохраняет его вызывающий.
func awardPending(
	ctx context.Context,
	tx progression.LearnerTx,
	catalogue *progression.Catalogue,
	p *progression.Profile,
	now time.Time,
) ([]AwardedBadge, error) {
	if catalogue == nil || catalogue.Len() == 0 {
		return nil, nil
	}

	awards, err := tx.Awards(ctx)
	if err != nil {
		return nil, fmt.Errorf("load awards: %w", err)
	}
	owned := progression.OwnedSet(awards)

	var out []AwardedBadge
	for pass := 0; pass < maxAwardPasses(catalogue); pass++ {
		counts, err := tx.SourceCounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("source counts: %w", err)
		}

		pending := catalogue.Pending(progression.BuildStats(p, counts), owned)
		if len(pending) == 0 {
			return out, nil
		}

		for _, def := range pending {
			inserted, err := tx.InsertAward(ctx, progression.BadgeAward{
				LearnerID: p.LearnerID,
				BadgeType: def.Type,
				EarnedAt:  now.UTC(),
			})
			if err != nil {
				return nil, fmt.Errorf("insert award %s: %w", def.Type, err)
			}
			owned[def.Type] = true
			if !inserted {
				// Уже выдан: повторная оценка ничего не меняет.
				continue
			}

			if def.XPBonus > 0 {
				bonus, err := progression.NewTransaction(progression.NewTransactionParams{
					ID:          uuid.NewString(),
					LearnerID:   p.LearnerID,
					BaseAmount:  def.XPBonus,
					Source:      progression.SourceBadgeBonus,
					ReferenceID: def.Type,
					OccurredAt:  now,
					RecordedAt:  now,
				})
				if err != nil {
					return nil, err
				}
				if err := tx.AppendTransaction(ctx, bonus); err != nil {
					return nil, fmt.Errorf("append badge bonus: %w", err)
				}
				total, err := tx.LedgerTotal(ctx)
				if err != nil {
					return nil, fmt.Errorf("ledger total: %w", err)
				}
				p.ApplyTotal(total, now)
			}

			out = append(out, AwardedBadge{
				Type:     def.Type,
				Name:     def.Name,
				Tier:     def.Tier,
				XPBonus:  def.XPBonus,
				EarnedAt: now.UTC(),
			})
		}
	}
	return out, nil
}

// badgeEvents строит события выдачи бейджей.
func badgeEvents(id progression.LearnerID, badges []AwardedBadge) []shared.Event {
	events := make([]shared.Event, 0, len(badges))
	for _, b := range badges {
		events = append(events, shared.NewBadgeAwardedEvent(id.Int64(), b.Type, string(b.Tier), b.XPBonus, b.EarnedAt))
	}
	return events
}

// publishAll публикует события после коммита. Ошибки подписчиков не влияют на результат команды.
func publishAll(publisher shared.EventPublisher, gate FeatureGate, id progression.LearnerID, events []shared.Event) {
	if publisher == nil || len(events) == 0 || !gate.IsEnabled(featureDomainEvents, id.Int64()) {
		return
	}
	for _, e := range events {
		_ = publisher.Publish(e)
	}
}

// endSpan завершает span, отмечая ошибку.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
