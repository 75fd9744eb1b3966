package query

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STATS QUERY
// Сводка прогрессии ученика: XP, уровень, серия, бейджи, XP за неделю и месяц.
// ══════════════════════════════════════════════════════════════════════════════

// recentBadgesLimit - сколько последних бейджей попадает в сводку.
const recentBadgesLimit = 5

// GetStatsQuery - запрос сводки.
type GetStatsQuery struct {
	LearnerID progression.LearnerID
}

// StreakDTO - серия ученика на сегодня.
type StreakDTO struct {
	Current          int            `json:"current"`
	Longest          int            `json:"longest"`
	LastActivityDate *timeutil.Date `json:"lastActivityDate,omitempty"`

	// MultiplierPct - множитель, который получит следующее событие сегодня.
	MultiplierPct int `json:"multiplierPct"`

	FreezesAvailable int             `json:"freezesAvailable"`
	FrozenDates      []timeutil.Date `json:"frozenDates,omitempty"`
}

// BadgeSummaryDTO - краткая информация о бейджах.
type BadgeSummaryDTO struct {
	Total          int        `json:"total"`
	Unacknowledged int        `json:"unacknowledged"`
	Recent         []BadgeDTO `json:"recent"`
}

// GetStatsResult - сводка прогрессии.
type GetStatsResult struct {
	LearnerID         progression.LearnerID `json:"learnerId"`
	TotalXP           int64                 `json:"totalXp"`
	Level             progression.LevelInfo `json:"level"`
	Streak            StreakDTO             `json:"streak"`
	Badges            BadgeSummaryDTO       `json:"badges"`
	WeeklyXP          int64                 `json:"weeklyXp"`
	MonthlyXP         int64                 `json:"monthlyXp"`
	ShowOnLeaderboard bool                  `json:"showOnLeaderboard"`
	Timezone          string                `json:"timezone"`
}

// GetStatsHandler обрабатывает GetStatsQuery.
type GetStatsHandler struct {
	reader    progression.Reader
	catalogue *progression.Catalogue
	clock     timeutil.Clock
	policy    progression.StreakPolicy
	loc       *time.Location
}

// NewGetStatsHandler создаёт обработчик. loc - пояс окон недели и месяца, как у рейтинга.
func NewGetStatsHandler(
	reader progression.Reader,
	catalogue *progression.Catalogue,
	clock timeutil.Clock,
	policy progression.StreakPolicy,
	loc *time.Location,
) *GetStatsHandler {
	if clock == nil {
		clock = timeutil.SystemClock()
	}
	if policy.GraceWindow <= 0 {
		policy = progression.DefaultStreakPolicy()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &GetStatsHandler{reader: reader, catalogue: catalogue, clock: clock, policy: policy, loc: loc}
}

// Handle выполняет запрос. Серия пересчитывается на сегодня: прерванная читается как 0.
func (h *GetStatsHandler) Handle(ctx context.Context, q GetStatsQuery) (result *GetStatsResult, err error) {
	ctx, span := tracer.Start(ctx, "query.GetStats", trace.WithAttributes(
		attribute.Int64("learner.id", q.LearnerID.Int64()),
	))
	defer func() { endSpan(span, err) }()

	if err := q.LearnerID.Validate(); err != nil {
		return nil, err
	}

	p, err := h.reader.Profile(ctx, q.LearnerID)
	if err != nil {
		return nil, err
	}
	now := h.clock.Now()
	today, err := p.Today(now)
	if err != nil {
		return nil, err
	}

	var (
		awards          []progression.BadgeAward
		weekly, monthly int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		awards, err = h.reader.Awards(gctx, q.LearnerID)
		if err != nil {
			return fmt.Errorf("awards: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		weekly, err = h.reader.LearnerWindowXP(gctx, q.LearnerID, progression.WindowFor(progression.RangeWeekly, now, h.loc))
		if err != nil {
			return fmt.Errorf("weekly xp: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		monthly, err = h.reader.LearnerWindowXP(gctx, q.LearnerID, progression.WindowFor(progression.RangeMonthly, now, h.loc))
		if err != nil {
			return fmt.Errorf("monthly xp: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	current := p.EffectiveStreak(today, h.policy)

	summary := BadgeSummaryDTO{Total: len(awards), Recent: []BadgeDTO{}}
	for i, a := range awards {
		if a.IsNew() {
			summary.Unacknowledged++
		}
		if i < recentBadgesLimit {
			summary.Recent = append(summary.Recent, badgeDTO(h.catalogue, a))
		}
	}

	return &GetStatsResult{
		LearnerID: p.LearnerID,
		TotalXP:   p.TotalXP,
		Level:     p.LevelInfo(),
		Streak: StreakDTO{
			Current:          current,
			Longest:          p.LongestStreak,
			LastActivityDate: p.LastActivityDate,
			MultiplierPct:    progression.MultiplierPct(current),
			FreezesAvailable: p.StreakFreezes,
			FrozenDates:      p.FrozenDates,
		},
		Badges:            summary,
		WeeklyXP:          weekly,
		MonthlyXP:         monthly,
		ShowOnLeaderboard: p.ShowOnLeaderboard,
		Timezone:          p.Timezone,
	}, nil
}
