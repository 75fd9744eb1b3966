package query

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET DAILY GOAL QUERY
// ══════════════════════════════════════════════════════════════════════════════

// GetDailyGoalQuery - запрос дневной цели.
type GetDailyGoalQuery struct {
	LearnerID progression.LearnerID

	// Date - дата в формате YYYY-MM-DD; пустая строка - сегодня в поясе ученика.
	Date string
}

// GetDailyGoalResult - цель с процентами выполнения.
type GetDailyGoalResult struct {
	LearnerID progression.LearnerID `json:"learnerId"`
	Date      timeutil.Date         `json:"date"`

	TargetXP         int64 `json:"targetXp"`
	EarnedXP         int64 `json:"earnedXp"`
	LessonsTarget    int   `json:"lessonsTarget"`
	LessonsCompleted int   `json:"lessonsCompleted"`
	MinutesTarget    int   `json:"minutesTarget"`
	MinutesStudied   int   `json:"minutesStudied"`

	XPPercent      int `json:"xpPercent"`
	LessonsPercent int `json:"lessonsPercent"`
	MinutesPercent int `json:"minutesPercent"`

	Met    bool `json:"met"`
	Closed bool `json:"closed"`
}

// GetDailyGoalHandler обрабатывает GetDailyGoalQuery.
type GetDailyGoalHandler struct {
	reader  progression.Reader
	clock   timeutil.Clock
	targets progression.GoalTargets
}

// NewGetDailyGoalHandler создаёт обработчик. targets - цели по умолчанию для дней без записи.
func NewGetDailyGoalHandler(reader progression.Reader, clock timeutil.Clock, targets progression.GoalTargets) *GetDailyGoalHandler {
	if clock == nil {
		clock = timeutil.SystemClock()
	}
	if targets == (progression.GoalTargets{}) {
		targets = progression.DefaultGoalTargets()
	}
	return &GetDailyGoalHandler{reader: reader, clock: clock, targets: targets}
}

// Handle выполняет запрос. Если записи за дату нет, возвращаются цели
// по умолчанию с нулевым прогрессом; запись при этом не создаётся.
func (h *GetDailyGoalHandler) Handle(ctx context.Context, q GetDailyGoalQuery) (result *GetDailyGoalResult, err error) {
	ctx, span := tracer.Start(ctx, "query.GetDailyGoal", trace.WithAttributes(
		attribute.Int64("learner.id", q.LearnerID.Int64()),
		attribute.String("goal.date", q.Date),
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

	date := today
	if q.Date != "" {
		date, err = timeutil.ParseDate(q.Date)
		if err != nil {
			return nil, shared.WrapError("dailygoal", "Get", shared.ErrInvalidInput, "date must be YYYY-MM-DD", err)
		}
	}

	goal, found, err := h.reader.DailyGoal(ctx, q.LearnerID, date)
	if err != nil {
		return nil, fmt.Errorf("daily goal: %w", err)
	}
	if !found {
		goal = progression.NewDailyGoal(q.LearnerID, date, h.targets, now)
	}

	return &GetDailyGoalResult{
		LearnerID:        q.LearnerID,
		Date:             goal.Date,
		TargetXP:         goal.TargetXP,
		EarnedXP:         goal.EarnedXP,
		LessonsTarget:    goal.LessonsTarget,
		LessonsCompleted: goal.LessonsCompleted,
		MinutesTarget:    goal.MinutesTarget,
		MinutesStudied:   goal.MinutesStudied,
		XPPercent:        goal.XPPercent(),
		LessonsPercent:   percent(int64(goal.LessonsCompleted), int64(goal.LessonsTarget)),
		MinutesPercent:   percent(int64(goal.MinutesStudied), int64(goal.MinutesTarget)),
		Met:              goal.Met(),
		Closed:           goal.IsClosed(today),
	}, nil
}
