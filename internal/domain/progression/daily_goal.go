package progression

import (
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DAILY GOAL
// ══════════════════════════════════════════════════════════════════════════════

// GoalTargets - дневные цели ученика.
type GoalTargets struct {
	XP      int64 `json:"xp"`
	Lessons int   `json:"lessons"`
	Minutes int   `json:"minutes"`
}

// DefaultGoalTargets - цели по умолчанию: 50 XP, 1 урок, 30 минут.
func DefaultGoalTargets() GoalTargets {
	return GoalTargets{XP: 50, Lessons: 1, Minutes: 30}
}

// DailyGoal - прогресс ученика за один календарный день в его поясе.
// После наступления следующего дня запись заморожена.
type DailyGoal struct {
	LearnerID LearnerID     `json:"learnerId"`
	Date      timeutil.Date `json:"date"`

	TargetXP         int64 `json:"targetXp"`
	EarnedXP         int64 `json:"earnedXp"`
	LessonsTarget    int   `json:"lessonsTarget"`
	LessonsCompleted int   `json:"lessonsCompleted"`
	MinutesTarget    int   `json:"minutesTarget"`
	MinutesStudied   int   `json:"minutesStudied"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewDailyGoal создаёт пустую цель на дату.
func NewDailyGoal(id LearnerID, date timeutil.Date, targets GoalTargets, now time.Time) *DailyGoal {
	return &DailyGoal{
		LearnerID:     id,
		Date:          date,
		TargetXP:      targets.XP,
		LessonsTarget: targets.Lessons,
		MinutesTarget: targets.Minutes,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

// IsClosed сообщает, что дата цели уже прошла.
func (g *DailyGoal) IsClosed(today timeutil.Date) bool {
	return g.Date.Before(today)
}

// Apply добавляет к цели начисленный XP, урок и минуты.
// Отрицательные корректировки не уменьшают прогресс дня.
func (g *DailyGoal) Apply(today timeutil.Date, source Source, credited int64, minutes int, now time.Time) error {
	if g.IsClosed(today) {
		return shared.ErrDailyGoalClosed
	}
	if g.Date.After(today) {
		return shared.NewDomainError("dailygoal", "Apply", shared.ErrInvalidState, "daily goal date is in the future")
	}

	if credited > 0 {
		g.EarnedXP += credited
	}
	if source == SourceLessonComplete {
		g.LessonsCompleted++
	}
	if minutes > 0 {
		g.MinutesStudied += minutes
	}
	g.UpdatedAt = now.UTC()
	return nil
}

// Met сообщает, выполнены ли все три цели.
func (g *DailyGoal) Met() bool {
	return g.EarnedXP >= g.TargetXP &&
		g.LessonsCompleted >= g.LessonsTarget &&
		g.MinutesStudied >= g.MinutesTarget
}

// XPPercent возвращает прогресс по XP в процентах, не больше 100.
func (g *DailyGoal) XPPercent() int {
	if g.TargetXP <= 0 {
		return 100
	}
	pct := g.EarnedXP * 100 / g.TargetXP
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}
