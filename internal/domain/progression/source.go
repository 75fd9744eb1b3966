package progression

import (
	"strconv"
	"strings"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// LEARNER ID
// ══════════════════════════════════════════════════════════════════════════════

// LearnerID - непрозрачный идентификатор ученика из внешней системы авторизации.
type LearnerID int64

// Validate проверяет, что идентификатор положительный.
func (id LearnerID) Validate() error {
	if id <= 0 {
		return shared.ErrInvalidLearnerID
	}
	return nil
}

// Int64 возвращает идентификатор как int64.
func (id LearnerID) Int64() int64 {
	return int64(id)
}

func (id LearnerID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ══════════════════════════════════════════════════════════════════════════════
// XP SOURCE
// ══════════════════════════════════════════════════════════════════════════════

// Source - источник начисления XP.
type Source string

const (
	// SourceLessonComplete - завершение урока.
	SourceLessonComplete Source = "lesson_complete"

	// SourceQuizPass - успешно сданный тест.
	SourceQuizPass Source = "quiz_pass"

	// SourcePerfectScore - тест на 100%.
	SourcePerfectScore Source = "perfect_score"

	// SourceModuleComplete - завершение модуля.
	SourceModuleComplete Source = "module_complete"

	// SourceCourseComplete - завершение курса (пути обучения).
	SourceCourseComplete Source = "course_complete"

	// SourceStreakBonus - бонус за серию.
	SourceStreakBonus Source = "streak_bonus"

	// SourceBadgeBonus - бонус за полученный бейдж.
	SourceBadgeBonus Source = "badge_bonus"

	// SourceManualAdjustment - ручная корректировка, единственный источник с отрицательной суммой.
	SourceManualAdjustment Source = "manual_adjustment"
)

// AllSources возвращает все известные источники.
func AllSources() []Source {
	return []Source{
		SourceLessonComplete,
		SourceQuizPass,
		SourcePerfectScore,
		SourceModuleComplete,
		SourceCourseComplete,
		SourceStreakBonus,
		SourceBadgeBonus,
		SourceManualAdjustment,
	}
}

// ParseSource разбирает строку в Source.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	if !src.IsValid() {
		return "", shared.ErrUnknownSource
	}
	return src, nil
}

// IsValid проверяет, что источник известен.
func (s Source) IsValid() bool {
	for _, known := range AllSources() {
		if s == known {
			return true
		}
	}
	return false
}

// Qualifies сообщает, применяется ли к источнику множитель серии.
// Бонусы и корректировки не умножаются.
func (s Source) Qualifies() bool {
	switch s {
	case SourceLessonComplete, SourceQuizPass, SourcePerfectScore,
		SourceModuleComplete, SourceCourseComplete:
		return true
	default:
		return false
	}
}

// ValidateAmount проверяет сумму для источника:
// корректировка - любое ненулевое число, остальные - строго положительные.
func (s Source) ValidateAmount(amount int64) error {
	if s == SourceManualAdjustment {
		if amount == 0 {
			return shared.ErrInvalidAmount
		}
		return nil
	}
	if amount <= 0 {
		return shared.ErrInvalidAmount
	}
	return nil
}

// String реализует fmt.Stringer.
func (s Source) String() string {
	return string(s)
}
