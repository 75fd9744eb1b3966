package progression

import (
	"context"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECALCULATION
// ══════════════════════════════════════════════════════════════════════════════

// RecalculationResult - итог прохода перерасчёта по всем ученикам.
type RecalculationResult struct {
	// Updated - число учеников, пересчитанных без ошибок.
	Updated int `json:"updated"`

	// Errors - число учеников, на которых пересчёт завершился ошибкой,
	// плюс ошибка чтения списка, если проход оборвался.
	Errors int `json:"errors"`

	// Repaired - сколько раз кеш totalXp расходился с журналом и был перезаписан.
	Repaired int `json:"repaired"`

	// DurationMs - длительность прохода.
	DurationMs int64 `json:"durationMs"`

	// Timestamp - момент завершения.
	Timestamp time.Time `json:"timestamp"`

	// Failures - ученики с ошибками. Причина обобщённая, без внутренних деталей.
	Failures []RecalculationFailure `json:"failures,omitempty"`

	// Incomplete - проход остановлен до конца списка учеников.
	Incomplete bool `json:"incomplete,omitempty"`
}

// RecalculationFailure - ошибка пересчёта одного ученика.
type RecalculationFailure struct {
	LearnerID LearnerID `json:"learnerId"`
	Reason    string    `json:"reason"`
}

// RecalculationLog хранит итог последнего перерасчёта.
type RecalculationLog interface {
	SaveLastRecalculation(ctx context.Context, r RecalculationResult) error

	// LastRecalculation возвращает found=false, если перерасчёт ещё не запускался.
	LastRecalculation(ctx context.Context) (r *RecalculationResult, found bool, err error)
}
