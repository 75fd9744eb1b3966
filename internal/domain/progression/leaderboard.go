package progression

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// TIME RANGE
// ══════════════════════════════════════════════════════════════════════════════

// TimeRange - окно рейтинга.
type TimeRange string

const (
	RangeWeekly  TimeRange = "weekly"
	RangeMonthly TimeRange = "monthly"
	RangeAllTime TimeRange = "all_time"
)

// Лимиты выдачи рейтинга.
const (
	DefaultLeaderboardLimit = 20
	MaxLeaderboardLimit     = 100
)

// AllTimeRanges возвращает все окна.
func AllTimeRanges() []TimeRange {
	return []TimeRange{RangeWeekly, RangeMonthly, RangeAllTime}
}

// ParseTimeRange разбирает окно; пустая строка означает weekly.
func ParseTimeRange(s string) (TimeRange, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "weekly", "week":
		return RangeWeekly, nil
	case "monthly", "month":
		return RangeMonthly, nil
	case "all_time", "alltime", "all-time", "all":
		return RangeAllTime, nil
	default:
		return "", shared.ErrInvalidTimeRange
	}
}

// ClampLimit приводит лимит к [1, MaxLeaderboardLimit]; ноль и меньше - значение по умолчанию.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLeaderboardLimit
	}
	if limit > MaxLeaderboardLimit {
		return MaxLeaderboardLimit
	}
	return limit
}

// Window - полуинтервал [From, To) для суммирования XP.
// From == nil для all_time.
type Window struct {
	Range TimeRange  `json:"range"`
	From  *time.Time `json:"from,omitempty"`
	To    time.Time  `json:"to"`
}

// WindowFor вычисляет окно на момент now в поясе рейтинга.
// Неделя начинается в понедельник 00:00, месяц - первого числа 00:00.
func WindowFor(r TimeRange, now time.Time, loc *time.Location) Window {
	w := Window{Range: r, To: now}
	switch r {
	case RangeWeekly:
		from := timeutil.StartOfWeek(now, loc)
		w.From = &from
	case RangeMonthly:
		from := timeutil.StartOfMonth(now, loc)
		w.From = &from
	}
	return w
}

// Contains сообщает, попадает ли момент в окно.
func (w Window) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	return !t.After(w.To)
}

// ══════════════════════════════════════════════════════════════════════════════
// RANKING
// ══════════════════════════════════════════════════════════════════════════════

// WindowTotal - сумма XP ученика за окно.
type WindowTotal struct {
	LearnerID        LearnerID
	XP               int64
	TotalXP          int64
	LastActivityDate *timeutil.Date
}

// LeaderboardEntry - строка рейтинга.
type LeaderboardEntry struct {
	Rank             int            `json:"rank"`
	LearnerID        LearnerID      `json:"learnerId"`
	XP               int64          `json:"xp"`
	Level            int            `json:"level"`
	LevelTitle       string         `json:"levelTitle"`
	LastActivityDate *timeutil.Date `json:"lastActivityDate,omitempty"`
}

// RankedBefore задаёт порядок рейтинга: больше XP выше; при равенстве выше тот,
// чья последняя активность раньше; затем меньший ID.
// Отсутствующая дата активности считается самой поздней.
func RankedBefore(a, b WindowTotal) bool {
	if a.XP != b.XP {
		return a.XP > b.XP
	}
	switch {
	case a.LastActivityDate != nil && b.LastActivityDate == nil:
		return true
	case a.LastActivityDate == nil && b.LastActivityDate != nil:
		return false
	case a.LastActivityDate != nil && b.LastActivityDate != nil:
		if !a.LastActivityDate.Equal(*b.LastActivityDate) {
			return a.LastActivityDate.Before(*b.LastActivityDate)
		}
	}
	return a.LearnerID < b.LearnerID
}

// Rank сортирует суммы и присваивает позиции 1..n без пропусков.
// limit <= 0 означает без ограничения.
func Rank(rows []WindowTotal, limit int) []LeaderboardEntry {
	sorted := make([]WindowTotal, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return RankedBefore(sorted[i], sorted[j])
	})

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	out := make([]LeaderboardEntry, len(sorted))
	for i, r := range sorted {
		lvl := LevelOf(r.TotalXP)
		out[i] = LeaderboardEntry{
			Rank:             i + 1,
			LearnerID:        r.LearnerID,
			XP:               r.XP,
			Level:            lvl.Level,
			LevelTitle:       lvl.Title,
			LastActivityDate: r.LastActivityDate,
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardSnapshot - рейтинг, посчитанный для одного окна.
// Кешируется целиком; Entries содержит не более MaxLeaderboardLimit строк.
type LeaderboardSnapshot struct {
	Range       TimeRange          `json:"range"`
	WindowFrom  *time.Time         `json:"windowFrom,omitempty"`
	WindowTo    time.Time          `json:"windowTo"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Entries     []LeaderboardEntry `json:"entries"`
}

// Top возвращает первые limit строк.
func (s *LeaderboardSnapshot) Top(limit int) []LeaderboardEntry {
	if limit <= 0 || limit >= len(s.Entries) {
		return s.Entries
	}
	return s.Entries[:limit]
}

// SnapshotKey идентифицирует окно по диапазону и началу,
// чтобы новая неделя или месяц не читали снимок прошлого периода.
func (w Window) SnapshotKey() string {
	if w.From == nil {
		return string(w.Range) + ":all"
	}
	return string(w.Range) + ":" + strconv.FormatInt(w.From.Unix(), 10)
}
