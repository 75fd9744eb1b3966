package progression

import (
	"math"
	"sort"
	"time"

	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// STREAK POLICY
// ══════════════════════════════════════════════════════════════════════════════

// DefaultGraceWindow - максимальный разрыв между активностями, не прерывающий серию.
// 36 часов покрывают ровно соседние календарные дни: вчера + сегодня.
const DefaultGraceWindow = 36 * time.Hour

// StreakPolicy вычисляет серии по набору дат активности.
// Даты уже приведены к часовому поясу ученика.
type StreakPolicy struct {
	// GraceWindow - допустимый разрыв между соседними днями серии.
	GraceWindow time.Duration
}

// DefaultStreakPolicy возвращает политику с окном 36 часов.
func DefaultStreakPolicy() StreakPolicy {
	return StreakPolicy{GraceWindow: DefaultGraceWindow}
}

// maxGapDays - сколько календарных дней может разделять два соседних дня серии.
// Окно меньше суток не допускает даже соседних дней, поэтому минимум 1.
func (p StreakPolicy) maxGapDays() int {
	grace := p.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	days := int(grace / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}

// Continues сообщает, продолжает ли день later серию, закончившуюся днём earlier.
func (p StreakPolicy) Continues(earlier, later timeutil.Date) bool {
	gap := later.DaysSince(earlier)
	return gap >= 0 && gap <= p.maxGapDays()
}

// Current возвращает текущую серию на дату today.
// Ноль, если активности нет или последняя была раньше вчерашнего дня.
// Иначе 1 плюс число предыдущих дней, каждый из которых продолжает серию.
func (p StreakPolicy) Current(dates []timeutil.Date, today timeutil.Date) int {
	return p.CurrentWithFreezes(dates, nil, today)
}

// CurrentWithFreezes - Current с замороженными днями. Замороженный день
// связывает соседние дни серии, но сам в длину серии не входит.
func (p StreakPolicy) CurrentWithFreezes(active, frozen []timeutil.Date, today timeutil.Date) int {
	days := mergeStreakDays(active, frozen)

	// Даты из будущего относительно today не учитываются.
	for len(days) > 0 && days[0].date.After(today) {
		days = days[1:]
	}
	if len(days) == 0 {
		return 0
	}
	if !p.Continues(days[0].date, today) {
		return 0
	}

	streak := 0
	for i, d := range days {
		if i > 0 && !p.Continues(d.date, days[i-1].date) {
			break
		}
		if !d.frozen {
			streak++
		}
	}
	return streak
}

// LongestRun возвращает самую длинную серию за всю историю дат.
func (p StreakPolicy) LongestRun(dates []timeutil.Date) int {
	return p.LongestRunWithFreezes(dates, nil)
}

// LongestRunWithFreezes - LongestRun с замороженными днями.
func (p StreakPolicy) LongestRunWithFreezes(active, frozen []timeutil.Date) int {
	days := mergeStreakDays(active, frozen)

	longest, run := 0, 0
	for i, d := range days {
		if i > 0 && !p.Continues(d.date, days[i-1].date) {
			run = 0
		}
		if !d.frozen {
			run++
		}
		if run > longest {
			longest = run
		}
	}
	return longest
}

type streakDay struct {
	date   timeutil.Date
	frozen bool
}

// mergeStreakDays объединяет дни активности и замороженные дни по убыванию.
// День с активностью не считается замороженным.
func mergeStreakDays(active, frozen []timeutil.Date) []streakDay {
	act := NormalizeDates(active)
	out := make([]streakDay, 0, len(act)+len(frozen))
	seen := make(map[timeutil.Date]struct{}, len(act))
	for _, d := range act {
		seen[d] = struct{}{}
		out = append(out, streakDay{date: d})
	}
	for _, d := range NormalizeDates(frozen) {
		if _, ok := seen[d]; ok {
			continue
		}
		out = append(out, streakDay{date: d, frozen: true})
	}
	if len(frozen) > 0 {
		sort.Slice(out, func(i, j int) bool {
			return out[i].date.After(out[j].date)
		})
	}
	return out
}

// LastDay возвращает последний день серии: самую позднюю дату среди
// активности и заморозок. found=false, если дат нет.
func LastDay(active, frozen []timeutil.Date) (last timeutil.Date, found bool) {
	for _, list := range [][]timeutil.Date{active, frozen} {
		for _, d := range list {
			if d.IsZero() {
				continue
			}
			if !found || d.After(last) {
				last, found = d, true
			}
		}
	}
	return last, found
}

// NormalizeDates убирает дубликаты и сортирует даты по убыванию.
// Исходный срез не изменяется.
func NormalizeDates(dates []timeutil.Date) []timeutil.Date {
	if len(dates) == 0 {
		return nil
	}

	seen := make(map[timeutil.Date]struct{}, len(dates))
	out := make([]timeutil.Date, 0, len(dates))
	for _, d := range dates {
		if d.IsZero() {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].After(out[j])
	})
	return out
}

// DatesUpTo возвращает даты не позже limit.
func DatesUpTo(dates []timeutil.Date, limit timeutil.Date) []timeutil.Date {
	out := make([]timeutil.Date, 0, len(dates))
	for _, d := range dates {
		if !d.After(limit) {
			out = append(out, d)
		}
	}
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAK MULTIPLIER
// ══════════════════════════════════════════════════════════════════════════════

// MultiplierTier - ступень множителя за серию.
type MultiplierTier struct {
	// MinStreak - минимальная длина серии (включительно).
	MinStreak int `json:"minStreak"`

	// Percent - множитель в процентах.
	Percent int `json:"percent"`
}

// Ступени отсортированы по убыванию MinStreak.
var multiplierTiers = []MultiplierTier{
	{MinStreak: 30, Percent: 200},
	{MinStreak: 14, Percent: 175},
	{MinStreak: 7, Percent: 150},
	{MinStreak: 3, Percent: 125},
}

// MultiplierTiers возвращает таблицу множителей по возрастанию серии.
func MultiplierTiers() []MultiplierTier {
	out := make([]MultiplierTier, 0, len(multiplierTiers))
	for i := len(multiplierTiers) - 1; i >= 0; i-- {
		out = append(out, multiplierTiers[i])
	}
	return out
}

// MultiplierPct возвращает множитель в процентах для длины серии.
// Наибольшая подходящая ступень, иначе 100.
func MultiplierPct(streak int) int {
	for _, t := range multiplierTiers {
		if streak >= t.MinStreak {
			return t.Percent
		}
	}
	return 100
}

// ApplyMultiplier применяет процентный множитель к сумме с округлением до ближайшего целого.
func ApplyMultiplier(base int64, pct int) int64 {
	if pct == 100 {
		return base
	}
	return int64(math.Round(float64(base) * float64(pct) / 100))
}
