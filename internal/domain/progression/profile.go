package progression

import (
	"time"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESSION PROFILE
// ══════════════════════════════════════════════════════════════════════════════

// Profile - кешированное состояние прогрессии ученика.
// TotalXP всегда должен совпадать с суммой журнала; расхождение исправляет перерасчёт.
type Profile struct {
	LearnerID LearnerID `json:"learnerId"`

	// TotalXP - кеш суммы журнала.
	TotalXP int64 `json:"totalXp"`

	// Level - кеш LevelOf(TotalXP).Level.
	Level int `json:"level"`

	CurrentStreak int `json:"currentStreak"`

	// LongestStreak никогда не уменьшается.
	LongestStreak int `json:"longestStreak"`

	// LastActivityDate - последняя дата активности в часовом поясе ученика.
	LastActivityDate *timeutil.Date `json:"lastActivityDate,omitempty"`

	// Timezone - IANA-имя пояса, по которому считаются календарные дни.
	Timezone string `json:"timezone"`

	// ShowOnLeaderboard - участвует ли ученик в рейтинге.
	ShowOnLeaderboard bool `json:"showOnLeaderboard"`

	// StreakFreezes - сколько заморозок серии доступно, от 0 до MaxStreakFreezes.
	StreakFreezes int `json:"streakFreezes"`

	// FrozenDates - дни, закрытые заморозкой. Связывают серию, но не удлиняют её.
	FrozenDates []timeutil.Date `json:"frozenDates,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAK FREEZE
// ══════════════════════════════════════════════════════════════════════════════

const (
	// MaxStreakFreezes - сколько заморозок можно накопить.
	MaxStreakFreezes = 2

	// InitialStreakFreezes - заморозки нового профиля.
	InitialStreakFreezes = 1

	// StreakFreezeEvery - новая заморозка за каждые столько дней серии.
	StreakFreezeEvery = 7
)

// NewProfile создаёт пустой профиль: ноль XP, первый уровень, без серии.
func NewProfile(id LearnerID, timezone string, now time.Time) *Profile {
	if timezone == "" {
		timezone = "UTC"
	}
	return &Profile{
		LearnerID:         id,
		Level:             1,
		Timezone:          timezone,
		ShowOnLeaderboard: true,
		StreakFreezes:     InitialStreakFreezes,
		CreatedAt:         now.UTC(),
		UpdatedAt:         now.UTC(),
	}
}

// Location возвращает часовой пояс ученика.
func (p *Profile) Location() (*time.Location, error) {
	loc, err := timeutil.LoadLocation(p.Timezone)
	if err != nil {
		return nil, shared.WrapError("progression", "Location", shared.ErrInvalidState, "malformed progression profile", err)
	}
	return loc, nil
}

// Today возвращает сегодняшнюю дату в поясе ученика.
func (p *Profile) Today(now time.Time) (timeutil.Date, error) {
	loc, err := p.Location()
	if err != nil {
		return timeutil.Date{}, err
	}
	return timeutil.DateOf(now, loc), nil
}

// Validate проверяет внутреннюю согласованность кеша.
func (p *Profile) Validate() error {
	if err := p.LearnerID.Validate(); err != nil {
		return err
	}
	if p.TotalXP < 0 || p.CurrentStreak < 0 || p.LongestStreak < 0 {
		return shared.ErrMalformedProfile
	}
	if p.LongestStreak < p.CurrentStreak {
		return shared.ErrMalformedProfile
	}
	if p.Level < 1 || p.Level > MaxLevel() {
		return shared.ErrMalformedProfile
	}
	if p.StreakFreezes < 0 || p.StreakFreezes > MaxStreakFreezes {
		return shared.ErrMalformedProfile
	}
	if _, err := p.Location(); err != nil {
		return err
	}
	return nil
}

// ApplyTotal записывает новую сумму XP и уровень.
// Возвращает старый уровень, чтобы вызывающий мог опубликовать LevelUp.
func (p *Profile) ApplyTotal(total int64, now time.Time) (oldLevel int) {
	oldLevel = p.Level
	p.TotalXP = total
	p.Level = LevelOf(total).Level
	p.UpdatedAt = now.UTC()
	return oldLevel
}

// ApplyActivity пересчитывает серии по полному набору дат активности
// и замороженным дням профиля. Возвращает старое значение текущей серии.
func (p *Profile) ApplyActivity(dates []timeutil.Date, today timeutil.Date, policy StreakPolicy, now time.Time) (oldStreak int) {
	oldStreak = p.CurrentStreak

	days := NormalizeDates(dates)
	p.CurrentStreak = policy.CurrentWithFreezes(days, p.FrozenDates, today)

	longest := policy.LongestRunWithFreezes(days, p.FrozenDates)
	if p.CurrentStreak > longest {
		longest = p.CurrentStreak
	}
	if longest > p.LongestStreak {
		p.LongestStreak = longest
	}

	if len(days) > 0 {
		last := days[0]
		p.LastActivityDate = &last
	} else {
		p.LastActivityDate = nil
	}
	p.UpdatedAt = now.UTC()
	return oldStreak
}

// GrantStreakFreezes начисляет заморозку за каждую пройденную отметку
// StreakFreezeEvery при росте серии с oldStreak до CurrentStreak.
// Возвращает число начисленных заморозок.
func (p *Profile) GrantStreakFreezes(oldStreak int) int {
	if p.CurrentStreak <= oldStreak {
		return 0
	}
	earned := p.CurrentStreak/StreakFreezeEvery - oldStreak/StreakFreezeEvery
	if room := MaxStreakFreezes - p.StreakFreezes; earned > room {
		earned = room
	}
	if earned <= 0 {
		return 0
	}
	p.StreakFreezes += earned
	return earned
}

// lastStreakDay - последний день серии с учётом заморозок.
func (p *Profile) lastStreakDay() (timeutil.Date, bool) {
	var active []timeutil.Date
	if p.LastActivityDate != nil {
		active = []timeutil.Date{*p.LastActivityDate}
	}
	return LastDay(active, p.FrozenDates)
}

// UseStreakFreeze закрывает вчерашний пропущенный день, чтобы серия не прервалась.
// Серия должна быть под угрозой: последний день серии - позавчера
// (ровно на день дальше допустимого разрыва). dates - все даты активности.
// Возвращает замороженный день.
func (p *Profile) UseStreakFreeze(dates []timeutil.Date, today timeutil.Date, policy StreakPolicy, now time.Time) (timeutil.Date, error) {
	if p.StreakFreezes <= 0 {
		return timeutil.Date{}, shared.ErrNoStreakFreeze
	}

	last, found := LastDay(NormalizeDates(dates), p.FrozenDates)
	if !found {
		return timeutil.Date{}, shared.ErrStreakLost
	}
	gap := today.DaysSince(last)
	switch {
	case gap <= policy.maxGapDays():
		return timeutil.Date{}, shared.ErrStreakNotAtRisk
	case gap > policy.maxGapDays()+1:
		return timeutil.Date{}, shared.ErrStreakLost
	}
	if policy.CurrentWithFreezes(dates, p.FrozenDates, last) == 0 {
		return timeutil.Date{}, shared.ErrStreakLost
	}

	frozen := today.AddDays(-1)
	p.FrozenDates = append(p.FrozenDates, frozen)
	p.StreakFreezes--
	p.ApplyActivity(dates, today, policy, now)
	return frozen, nil
}

// EffectiveStreak - серия с учётом прошедшего времени: если последний день серии
// был раньше вчерашнего, серия уже прервана, даже если кеш ещё не обновлён.
func (p *Profile) EffectiveStreak(today timeutil.Date, policy StreakPolicy) int {
	last, found := p.lastStreakDay()
	if !found {
		return 0
	}
	if !policy.Continues(last, today) {
		return 0
	}
	return p.CurrentStreak
}

// LevelInfo возвращает уровень с прогрессом до следующего.
func (p *Profile) LevelInfo() LevelInfo {
	return LevelOf(p.TotalXP)
}

// ══════════════════════════════════════════════════════════════════════════════
// STATS SNAPSHOT
// ══════════════════════════════════════════════════════════════════════════════

// Metric - метрика, на которую может ссылаться условие бейджа.
type Metric string

const (
	MetricTotalXP          Metric = "total_xp"
	MetricLessonsCompleted Metric = "lessons_completed"
	MetricQuizzesPassed    Metric = "quizzes_passed"
	MetricPerfectScores    Metric = "perfect_scores"
	MetricModulesCompleted Metric = "modules_completed"
	MetricCoursesCompleted Metric = "courses_completed"
	MetricCurrentStreak    Metric = "current_streak"
	MetricLongestStreak    Metric = "longest_streak"
)

// AllMetrics возвращает все поддерживаемые метрики.
func AllMetrics() []Metric {
	return []Metric{
		MetricTotalXP,
		MetricLessonsCompleted,
		MetricQuizzesPassed,
		MetricPerfectScores,
		MetricModulesCompleted,
		MetricCoursesCompleted,
		MetricCurrentStreak,
		MetricLongestStreak,
	}
}

// IsValid проверяет, что метрика известна.
func (m Metric) IsValid() bool {
	for _, known := range AllMetrics() {
		if m == known {
			return true
		}
	}
	return false
}

// StatsSnapshot - снимок статистики ученика для оценки бейджей.
type StatsSnapshot struct {
	TotalXP          int64 `json:"totalXp"`
	LessonsCompleted int64 `json:"lessonsCompleted"`
	QuizzesPassed    int64 `json:"quizzesPassed"`
	PerfectScores    int64 `json:"perfectScores"`
	ModulesCompleted int64 `json:"modulesCompleted"`
	CoursesCompleted int64 `json:"coursesCompleted"`
	CurrentStreak    int64 `json:"currentStreak"`
	LongestStreak    int64 `json:"longestStreak"`
}

// BuildStats собирает снимок из профиля и числа записей журнала по источникам.
func BuildStats(p *Profile, counts map[Source]int64) StatsSnapshot {
	return StatsSnapshot{
		TotalXP:          p.TotalXP,
		LessonsCompleted: counts[SourceLessonComplete],
		QuizzesPassed:    counts[SourceQuizPass],
		PerfectScores:    counts[SourcePerfectScore],
		ModulesCompleted: counts[SourceModuleComplete],
		CoursesCompleted: counts[SourceCourseComplete],
		CurrentStreak:    int64(p.CurrentStreak),
		LongestStreak:    int64(p.LongestStreak),
	}
}

// Value возвращает значение метрики.
func (s StatsSnapshot) Value(m Metric) int64 {
	switch m {
	case MetricTotalXP:
		return s.TotalXP
	case MetricLessonsCompleted:
		return s.LessonsCompleted
	case MetricQuizzesPassed:
		return s.QuizzesPassed
	case MetricPerfectScores:
		return s.PerfectScores
	case MetricModulesCompleted:
		return s.ModulesCompleted
	case MetricCoursesCompleted:
		return s.CoursesCompleted
	case MetricCurrentStreak:
		return s.CurrentStreak
	case MetricLongestStreak:
		return s.LongestStreak
	default:
		return 0
	}
}
