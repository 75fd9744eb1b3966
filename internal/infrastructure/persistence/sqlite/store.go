// Package sqlite implements the progression store on an embedded SQLite
// database through gorm. Writers are serialized per learner in process;
// the database itself runs with a single connection.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/datatypes"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/lock"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// Options configures the store.
type Options struct {
	LockTimeout     time.Duration
	DefaultTimezone string
	Clock           timeutil.Clock

	// LogLevel controls gorm's own SQL logging. Defaults to warnings only.
	LogLevel gormlogger.LogLevel
}

// Store implements progression.Store on SQLite.
type Store struct {
	db        *gorm.DB
	locks     *lock.Keyed
	clock     timeutil.Clock
	defaultTZ string
}

var _ progression.Store = (*Store)(nil)

// Open opens (or creates) the database at path, migrates the schema and
// installs the ledger triggers. Use ":memory:" for a throwaway database.
func Open(path string, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = timeutil.SystemClock()
	}
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = gormlogger.Warn
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(opts.LogLevel),
		NowFunc:        func() time.Time { return opts.Clock.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// One connection keeps ":memory:" a single database and matches
	// SQLite's single-writer model.
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &Store{
		db:        db,
		locks:     lock.NewKeyed(opts.LockTimeout),
		clock:     opts.Clock,
		defaultTZ: opts.DefaultTimezone,
	}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&learnerProgressionRow{},
		&xpTransactionRow{},
		&badgeDefinitionRow{},
		&learnerBadgeRow{},
		&dailyGoalRow{},
	); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	for _, stmt := range ledgerTriggers {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to install ledger trigger: %w", err)
		}
	}
	return nil
}

// Ping implements progression.Store.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements progression.Store.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithLearnerLock implements progression.UnitOfWork.
func (s *Store) WithLearnerLock(ctx context.Context, id progression.LearnerID, fn func(ctx context.Context, tx progression.LearnerTx) error) error {
	if err := id.Validate(); err != nil {
		return err
	}

	release, err := s.locks.Acquire(ctx, id.Int64())
	if err != nil {
		return err
	}
	defer release()

	err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		now := s.clock.Now().UTC()
		seed := learnerProgressionRow{
			LearnerID:         id.Int64(),
			Level:             1,
			Timezone:          s.defaultTZ,
			ShowOnLeaderboard: true,
			StreakFreezes:     progression.InitialStreakFreezes,
			FrozenDates:       datatypes.JSON("[]"),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		return fn(ctx, &learnerTx{db: db, id: id})
	})
	return classify(err)
}

// ─────────────────────────────────────────────────────────────────────────────
// LearnerTx
// ─────────────────────────────────────────────────────────────────────────────

type learnerTx struct {
	db *gorm.DB
	id progression.LearnerID
}

func (t *learnerTx) LearnerID() progression.LearnerID { return t.id }

func (t *learnerTx) LoadProfile(context.Context) (*progression.Profile, error) {
	return loadProfile(t.db, t.id)
}

func (t *learnerTx) SaveProfile(_ context.Context, p *progression.Profile) error {
	if p.TotalXP < 0 {
		return shared.ErrNegativeTotal
	}
	var last *string
	if p.LastActivityDate != nil {
		d := p.LastActivityDate.String()
		last = &d
	}
	frozen, err := encodeDates(p.FrozenDates)
	if err != nil {
		return err
	}

	err = t.db.Model(&learnerProgressionRow{}).
		Where("learner_id = ?", t.id.Int64()).
		Updates(map[string]any{
			"total_xp":            p.TotalXP,
			"level":               p.Level,
			"current_streak":      p.CurrentStreak,
			"longest_streak":      p.LongestStreak,
			"last_activity_date":  last,
			"timezone":            p.Timezone,
			"show_on_leaderboard": p.ShowOnLeaderboard,
			"streak_freezes":      p.StreakFreezes,
			"frozen_dates":        frozen,
			"updated_at":          p.UpdatedAt.UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", classify(err))
	}
	return nil
}

func (t *learnerTx) AppendTransaction(_ context.Context, x *progression.Transaction) error {
	row := xpTransactionRow{
		ID:            x.ID,
		LearnerID:     x.LearnerID.Int64(),
		Amount:        x.Amount,
		BaseAmount:    x.BaseAmount,
		MultiplierPct: x.MultiplierPct,
		Source:        string(x.Source),
		OccurredAtUS:  micros(x.OccurredAt),
		RecordedAtUS:  micros(x.RecordedAt),
	}
	if x.ReferenceID != "" {
		ref := x.ReferenceID
		row.ReferenceID = &ref
	}
	if err := t.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append transaction: %w", classify(err))
	}
	return nil
}

func (t *learnerTx) LedgerTotal(context.Context) (int64, error) {
	var total int64
	err := t.db.Raw(`SELECT COALESCE(SUM(amount), 0) FROM xp_transaction WHERE learner_id = ?`, t.id.Int64()).
		Row().Scan(&total)
	if err != nil {
		return 0, classify(err)
	}
	return total, nil
}

func (t *learnerTx) ActivityDates(_ context.Context, loc *time.Location) ([]timeutil.Date, error) {
	if loc == nil {
		loc = time.UTC
	}
	var stamps []int64
	err := t.db.Model(&xpTransactionRow{}).
		Where("learner_id = ? AND source IN ?", t.id.Int64(), activitySources()).
		Pluck("occurred_at_us", &stamps).Error
	if err != nil {
		return nil, classify(err)
	}

	dates := make([]timeutil.Date, 0, len(stamps))
	for _, us := range stamps {
		dates = append(dates, timeutil.DateOf(fromMicros(us), loc))
	}
	return progression.NormalizeDates(dates), nil
}

func (t *learnerTx) SourceCounts(context.Context) (map[progression.Source]int64, error) {
	return sourceCounts(t.db, t.id)
}

func (t *learnerTx) Awards(context.Context) ([]progression.BadgeAward, error) {
	return awards(t.db, t.id)
}

func (t *learnerTx) InsertAward(_ context.Context, a progression.BadgeAward) (bool, error) {
	known, err := badgeKnown(t.db, a.BadgeType)
	if err != nil {
		return false, err
	}
	if !known {
		return false, shared.ErrBadgeNotFound
	}

	row := learnerBadgeRow{
		LearnerID:    a.LearnerID.Int64(),
		BadgeType:    a.BadgeType,
		EarnedAt:     a.EarnedAt.UTC(),
		Acknowledged: a.Acknowledged,
	}
	res := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "learner_id"}, {Name: "badge_type"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert award: %w", classify(res.Error))
	}
	return res.RowsAffected == 1, nil
}

func (t *learnerTx) AcknowledgeAward(_ context.Context, badgeType string) error {
	res := t.db.Model(&learnerBadgeRow{}).
		Where("learner_id = ? AND badge_type = ?", t.id.Int64(), badgeType).
		Update("acknowledged", true)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return shared.ErrBadgeNotAwarded
	}
	return nil
}

func (t *learnerTx) DailyGoal(_ context.Context, date timeutil.Date) (*progression.DailyGoal, bool, error) {
	return dailyGoal(t.db, t.id, date)
}

func (t *learnerTx) SaveDailyGoal(_ context.Context, g *progression.DailyGoal) error {
	row := dailyGoalRow{
		LearnerID:        g.LearnerID.Int64(),
		GoalDate:         g.Date.String(),
		TargetXP:         g.TargetXP,
		EarnedXP:         g.EarnedXP,
		LessonsTarget:    g.LessonsTarget,
		LessonsCompleted: g.LessonsCompleted,
		MinutesTarget:    g.MinutesTarget,
		MinutesStudied:   g.MinutesStudied,
		CreatedAt:        g.CreatedAt.UTC(),
		UpdatedAt:        g.UpdatedAt.UTC(),
	}
	err := t.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "learner_id"}, {Name: "goal_date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"earned_xp",
			"lessons_completed",
			"minutes_studied",
			"updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save daily goal: %w", classify(err))
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Reader
// ─────────────────────────────────────────────────────────────────────────────

// Profile implements progression.Reader.
func (s *Store) Profile(ctx context.Context, id progression.LearnerID) (*progression.Profile, error) {
	return loadProfile(s.db.WithContext(ctx), id)
}

// Awards implements progression.Reader.
func (s *Store) Awards(ctx context.Context, id progression.LearnerID) ([]progression.BadgeAward, error) {
	return awards(s.db.WithContext(ctx), id)
}

// SourceCounts implements progression.Reader.
func (s *Store) SourceCounts(ctx context.Context, id progression.LearnerID) (map[progression.Source]int64, error) {
	return sourceCounts(s.db.WithContext(ctx), id)
}

// DailyGoal implements progression.Reader.
func (s *Store) DailyGoal(ctx context.Context, id progression.LearnerID, date timeutil.Date) (*progression.DailyGoal, bool, error) {
	return dailyGoal(s.db.WithContext(ctx), id, date)
}

// Transactions implements progression.Reader.
func (s *Store) Transactions(ctx context.Context, id progression.LearnerID, limit, offset int) ([]progression.Transaction, error) {
	var rows []xpTransactionRow
	err := s.db.WithContext(ctx).
		Where("learner_id = ?", id.Int64()).
		Order("recorded_at_us DESC, id").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}

	out := make([]progression.Transaction, 0, len(rows))
	for _, r := range rows {
		x := progression.Transaction{
			ID:            r.ID,
			LearnerID:     progression.LearnerID(r.LearnerID),
			Amount:        r.Amount,
			BaseAmount:    r.BaseAmount,
			MultiplierPct: r.MultiplierPct,
			Source:        progression.Source(r.Source),
			OccurredAt:    fromMicros(r.OccurredAtUS),
			RecordedAt:    fromMicros(r.RecordedAtUS),
		}
		if r.ReferenceID != nil {
			x.ReferenceID = *r.ReferenceID
		}
		out = append(out, x)
	}
	return out, nil
}

type windowRow struct {
	LearnerID        int64
	XP               int64
	TotalXP          int64
	LastActivityDate *string
}

// WindowTotals implements progression.Reader.
func (s *Store) WindowTotals(ctx context.Context, w progression.Window, limit int) ([]progression.WindowTotal, error) {
	from := int64(math.MinInt64)
	if w.From != nil {
		from = micros(*w.From)
	}
	if limit <= 0 {
		limit = -1
	}

	var rows []windowRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT t.learner_id AS learner_id, SUM(t.amount) AS xp,
		       p.total_xp AS total_xp, p.last_activity_date AS last_activity_date
		FROM xp_transaction t
		JOIN learner_progression p ON p.learner_id = t.learner_id
		WHERE p.show_on_leaderboard = ?
		  AND t.occurred_at_us >= ?
		  AND t.occurred_at_us <= ?
		GROUP BY t.learner_id, p.total_xp, p.last_activity_date
		ORDER BY xp DESC, p.last_activity_date IS NULL, p.last_activity_date ASC, t.learner_id ASC
		LIMIT ?
	`, true, from, micros(w.To), limit).Scan(&rows).Error
	if err != nil {
		return nil, classify(err)
	}

	out := make([]progression.WindowTotal, 0, len(rows))
	for _, r := range rows {
		row := progression.WindowTotal{
			LearnerID: progression.LearnerID(r.LearnerID),
			XP:        r.XP,
			TotalXP:   r.TotalXP,
		}
		if r.LastActivityDate != nil {
			d, err := timeutil.ParseDate(*r.LastActivityDate)
			if err != nil {
				return nil, shared.WrapError("sqlite", "WindowTotals", shared.ErrInvalidState, "bad last_activity_date", err)
			}
			row.LastActivityDate = &d
		}
		out = append(out, row)
	}
	return out, nil
}

// LearnerWindowXP implements progression.Reader.
func (s *Store) LearnerWindowXP(ctx context.Context, id progression.LearnerID, w progression.Window) (int64, error) {
	from := int64(math.MinInt64)
	if w.From != nil {
		from = micros(*w.From)
	}
	var xp int64
	err := s.db.WithContext(ctx).Raw(`
		SELECT COALESCE(SUM(amount), 0) FROM xp_transaction
		WHERE learner_id = ? AND occurred_at_us >= ? AND occurred_at_us <= ?
	`, id.Int64(), from, micros(w.To)).Row().Scan(&xp)
	if err != nil {
		return 0, classify(err)
	}
	return xp, nil
}

// LearnerIDs implements progression.Reader.
func (s *Store) LearnerIDs(ctx context.Context, afterID progression.LearnerID, limit int) ([]progression.LearnerID, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&learnerProgressionRow{}).
		Where("learner_id > ?", afterID.Int64()).
		Order("learner_id").
		Limit(limit).
		Pluck("learner_id", &ids).Error
	if err != nil {
		return nil, classify(err)
	}

	out := make([]progression.LearnerID, len(ids))
	for i, id := range ids {
		out[i] = progression.LearnerID(id)
	}
	return out, nil
}

// SyncBadgeDefinitions implements progression.BadgeRegistry.
func (s *Store) SyncBadgeDefinitions(ctx context.Context, defs []progression.BadgeDefinition) error {
	if len(defs) == 0 {
		return nil
	}

	rows := make([]badgeDefinitionRow, 0, len(defs))
	for _, d := range defs {
		cond, err := json.Marshal(d.Condition)
		if err != nil {
			return fmt.Errorf("failed to marshal condition for %s: %w", d.Type, err)
		}
		rows = append(rows, badgeDefinitionRow{
			BadgeType:   d.Type,
			Name:        d.Name,
			Description: d.Description,
			Category:    d.Category,
			Tier:        string(d.Tier),
			XPBonus:     d.XPBonus,
			Manual:      d.Manual,
			Condition:   cond,
		})
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "badge_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name",
			"description",
			"category",
			"tier",
			"xp_bonus",
			"manual",
			"condition",
			"updated_at",
		}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to sync badge definitions: %w", classify(err))
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func loadProfile(db *gorm.DB, id progression.LearnerID) (*progression.Profile, error) {
	var row learnerProgressionRow
	err := db.Where("learner_id = ?", id.Int64()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrLearnerNotFound
		}
		return nil, classify(err)
	}

	p := &progression.Profile{
		LearnerID:         progression.LearnerID(row.LearnerID),
		TotalXP:           row.TotalXP,
		Level:             row.Level,
		CurrentStreak:     row.CurrentStreak,
		LongestStreak:     row.LongestStreak,
		Timezone:          row.Timezone,
		ShowOnLeaderboard: row.ShowOnLeaderboard,
		StreakFreezes:     row.StreakFreezes,
		CreatedAt:         row.CreatedAt.UTC(),
		UpdatedAt:         row.UpdatedAt.UTC(),
	}
	if row.LastActivityDate != nil {
		d, err := timeutil.ParseDate(*row.LastActivityDate)
		if err != nil {
			return nil, shared.WrapError("sqlite", "LoadProfile", shared.ErrInvalidState, "bad last_activity_date", err)
		}
		p.LastActivityDate = &d
	}
	frozen, err := decodeDates(row.FrozenDates)
	if err != nil {
		return nil, shared.WrapError("sqlite", "LoadProfile", shared.ErrInvalidState, "bad frozen_dates", err)
	}
	p.FrozenDates = frozen
	return p, nil
}

// encodeDates stores dates as a JSON array of YYYY-MM-DD strings.
func encodeDates(dates []timeutil.Date) (datatypes.JSON, error) {
	if len(dates) == 0 {
		return datatypes.JSON("[]"), nil
	}
	b, err := json.Marshal(dates)
	if err != nil {
		return nil, fmt.Errorf("encode dates: %w", err)
	}
	return datatypes.JSON(b), nil
}

func decodeDates(raw datatypes.JSON) ([]timeutil.Date, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var dates []timeutil.Date
	if err := json.Unmarshal(raw, &dates); err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, nil
	}
	return dates, nil
}

func activitySources() []string {
	var out []string
	for _, s := range progression.AllSources() {
		if s.Qualifies() {
			out = append(out, string(s))
		}
	}
	return out
}

func sourceCounts(db *gorm.DB, id progression.LearnerID) (map[progression.Source]int64, error) {
	var rows []struct {
		Source string
		N      int64
	}
	err := db.Raw(`
		SELECT source, COUNT(*) AS n FROM xp_transaction
		WHERE learner_id = ?
		GROUP BY source
	`, id.Int64()).Scan(&rows).Error
	if err != nil {
		return nil, classify(err)
	}

	out := make(map[progression.Source]int64, len(rows))
	for _, r := range rows {
		out[progression.Source(r.Source)] = r.N
	}
	return out, nil
}

func awards(db *gorm.DB, id progression.LearnerID) ([]progression.BadgeAward, error) {
	var rows []learnerBadgeRow
	err := db.Where("learner_id = ?", id.Int64()).
		Order("earned_at DESC, badge_type").
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}

	out := make([]progression.BadgeAward, 0, len(rows))
	for _, r := range rows {
		out = append(out, progression.BadgeAward{
			LearnerID:    id,
			BadgeType:    r.BadgeType,
			EarnedAt:     r.EarnedAt.UTC(),
			Acknowledged: r.Acknowledged,
		})
	}
	return out, nil
}

func dailyGoal(db *gorm.DB, id progression.LearnerID, date timeutil.Date) (*progression.DailyGoal, bool, error) {
	var row dailyGoalRow
	err := db.Where("learner_id = ? AND goal_date = ?", id.Int64(), date.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, classify(err)
	}

	return &progression.DailyGoal{
		LearnerID:        id,
		Date:             date,
		TargetXP:         row.TargetXP,
		EarnedXP:         row.EarnedXP,
		LessonsTarget:    row.LessonsTarget,
		LessonsCompleted: row.LessonsCompleted,
		MinutesTarget:    row.MinutesTarget,
		MinutesStudied:   row.MinutesStudied,
		CreatedAt:        row.CreatedAt.UTC(),
		UpdatedAt:        row.UpdatedAt.UTC(),
	}, true, nil
}

// badgeKnown reports whether the registry holds badgeType.
// An empty registry accepts any type.
func badgeKnown(db *gorm.DB, badgeType string) (bool, error) {
	var total, match int64
	if err := db.Model(&badgeDefinitionRow{}).Count(&total).Error; err != nil {
		return false, classify(err)
	}
	if total == 0 {
		return true, nil
	}
	if err := db.Model(&badgeDefinitionRow{}).Where("badge_type = ?", badgeType).Count(&match).Error; err != nil {
		return false, classify(err)
	}
	return match > 0, nil
}

// classify maps driver errors onto domain error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch {
		case sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked:
			return shared.WrapError("sqlite", "Tx", shared.ErrConcurrentModification, "database is busy", err)
		case sqErr.ExtendedCode == sqlite3.ErrConstraintTrigger:
			return shared.WrapError("sqlite", "Write", shared.ErrInvalidState, "rejected by ledger trigger", err)
		case sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return shared.WrapError("sqlite", "Insert", shared.ErrAlreadyExists, "duplicate key", err)
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.WrapError("sqlite", "Insert", shared.ErrAlreadyExists, "duplicate key", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return shared.WrapError("sqlite", "Query", shared.ErrTimeout, "query timeout", err)
	}
	return err
}
