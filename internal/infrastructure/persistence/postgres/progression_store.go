package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESSION STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// Store implements progression.Store for PostgreSQL.
type Store struct {
	conn            *Connection
	lockTimeout     time.Duration
	defaultTimezone string
}

// StoreOptions configures the store.
type StoreOptions struct {
	// LockTimeout bounds the wait for the per-learner lock.
	LockTimeout time.Duration

	// DefaultTimezone is assigned to lazily created profiles.
	DefaultTimezone string
}

// NewStore creates a new Store.
func NewStore(conn *Connection, opts StoreOptions) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	return &Store{
		conn:            conn,
		lockTimeout:     opts.LockTimeout,
		defaultTimezone: opts.DefaultTimezone,
	}
}

var _ progression.Store = (*Store)(nil)

// Ping implements progression.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close implements progression.Store.
func (s *Store) Close() error {
	s.conn.Close()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Per-learner lock
// ─────────────────────────────────────────────────────────────────────────────

// advisoryKey64 derives a stable advisory lock key for a learner.
func advisoryKey64(namespace string, id progression.LearnerID) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(id.Int64(), 10)))
	return int64(h.Sum64())
}

// WithLearnerLock implements progression.UnitOfWork.
// The lock is a transaction-scoped advisory lock bounded by lock_timeout;
// a timeout surfaces as shared.ErrLockTimeout.
func (s *Store) WithLearnerLock(ctx context.Context, id progression.LearnerID, fn func(ctx context.Context, tx progression.LearnerTx) error) error {
	if err := id.Validate(); err != nil {
		return err
	}

	return s.conn.WithTx(ctx, func(tx pgx.Tx) error {
		// SET LOCAL does not accept bind parameters.
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return classify(err)
		}
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey64("learner_progression", id)); err != nil {
			return classify(err)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO learner_progression (learner_id, timezone)
			VALUES ($1, $2)
			ON CONFLICT (learner_id) DO NOTHING
		`, id.Int64(), s.defaultTimezone)
		if err != nil {
			return classify(err)
		}

		return fn(ctx, &learnerTx{tx: tx, id: id})
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// LearnerTx
// ─────────────────────────────────────────────────────────────────────────────

type learnerTx struct {
	tx pgx.Tx
	id progression.LearnerID
}

func (t *learnerTx) LearnerID() progression.LearnerID { return t.id }

func (t *learnerTx) LoadProfile(ctx context.Context) (*progression.Profile, error) {
	row := t.tx.QueryRow(ctx, profileSelect+` WHERE learner_id = $1 FOR UPDATE`, t.id.Int64())
	p, err := scanProfile(row)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrLearnerNotFound
		}
		return nil, classify(err)
	}
	return p, nil
}

func (t *learnerTx) SaveProfile(ctx context.Context, p *progression.Profile) error {
	var last *time.Time
	if p.LastActivityDate != nil {
		d := p.LastActivityDate.In(time.UTC)
		last = &d
	}

	_, err := t.tx.Exec(ctx, `
		UPDATE learner_progression SET
			total_xp = $2,
			level = $3,
			current_streak = $4,
			longest_streak = $5,
			last_activity_date = $6,
			timezone = $7,
			show_on_leaderboard = $8,
			updated_at = $9,
			streak_freezes = $10,
			frozen_dates = $11
		WHERE learner_id = $1
	`,
		p.LearnerID.Int64(),
		p.TotalXP,
		p.Level,
		p.CurrentStreak,
		p.LongestStreak,
		last,
		p.Timezone,
		p.ShowOnLeaderboard,
		p.UpdatedAt,
		p.StreakFreezes,
		datesToTimes(p.FrozenDates),
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", classify(err))
	}
	return nil
}

func (t *learnerTx) AppendTransaction(ctx context.Context, x *progression.Transaction) error {
	var ref *string
	if x.ReferenceID != "" {
		ref = &x.ReferenceID
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO xp_transaction (
			id, learner_id, amount, base_amount, multiplier_pct, source,
			reference_id, occurred_at, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		x.ID,
		x.LearnerID.Int64(),
		x.Amount,
		x.BaseAmount,
		x.MultiplierPct,
		string(x.Source),
		ref,
		x.OccurredAt,
		x.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", classify(err))
	}
	return nil
}

func (t *learnerTx) LedgerTotal(ctx context.Context) (int64, error) {
	var total int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM xp_transaction WHERE learner_id = $1`,
		t.id.Int64(),
	).Scan(&total)
	if err != nil {
		return 0, classify(err)
	}
	return total, nil
}

func (t *learnerTx) ActivityDates(ctx context.Context, loc *time.Location) ([]timeutil.Date, error) {
	if loc == nil {
		loc = time.UTC
	}

	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT (occurred_at AT TIME ZONE $2)::date AS d
		FROM xp_transaction
		WHERE learner_id = $1 AND source = ANY($3)
		ORDER BY d DESC
	`, t.id.Int64(), loc.String(), activitySources())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []timeutil.Date
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan activity date: %w", err)
		}
		out = append(out, timeutil.DateOf(d, time.UTC))
	}
	return out, rows.Err()
}

func (t *learnerTx) SourceCounts(ctx context.Context) (map[progression.Source]int64, error) {
	return sourceCounts(ctx, t.tx, t.id)
}

func (t *learnerTx) Awards(ctx context.Context) ([]progression.BadgeAward, error) {
	return awards(ctx, t.tx, t.id)
}

func (t *learnerTx) InsertAward(ctx context.Context, a progression.BadgeAward) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO learner_badge (learner_id, badge_type, earned_at, acknowledged)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (learner_id, badge_type) DO NOTHING
	`, a.LearnerID.Int64(), a.BadgeType, a.EarnedAt, a.Acknowledged)
	if err != nil {
		if IsForeignKeyViolation(err) {
			return false, shared.ErrBadgeNotFound
		}
		return false, fmt.Errorf("failed to insert award: %w", classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (t *learnerTx) AcknowledgeAward(ctx context.Context, badgeType string) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE learner_badge SET acknowledged = TRUE
		WHERE learner_id = $1 AND badge_type = $2
	`, t.id.Int64(), badgeType)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrBadgeNotAwarded
	}
	return nil
}

func (t *learnerTx) DailyGoal(ctx context.Context, date timeutil.Date) (*progression.DailyGoal, bool, error) {
	return dailyGoal(ctx, t.tx, t.id, date)
}

func (t *learnerTx) SaveDailyGoal(ctx context.Context, g *progression.DailyGoal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO daily_goal (
			learner_id, goal_date, target_xp, earned_xp, lessons_target,
			lessons_completed, minutes_target, minutes_studied, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (learner_id, goal_date) DO UPDATE SET
			earned_xp = EXCLUDED.earned_xp,
			lessons_completed = EXCLUDED.lessons_completed,
			minutes_studied = EXCLUDED.minutes_studied,
			updated_at = EXCLUDED.updated_at
	`,
		g.LearnerID.Int64(),
		g.Date.In(time.UTC),
		g.TargetXP,
		g.EarnedXP,
		g.LessonsTarget,
		g.LessonsCompleted,
		g.MinutesTarget,
		g.MinutesStudied,
		g.CreatedAt,
		g.UpdatedAt,
	)
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
	p, err := scanProfile(s.conn.QueryRow(ctx, profileSelect+` WHERE learner_id = $1`, id.Int64()))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrLearnerNotFound
		}
		return nil, classify(err)
	}
	return p, nil
}

// Awards implements progression.Reader.
func (s *Store) Awards(ctx context.Context, id progression.LearnerID) ([]progression.BadgeAward, error) {
	return awards(ctx, s.conn, id)
}

// SourceCounts implements progression.Reader.
func (s *Store) SourceCounts(ctx context.Context, id progression.LearnerID) (map[progression.Source]int64, error) {
	return sourceCounts(ctx, s.conn, id)
}

// DailyGoal implements progression.Reader.
func (s *Store) DailyGoal(ctx context.Context, id progression.LearnerID, date timeutil.Date) (*progression.DailyGoal, bool, error) {
	return dailyGoal(ctx, s.conn, id, date)
}

// Transactions implements progression.Reader.
func (s *Store) Transactions(ctx context.Context, id progression.LearnerID, limit, offset int) ([]progression.Transaction, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id::text, learner_id, amount, base_amount, multiplier_pct, source,
		       COALESCE(reference_id, ''), occurred_at, recorded_at
		FROM xp_transaction
		WHERE learner_id = $1
		ORDER BY recorded_at DESC, id
		LIMIT $2 OFFSET $3
	`, id.Int64(), limit, offset)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []progression.Transaction
	for rows.Next() {
		var (
			x       progression.Transaction
			learner int64
			source  string
		)
		if err := rows.Scan(&x.ID, &learner, &x.Amount, &x.BaseAmount, &x.MultiplierPct,
			&source, &x.ReferenceID, &x.OccurredAt, &x.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		x.LearnerID = progression.LearnerID(learner)
		x.Source = progression.Source(source)
		out = append(out, x)
	}
	return out, rows.Err()
}

// WindowTotals implements progression.Reader.
func (s *Store) WindowTotals(ctx context.Context, w progression.Window, limit int) ([]progression.WindowTotal, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}

	rows, err := s.conn.Query(ctx, `
		SELECT t.learner_id, SUM(t.amount) AS xp, p.total_xp, p.last_activity_date
		FROM xp_transaction t
		JOIN learner_progression p ON p.learner_id = t.learner_id
		WHERE p.show_on_leaderboard
		  AND ($1::timestamptz IS NULL OR t.occurred_at >= $1)
		  AND t.occurred_at <= $2
		GROUP BY t.learner_id, p.total_xp, p.last_activity_date
		ORDER BY xp DESC, p.last_activity_date ASC NULLS LAST, t.learner_id ASC
		LIMIT $3
	`, w.From, w.To, limitArg)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []progression.WindowTotal
	for rows.Next() {
		var (
			row     progression.WindowTotal
			learner int64
			last    *time.Time
		)
		if err := rows.Scan(&learner, &row.XP, &row.TotalXP, &last); err != nil {
			return nil, fmt.Errorf("failed to scan window total: %w", err)
		}
		row.LearnerID = progression.LearnerID(learner)
		if last != nil {
			d := timeutil.DateOf(*last, time.UTC)
			row.LastActivityDate = &d
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// LearnerWindowXP implements progression.Reader.
func (s *Store) LearnerWindowXP(ctx context.Context, id progression.LearnerID, w progression.Window) (int64, error) {
	var xp int64
	err := s.conn.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM xp_transaction
		WHERE learner_id = $1
		  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		  AND occurred_at <= $3
	`, id.Int64(), w.From, w.To).Scan(&xp)
	if err != nil {
		return 0, classify(err)
	}
	return xp, nil
}

// LearnerIDs implements progression.Reader.
func (s *Store) LearnerIDs(ctx context.Context, afterID progression.LearnerID, limit int) ([]progression.LearnerID, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT learner_id FROM learner_progression
		WHERE learner_id > $1
		ORDER BY learner_id
		LIMIT $2
	`, afterID.Int64(), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []progression.LearnerID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, progression.LearnerID(id))
	}
	return out, rows.Err()
}

// SyncBadgeDefinitions implements progression.BadgeRegistry.
func (s *Store) SyncBadgeDefinitions(ctx context.Context, defs []progression.BadgeDefinition) error {
	batch := &pgx.Batch{}
	for _, d := range defs {
		cond, err := json.Marshal(d.Condition)
		if err != nil {
			return fmt.Errorf("failed to marshal condition for %s: %w", d.Type, err)
		}
		batch.Queue(`
			INSERT INTO badge_definition (badge_type, name, description, category, tier, xp_bonus, manual, condition, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (badge_type) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				category = EXCLUDED.category,
				tier = EXCLUDED.tier,
				xp_bonus = EXCLUDED.xp_bonus,
				manual = EXCLUDED.manual,
				condition = EXCLUDED.condition,
				updated_at = NOW()
		`, d.Type, d.Name, d.Description, d.Category, string(d.Tier), d.XPBonus, d.Manual, cond)
	}

	br := s.conn.Pool().SendBatch(ctx, batch)
	defer br.Close()

	for range defs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to sync badge definition: %w", classify(err))
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

const profileSelect = `
	SELECT learner_id, total_xp, level, current_streak, longest_streak,
	       last_activity_date, timezone, show_on_leaderboard, created_at, updated_at,
	       streak_freezes, frozen_dates
	FROM learner_progression`

func scanProfile(row pgx.Row) (*progression.Profile, error) {
	var (
		p       progression.Profile
		learner int64
		last    *time.Time
		frozen  []time.Time
	)
	if err := row.Scan(&learner, &p.TotalXP, &p.Level, &p.CurrentStreak, &p.LongestStreak,
		&last, &p.Timezone, &p.ShowOnLeaderboard, &p.CreatedAt, &p.UpdatedAt,
		&p.StreakFreezes, &frozen); err != nil {
		return nil, err
	}
	for _, t := range frozen {
		p.FrozenDates = append(p.FrozenDates, timeutil.DateOf(t, time.UTC))
	}
	p.LearnerID = progression.LearnerID(learner)
	if last != nil {
		d := timeutil.DateOf(*last, time.UTC)
		p.LastActivityDate = &d
	}
	return &p, nil
}

// datesToTimes maps dates onto UTC midnights for DATE[] columns.
func datesToTimes(dates []timeutil.Date) []time.Time {
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.In(time.UTC))
	}
	return out
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

func sourceCounts(ctx context.Context, q Querier, id progression.LearnerID) (map[progression.Source]int64, error) {
	rows, err := q.Query(ctx, `
		SELECT source, COUNT(*) FROM xp_transaction
		WHERE learner_id = $1
		GROUP BY source
	`, id.Int64())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make(map[progression.Source]int64)
	for rows.Next() {
		var (
			source string
			n      int64
		)
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		out[progression.Source(source)] = n
	}
	return out, rows.Err()
}

func awards(ctx context.Context, q Querier, id progression.LearnerID) ([]progression.BadgeAward, error) {
	rows, err := q.Query(ctx, `
		SELECT badge_type, earned_at, acknowledged FROM learner_badge
		WHERE learner_id = $1
		ORDER BY earned_at DESC, badge_type
	`, id.Int64())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []progression.BadgeAward
	for rows.Next() {
		a := progression.BadgeAward{LearnerID: id}
		if err := rows.Scan(&a.BadgeType, &a.EarnedAt, &a.Acknowledged); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func dailyGoal(ctx context.Context, q Querier, id progression.LearnerID, date timeutil.Date) (*progression.DailyGoal, bool, error) {
	g := progression.DailyGoal{LearnerID: id, Date: date}
	err := q.QueryRow(ctx, `
		SELECT target_xp, earned_xp, lessons_target, lessons_completed,
		       minutes_target, minutes_studied, created_at, updated_at
		FROM daily_goal
		WHERE learner_id = $1 AND goal_date = $2
	`, id.Int64(), date.In(time.UTC)).Scan(
		&g.TargetXP, &g.EarnedXP, &g.LessonsTarget, &g.LessonsCompleted,
		&g.MinutesTarget, &g.MinutesStudied, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, classify(err)
	}
	return &g, true, nil
}
