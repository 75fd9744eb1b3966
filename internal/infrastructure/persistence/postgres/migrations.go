package postgres

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_progression",
			UpSQL:   migration001Up,
		},
		{
			Version: 2,
			Name:    "create_badges",
			UpSQL:   migration002Up,
		},
		{
			Version: 3,
			Name:    "create_daily_goals",
			UpSQL:   migration003Up,
		},
		{
			Version: 4,
			Name:    "add_streak_freezes",
			UpSQL:   migration004Up,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: PROGRESSION PROFILE + XP LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Cached per-learner state. total_xp must equal SUM(xp_transaction.amount).
CREATE TABLE IF NOT EXISTS learner_progression (
    learner_id BIGINT PRIMARY KEY,
    total_xp BIGINT NOT NULL DEFAULT 0,
    level INTEGER NOT NULL DEFAULT 1,
    current_streak INTEGER NOT NULL DEFAULT 0,
    longest_streak INTEGER NOT NULL DEFAULT 0,
    last_activity_date DATE,
    timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
    show_on_leaderboard BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_total_xp CHECK (total_xp >= 0),
    CONSTRAINT valid_level CHECK (level >= 1),
    CONSTRAINT valid_streaks CHECK (current_streak >= 0 AND longest_streak >= current_streak)
);

CREATE INDEX IF NOT EXISTS idx_learner_progression_total_xp
    ON learner_progression(total_xp DESC) WHERE show_on_leaderboard;

-- Append-only ledger.
CREATE TABLE IF NOT EXISTS xp_transaction (
    id UUID PRIMARY KEY,
    learner_id BIGINT NOT NULL REFERENCES learner_progression(learner_id),
    amount BIGINT NOT NULL,
    base_amount BIGINT NOT NULL,
    multiplier_pct INTEGER NOT NULL DEFAULT 100,
    source VARCHAR(32) NOT NULL,
    reference_id VARCHAR(128),
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_source CHECK (source IN (
        'lesson_complete', 'quiz_pass', 'perfect_score', 'module_complete',
        'course_complete', 'streak_bonus', 'badge_bonus', 'manual_adjustment'
    )),
    CONSTRAINT valid_amount CHECK (
        (source = 'manual_adjustment' AND amount <> 0) OR amount > 0
    )
);

CREATE INDEX IF NOT EXISTS idx_xp_transaction_learner_occurred
    ON xp_transaction(learner_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_xp_transaction_occurred
    ON xp_transaction(occurred_at);

CREATE OR REPLACE FUNCTION xp_transaction_immutable()
RETURNS TRIGGER AS $$
BEGIN
    RAISE EXCEPTION 'xp_transaction is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_xp_transaction_immutable ON xp_transaction;
CREATE TRIGGER trg_xp_transaction_immutable
    BEFORE UPDATE OR DELETE ON xp_transaction
    FOR EACH ROW EXECUTE FUNCTION xp_transaction_immutable();
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: BADGES
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS badge_definition (
    badge_type VARCHAR(64) PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    category VARCHAR(32) NOT NULL DEFAULT '',
    tier VARCHAR(16) NOT NULL,
    xp_bonus BIGINT NOT NULL DEFAULT 0,
    manual BOOLEAN NOT NULL DEFAULT FALSE,
    condition JSONB NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS learner_badge (
    learner_id BIGINT NOT NULL REFERENCES learner_progression(learner_id),
    badge_type VARCHAR(64) NOT NULL REFERENCES badge_definition(badge_type),
    earned_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    acknowledged BOOLEAN NOT NULL DEFAULT FALSE,

    CONSTRAINT uq_learner_badge UNIQUE (learner_id, badge_type)
);

CREATE INDEX IF NOT EXISTS idx_learner_badge_learner ON learner_badge(learner_id, earned_at DESC);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: DAILY GOALS
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS daily_goal (
    learner_id BIGINT NOT NULL REFERENCES learner_progression(learner_id),
    goal_date DATE NOT NULL,
    target_xp BIGINT NOT NULL,
    earned_xp BIGINT NOT NULL DEFAULT 0,
    lessons_target INTEGER NOT NULL,
    lessons_completed INTEGER NOT NULL DEFAULT 0,
    minutes_target INTEGER NOT NULL,
    minutes_studied INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (learner_id, goal_date),
    CONSTRAINT valid_progress CHECK (earned_xp >= 0 AND lessons_completed >= 0 AND minutes_studied >= 0)
);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 004: STREAK FREEZES
// ══════════════════════════════════════════════════════════════════════════════

const migration004Up = `
ALTER TABLE learner_progression
    ADD COLUMN IF NOT EXISTS streak_freezes INTEGER NOT NULL DEFAULT 1,
    ADD COLUMN IF NOT EXISTS frozen_dates DATE[] NOT NULL DEFAULT '{}';

ALTER TABLE learner_progression DROP CONSTRAINT IF EXISTS valid_streak_freezes;
ALTER TABLE learner_progression
    ADD CONSTRAINT valid_streak_freezes CHECK (streak_freezes BETWEEN 0 AND 2);
`
