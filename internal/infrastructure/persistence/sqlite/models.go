package sqlite

import (
	"time"

	"gorm.io/datatypes"
)

// Timestamps used in range filters are stored as unix microseconds so that
// comparisons stay numeric; SQLite has no native timestamp type.

type learnerProgressionRow struct {
	LearnerID         int64          `gorm:"column:learner_id;primaryKey;autoIncrement:false"`
	TotalXP           int64          `gorm:"column:total_xp;not null;default:0"`
	Level             int            `gorm:"column:level;not null;default:1"`
	CurrentStreak     int            `gorm:"column:current_streak;not null;default:0"`
	LongestStreak     int            `gorm:"column:longest_streak;not null;default:0"`
	LastActivityDate  *string        `gorm:"column:last_activity_date;size:10"`
	Timezone          string         `gorm:"column:timezone;not null;default:UTC"`
	ShowOnLeaderboard bool           `gorm:"column:show_on_leaderboard;not null;index"`
	StreakFreezes     int            `gorm:"column:streak_freezes;not null;default:1"`
	FrozenDates       datatypes.JSON `gorm:"column:frozen_dates;not null;default:'[]'"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (learnerProgressionRow) TableName() string { return "learner_progression" }

type xpTransactionRow struct {
	ID            string  `gorm:"column:id;primaryKey;size:36"`
	LearnerID     int64   `gorm:"column:learner_id;not null;index:idx_xp_learner_occurred,priority:1"`
	Amount        int64   `gorm:"column:amount;not null"`
	BaseAmount    int64   `gorm:"column:base_amount;not null"`
	MultiplierPct int     `gorm:"column:multiplier_pct;not null;default:100"`
	Source        string  `gorm:"column:source;not null;size:32;index"`
	ReferenceID   *string `gorm:"column:reference_id;size:128"`
	OccurredAtUS  int64   `gorm:"column:occurred_at_us;not null;index:idx_xp_learner_occurred,priority:2;index"`
	RecordedAtUS  int64   `gorm:"column:recorded_at_us;not null"`
}

func (xpTransactionRow) TableName() string { return "xp_transaction" }

type badgeDefinitionRow struct {
	BadgeType   string         `gorm:"column:badge_type;primaryKey;size:64"`
	Name        string         `gorm:"column:name;not null"`
	Description string         `gorm:"column:description;not null;default:''"`
	Category    string         `gorm:"column:category;not null;default:''"`
	Tier        string         `gorm:"column:tier;not null;size:16"`
	XPBonus     int64          `gorm:"column:xp_bonus;not null;default:0"`
	Manual      bool           `gorm:"column:manual;not null;default:false"`
	Condition   datatypes.JSON `gorm:"column:condition;not null"`
	UpdatedAt   time.Time
}

func (badgeDefinitionRow) TableName() string { return "badge_definition" }

type learnerBadgeRow struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	LearnerID    int64     `gorm:"column:learner_id;not null;uniqueIndex:ux_learner_badge,priority:1"`
	BadgeType    string    `gorm:"column:badge_type;not null;size:64;uniqueIndex:ux_learner_badge,priority:2"`
	EarnedAt     time.Time `gorm:"column:earned_at;not null"`
	Acknowledged bool      `gorm:"column:acknowledged;not null;default:false"`
}

func (learnerBadgeRow) TableName() string { return "learner_badge" }

type dailyGoalRow struct {
	LearnerID        int64  `gorm:"column:learner_id;primaryKey;autoIncrement:false"`
	GoalDate         string `gorm:"column:goal_date;primaryKey;size:10"`
	TargetXP         int64  `gorm:"column:target_xp;not null"`
	EarnedXP         int64  `gorm:"column:earned_xp;not null;default:0"`
	LessonsTarget    int    `gorm:"column:lessons_target;not null"`
	LessonsCompleted int    `gorm:"column:lessons_completed;not null;default:0"`
	MinutesTarget    int    `gorm:"column:minutes_target;not null"`
	MinutesStudied   int    `gorm:"column:minutes_studied;not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (dailyGoalRow) TableName() string { return "daily_goal" }

// ledgerTriggers make xp_transaction append-only.
var ledgerTriggers = []string{
	`CREATE TRIGGER IF NOT EXISTS xp_transaction_no_update
		BEFORE UPDATE ON xp_transaction
		BEGIN SELECT RAISE(ABORT, 'xp_transaction is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS xp_transaction_no_delete
		BEFORE DELETE ON xp_transaction
		BEGIN SELECT RAISE(ABORT, 'xp_transaction is append-only'); END`,
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }
