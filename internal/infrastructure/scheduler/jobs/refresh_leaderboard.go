package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// REFRESH LEADERBOARD JOB
// ══════════════════════════════════════════════════════════════════════════════

// SnapshotRefresher recomputes cached leaderboard snapshots.
type SnapshotRefresher interface {
	RefreshSnapshots(ctx context.Context) error
}

// RefreshLeaderboardJob keeps leaderboard snapshots warm so reads rarely
// fall through to the ledger.
type RefreshLeaderboardJob struct {
	refresher SnapshotRefresher
	timeout   time.Duration
	logger    *logger.Logger
}

// NewRefreshLeaderboardJob creates the job. timeout bounds a single refresh.
func NewRefreshLeaderboardJob(refresher SnapshotRefresher, timeout time.Duration, log *logger.Logger) *RefreshLeaderboardJob {
	if timeout <= 0 {
		timeout = time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RefreshLeaderboardJob{refresher: refresher, timeout: timeout, logger: log.Named("refresh_leaderboard")}
}

// Name returns the job name.
func (j *RefreshLeaderboardJob) Name() string {
	return "refresh_leaderboard"
}

// Description returns a human-readable description.
func (j *RefreshLeaderboardJob) Description() string {
	return "Recomputes weekly, monthly and all-time leaderboard snapshots"
}

// Run executes the job.
func (j *RefreshLeaderboardJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	if err := j.refresher.RefreshSnapshots(ctx); err != nil {
		return fmt.Errorf("refresh snapshots: %w", err)
	}
	j.logger.Debug("leaderboard snapshots refreshed", logger.Latency(time.Since(start)))
	return nil
}
