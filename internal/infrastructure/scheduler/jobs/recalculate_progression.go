// Package jobs contains the scheduled jobs of the progression engine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECALCULATE PROGRESSION JOB
// ══════════════════════════════════════════════════════════════════════════════

// Recalculator runs one recalculation pass.
type Recalculator interface {
	Handle(ctx context.Context, cmd command.RunRecalculationCommand) (*progression.RecalculationResult, error)
}

// RecalculateProgressionJob runs the nightly pass that reconciles cached totals
// with the ledger, recomputes levels and streaks and pays owed badges.
type RecalculateProgressionJob struct {
	recalc Recalculator
	logger *logger.Logger

	// State
	lastResult atomic.Pointer[progression.RecalculationResult]
}

// NewRecalculateProgressionJob creates the job.
func NewRecalculateProgressionJob(recalc Recalculator, log *logger.Logger) *RecalculateProgressionJob {
	if log == nil {
		log = logger.Nop()
	}
	return &RecalculateProgressionJob{recalc: recalc, logger: log.Named("recalculate_progression")}
}

// Name returns the job name.
func (j *RecalculateProgressionJob) Name() string {
	return "recalculate_progression"
}

// Description returns a human-readable description.
func (j *RecalculateProgressionJob) Description() string {
	return "Reconciles cached XP with the ledger, recomputes levels and streaks, awards owed badges"
}

// Run executes the job. A pass already running elsewhere is not an error:
// the tick is skipped.
func (j *RecalculateProgressionJob) Run(ctx context.Context) error {
	res, err := j.recalc.Handle(ctx, command.RunRecalculationCommand{Trigger: "schedule"})
	if err != nil {
		if errors.Is(err, shared.ErrRecalcInProgress) {
			j.logger.Info("recalculation already running, skipping tick")
			return nil
		}
		return err
	}
	j.lastResult.Store(res)

	if res.Incomplete {
		return fmt.Errorf("recalculation stopped early: %d updated, %d errors", res.Updated, res.Errors)
	}
	if res.Errors > 0 {
		j.logger.Warn("recalculation finished with failed learners",
			logger.Int("updated", res.Updated),
			logger.Int("errors", res.Errors),
		)
	}
	return nil
}

// LastResult returns the result of the last successful run, or nil.
func (j *RecalculateProgressionJob) LastResult() *progression.RecalculationResult {
	return j.lastResult.Load()
}
