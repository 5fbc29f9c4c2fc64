package jobs

import (
	"context"
	"log"
	"time"
)

// DayResetter zeroes the previous day's budget counters. ledger.Ledger
// implements it.
type DayResetter interface {
	ResetDay(ctx context.Context) error
}

// BudgetResetJob runs the day-boundary budget sweep at 00:00 UTC
type BudgetResetJob struct {
	ledger DayResetter
	now    func() time.Time
}

// NewBudgetResetJob creates the daily budget sweep
func NewBudgetResetJob(ledger DayResetter) *BudgetResetJob {
	return &BudgetResetJob{ledger: ledger, now: time.Now}
}

// Run sweeps stale counters and snapshots
func (j *BudgetResetJob) Run(ctx context.Context) error {
	log.Println("🌅 [BUDGET-RESET] Running UTC day boundary sweep...")
	return j.ledger.ResetDay(ctx)
}

// GetNextRunTime returns the next 00:00 UTC
func (j *BudgetResetJob) GetNextRunTime() time.Time {
	now := j.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
