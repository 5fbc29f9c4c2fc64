package jobs

import (
	"context"
	"log"
	"time"
)

// DefaultApprovalMaxAge is how long a request may stay PENDING
const DefaultApprovalMaxAge = 72 * time.Hour

// StaleExpirer rejects old pending approvals. approval.Gate implements it.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// ApprovalExpiryJob rejects stale PENDING approval requests every hour
type ApprovalExpiryJob struct {
	gate   StaleExpirer
	maxAge time.Duration
	now    func() time.Time
}

// NewApprovalExpiryJob creates the hourly approval expiry job
func NewApprovalExpiryJob(gate StaleExpirer, maxAge time.Duration) *ApprovalExpiryJob {
	if maxAge <= 0 {
		maxAge = DefaultApprovalMaxAge
	}
	return &ApprovalExpiryJob{gate: gate, maxAge: maxAge, now: time.Now}
}

// Run expires requests older than maxAge
func (j *ApprovalExpiryJob) Run(ctx context.Context) error {
	n, err := j.gate.ExpireStale(ctx, j.maxAge)
	if err != nil {
		return err
	}
	log.Printf("⏰ [APPROVAL-EXPIRY] Expired %d requests older than %v", n, j.maxAge)
	return nil
}

// GetNextRunTime returns the top of the next hour
func (j *ApprovalExpiryJob) GetNextRunTime() time.Time {
	return j.now().UTC().Truncate(time.Hour).Add(time.Hour)
}
