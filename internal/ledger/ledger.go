package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"

	"github.com/google/uuid"
)

// Alerter receives best-effort anomaly notifications
type Alerter interface {
	Alert(ctx context.Context, alertType, severity, message string, details map[string]any)
}

// Config holds the limits applied to users without an explicit budget
type Config struct {
	DefaultDailyLimitUSD       float64
	DefaultWarningThresholdUSD float64
}

// Ledger records executed operations and enforces per-user daily budgets.
// Spend counters track authorized (reserved) cost; records carry the actual
// cost reported after execution.
type Ledger struct {
	records RecordStore
	budgets BudgetStore
	counter Counter
	alerter Alerter
	config  Config
	now     func() time.Time

	userLocks sync.Map // userID -> *sync.Mutex
}

// New creates a ledger. alerter may be nil.
func New(records RecordStore, budgets BudgetStore, counter Counter, alerter Alerter, cfg Config) *Ledger {
	return &Ledger{
		records: records,
		budgets: budgets,
		counter: counter,
		alerter: alerter,
		config:  cfg,
		now:     time.Now,
	}
}

// SetClock overrides the time source used for day boundaries
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// DayKey returns the UTC day a timestamp belongs to
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (l *Ledger) today() string {
	return DayKey(l.now())
}

func (l *Ledger) lockUser(userID string) func() {
	v, _ := l.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// LogOperation appends an operation record. Records for one user are
// sequenced in completion order.
func (l *Ledger) LogOperation(ctx context.Context, userID string, m models.OperationMetrics) (*models.OperationRecord, error) {
	if m.OperationType == "" {
		return nil, apperrors.New(apperrors.KindInvalidInput, "operation_type is required")
	}

	seqKey := userID
	if seqKey == "" {
		seqKey = "anonymous"
	}
	unlock := l.lockUser(seqKey)
	defer unlock()

	seq, err := l.records.NextSequence(ctx, seqKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sequence operation record: %w", err)
	}

	record := &models.OperationRecord{
		ID:            uuid.New().String(),
		Sequence:      seq,
		OperationType: m.OperationType,
		ModelUsed:     m.ModelUsed,
		UserID:        userID,
		JobID:         m.JobID,
		InputTokens:   m.InputTokens,
		OutputTokens:  m.OutputTokens,
		Cost:          m.Cost,
		LatencyMs:     m.Latency.Milliseconds(),
		Success:       m.Success,
		Error:         m.Error,
		CreatedAt:     l.now().UTC(),
	}

	if err := l.records.Append(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ListOperations returns a user's most recent records
func (l *Ledger) ListOperations(ctx context.Context, userID string, limit int) ([]models.OperationRecord, error) {
	return l.records.ListByUser(ctx, userID, limit)
}

// GetDailySpend returns the user's authorized spend for the current UTC day
func (l *Ledger) GetDailySpend(ctx context.Context, userID string) (float64, error) {
	spend, _, err := l.counter.Spend(ctx, userID, l.today())
	return spend, err
}

// GetBudget returns the user's limits merged with today's live counters
func (l *Ledger) GetBudget(ctx context.Context, userID string) (*models.Budget, error) {
	day := l.today()

	stored, err := l.budgets.GetBudget(ctx, userID)
	if err != nil {
		return nil, err
	}

	b := &models.Budget{
		UserID:              userID,
		DailyLimitUSD:       l.config.DefaultDailyLimitUSD,
		WarningThresholdUSD: l.config.DefaultWarningThresholdUSD,
	}
	if stored != nil && stored.DailyLimitUSD > 0 {
		b.DailyLimitUSD = stored.DailyLimitUSD
		b.WarningThresholdUSD = stored.WarningThresholdUSD
	}

	spend, ops, err := l.counter.Spend(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	b.CurrentSpendToday = spend
	b.OperationsToday = ops
	b.Day = day
	b.LastChecked = l.now().UTC()
	return b, nil
}

// SetBudget changes a user's limits. Today's spend is not touched.
func (l *Ledger) SetBudget(ctx context.Context, userID string, dailyLimit, warningThreshold float64) (*models.Budget, error) {
	if dailyLimit <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidInput, "daily limit must be positive")
	}
	if warningThreshold <= 0 || warningThreshold > dailyLimit {
		warningThreshold = dailyLimit * 0.8
	}
	if err := l.budgets.SetLimits(ctx, userID, dailyLimit, warningThreshold); err != nil {
		return nil, err
	}
	log.Printf("💰 [LEDGER] Budget for %s set to $%.2f (warn at $%.2f)", userID, dailyLimit, warningThreshold)
	return l.GetBudget(ctx, userID)
}

// CheckBudget reports whether amount would fit in the user's remaining budget
// without reserving it
func (l *Ledger) CheckBudget(ctx context.Context, userID string, amount float64) error {
	b, err := l.GetBudget(ctx, userID)
	if err != nil {
		return err
	}
	if b.CurrentSpendToday >= b.DailyLimitUSD || b.CurrentSpendToday+amount > b.DailyLimitUSD {
		return apperrors.New(apperrors.KindBudgetExceeded,
			"daily budget for %s exhausted: spent $%.4f of $%.2f, requested $%.4f",
			userID, b.CurrentSpendToday, b.DailyLimitUSD, amount)
	}
	return nil
}

// Reserve atomically authorizes amount against the user's daily limit
func (l *Ledger) Reserve(ctx context.Context, userID string, amount float64) (*models.Budget, error) {
	day := l.today()

	b, err := l.GetBudget(ctx, userID)
	if err != nil {
		return nil, err
	}

	res, err := l.counter.Reserve(ctx, userID, day, amount, b.DailyLimitUSD)
	if err != nil {
		return nil, fmt.Errorf("budget reservation failed: %w", err)
	}

	b.CurrentSpendToday = res.Spend
	b.OperationsToday = res.Operations

	if !res.Allowed {
		log.Printf("🚫 [LEDGER] Budget exceeded for %s: $%.4f + $%.4f > $%.2f", userID, res.Spend, amount, b.DailyLimitUSD)
		return b, apperrors.New(apperrors.KindBudgetExceeded,
			"daily budget for %s exhausted: spent $%.4f of $%.2f, requested $%.4f",
			userID, res.Spend, b.DailyLimitUSD, amount)
	}

	if err := l.budgets.UpdateSnapshot(ctx, userID, day, res.Spend, res.Operations); err != nil {
		log.Printf("⚠️  [LEDGER] Failed to persist budget snapshot for %s: %v", userID, err)
	}

	if b.WarningThresholdUSD > 0 && res.Spend >= b.WarningThresholdUSD {
		l.warnOnce(ctx, b)
	}
	return b, nil
}

func (l *Ledger) warnOnce(ctx context.Context, b *models.Budget) {
	first, err := l.counter.MarkWarned(ctx, b.UserID, b.Day)
	if err != nil {
		log.Printf("⚠️  [LEDGER] Failed to mark budget warning for %s: %v", b.UserID, err)
		return
	}
	if !first || l.alerter == nil {
		return
	}
	l.alerter.Alert(ctx, "budget_warning", "warning",
		fmt.Sprintf("User %s has spent $%.2f of $%.2f today", b.UserID, b.CurrentSpendToday, b.DailyLimitUSD),
		map[string]any{
			"user_id":           b.UserID,
			"current_spend":     b.CurrentSpendToday,
			"daily_limit":       b.DailyLimitUSD,
			"warning_threshold": b.WarningThresholdUSD,
		})
}

// ResetDay drops counters from earlier days and zeroes stale snapshots.
// Live reservations always target the current day's counters, so the sweep
// never races with them.
func (l *Ledger) ResetDay(ctx context.Context) error {
	day := l.today()

	swept, err := l.counter.Sweep(ctx, day)
	if err != nil {
		return err
	}
	reset, err := l.budgets.ResetSnapshots(ctx, day)
	if err != nil {
		return err
	}

	log.Printf("🌅 [LEDGER] Day boundary %s: swept %d counters, reset %d budgets", day, swept, reset)
	return nil
}
