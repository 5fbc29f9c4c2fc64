package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"
)

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(_ context.Context, alertType, _, _ string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alertType)
}

func (a *recordingAlerter) count(alertType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, t := range a.alerts {
		if t == alertType {
			n++
		}
	}
	return n
}

func newTestLedger(alerter Alerter) (*Ledger, *MemoryRecordStore) {
	records := NewMemoryRecordStore()
	l := New(records, NewMemoryBudgetStore(), NewMemoryCounter(), alerter, Config{
		DefaultDailyLimitUSD:       5.00,
		DefaultWarningThresholdUSD: 4.00,
	})
	return l, records
}

func TestReserve_SequentialBudgetScenario(t *testing.T) {
	l, _ := newTestLedger(nil)
	ctx := context.Background()

	if _, err := l.SetBudget(ctx, "user-1", 1.00, 0.90); err != nil {
		t.Fatalf("SetBudget failed: %v", err)
	}

	for i := 1; i <= 2; i++ {
		if _, err := l.Reserve(ctx, "user-1", 0.40); err != nil {
			t.Fatalf("Operation %d should succeed, got %v", i, err)
		}
	}

	_, err := l.Reserve(ctx, "user-1", 0.40)
	if !errors.Is(err, apperrors.ErrBudgetExceeded) {
		t.Fatalf("Operation 3 should fail BudgetExceeded, got %v", err)
	}

	spend, err := l.GetDailySpend(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if spend != 0.80 {
		t.Errorf("Expected spend $0.80, got $%.4f", spend)
	}
}

func TestReserve_ConcurrentNeverOverspends(t *testing.T) {
	l, _ := newTestLedger(nil)
	ctx := context.Background()

	if _, err := l.SetBudget(ctx, "user-1", 1.00, 0.80); err != nil {
		t.Fatal(err)
	}

	const workers = 50
	const cost = 0.07
	var allowed atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "user-1", cost); err == nil {
				allowed.Add(1)
			} else if !errors.Is(err, apperrors.ErrBudgetExceeded) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// floor(1.00 / 0.07) = 14
	if allowed.Load() != 14 {
		t.Errorf("Expected 14 authorizations, got %d", allowed.Load())
	}

	spend, _ := l.GetDailySpend(ctx, "user-1")
	if spend > 1.00 {
		t.Errorf("Spend $%.4f exceeds limit", spend)
	}
}

func TestCheckBudget_DoesNotReserve(t *testing.T) {
	l, _ := newTestLedger(nil)
	ctx := context.Background()
	l.SetBudget(ctx, "user-1", 1.00, 0.80)

	for i := 0; i < 5; i++ {
		if err := l.CheckBudget(ctx, "user-1", 0.50); err != nil {
			t.Fatalf("CheckBudget failed: %v", err)
		}
	}
	if spend, _ := l.GetDailySpend(ctx, "user-1"); spend != 0 {
		t.Errorf("CheckBudget must not change spend, got $%.4f", spend)
	}
	if err := l.CheckBudget(ctx, "user-1", 1.01); !errors.Is(err, apperrors.ErrBudgetExceeded) {
		t.Errorf("Expected BudgetExceeded for amount over limit, got %v", err)
	}
}

func TestReserve_ExhaustedBudgetRejectsZeroCost(t *testing.T) {
	l, _ := newTestLedger(nil)
	ctx := context.Background()
	l.SetBudget(ctx, "user-1", 1.00, 0.80)

	if _, err := l.Reserve(ctx, "user-1", 1.00); err != nil {
		t.Fatalf("Reserving the full limit should succeed: %v", err)
	}
	if _, err := l.Reserve(ctx, "user-1", 0); !errors.Is(err, apperrors.ErrBudgetExceeded) {
		t.Errorf("Expected BudgetExceeded once spend reaches the limit, got %v", err)
	}
}

func TestReserve_WarningOncePerDay(t *testing.T) {
	alerter := &recordingAlerter{}
	l, _ := newTestLedger(alerter)
	ctx := context.Background()

	day := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return day })
	l.SetBudget(ctx, "user-1", 1.00, 0.50)

	for i := 0; i < 4; i++ {
		if _, err := l.Reserve(ctx, "user-1", 0.20); err != nil {
			t.Fatalf("Reserve %d failed: %v", i, err)
		}
	}
	if n := alerter.count("budget_warning"); n != 1 {
		t.Fatalf("Expected 1 budget_warning, got %d", n)
	}

	day = day.Add(24 * time.Hour)
	l.Reserve(ctx, "user-1", 0.60)
	if n := alerter.count("budget_warning"); n != 2 {
		t.Errorf("Expected a fresh warning on the next day, got %d total", n)
	}
}

func TestResetDay(t *testing.T) {
	l, _ := newTestLedger(nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	l.SetBudget(ctx, "user-1", 1.00, 0.80)

	if _, err := l.Reserve(ctx, "user-1", 0.90); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	// New UTC day: live traffic is already on a fresh counter before the sweep
	if _, err := l.Reserve(ctx, "user-1", 0.30); err != nil {
		t.Fatalf("Reserve on new day failed: %v", err)
	}

	if err := l.ResetDay(ctx); err != nil {
		t.Fatalf("ResetDay failed: %v", err)
	}

	b, err := l.GetBudget(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if b.CurrentSpendToday != 0.30 {
		t.Errorf("Expected today's spend $0.30 to survive the sweep, got $%.4f", b.CurrentSpendToday)
	}
	if b.OperationsToday != 1 {
		t.Errorf("Expected 1 operation today, got %d", b.OperationsToday)
	}
	if b.Day != "2026-03-11" {
		t.Errorf("Expected day 2026-03-11, got %s", b.Day)
	}
}

func TestLogOperation_PerUserOrder(t *testing.T) {
	l, records := newTestLedger(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.LogOperation(ctx, "user-1", models.OperationMetrics{
				OperationType: "chat_message",
				ModelUsed:     "claude-sonnet",
				Cost:          0.01,
				Latency:       120 * time.Millisecond,
				Success:       true,
			})
			if err != nil {
				t.Errorf("LogOperation failed: %v", err)
			}
		}()
	}
	wg.Wait()

	all := records.All()
	if len(all) != 20 {
		t.Fatalf("Expected 20 records, got %d", len(all))
	}
	for i, r := range all {
		if r.Sequence != int64(i+1) {
			t.Fatalf("Record %d has sequence %d: append order must match sequence", i, r.Sequence)
		}
		if r.LatencyMs != 120 {
			t.Errorf("Expected latency 120ms, got %d", r.LatencyMs)
		}
	}

	list, _ := l.ListOperations(ctx, "user-1", 5)
	if len(list) != 5 || list[0].Sequence != 20 {
		t.Errorf("Expected newest 5 records first, got %d starting at %d", len(list), list[0].Sequence)
	}
}

func TestLogOperation_RequiresType(t *testing.T) {
	l, _ := newTestLedger(nil)
	_, err := l.LogOperation(context.Background(), "user-1", models.OperationMetrics{})
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("Expected InvalidInput, got %v", err)
	}
}

func TestGetBudget_Defaults(t *testing.T) {
	l, _ := newTestLedger(nil)
	b, err := l.GetBudget(context.Background(), "new-user")
	if err != nil {
		t.Fatal(err)
	}
	if b.DailyLimitUSD != 5.00 || b.WarningThresholdUSD != 4.00 {
		t.Errorf("Expected default limits 5.00/4.00, got %.2f/%.2f", b.DailyLimitUSD, b.WarningThresholdUSD)
	}
	if b.Remaining() != 5.00 {
		t.Errorf("Expected remaining 5.00, got %.2f", b.Remaining())
	}
}
