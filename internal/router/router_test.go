package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/approval"
	"helixgate/internal/audit"
	"helixgate/internal/ledger"
	"helixgate/internal/models"
	"helixgate/internal/routeconfig"
	"helixgate/internal/toggles"
)

type fixture struct {
	router *Router
	gate   *approval.Gate
	ledger *ledger.Ledger
	sink   *audit.MemorySink
}

type fixtureOpts struct {
	routes  []models.OperationRoute
	toggles []models.FeatureToggle
}

// unitModel costs $0.01 per output token and nothing per input token
const unitModel = "unit-model"

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	if opts.toggles == nil {
		opts.toggles = models.DefaultToggles()
	}

	gate := approval.NewGate(approval.NewMemoryStore(), nil, nil)
	l := ledger.New(ledger.NewMemoryRecordStore(), ledger.NewMemoryBudgetStore(), ledger.NewMemoryCounter(), nil, ledger.Config{
		DefaultDailyLimitUSD:       5,
		DefaultWarningThresholdUSD: 4,
	})
	sink := audit.NewMemorySink()
	confirmer := audit.NewConfirmer(sink, audit.NewChain(""), audit.ConfirmerConfig{
		MaxAttempts:    3,
		AttemptTimeout: 50 * time.Millisecond,
		Backoff:        apperrors.NewBackoffCalculator(time.Millisecond, 2*time.Millisecond, 2, 0),
	})

	pricing := NewPricing([]models.ModelPricing{
		{Model: unitModel, InputPerMillion: 0, OutputPerMillion: 10_000},
		{Model: "claude-sonnet-4", InputPerMillion: 3, OutputPerMillion: 15},
	}, DefaultRate)

	r := New(Deps{
		Routes:    routeconfig.NewCache(routeconfig.NewMemoryStore(opts.routes...), time.Minute),
		Toggles:   toggles.NewGuard(toggles.NewMemorySource(opts.toggles...), 0),
		Approvals: gate,
		Budget:    l,
		Auditor:   confirmer,
		Pricing:   pricing,
	})
	return &fixture{router: r, gate: gate, ledger: l, sink: sink}
}

// costRoute returns an enabled LOW route whose estimate is cents * $0.01
func costRoute(id string, cents int) models.OperationRoute {
	return models.OperationRoute{
		OperationID:          id,
		PrimaryModel:         unitModel,
		FallbackModel:        "gpt-4o-mini",
		Enabled:              true,
		CostCriticality:      models.CostCriticalityLow,
		ExpectedOutputTokens: cents,
	}
}

func TestRoute_DisabledAlwaysFails(t *testing.T) {
	route := costRoute("disabled_op", 1)
	route.Enabled = false
	route.CostCriticality = models.CostCriticalityHigh
	f := newFixture(t, fixtureOpts{routes: []models.OperationRoute{route}})

	inputs := [][]byte{nil, []byte(""), []byte("hello"), []byte(strings.Repeat("x", 10_000))}
	for _, in := range inputs {
		for _, user := range []string{"", "user-1"} {
			for _, flag := range []bool{false, true} {
				_, err := f.router.Route(context.Background(), Request{
					OperationID: "disabled_op", Input: in, UserID: user, RequiresApproval: flag,
				})
				if !errors.Is(err, apperrors.ErrOperationDisabled) {
					t.Fatalf("Expected OperationDisabled (input=%d user=%q flag=%v), got %v", len(in), user, flag, err)
				}
			}
		}
	}
	if f.sink.Attempts() != 0 {
		t.Error("Disabled operations must not be audited")
	}
}

func TestRoute_NotConfigured(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.router.Route(context.Background(), Request{OperationID: "missing"})
	if !errors.Is(err, apperrors.ErrNotConfigured) {
		t.Fatalf("Expected NotConfigured, got %v", err)
	}
}

func TestRoute_HighCriticalityApprovalScenario(t *testing.T) {
	route := models.OperationRoute{
		OperationID:     "chat_message",
		PrimaryModel:    "claude-sonnet-4",
		FallbackModel:   "claude-haiku-3.5",
		Enabled:         true,
		CostCriticality: models.CostCriticalityHigh,
	}
	f := newFixture(t, fixtureOpts{routes: []models.OperationRoute{route}})
	ctx := context.Background()
	req := Request{OperationID: "chat_message", Input: []byte("hello there"), UserID: "user-1"}

	if _, err := f.router.Route(ctx, req); !errors.Is(err, apperrors.ErrApprovalRequired) {
		t.Fatalf("Expected ApprovalRequired, got %v", err)
	}

	pending, err := f.gate.RequestApproval(ctx, "chat_message", "allow HIGH tier chat", approval.RequestOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.router.Route(ctx, req); !errors.Is(err, apperrors.ErrApprovalRequired) {
		t.Fatalf("PENDING must still fail ApprovalRequired, got %v", err)
	}

	if _, err := f.gate.Resolve(ctx, pending.ID, models.ApprovalStatusApproved, "admin", ""); err != nil {
		t.Fatal(err)
	}

	decision, err := f.router.Route(ctx, req)
	if err != nil {
		t.Fatalf("Expected success after approval, got %v", err)
	}
	if decision.Model != "claude-sonnet-4" {
		t.Errorf("Expected primary model, got %s", decision.Model)
	}
	if decision.FallbackModel != "claude-haiku-3.5" || !strings.Contains(decision.Rationale, "fallback=claude-haiku-3.5") {
		t.Errorf("Fallback must be surfaced, not substituted: %+v", decision)
	}
	if decision.AuditID == "" {
		t.Error("Decision must reference its audit entry")
	}
}

func TestRoute_CallerRequestedApproval(t *testing.T) {
	f := newFixture(t, fixtureOpts{routes: []models.OperationRoute{costRoute("low_op", 1)}})
	ctx := context.Background()

	if _, err := f.router.Route(ctx, Request{OperationID: "low_op"}); err != nil {
		t.Fatalf("LOW route without flag should pass, got %v", err)
	}
	if _, err := f.router.Route(ctx, Request{OperationID: "low_op", RequiresApproval: true}); !errors.Is(err, apperrors.ErrApprovalRequired) {
		t.Fatalf("Expected ApprovalRequired with caller flag, got %v", err)
	}
}

func TestRoute_SequentialBudgetScenario(t *testing.T) {
	f := newFixture(t, fixtureOpts{routes: []models.OperationRoute{costRoute("op_40c", 40)}})
	ctx := context.Background()
	f.ledger.SetBudget(ctx, "user-1", 1.00, 0.90)

	for i := 1; i <= 2; i++ {
		d, err := f.router.Route(ctx, Request{OperationID: "op_40c", UserID: "user-1"})
		if err != nil {
			t.Fatalf("Operation %d should succeed, got %v", i, err)
		}
		if d.EstimatedCost != 0.40 {
			t.Fatalf("Expected $0.40 estimate, got %v", d.EstimatedCost)
		}
	}

	if _, err := f.router.Route(ctx, Request{OperationID: "op_40c", UserID: "user-1"}); !errors.Is(err, apperrors.ErrBudgetExceeded) {
		t.Fatalf("Operation 3 should fail BudgetExceeded, got %v", err)
	}
	if spend, _ := f.ledger.GetDailySpend(ctx, "user-1"); spend != 0.80 {
		t.Errorf("Expected authorized spend $0.80, got $%.4f", spend)
	}
	if f.sink.Attempts() != 2 {
		t.Errorf("Budget rejection must happen before the audit, got %d audit attempts", f.sink.Attempts())
	}
}

func TestRoute_ConcurrentNearBoundary(t *testing.T) {
	f := newFixture(t, fixtureOpts{routes: []models.OperationRoute{costRoute("op_7c", 7)}})
	ctx := context.Background()
	f.ledger.SetBudget(ctx, "user-1", 1.00, 0.90)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.Route(ctx, Request{OperationID: "op_7c", UserID: "user-1"})
			switch {
			case err == nil:
				allowed.Add(1)
			case !errors.Is(err, apperrors.ErrBudgetExceeded):
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 14 {
		t.Errorf("Expected floor(1.00/0.07)=14 authorizations, got %d", allowed.Load())
	}
	if spend, _ := f.ledger.GetDailySpend(ctx, "user-1"); spend > 1.00 {
		t.Errorf("Authorized spend $%.4f exceeds the limit", spend)
	}

	// every confirmed entry that lost the reservation race is withdrawn
	entries, _ := f.sink.Entries(ctx)
	var confirmed, denied int64
	for _, e := range entries {
		switch e.Kind {
		case audit.KindPreExecution:
			confirmed++
		case audit.KindDenied:
			denied++
		}
	}
	if confirmed-denied != allowed.Load() {
		t.Errorf("Expected %d unwithdrawn pre-execution entries, got %d confirmed and %d denied", allowed.Load(), confirmed, denied)
	}
	if v := audit.Verify(entries); len(v) != 0 {
		t.Errorf("Expected an intact chain, got %+v", v)
	}
}

// lateRejectBudget passes the pre-check and loses every reservation, the way
// a concurrent request that spends the remainder first would
type lateRejectBudget struct{}

func (lateRejectBudget) CheckBudget(context.Context, string, float64) error { return nil }

func (lateRejectBudget) Reserve(_ context.Context, userID string, _ float64) (*models.Budget, error) {
	return nil, apperrors.New(apperrors.KindBudgetExceeded, "daily budget for %s exhausted", userID)
}

func TestRoute_LostReservationWithdrawsAuditEntry(t *testing.T) {
	sink := audit.NewMemorySink()
	confirmer := audit.NewConfirmer(sink, audit.NewChain(""), audit.ConfirmerConfig{MaxAttempts: 1, AttemptTimeout: 50 * time.Millisecond})
	r := New(Deps{
		Routes:    routeconfig.NewCache(routeconfig.NewMemoryStore(costRoute("op", 10)), time.Minute),
		Toggles:   toggles.NewGuard(toggles.NewMemorySource(models.DefaultToggles()...), 0),
		Approvals: approval.NewGate(approval.NewMemoryStore(), nil, nil),
		Budget:    lateRejectBudget{},
		Auditor:   confirmer,
		Pricing:   NewPricing([]models.ModelPricing{{Model: unitModel, OutputPerMillion: 10_000}}, DefaultRate),
	})
	ctx := context.Background()

	_, err := r.Route(ctx, Request{OperationID: "op", UserID: "user-1", JobID: "job-1"})
	if !errors.Is(err, apperrors.ErrBudgetExceeded) {
		t.Fatalf("Expected BudgetExceeded, got %v", err)
	}

	entries, _ := sink.Entries(ctx)
	if len(entries) != 2 {
		t.Fatalf("Expected pre-execution and denied entries, got %d", len(entries))
	}
	pre, denied := entries[0], entries[1]
	if pre.Kind != audit.KindPreExecution || denied.Kind != audit.KindDenied {
		t.Fatalf("Expected pre_execution then denied, got %s then %s", pre.Kind, denied.Kind)
	}
	if denied.Details["pre_execution_id"] != pre.ID {
		t.Errorf("Expected denied entry to reference %s, got %v", pre.ID, denied.Details["pre_execution_id"])
	}
	if denied.OperationID != "op" || denied.UserID != "user-1" || denied.JobID != "job-1" {
		t.Errorf("Expected denied entry to carry the operation identity, got %+v", denied)
	}
	if !strings.HasPrefix(denied.Message, string(apperrors.KindBudgetExceeded)) {
		t.Errorf("Expected denial reason to start with the error kind, got %q", denied.Message)
	}
	if denied.PrevHash != pre.Hash {
		t.Error("Expected denied entry to chain onto the pre-execution entry")
	}
}

func TestRoute_AuditFailClosed(t *testing.T) {
	f := newFixture(t, fixtureOpts{routes: []models.OperationRoute{costRoute("op", 10)}})
	ctx := context.Background()
	f.sink.FailNext(100)

	_, err := f.router.Route(ctx, Request{OperationID: "op", UserID: "user-1"})
	if !errors.Is(err, apperrors.ErrAuditSinkUnreachable) {
		t.Fatalf("Expected AuditSinkUnreachable, got %v", err)
	}
	if spend, _ := f.ledger.GetDailySpend(ctx, "user-1"); spend != 0 {
		t.Errorf("Blocked operation must not reserve budget, got $%.4f", spend)
	}
	if f.sink.Attempts() != 3 {
		t.Errorf("Expected 3 bounded attempts, got %d", f.sink.Attempts())
	}
}

func TestRoute_Toggles(t *testing.T) {
	route := costRoute("chat_message", 1)

	t.Run("routing locked off", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{
			routes:  []models.OperationRoute{route},
			toggles: []models.FeatureToggle{{Name: models.ToggleRoutingEnabled, Enabled: false, Locked: true}},
		})
		for i := 0; i < 10; i++ {
			if _, err := f.router.Route(context.Background(), Request{OperationID: "chat_message"}); !errors.Is(err, apperrors.ErrToggleLocked) {
				t.Fatalf("Expected ToggleLocked, got %v", err)
			}
		}
	})

	t.Run("per-operation kill switch", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{
			routes: []models.OperationRoute{route},
			toggles: []models.FeatureToggle{
				{Name: models.ToggleRoutingEnabled, Enabled: true},
				{Name: models.OperationToggleName("chat_message"), Enabled: false},
			},
		})
		if _, err := f.router.Route(context.Background(), Request{OperationID: "chat_message"}); !errors.Is(err, apperrors.ErrOperationDisabled) {
			t.Fatalf("Expected OperationDisabled, got %v", err)
		}
	})
}

func TestEstimate_Deterministic(t *testing.T) {
	f := newFixture(t, fixtureOpts{routes: []models.OperationRoute{{
		OperationID: "op", PrimaryModel: "claude-sonnet-4", Enabled: true, CostCriticality: models.CostCriticalityLow,
	}}})
	ctx := context.Background()
	input := []byte(strings.Repeat("a", 4001))

	a, err := f.router.Estimate(ctx, "op", input)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.router.Estimate(ctx, "op", input)
	if a.Cost != b.Cost || a.InputTokens != 1001 || a.OutputTokens != models.DefaultExpectedOutputTokens {
		t.Errorf("Unexpected estimate: %+v vs %+v", a, b)
	}

	want := 1001*3.0/1_000_000 + 512*15.0/1_000_000
	if diff := a.Cost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("Cost = %v, want %v", a.Cost, want)
	}
}
