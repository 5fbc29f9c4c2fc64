package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, _, eventType string, _ map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

// fixedClock returns the same instant on every call so ordering falls back
// to the insertion sequence
func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestCheckApproval_NoRequests(t *testing.T) {
	g := NewGate(NewMemoryStore(), nil, nil)
	ok, err := g.CheckApproval(context.Background(), "chat_message")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("Expected no approval without any request")
	}
}

func TestApprovalLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	g := NewGate(NewMemoryStore(), nil, pub)
	ctx := context.Background()

	req, err := g.RequestApproval(ctx, "chat_message", "enable HIGH tier", RequestOptions{RequestedBy: "user-1"})
	if err != nil {
		t.Fatalf("RequestApproval failed: %v", err)
	}
	if req.Status != models.ApprovalStatusPending {
		t.Fatalf("Expected PENDING, got %s", req.Status)
	}
	if ok, _ := g.CheckApproval(ctx, "chat_message"); ok {
		t.Fatal("PENDING must not authorize")
	}

	resolved, err := g.Resolve(ctx, req.ID, models.ApprovalStatusApproved, "admin-1", "looks fine")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.ResolvedAt == nil || resolved.ResolvedBy != "admin-1" {
		t.Errorf("Resolution metadata missing: %+v", resolved)
	}
	if ok, _ := g.CheckApproval(ctx, "chat_message"); !ok {
		t.Fatal("Expected approval after APPROVED resolution")
	}

	if len(pub.events) != 2 || pub.events[0] != EventRequested || pub.events[1] != EventResolved {
		t.Errorf("Unexpected events: %v", pub.events)
	}
}

func TestResolve_TerminalIsFinal(t *testing.T) {
	g := NewGate(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	req, _ := g.RequestApproval(ctx, "op", "x", RequestOptions{})
	if _, err := g.Resolve(ctx, req.ID, models.ApprovalStatusRejected, "admin", ""); err != nil {
		t.Fatal(err)
	}

	_, err := g.Resolve(ctx, req.ID, models.ApprovalStatusApproved, "admin", "")
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("Expected InvalidTransition, got %v", err)
	}

	if _, err := g.Resolve(ctx, "missing", models.ApprovalStatusApproved, "admin", ""); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
	if _, err := g.Resolve(ctx, req.ID, models.ApprovalStatusPending, "admin", ""); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("Expected InvalidInput for PENDING resolution, got %v", err)
	}
}

func TestCheckApproval_LatestGoverns(t *testing.T) {
	g := NewGate(NewMemoryStore(), nil, nil)
	g.SetClock(fixedClock())
	ctx := context.Background()

	steps := []struct {
		resolve models.ApprovalStatus // "" leaves the new request PENDING
		want    bool
	}{
		{models.ApprovalStatusRejected, false},
		{models.ApprovalStatusApproved, true},  // newer APPROVED supersedes REJECTED
		{models.ApprovalStatusRejected, false}, // and vice versa
		{"", false},                            // new PENDING after REJECTED
		{models.ApprovalStatusApproved, true},
		{"", false}, // new PENDING after APPROVED
	}

	for i, s := range steps {
		req, err := g.RequestApproval(ctx, "deploy_model", "change", RequestOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if s.resolve != "" {
			if _, err := g.Resolve(ctx, req.ID, s.resolve, "admin", ""); err != nil {
				t.Fatal(err)
			}
		}
		got, err := g.CheckApproval(ctx, "deploy_model")
		if err != nil {
			t.Fatal(err)
		}
		if got != s.want {
			t.Errorf("step %d: CheckApproval = %v, want %v", i, got, s.want)
		}
	}

	history, _ := g.History(ctx, "deploy_model", 0)
	if len(history) != len(steps) {
		t.Fatalf("Expected %d history records, got %d", len(steps), len(history))
	}
	if history[0].Status != models.ApprovalStatusPending {
		t.Errorf("Newest record should be PENDING, got %s", history[0].Status)
	}
}

func TestCheckApproval_ScopedToOperation(t *testing.T) {
	g := NewGate(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	req, _ := g.RequestApproval(ctx, "op_a", "x", RequestOptions{})
	g.Resolve(ctx, req.ID, models.ApprovalStatusApproved, "admin", "")

	if ok, _ := g.CheckApproval(ctx, "op_b"); ok {
		t.Error("Approval of op_a must not authorize op_b")
	}
}

func TestExpireStale(t *testing.T) {
	g := NewGate(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	old, _ := g.RequestApproval(ctx, "op", "old", RequestOptions{})
	now = now.Add(25 * time.Hour)
	fresh, _ := g.RequestApproval(ctx, "op2", "fresh", RequestOptions{})

	n, err := g.ExpireStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 expired request, got %d", n)
	}

	got, _ := g.Get(ctx, old.ID)
	if got.Status != models.ApprovalStatusRejected || got.ResolutionNote != "expired" {
		t.Errorf("Expected old request REJECTED/expired, got %s/%s", got.Status, got.ResolutionNote)
	}
	got, _ = g.Get(ctx, fresh.ID)
	if got.Status != models.ApprovalStatusPending {
		t.Errorf("Fresh request should stay PENDING, got %s", got.Status)
	}

	pending, _ := g.ListPending(ctx)
	if len(pending) != 1 || pending[0].ID != fresh.ID {
		t.Errorf("Expected only the fresh request pending, got %d", len(pending))
	}
}

func TestResolve_ConcurrentSingleWinner(t *testing.T) {
	g := NewGate(NewMemoryStore(), nil, nil)
	ctx := context.Background()
	req, _ := g.RequestApproval(ctx, "op", "x", RequestOptions{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := models.ApprovalStatusApproved
			if i%2 == 0 {
				status = models.ApprovalStatusRejected
			}
			if _, err := g.Resolve(ctx, req.ID, status, "admin", ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one resolver to win, got %d", wins)
	}
}
