package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCounter(client), mr
}

func TestRedisCounter_Reserve(t *testing.T) {
	c, mr := newTestRedisCounter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := c.Reserve(ctx, "user-1", "2026-03-10", 0.40, 1.00)
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("Reservation %d should be allowed", i+1)
		}
	}

	res, err := c.Reserve(ctx, "user-1", "2026-03-10", 0.40, 1.00)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("Third reservation should be rejected")
	}
	if res.Spend != 0.80 || res.Operations != 2 {
		t.Errorf("Expected $0.80 over 2 ops, got $%.4f over %d", res.Spend, res.Operations)
	}

	got, err := mr.Get("budget:spend:user-1:2026-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if got != "800000" {
		t.Errorf("Expected 800000 micro-dollars stored, got %s", got)
	}
	if ttl := mr.TTL("budget:spend:user-1:2026-03-10"); ttl != counterTTL {
		t.Errorf("Expected TTL %v, got %v", counterTTL, ttl)
	}

	spend, ops, err := c.Spend(ctx, "user-1", "2026-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if spend != 0.80 || ops != 2 {
		t.Errorf("Spend = $%.4f/%d, want $0.80/2", spend, ops)
	}
}

func TestRedisCounter_SpendMissingUser(t *testing.T) {
	c, _ := newTestRedisCounter(t)
	spend, ops, err := c.Spend(context.Background(), "nobody", "2026-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if spend != 0 || ops != 0 {
		t.Errorf("Expected zero spend, got $%.4f/%d", spend, ops)
	}
}

func TestRedisCounter_CorruptCounterFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"spend", "budget:spend:user-1:2026-03-10"},
		{"operations", "budget:ops:user-1:2026-03-10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mr := newTestRedisCounter(t)
			ctx := context.Background()
			mr.Set(tt.key, "not-a-number")

			if _, _, err := c.Spend(ctx, "user-1", "2026-03-10"); err == nil {
				t.Error("Expected Spend to fail on a corrupt counter")
			}
			if _, err := c.Reserve(ctx, "user-1", "2026-03-10", 0.10, 1.00); err == nil {
				t.Error("Expected Reserve to fail on a corrupt counter")
			}
			if got, _ := mr.Get(tt.key); got != "not-a-number" {
				t.Errorf("Expected the corrupt counter to be left untouched, got %q", got)
			}
		})
	}
}

func TestRedisCounter_Concurrent(t *testing.T) {
	c, _ := newTestRedisCounter(t)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Reserve(ctx, "user-1", "2026-03-10", 0.25, 1.00)
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 4 {
		t.Errorf("Expected 4 authorizations, got %d", allowed.Load())
	}
}

func TestRedisCounter_MarkWarnedAndSweep(t *testing.T) {
	c, mr := newTestRedisCounter(t)
	ctx := context.Background()

	first, err := c.MarkWarned(ctx, "user-1", "2026-03-10")
	if err != nil || !first {
		t.Fatalf("Expected first MarkWarned to return true, got %v (%v)", first, err)
	}
	again, _ := c.MarkWarned(ctx, "user-1", "2026-03-10")
	if again {
		t.Error("Second MarkWarned on the same day must return false")
	}

	c.Reserve(ctx, "user-1", "2026-03-10", 0.10, 1.00)
	c.Reserve(ctx, "user-2", "2026-03-10", 0.10, 1.00)
	c.Reserve(ctx, "user-1", "2026-03-11", 0.10, 1.00)

	removed, err := c.Sweep(ctx, "2026-03-11")
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 spend counters swept, got %d", removed)
	}
	if mr.Exists("budget:warned:user-1:2026-03-10") {
		t.Error("Expected stale warning marker to be swept")
	}
	if !mr.Exists("budget:spend:user-1:2026-03-11") {
		t.Error("Current day counter must survive the sweep")
	}
}
