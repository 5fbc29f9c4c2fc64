package ledger

import (
	"context"
	"strings"
	"sync"
)

// Reservation is the result of an atomic check-and-increment
type Reservation struct {
	Allowed    bool
	Spend      float64 // spend for the day after the call
	Operations int64
}

// Counter holds per-user, per-day authorized spend. Implementations must make
// Reserve a single atomic step: no read-then-write across calls.
type Counter interface {
	// Reserve adds amount to the user's spend for day only if the result stays
	// within limit and the current spend is below limit.
	Reserve(ctx context.Context, userID, day string, amount, limit float64) (Reservation, error)
	Spend(ctx context.Context, userID, day string) (float64, int64, error)
	// MarkWarned returns true the first time it is called for (user, day)
	MarkWarned(ctx context.Context, userID, day string) (bool, error)
	// Sweep drops every counter belonging to a day before currentDay
	Sweep(ctx context.Context, currentDay string) (int, error)
}

// toMicros converts USD to integer micro-dollars so that counters never
// accumulate floating point drift
func toMicros(usd float64) int64 {
	if usd <= 0 {
		return 0
	}
	return int64(usd*1_000_000 + 0.5)
}

func fromMicros(m int64) float64 {
	return float64(m) / 1_000_000
}

type dayCount struct {
	micros int64
	ops    int64
}

// MemoryCounter is a process-local Counter guarded by a single mutex
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]*dayCount // user|day
	warned map[string]struct{}
}

// NewMemoryCounter creates an empty in-memory counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		counts: make(map[string]*dayCount),
		warned: make(map[string]struct{}),
	}
}

func memKey(userID, day string) string {
	return userID + "|" + day
}

func (c *MemoryCounter) Reserve(_ context.Context, userID, day string, amount, limit float64) (Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := memKey(userID, day)
	dc, ok := c.counts[k]
	if !ok {
		dc = &dayCount{}
		c.counts[k] = dc
	}

	amt, lim := toMicros(amount), toMicros(limit)
	if dc.micros >= lim || dc.micros+amt > lim {
		return Reservation{Allowed: false, Spend: fromMicros(dc.micros), Operations: dc.ops}, nil
	}

	dc.micros += amt
	dc.ops++
	return Reservation{Allowed: true, Spend: fromMicros(dc.micros), Operations: dc.ops}, nil
}

func (c *MemoryCounter) Spend(_ context.Context, userID, day string) (float64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dc, ok := c.counts[memKey(userID, day)]
	if !ok {
		return 0, 0, nil
	}
	return fromMicros(dc.micros), dc.ops, nil
}

func (c *MemoryCounter) MarkWarned(_ context.Context, userID, day string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := memKey(userID, day)
	if _, ok := c.warned[k]; ok {
		return false, nil
	}
	c.warned[k] = struct{}{}
	return true, nil
}

func (c *MemoryCounter) Sweep(_ context.Context, currentDay string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.counts {
		if dayOf(k) < currentDay {
			delete(c.counts, k)
			removed++
		}
	}
	for k := range c.warned {
		if dayOf(k) < currentDay {
			delete(c.warned, k)
		}
	}
	return removed, nil
}

func dayOf(key string) string {
	if i := strings.LastIndex(key, "|"); i >= 0 {
		return key[i+1:]
	}
	return key
}
