package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"helixgate/internal/apperrors"
)

// ConfirmerConfig bounds the fire-and-confirm retry loop
type ConfirmerConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        *apperrors.BackoffCalculator
}

// Confirmer emits compliance entries and waits for the sink to acknowledge
// them. The caller may not proceed until Confirm returns nil.
type Confirmer struct {
	sink   Sink
	chain  *Chain
	config ConfirmerConfig

	observe func(outcome string)
}

// NewConfirmer creates a confirmer. chain may be nil to skip hash linking.
func NewConfirmer(sink Sink, chain *Chain, cfg ConfirmerConfig) *Confirmer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 2 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = apperrors.NewBackoffCalculator(100*time.Millisecond, time.Second, 2.0, 20)
	}
	return &Confirmer{sink: sink, chain: chain, config: cfg}
}

// SetObserver registers a callback receiving "confirmed", "retry" or "failed"
func (c *Confirmer) SetObserver(fn func(outcome string)) {
	c.observe = fn
}

// Confirm links e to the last confirmed entry, emits it and waits for
// acknowledgement, retrying up to MaxAttempts. Exhaustion fails
// AuditSinkUnreachable. Concurrent calls emit in parallel.
func (c *Confirmer) Confirm(ctx context.Context, e Entry) (Entry, error) {
	if c.chain != nil {
		e = c.chain.link(e)
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			c.record("retry")
			select {
			case <-ctx.Done():
				return e, apperrors.Wrap(apperrors.KindAuditSinkUnreachable, ctx.Err(),
					"audit emission for %s abandoned after %d attempts", e.OperationID, attempt)
			case <-time.After(c.config.Backoff.NextDelay(attempt - 1)):
			}
		}

		lastErr = c.attempt(ctx, e)
		if lastErr == nil {
			if c.chain != nil {
				c.chain.commit(e)
			}
			c.record("confirmed")
			return e, nil
		}
		log.Printf("⚠️  [AUDIT] Emission attempt %d/%d to %s failed: %v",
			attempt+1, c.config.MaxAttempts, c.sink.Name(), lastErr)
	}

	c.record("failed")
	log.Printf("❌ [AUDIT] Sink %s unreachable, blocking %s", c.sink.Name(), e.OperationID)
	return e, apperrors.Wrap(apperrors.KindAuditSinkUnreachable, lastErr,
		"audit sink %s did not confirm after %d attempts", c.sink.Name(), c.config.MaxAttempts)
}

// attempt runs one emission in its own goroutine and waits for it or the
// per-attempt deadline, whichever comes first
func (c *Confirmer) attempt(ctx context.Context, e Entry) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("audit sink panicked: %v", r)
			}
		}()
		done <- c.sink.Emit(attemptCtx, e)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return fmt.Errorf("no confirmation within %v: %w", c.config.AttemptTimeout, attemptCtx.Err())
	}
}

func (c *Confirmer) record(outcome string) {
	if c.observe != nil {
		c.observe(outcome)
	}
}
