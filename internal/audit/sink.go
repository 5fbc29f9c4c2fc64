package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sink delivers entries to an external destination. Emit returns nil only
// once the destination has acknowledged the entry.
type Sink interface {
	Emit(ctx context.Context, e Entry) error
	Name() string
}

// Reader returns previously emitted entries in emission order
type Reader interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// MultiSink confirms only when every member sink confirms
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Emit(ctx context.Context, e Entry) error {
	if len(m.sinks) == 0 {
		return errors.New("no audit sinks configured")
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Entries reads from the first member that can be read back
func (m *MultiSink) Entries(ctx context.Context) ([]Entry, error) {
	for _, s := range m.sinks {
		if r, ok := s.(Reader); ok {
			return r.Entries(ctx)
		}
	}
	return nil, errors.New("no readable audit sink configured")
}

// MemorySink keeps entries in memory. FailNext makes the next n emissions
// fail and Block makes every emission wait for its context.
type MemorySink struct {
	mu       sync.Mutex
	entries  []Entry
	failNext int
	block    bool
	attempts int
}

// NewMemorySink creates an empty memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

// FailNext makes the next n emissions fail
func (s *MemorySink) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Block makes emissions hang until their context ends
func (s *MemorySink) Block(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = b
}

func (s *MemorySink) Emit(ctx context.Context, e Entry) error {
	s.mu.Lock()
	s.attempts++
	block := s.block
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		return errors.New("sink unavailable")
	}
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemorySink) Entries(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Attempts returns how many times Emit was called
func (s *MemorySink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Tamper replaces the stored entry at i
func (s *MemorySink) Tamper(i int, fn func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.entries[i])
}
