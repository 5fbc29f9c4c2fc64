package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"helixgate/internal/models"
)

// RecordStore is the append-only operation history. It has no update or
// delete methods.
type RecordStore interface {
	Append(ctx context.Context, record *models.OperationRecord) error
	NextSequence(ctx context.Context, userID string) (int64, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.OperationRecord, error)
}

// BudgetStore persists per-user limits and the last observed spend snapshot
type BudgetStore interface {
	// GetBudget returns (nil, nil) when the user has no explicit budget
	GetBudget(ctx context.Context, userID string) (*models.Budget, error)
	SetLimits(ctx context.Context, userID string, dailyLimit, warningThreshold float64) error
	UpdateSnapshot(ctx context.Context, userID, day string, spend float64, ops int64) error
	// ResetSnapshots zeroes every snapshot that does not belong to day
	ResetSnapshots(ctx context.Context, day string) (int64, error)
}

// MemoryRecordStore keeps records in process memory
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records []models.OperationRecord
	seq     map[string]int64
}

// NewMemoryRecordStore creates an empty record store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{seq: make(map[string]int64)}
}

func (s *MemoryRecordStore) Append(_ context.Context, record *models.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *record)
	return nil
}

func (s *MemoryRecordStore) NextSequence(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[userID]++
	return s.seq[userID], nil
}

// ListByUser returns the newest records first
func (s *MemoryRecordStore) ListByUser(_ context.Context, userID string, limit int) ([]models.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.OperationRecord
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every record in append order
func (s *MemoryRecordStore) All() []models.OperationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OperationRecord, len(s.records))
	copy(out, s.records)
	return out
}

// MemoryBudgetStore keeps budgets in process memory
type MemoryBudgetStore struct {
	mu      sync.Mutex
	budgets map[string]models.Budget
}

// NewMemoryBudgetStore creates an empty budget store
func NewMemoryBudgetStore() *MemoryBudgetStore {
	return &MemoryBudgetStore{budgets: make(map[string]models.Budget)}
}

func (s *MemoryBudgetStore) GetBudget(_ context.Context, userID string) (*models.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[userID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *MemoryBudgetStore) SetLimits(_ context.Context, userID string, dailyLimit, warningThreshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.budgets[userID]
	b.UserID = userID
	b.DailyLimitUSD = dailyLimit
	b.WarningThresholdUSD = warningThreshold
	s.budgets[userID] = b
	return nil
}

func (s *MemoryBudgetStore) UpdateSnapshot(_ context.Context, userID, day string, spend float64, ops int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[userID]
	if !ok || b.Day != day {
		b.CurrentSpendToday = 0
		b.OperationsToday = 0
	}
	b.UserID = userID
	b.Day = day
	if spend > b.CurrentSpendToday {
		b.CurrentSpendToday = spend
	}
	if ops > b.OperationsToday {
		b.OperationsToday = ops
	}
	b.LastChecked = time.Now().UTC()
	s.budgets[userID] = b
	return nil
}

func (s *MemoryBudgetStore) ResetSnapshots(_ context.Context, day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, b := range s.budgets {
		if b.Day == day {
			continue
		}
		b.Day = day
		b.CurrentSpendToday = 0
		b.OperationsToday = 0
		s.budgets[id] = b
		n++
	}
	return n, nil
}
