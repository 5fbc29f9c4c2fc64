package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"
)

// Store persists approval requests. Latest and History order by creation
// time, newest first, with the insertion sequence as tiebreak.
type Store interface {
	Insert(ctx context.Context, req *models.ApprovalRequest) error
	Get(ctx context.Context, id string) (*models.ApprovalRequest, error)
	Latest(ctx context.Context, operationID string) (*models.ApprovalRequest, error)
	History(ctx context.Context, operationID string, limit int) ([]models.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]models.ApprovalRequest, error)
	// Resolve moves a PENDING request to a terminal status. Any other
	// current status fails InvalidTransition.
	Resolve(ctx context.Context, id string, status models.ApprovalStatus, resolver, note string, at time.Time) (*models.ApprovalRequest, error)
}

// MemoryStore keeps approval requests in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.ApprovalRequest
	seq      int64
}

// NewMemoryStore creates an empty approval store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.ApprovalRequest)}
}

func (s *MemoryStore) Insert(_ context.Context, req *models.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	req.Sequence = s.seq
	r := *req
	s.requests[r.ID] = &r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) Latest(ctx context.Context, operationID string) (*models.ApprovalRequest, error) {
	h, err := s.History(ctx, operationID, 1)
	if err != nil || len(h) == 0 {
		return nil, err
	}
	return &h[0], nil
}

func (s *MemoryStore) History(_ context.Context, operationID string, limit int) ([]models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ApprovalRequest
	for _, r := range s.requests {
		if r.OperationID == operationID {
			out = append(out, *r)
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPending(_ context.Context) ([]models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ApprovalRequest
	for _, r := range s.requests {
		if r.Status == models.ApprovalStatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, status models.ApprovalStatus, resolver, note string, at time.Time) (*models.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "approval request %s not found", id)
	}
	if r.Status != models.ApprovalStatusPending {
		return nil, apperrors.New(apperrors.KindInvalidTransition, "approval request %s is already %s", id, r.Status)
	}

	r.Status = status
	r.ResolvedBy = resolver
	r.ResolutionNote = note
	r.ResolvedAt = &at
	c := *r
	return &c, nil
}

func sortNewestFirst(rs []models.ApprovalRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].Sequence > rs[j].Sequence
	})
}
