// Package checkpoint stores immutable per-step job snapshots. Writes for a
// job must arrive as 0, 1, 2, ... with no gaps or repeats.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"
)

// Store is an append-only checkpoint log
type Store interface {
	// Save appends the snapshot for stepIndex, which must be the immediate
	// successor of the latest stored step (0 for a new job)
	Save(ctx context.Context, jobID string, stepIndex int, snapshot []byte) error
	// Load returns the snapshot at stepIndex, or the latest when nil
	Load(ctx context.Context, jobID string, stepIndex *int) (*models.Checkpoint, error)
	List(ctx context.Context, jobID string) ([]models.Checkpoint, error)
	// Latest returns the newest step index, or -1 when the job has none
	Latest(ctx context.Context, jobID string) (int, error)
}

func outOfOrder(jobID string, stepIndex, latest int) error {
	return apperrors.New(apperrors.KindOutOfOrderCheckpoint,
		"checkpoint %d for job %s rejected: next step must be %d", stepIndex, jobID, latest+1)
}

func notFound(jobID string, stepIndex *int) error {
	if stepIndex == nil {
		return apperrors.New(apperrors.KindNotFound, "job %s has no checkpoints", jobID)
	}
	return apperrors.New(apperrors.KindNotFound, "job %s has no checkpoint %d", jobID, *stepIndex)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// MemoryStore keeps checkpoints in process memory
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string][]models.Checkpoint
}

// NewMemoryStore creates an empty checkpoint store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string][]models.Checkpoint)}
}

func (s *MemoryStore) Save(_ context.Context, jobID string, stepIndex int, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	latest := len(s.jobs[jobID]) - 1
	if stepIndex != latest+1 {
		return outOfOrder(jobID, stepIndex, latest)
	}

	s.jobs[jobID] = append(s.jobs[jobID], models.Checkpoint{
		JobID:         jobID,
		StepIndex:     stepIndex,
		StateSnapshot: cloneBytes(snapshot),
		CreatedAt:     time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) Load(_ context.Context, jobID string, stepIndex *int) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.jobs[jobID]
	if len(cps) == 0 {
		return nil, notFound(jobID, stepIndex)
	}

	idx := len(cps) - 1
	if stepIndex != nil {
		if *stepIndex < 0 || *stepIndex > idx {
			return nil, notFound(jobID, stepIndex)
		}
		idx = *stepIndex
	}

	cp := cps[idx]
	cp.StateSnapshot = cloneBytes(cp.StateSnapshot)
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, jobID string) ([]models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.jobs[jobID]
	out := make([]models.Checkpoint, len(cps))
	for i, cp := range cps {
		cp.StateSnapshot = cloneBytes(cp.StateSnapshot)
		out[i] = cp
	}
	return out, nil
}

func (s *MemoryStore) Latest(_ context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs[jobID]) - 1, nil
}
