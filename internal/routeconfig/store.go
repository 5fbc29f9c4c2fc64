package routeconfig

import (
	"context"
	"sort"
	"sync"
	"time"

	"helixgate/internal/models"
)

// Store is the source of truth for operation routes. Lookups return
// (nil, nil) when a route is absent.
type Store interface {
	GetRoute(ctx context.Context, operationID string) (*models.OperationRoute, error)
	UpsertRoute(ctx context.Context, route *models.OperationRoute) error
	ListRoutes(ctx context.Context) ([]models.OperationRoute, error)
}

// MemoryStore keeps routes in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	routes map[string]models.OperationRoute
}

// NewMemoryStore creates an empty in-memory route store
func NewMemoryStore(routes ...models.OperationRoute) *MemoryStore {
	s := &MemoryStore{routes: make(map[string]models.OperationRoute)}
	for _, r := range routes {
		s.routes[r.OperationID] = r
	}
	return s
}

func (s *MemoryStore) GetRoute(_ context.Context, operationID string) (*models.OperationRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.routes[operationID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) UpsertRoute(_ context.Context, route *models.OperationRoute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *route
	r.UpdatedAt = time.Now().UTC()
	s.routes[r.OperationID] = r
	return nil
}

func (s *MemoryStore) ListRoutes(_ context.Context) ([]models.OperationRoute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.OperationRoute, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out, nil
}
