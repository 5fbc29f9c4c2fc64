package toggleadmin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"helixgate/internal/database"
	"helixgate/internal/models"
	"helixgate/internal/toggles"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the only component that writes the feature_toggles collection
type MongoStore struct {
	*toggles.MongoSource
	mongoDB *database.MongoDB
}

// NewMongoStore creates a writable Mongo toggle store
func NewMongoStore(mongoDB *database.MongoDB) *MongoStore {
	return &MongoStore{MongoSource: toggles.NewMongoSource(mongoDB), mongoDB: mongoDB}
}

func (s *MongoStore) PutToggle(ctx context.Context, t *models.FeatureToggle) error {
	_, err := s.mongoDB.Collection(database.CollectionFeatureToggles).ReplaceOne(ctx,
		bson.M{"name": t.Name}, t, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write toggle %s: %w", t.Name, err)
	}
	return nil
}

// MemoryStore is a writable in-memory toggle store
type MemoryStore struct {
	mu      sync.RWMutex
	toggles map[string]models.FeatureToggle
}

// NewMemoryStore creates an empty writable store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{toggles: make(map[string]models.FeatureToggle)}
}

func (s *MemoryStore) GetToggle(_ context.Context, name string) (*models.FeatureToggle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.toggles[name]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *MemoryStore) ListToggles(_ context.Context) ([]models.FeatureToggle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FeatureToggle, 0, len(s.toggles))
	for _, t := range s.toggles {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) PutToggle(_ context.Context, t *models.FeatureToggle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggles[t.Name] = *t
	return nil
}
