package toggles

import (
	"context"
	"errors"
	"fmt"

	"helixgate/internal/database"
	"helixgate/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSource reads toggles from the feature_toggles collection. It has no
// write methods.
type MongoSource struct {
	mongoDB *database.MongoDB
}

// NewMongoSource creates a read-only Mongo toggle source
func NewMongoSource(mongoDB *database.MongoDB) *MongoSource {
	return &MongoSource{mongoDB: mongoDB}
}

func (s *MongoSource) GetToggle(ctx context.Context, name string) (*models.FeatureToggle, error) {
	var t models.FeatureToggle
	err := s.mongoDB.Collection(database.CollectionFeatureToggles).FindOne(ctx, bson.M{"name": name}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load toggle %s: %w", name, err)
	}
	return &t, nil
}

func (s *MongoSource) ListToggles(ctx context.Context) ([]models.FeatureToggle, error) {
	cursor, err := s.mongoDB.Collection(database.CollectionFeatureToggles).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list toggles: %w", err)
	}
	defer cursor.Close(ctx)

	var toggles []models.FeatureToggle
	if err := cursor.All(ctx, &toggles); err != nil {
		return nil, fmt.Errorf("failed to decode toggles: %w", err)
	}
	return toggles, nil
}
