package routeconfig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helixgate/internal/database"
	"helixgate/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists routes in the operation_routes collection
type MongoStore struct {
	mongoDB *database.MongoDB
}

// NewMongoStore creates a Mongo-backed route store
func NewMongoStore(mongoDB *database.MongoDB) *MongoStore {
	return &MongoStore{mongoDB: mongoDB}
}

func (s *MongoStore) collection() *mongo.Collection {
	return s.mongoDB.Collection(database.CollectionOperationRoutes)
}

func (s *MongoStore) GetRoute(ctx context.Context, operationID string) (*models.OperationRoute, error) {
	var route models.OperationRoute
	err := s.collection().FindOne(ctx, bson.M{"operationId": operationID}).Decode(&route)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load route %s: %w", operationID, err)
	}
	return &route, nil
}

func (s *MongoStore) UpsertRoute(ctx context.Context, route *models.OperationRoute) error {
	r := *route
	r.UpdatedAt = time.Now().UTC()

	_, err := s.collection().ReplaceOne(ctx,
		bson.M{"operationId": r.OperationID},
		r,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert route %s: %w", r.OperationID, err)
	}
	return nil
}

func (s *MongoStore) ListRoutes(ctx context.Context) ([]models.OperationRoute, error) {
	cursor, err := s.collection().Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "operationId", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer cursor.Close(ctx)

	var routes []models.OperationRoute
	if err := cursor.All(ctx, &routes); err != nil {
		return nil, fmt.Errorf("failed to decode routes: %w", err)
	}
	return routes, nil
}
