package ledger

import (
	"context"
	"fmt"
	"time"

	"helixgate/internal/database"
	"helixgate/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRecordStore appends records to the operation_records collection
type MongoRecordStore struct {
	mongoDB *database.MongoDB
}

// NewMongoRecordStore creates a Mongo-backed record store
func NewMongoRecordStore(mongoDB *database.MongoDB) *MongoRecordStore {
	return &MongoRecordStore{mongoDB: mongoDB}
}

func (s *MongoRecordStore) Append(ctx context.Context, record *models.OperationRecord) error {
	if _, err := s.mongoDB.Collection(database.CollectionOperationRecords).InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to append operation record: %w", err)
	}
	return nil
}

func (s *MongoRecordStore) NextSequence(ctx context.Context, userID string) (int64, error) {
	return s.mongoDB.NextSequence(ctx, "ops:"+userID)
}

func (s *MongoRecordStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.OperationRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.mongoDB.Collection(database.CollectionOperationRecords).Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.OperationRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode operation records: %w", err)
	}
	return records, nil
}

// MongoBudgetStore persists budgets in the budgets collection
type MongoBudgetStore struct {
	mongoDB *database.MongoDB
}

// NewMongoBudgetStore creates a Mongo-backed budget store
func NewMongoBudgetStore(mongoDB *database.MongoDB) *MongoBudgetStore {
	return &MongoBudgetStore{mongoDB: mongoDB}
}

func (s *MongoBudgetStore) collection() *mongo.Collection {
	return s.mongoDB.Collection(database.CollectionBudgets)
}

func (s *MongoBudgetStore) GetBudget(ctx context.Context, userID string) (*models.Budget, error) {
	var b models.Budget
	err := s.collection().FindOne(ctx, bson.M{"userId": userID}).Decode(&b)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load budget for %s: %w", userID, err)
	}
	return &b, nil
}

func (s *MongoBudgetStore) SetLimits(ctx context.Context, userID string, dailyLimit, warningThreshold float64) error {
	_, err := s.collection().UpdateOne(ctx,
		bson.M{"userId": userID},
		bson.M{"$set": bson.M{
			"dailyLimitUsd":       dailyLimit,
			"warningThresholdUsd": warningThreshold,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to set budget for %s: %w", userID, err)
	}
	return nil
}

// UpdateSnapshot raises the stored spend for day with $max so concurrent
// writers can only move it forward. A snapshot from another day is replaced.
func (s *MongoBudgetStore) UpdateSnapshot(ctx context.Context, userID, day string, spend float64, ops int64) error {
	now := time.Now().UTC()

	res, err := s.collection().UpdateOne(ctx,
		bson.M{"userId": userID, "day": day},
		bson.M{
			"$max": bson.M{"currentSpendToday": spend, "operationsToday": ops},
			"$set": bson.M{"lastChecked": now},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update budget snapshot for %s: %w", userID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	_, err = s.collection().UpdateOne(ctx,
		bson.M{"userId": userID, "day": bson.M{"$ne": day}},
		bson.M{"$set": bson.M{
			"day":               day,
			"currentSpendToday": spend,
			"operationsToday":   ops,
			"lastChecked":       now,
		}},
		options.Update().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
		// Another writer created today's snapshot first
		return s.UpdateSnapshot(ctx, userID, day, spend, ops)
	}
	if err != nil {
		return fmt.Errorf("failed to roll budget snapshot for %s: %w", userID, err)
	}
	return nil
}

func (s *MongoBudgetStore) ResetSnapshots(ctx context.Context, day string) (int64, error) {
	res, err := s.collection().UpdateMany(ctx,
		bson.M{"day": bson.M{"$ne": day}},
		bson.M{"$set": bson.M{
			"day":               day,
			"currentSpendToday": 0.0,
			"operationsToday":   int64(0),
			"lastChecked":       time.Now().UTC(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset budget snapshots: %w", err)
	}
	return res.ModifiedCount, nil
}
