package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/database"
	"helixgate/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore persists approval requests in the approval_requests collection
type MongoStore struct {
	mongoDB *database.MongoDB
}

// NewMongoStore creates a Mongo-backed approval store
func NewMongoStore(mongoDB *database.MongoDB) *MongoStore {
	return &MongoStore{mongoDB: mongoDB}
}

func (s *MongoStore) collection() *mongo.Collection {
	return s.mongoDB.Collection(database.CollectionApprovals)
}

var newestFirst = bson.D{{Key: "createdAt", Value: -1}, {Key: "sequence", Value: -1}}

func (s *MongoStore) Insert(ctx context.Context, req *models.ApprovalRequest) error {
	seq, err := s.mongoDB.NextSequence(ctx, database.CollectionApprovals)
	if err != nil {
		return err
	}
	req.Sequence = seq

	if _, err := s.collection().InsertOne(ctx, req); err != nil {
		return fmt.Errorf("failed to insert approval request: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	var r models.ApprovalRequest
	err := s.collection().FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval request %s: %w", id, err)
	}
	return &r, nil
}

func (s *MongoStore) Latest(ctx context.Context, operationID string) (*models.ApprovalRequest, error) {
	var r models.ApprovalRequest
	err := s.collection().FindOne(ctx,
		bson.M{"operationId": operationID},
		options.FindOne().SetSort(newestFirst),
	).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest approval for %s: %w", operationID, err)
	}
	return &r, nil
}

func (s *MongoStore) History(ctx context.Context, operationID string, limit int) ([]models.ApprovalRequest, error) {
	opts := options.Find().SetSort(newestFirst)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{"operationId": operationID}, opts)
}

func (s *MongoStore) ListPending(ctx context.Context) ([]models.ApprovalRequest, error) {
	return s.find(ctx,
		bson.M{"status": models.ApprovalStatusPending},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "sequence", Value: 1}}),
	)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.ApprovalRequest, error) {
	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval requests: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.ApprovalRequest
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode approval requests: %w", err)
	}
	return out, nil
}

// Resolve uses a status-conditional update so two resolvers cannot both win
func (s *MongoStore) Resolve(ctx context.Context, id string, status models.ApprovalStatus, resolver, note string, at time.Time) (*models.ApprovalRequest, error) {
	var r models.ApprovalRequest
	err := s.collection().FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": models.ApprovalStatusPending},
		bson.M{"$set": bson.M{
			"status":         status,
			"resolvedBy":     resolver,
			"resolutionNote": note,
			"resolvedAt":     at,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&r)
	if err == nil {
		return &r, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to resolve approval request %s: %w", id, err)
	}

	existing, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "approval request %s not found", id)
	}
	return nil, apperrors.New(apperrors.KindInvalidTransition, "approval request %s is already %s", id, existing.Status)
}
