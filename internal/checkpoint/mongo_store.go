package checkpoint

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

// MongoStore keeps checkpoints in the checkpoints collection. The unique
// (jobId, stepIndex) index turns a racing duplicate insert into an
// out-of-order rejection.
type MongoStore struct {
	mongoDB *database.MongoDB
}

// NewMongoStore creates a Mongo-backed checkpoint store
func NewMongoStore(mongoDB *database.MongoDB) *MongoStore {
	return &MongoStore{mongoDB: mongoDB}
}

func (s *MongoStore) collection() *mongo.Collection {
	return s.mongoDB.Collection(database.CollectionCheckpoints)
}

func (s *MongoStore) Save(ctx context.Context, jobID string, stepIndex int, snapshot []byte) error {
	latest, err := s.Latest(ctx, jobID)
	if err != nil {
		return err
	}
	if stepIndex != latest+1 {
		return outOfOrder(jobID, stepIndex, latest)
	}

	_, err = s.collection().InsertOne(ctx, models.Checkpoint{
		JobID:         jobID,
		StepIndex:     stepIndex,
		StateSnapshot: cloneBytes(snapshot),
		CreatedAt:     time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return outOfOrder(jobID, stepIndex, stepIndex)
	}
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %d for job %s: %w", stepIndex, jobID, err)
	}
	return nil
}

func (s *MongoStore) Load(ctx context.Context, jobID string, stepIndex *int) (*models.Checkpoint, error) {
	filter := bson.M{"jobId": jobID}
	opts := options.FindOne()
	if stepIndex != nil {
		filter["stepIndex"] = *stepIndex
	} else {
		opts.SetSort(bson.D{{Key: "stepIndex", Value: -1}})
	}

	var cp models.Checkpoint
	err := s.collection().FindOne(ctx, filter, opts).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(jobID, stepIndex)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for job %s: %w", jobID, err)
	}
	return &cp, nil
}

func (s *MongoStore) List(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	cursor, err := s.collection().Find(ctx, bson.M{"jobId": jobID},
		options.Find().SetSort(bson.D{{Key: "stepIndex", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for job %s: %w", jobID, err)
	}
	defer cursor.Close(ctx)

	var out []models.Checkpoint
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Latest(ctx context.Context, jobID string) (int, error) {
	var cp struct {
		StepIndex int `bson:"stepIndex"`
	}
	err := s.collection().FindOne(ctx, bson.M{"jobId": jobID},
		options.FindOne().
			SetSort(bson.D{{Key: "stepIndex", Value: -1}}).
			SetProjection(bson.M{"stepIndex": 1}),
	).Decode(&cp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read latest checkpoint for job %s: %w", jobID, err)
	}
	return cp.StepIndex, nil
}
