package agentgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"helixgate/internal/database"
	"helixgate/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// JobStore persists the pollable job summaries
type JobStore interface {
	Upsert(ctx context.Context, job *models.OrchestrationJob) error
	// Get returns nil, nil when the job does not exist
	Get(ctx context.Context, jobID string) (*models.OrchestrationJob, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.OrchestrationJob, error)
	// ListWaiting returns jobs parked on an approval for operationID
	ListWaiting(ctx context.Context, operationID string) ([]models.OrchestrationJob, error)
	RequestCancel(ctx context.Context, jobID string) error
}

// MemoryJobStore keeps jobs in process memory
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]models.OrchestrationJob
}

// NewMemoryJobStore creates an empty job store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]models.OrchestrationJob)}
}

func (s *MemoryJobStore) Upsert(_ context.Context, job *models.OrchestrationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := *job
	if prev, ok := s.jobs[job.JobID]; ok && prev.CancelRequested {
		j.CancelRequested = true
	}
	s.jobs[job.JobID] = j
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (*models.OrchestrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *MemoryJobStore) ListByUser(_ context.Context, userID string, limit int) ([]models.OrchestrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OrchestrationJob
	for _, j := range s.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryJobStore) ListWaiting(_ context.Context, operationID string) ([]models.OrchestrationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OrchestrationJob
	for _, j := range s.jobs {
		if j.Status == models.JobStatusWaitingApproval && j.WaitingOn == operationID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryJobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil
	}
	j.CancelRequested = true
	s.jobs[jobID] = j
	return nil
}

// MongoJobStore keeps jobs in the orchestration_jobs collection
type MongoJobStore struct {
	mongoDB *database.MongoDB
}

// NewMongoJobStore creates a Mongo-backed job store
func NewMongoJobStore(mongoDB *database.MongoDB) *MongoJobStore {
	return &MongoJobStore{mongoDB: mongoDB}
}

func (s *MongoJobStore) collection() *mongo.Collection {
	return s.mongoDB.Collection(database.CollectionJobs)
}

// Upsert replaces everything but the cancel flag, which only RequestCancel sets
func (s *MongoJobStore) Upsert(ctx context.Context, job *models.OrchestrationJob) error {
	_, err := s.collection().UpdateOne(ctx,
		bson.M{"_id": job.JobID},
		bson.M{
			"$set": bson.M{
				"userId":      job.UserID,
				"taskType":    job.TaskType,
				"goal":        job.Goal,
				"currentNode": job.CurrentNode,
				"status":      job.Status,
				"reason":      job.Reason,
				"budgetUsd":   job.BudgetUSD,
				"costAccrued": job.CostAccrued,
				"stepIndex":   job.StepIndex,
				"waitingOn":   job.WaitingOn,
				"updatedAt":   job.UpdatedAt,
			},
			"$setOnInsert": bson.M{"createdAt": job.CreatedAt},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *MongoJobStore) Get(ctx context.Context, jobID string) (*models.OrchestrationJob, error) {
	var job models.OrchestrationJob
	err := s.collection().FindOne(ctx, bson.M{"_id": jobID}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *MongoJobStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.OrchestrationJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{"userId": userID}, opts)
}

func (s *MongoJobStore) ListWaiting(ctx context.Context, operationID string) ([]models.OrchestrationJob, error) {
	return s.find(ctx,
		bson.M{"status": models.JobStatusWaitingApproval, "waitingOn": operationID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
}

func (s *MongoJobStore) RequestCancel(ctx context.Context, jobID string) error {
	_, err := s.collection().UpdateOne(ctx,
		bson.M{"_id": jobID},
		bson.M{"$set": bson.M{"cancelRequested": true, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("failed to request cancel for job %s: %w", jobID, err)
	}
	return nil
}

func (s *MongoJobStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.OrchestrationJob, error) {
	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []models.OrchestrationJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}
