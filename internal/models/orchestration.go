package models

import "time"

// JobStatus is the lifecycle state of an orchestration job
type JobStatus string

const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusWaitingApproval JobStatus = "waiting_approval"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
)

// IsTerminal returns true if the job can make no further progress
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Failure reasons recorded on failed jobs
const (
	JobReasonBudgetExceeded   = "BudgetExceeded"
	JobReasonMaxStepsExceeded = "MaxStepsExceeded"
	JobReasonCancelled        = "Cancelled"
	JobReasonOperationBlocked = "OperationBlocked"
	JobReasonWorkerFailed     = "WorkerFailed"
	JobReasonApprovalRejected = "ApprovalRejected"
	JobReasonGoalSatisfied    = "GoalSatisfied"
)

// OrchestrationJob is the pollable summary of an agent graph job. The full
// state lives in its checkpoints.
type OrchestrationJob struct {
	JobID       string    `bson:"_id" json:"job_id"`
	UserID      string    `bson:"userId,omitempty" json:"user_id,omitempty"`
	TaskType    string    `bson:"taskType" json:"task_type"`
	Goal        string    `bson:"goal" json:"goal"`
	CurrentNode string    `bson:"currentNode" json:"current_node"`
	Status      JobStatus `bson:"status" json:"status"`
	Reason      string    `bson:"reason,omitempty" json:"reason,omitempty"`
	BudgetUSD   float64   `bson:"budgetUsd" json:"budget_usd"`
	CostAccrued float64   `bson:"costAccrued" json:"cost_accrued"`
	StepIndex   int       `bson:"stepIndex" json:"step_index"`
	WaitingOn   string    `bson:"waitingOn,omitempty" json:"waiting_on,omitempty"` // operation id awaiting approval

	// Set by Cancel; honoured by whichever instance runs the job, between steps
	CancelRequested bool `bson:"cancelRequested,omitempty" json:"cancel_requested,omitempty"`

	CreatedAt   time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt   time.Time `bson:"updatedAt" json:"updated_at"`
}

// Checkpoint is an immutable snapshot of job state after a step
type Checkpoint struct {
	JobID         string    `bson:"jobId" json:"job_id"`
	StepIndex     int       `bson:"stepIndex" json:"step_index"`
	StateSnapshot []byte    `bson:"stateSnapshot" json:"state_snapshot"`
	CreatedAt     time.Time `bson:"createdAt" json:"created_at"`
}
