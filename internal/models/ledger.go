package models

import "time"

// OperationRecord is one append-only ledger entry. Records are never updated
// or deleted once written.
type OperationRecord struct {
	ID            string    `bson:"_id" json:"id"`
	Sequence      int64     `bson:"sequence" json:"sequence"` // per-user completion order
	OperationType string    `bson:"operationType" json:"operation_type"`
	ModelUsed     string    `bson:"modelUsed" json:"model_used"`
	UserID        string    `bson:"userId,omitempty" json:"user_id,omitempty"`
	JobID         string    `bson:"jobId,omitempty" json:"job_id,omitempty"`
	InputTokens   int       `bson:"inputTokens" json:"input_tokens"`
	OutputTokens  int       `bson:"outputTokens" json:"output_tokens"`
	Cost          float64   `bson:"cost" json:"cost"`
	LatencyMs     int64     `bson:"latencyMs" json:"latency_ms"`
	Success       bool      `bson:"success" json:"success"`
	Error         string    `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt     time.Time `bson:"createdAt" json:"created_at"`
}

// OperationMetrics is what a caller reports after executing an operation
type OperationMetrics struct {
	OperationType string        `json:"operation_type"`
	ModelUsed     string        `json:"model_used"`
	JobID         string        `json:"job_id,omitempty"`
	InputTokens   int           `json:"input_tokens"`
	OutputTokens  int           `json:"output_tokens"`
	Cost          float64       `json:"cost"`
	Latency       time.Duration `json:"latency"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}

// Budget is a user's daily spend envelope. CurrentSpendToday only grows
// during a UTC day and is zeroed at the day boundary.
type Budget struct {
	UserID              string    `bson:"userId" json:"user_id"`
	DailyLimitUSD       float64   `bson:"dailyLimitUsd" json:"daily_limit_usd"`
	WarningThresholdUSD float64   `bson:"warningThresholdUsd" json:"warning_threshold_usd"`
	CurrentSpendToday   float64   `bson:"currentSpendToday" json:"current_spend_today"`
	OperationsToday     int64     `bson:"operationsToday" json:"operations_today"`
	Day                 string    `bson:"day" json:"day"` // YYYY-MM-DD, UTC
	LastChecked         time.Time `bson:"lastChecked" json:"last_checked"`
}

// Remaining returns how much of the daily limit is still available
func (b *Budget) Remaining() float64 {
	r := b.DailyLimitUSD - b.CurrentSpendToday
	if r < 0 {
		return 0
	}
	return r
}
