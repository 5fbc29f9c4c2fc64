package audit

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind separates compliance records from informational alerts
type EntryKind string

const (
	KindPreExecution EntryKind = "pre_execution"
	KindAlert        EntryKind = "alert"
	KindIntegrity    EntryKind = "integrity"
	// KindDenied withdraws a confirmed pre-execution entry whose operation
	// never ran
	KindDenied EntryKind = "denied"
)

// Severity levels for alerts
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Entry is one record delivered to a sink
type Entry struct {
	ID            string         `json:"id"`
	Kind          EntryKind      `json:"kind"`
	OperationID   string         `json:"operation_id,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	JobID         string         `json:"job_id,omitempty"`
	Model         string         `json:"model,omitempty"`
	EstimatedCost float64        `json:"estimated_cost,omitempty"`
	AlertType     string         `json:"alert_type,omitempty"`
	Severity      string         `json:"severity,omitempty"`
	Message       string         `json:"message,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`

	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// PreExecution builds the compliance record written before a model call
func PreExecution(operationID, userID, jobID, model string, estimatedCost float64) Entry {
	return Entry{
		ID:            uuid.New().String(),
		Kind:          KindPreExecution,
		OperationID:   operationID,
		UserID:        userID,
		JobID:         jobID,
		Model:         model,
		EstimatedCost: estimatedCost,
		Timestamp:     time.Now().UTC(),
	}
}

// Denied records that the operation behind a confirmed pre-execution entry
// was refused afterwards
func Denied(pre Entry, reason string) Entry {
	return Entry{
		ID:            uuid.New().String(),
		Kind:          KindDenied,
		OperationID:   pre.OperationID,
		UserID:        pre.UserID,
		JobID:         pre.JobID,
		Model:         pre.Model,
		EstimatedCost: pre.EstimatedCost,
		Message:       reason,
		Details:       map[string]any{"pre_execution_id": pre.ID},
		Timestamp:     time.Now().UTC(),
	}
}

// Alert builds an anomaly alert entry
func Alert(alertType, severity, message string, details map[string]any) Entry {
	return Entry{
		ID:        uuid.New().String(),
		Kind:      KindAlert,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}
