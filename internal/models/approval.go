package models

import "time"

// ApprovalStatus is the state of an approval request
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
)

// IsTerminal returns true once a request has been resolved
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected
}

// ApprovalRequest is a human review of a risk-gated operation. Resolved
// requests never change again; asking again creates a new PENDING record.
type ApprovalRequest struct {
	ID                string          `bson:"_id" json:"id"`
	OperationID       string          `bson:"operationId" json:"operation_id"`
	ChangeDescription string          `bson:"changeDescription" json:"change_description"`
	CurrentConfig     *OperationRoute `bson:"currentConfig,omitempty" json:"current_config,omitempty"`
	ProposedConfig    *OperationRoute `bson:"proposedConfig,omitempty" json:"proposed_config,omitempty"`
	Status            ApprovalStatus  `bson:"status" json:"status"`
	RequestedBy       string          `bson:"requestedBy,omitempty" json:"requested_by,omitempty"`
	ResolvedBy        string          `bson:"resolvedBy,omitempty" json:"resolved_by,omitempty"`
	ResolutionNote    string          `bson:"resolutionNote,omitempty" json:"resolution_note,omitempty"`
	Sequence          int64           `bson:"sequence" json:"sequence"` // creation order tiebreak
	CreatedAt         time.Time       `bson:"createdAt" json:"created_at"`
	ResolvedAt        *time.Time      `bson:"resolvedAt,omitempty" json:"resolved_at,omitempty"`
}
