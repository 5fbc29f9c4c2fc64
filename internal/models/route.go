package models

import "time"

// CostCriticality is the coarse risk tier that decides approval gating
type CostCriticality string

const (
	CostCriticalityLow    CostCriticality = "LOW"
	CostCriticalityMedium CostCriticality = "MEDIUM"
	CostCriticalityHigh   CostCriticality = "HIGH"
)

// Valid reports whether c is one of the known tiers
func (c CostCriticality) Valid() bool {
	switch c {
	case CostCriticalityLow, CostCriticalityMedium, CostCriticalityHigh:
		return true
	}
	return false
}

// DefaultExpectedOutputTokens is used for cost estimation when a route does
// not declare its own expectation.
const DefaultExpectedOutputTokens = 512

// OperationRoute is the routing configuration of a single named operation
type OperationRoute struct {
	OperationID     string          `bson:"operationId" json:"operation_id" yaml:"operation_id"`
	PrimaryModel    string          `bson:"primaryModel" json:"primary_model" yaml:"primary_model"`
	FallbackModel   string          `bson:"fallbackModel,omitempty" json:"fallback_model,omitempty" yaml:"fallback_model"`
	Enabled         bool            `bson:"enabled" json:"enabled" yaml:"enabled"`
	CostCriticality CostCriticality `bson:"costCriticality" json:"cost_criticality" yaml:"cost_criticality"`

	// Output token expectation used by the deterministic cost estimate
	ExpectedOutputTokens int `bson:"expectedOutputTokens,omitempty" json:"expected_output_tokens,omitempty" yaml:"expected_output_tokens"`

	UpdatedAt time.Time `bson:"updatedAt" json:"updated_at" yaml:"-"`
}

// OutputTokens returns the expected output tokens, falling back to the default
func (r *OperationRoute) OutputTokens() int {
	if r.ExpectedOutputTokens > 0 {
		return r.ExpectedOutputTokens
	}
	return DefaultExpectedOutputTokens
}

// RoutingDecision is the router's answer for a request: which model to call
// and what it is expected to cost. The router never calls the model itself.
type RoutingDecision struct {
	OperationID           string    `json:"operation_id"`
	Model                 string    `json:"model"`
	FallbackModel         string    `json:"fallback_model,omitempty"`
	EstimatedCost         float64   `json:"estimated_cost"`
	EstimatedInputTokens  int       `json:"estimated_input_tokens"`
	EstimatedOutputTokens int       `json:"estimated_output_tokens"`
	Rationale             string    `json:"rationale"`
	AuditID               string    `json:"audit_id,omitempty"`
	DecidedAt             time.Time `json:"decided_at"`
}
