package models

import "time"

// ToggleController says who may flip a toggle
type ToggleController string

const (
	ToggleControllerAdminOnly ToggleController = "ADMIN_ONLY"
	ToggleControllerUser      ToggleController = "USER"
	ToggleControllerBoth      ToggleController = "BOTH"
)

// Hardcoded safety toggles seeded at boot
const (
	ToggleRoutingEnabled   = "routing_enabled"
	ToggleAgentJobsEnabled = "agent_jobs_enabled"
	ToggleAutonomousSpend  = "autonomous_spend"
	ToggleExternalWebhooks = "external_webhooks"
)

// OperationToggleName is the optional per-operation kill switch name
func OperationToggleName(operationID string) string {
	return "op:" + operationID
}

// FeatureToggle is a safety switch. A toggle that is locked and disabled can
// never be enabled from the router or the orchestrator.
type FeatureToggle struct {
	Name         string           `bson:"name" json:"name" yaml:"name"`
	Enabled      bool             `bson:"enabled" json:"enabled" yaml:"enabled"`
	Locked       bool             `bson:"locked" json:"locked" yaml:"locked"`
	ControlledBy ToggleController `bson:"controlledBy" json:"controlled_by" yaml:"controlled_by"`
	Description  string           `bson:"description,omitempty" json:"description,omitempty" yaml:"description"`
	UpdatedBy    string           `bson:"updatedBy,omitempty" json:"updated_by,omitempty" yaml:"-"`
	UpdatedAt    time.Time        `bson:"updatedAt" json:"updated_at" yaml:"-"`
}

// LockedOff reports the state no unprivileged path may leave
func (t *FeatureToggle) LockedOff() bool {
	return t.Locked && !t.Enabled
}

// DefaultToggles returns the hardcoded safety switches
func DefaultToggles() []FeatureToggle {
	return []FeatureToggle{
		{Name: ToggleRoutingEnabled, Enabled: true, ControlledBy: ToggleControllerAdminOnly, Description: "Master switch for all model routing"},
		{Name: ToggleAgentJobsEnabled, Enabled: true, ControlledBy: ToggleControllerAdminOnly, Description: "Allows autonomous agent jobs to start or resume"},
		{Name: ToggleAutonomousSpend, Enabled: false, Locked: true, ControlledBy: ToggleControllerAdminOnly, Description: "Lets agents raise their own budgets"},
		{Name: ToggleExternalWebhooks, Enabled: true, ControlledBy: ToggleControllerBoth, Description: "Outbound webhook notifications"},
	}
}
