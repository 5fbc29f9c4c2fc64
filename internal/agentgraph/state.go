package agentgraph

import (
	"encoding/json"
	"fmt"
	"log"

	"helixgate/internal/models"
)

// Node names of the fixed graph
const (
	NodeSupervisor = "supervisor"
	NodeAnalyst    = "analyst"
	NodeDrafter    = "drafter"
	NodeReviewer   = "reviewer"
	NodeSummarizer = "summarizer"
	NodeTerminal   = "terminal"
)

// Artifact keys written by workers
const (
	ArtifactAnalysis = "analysis"
	ArtifactDraft    = "draft"
	ArtifactReview   = "review"
	ArtifactSummary  = "summary"
)

// Reviewer verdicts
const (
	VerdictApprove = "approve"
	VerdictRevise  = "revise"
)

// Step is one worker execution recorded in the job history
type Step struct {
	Node        string  `json:"node"`
	OperationID string  `json:"operation_id,omitempty"`
	Model       string  `json:"model,omitempty"`
	Cost        float64 `json:"cost"`
	Economy     bool    `json:"economy,omitempty"`
	Verdict     string  `json:"verdict,omitempty"`
	Summary     string  `json:"summary,omitempty"`
}

// State is the full job state persisted in every checkpoint. It carries no
// wall-clock data so that replays produce identical snapshots.
type State struct {
	JobID       string            `json:"job_id"`
	UserID      string            `json:"user_id,omitempty"`
	TaskType    string            `json:"task_type"`
	Goal        string            `json:"goal"`
	Node        string            `json:"node"`
	Status      models.JobStatus  `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	BudgetUSD   float64           `json:"budget_usd"`
	CostAccrued float64           `json:"cost_accrued"`
	StepIndex   int               `json:"step_index"`
	Steps       int               `json:"steps"`
	History     []Step            `json:"history"`
	Artifacts   map[string]string `json:"artifacts"`
	Verdict     string            `json:"verdict,omitempty"`
	Revisions   int               `json:"revisions"`
	Economy     bool              `json:"economy,omitempty"`
	WaitingOn   string            `json:"waiting_on,omitempty"`
}

// Remaining returns the unspent job budget
func (s State) Remaining() float64 {
	r := s.BudgetUSD - s.CostAccrued
	if r < 0 {
		return 0
	}
	return r
}

// Clone returns a deep copy
func (s State) Clone() State {
	c := s
	c.History = append([]Step(nil), s.History...)
	c.Artifacts = make(map[string]string, len(s.Artifacts))
	for k, v := range s.Artifacts {
		c.Artifacts[k] = v
	}
	return c
}

// Encode serializes the state for a checkpoint
func (s State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeState restores a checkpointed state
func DecodeState(b []byte) (State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode job state: %w", err)
	}
	if s.Artifacts == nil {
		s.Artifacts = map[string]string{}
	}
	return s, nil
}

// WorkerOutput is what a worker step contributes to the next state
type WorkerOutput struct {
	Node        string
	OperationID string
	Model       string
	Cost        float64
	Economy     bool

	// Artifact is stored under ArtifactKey when ArtifactKey is set
	ArtifactKey string
	Artifact    string
	Verdict     string

	// Compact replaces the history with a single summary step
	Compact bool
}

// Transition computes the state after a worker step. old is never modified.
func Transition(old State, out WorkerOutput) State {
	next := old.Clone()
	next.StepIndex++
	next.Steps++
	next.CostAccrued += out.Cost
	next.Economy = out.Economy
	next.Node = NodeSupervisor

	step := Step{
		Node:        out.Node,
		OperationID: out.OperationID,
		Model:       out.Model,
		Cost:        out.Cost,
		Economy:     out.Economy,
		Verdict:     out.Verdict,
	}

	if out.ArtifactKey != "" {
		next.Artifacts[out.ArtifactKey] = out.Artifact
	}

	switch out.Node {
	case NodeDrafter:
		// a fresh draft needs a fresh review
		if next.Verdict == VerdictRevise {
			next.Revisions++
		}
		next.Verdict = ""
	case NodeReviewer:
		next.Verdict = out.Verdict
	}

	if out.Compact {
		step.Summary = fmt.Sprintf("compacted %d steps", len(old.History))
		next.History = []Step{step}
	} else {
		next.History = append(next.History, step)
	}
	return next
}

// Finish returns a copy of old moved to a terminal status. It is itself a
// transition and gets its own checkpoint.
func Finish(old State, status models.JobStatus, reason string) State {
	next := old.Clone()
	next.StepIndex++
	next.Status = TransitionJobStatus(old.Status, status)
	next.Reason = reason
	next.WaitingOn = ""
	if status == models.JobStatusCompleted {
		next.Node = NodeTerminal
	}
	return next
}

// Park returns a copy of old waiting on approval for operationID
func Park(old State, operationID string) State {
	next := old.Clone()
	next.StepIndex++
	next.Status = TransitionJobStatus(old.Status, models.JobStatusWaitingApproval)
	next.WaitingOn = operationID
	return next
}

// validJobTransitions lists the allowed job status changes. Terminal states
// have no outgoing edges.
var validJobTransitions = map[models.JobStatus]map[models.JobStatus]bool{
	models.JobStatusQueued: {
		models.JobStatusRunning: true,
		models.JobStatusFailed:  true,
	},
	models.JobStatusRunning: {
		models.JobStatusWaitingApproval: true,
		models.JobStatusCompleted:       true,
		models.JobStatusFailed:          true,
	},
	models.JobStatusWaitingApproval: {
		models.JobStatusRunning: true,
		models.JobStatusFailed:  true,
	},
}

// TransitionJobStatus validates a status change. It returns desired when the
// edge exists and current otherwise.
func TransitionJobStatus(current, desired models.JobStatus) models.JobStatus {
	if current == desired {
		return current
	}
	if !validJobTransitions[current][desired] {
		log.Printf("⚠️ [AGENT] Invalid job transition: %s → %s (rejected)", current, desired)
		return current
	}
	return desired
}
