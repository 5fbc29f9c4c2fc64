package agentgraph

import (
	"encoding/json"
	"strings"
)

// Operation ids invoked by the workers. The economy variant appends LiteSuffix.
const (
	OpAnalyze   = "agent_analyze"
	OpDraft     = "agent_draft"
	OpReview    = "agent_review"
	OpSummarize = "agent_summarize"
	LiteSuffix  = "_lite"
)

// Worker performs one node's domain work through a routed model call
type Worker interface {
	// Operation names the routed operation and builds its payload. It must be
	// deterministic for a given state.
	Operation(st State, economy bool) (operationID string, payload []byte)
	// Apply turns the model result into the node's output
	Apply(st State, result InvokeResult) WorkerOutput
}

type workerPayload struct {
	TaskType  string            `json:"task_type"`
	Goal      string            `json:"goal"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	History   []Step            `json:"history,omitempty"`
}

func operationFor(base string, economy bool) string {
	if economy {
		return base + LiteSuffix
	}
	return base
}

func payload(st State, keys ...string) []byte {
	p := workerPayload{TaskType: st.TaskType, Goal: st.Goal}
	for _, k := range keys {
		if v := st.Artifacts[k]; v != "" {
			if p.Artifacts == nil {
				p.Artifacts = map[string]string{}
			}
			p.Artifacts[k] = v
		}
	}
	b, _ := json.Marshal(p)
	return b
}

type analyst struct{}

func (analyst) Operation(st State, economy bool) (string, []byte) {
	return operationFor(OpAnalyze, economy), payload(st)
}

func (analyst) Apply(_ State, r InvokeResult) WorkerOutput {
	return WorkerOutput{Node: NodeAnalyst, ArtifactKey: ArtifactAnalysis, Artifact: r.Text}
}

type drafter struct{}

func (drafter) Operation(st State, economy bool) (string, []byte) {
	return operationFor(OpDraft, economy), payload(st, ArtifactAnalysis, ArtifactSummary, ArtifactDraft, ArtifactReview)
}

func (drafter) Apply(_ State, r InvokeResult) WorkerOutput {
	return WorkerOutput{Node: NodeDrafter, ArtifactKey: ArtifactDraft, Artifact: r.Text}
}

type reviewer struct{}

func (reviewer) Operation(st State, economy bool) (string, []byte) {
	return operationFor(OpReview, economy), payload(st, ArtifactAnalysis, ArtifactDraft)
}

// Apply reads the verdict from the result; anything but an explicit revise
// approves the draft
func (reviewer) Apply(_ State, r InvokeResult) WorkerOutput {
	verdict := VerdictApprove
	if strings.EqualFold(strings.TrimSpace(r.Verdict), VerdictRevise) {
		verdict = VerdictRevise
	}
	return WorkerOutput{Node: NodeReviewer, ArtifactKey: ArtifactReview, Artifact: r.Text, Verdict: verdict}
}

type summarizer struct{}

func (summarizer) Operation(st State, economy bool) (string, []byte) {
	p := workerPayload{TaskType: st.TaskType, Goal: st.Goal, History: st.History}
	b, _ := json.Marshal(p)
	return operationFor(OpSummarize, economy), b
}

func (summarizer) Apply(_ State, r InvokeResult) WorkerOutput {
	return WorkerOutput{Node: NodeSummarizer, ArtifactKey: ArtifactSummary, Artifact: r.Text, Compact: true}
}

// DefaultWorkers returns the worker set of the fixed graph
func DefaultWorkers() map[string]Worker {
	return map[string]Worker{
		NodeAnalyst:    analyst{},
		NodeDrafter:    drafter{},
		NodeReviewer:   reviewer{},
		NodeSummarizer: summarizer{},
	}
}
