package agentgraph

import (
	"reflect"
	"testing"

	"helixgate/internal/models"
)

func baseState() State {
	return State{
		JobID:     "job-1",
		Goal:      "g",
		Node:      NodeSupervisor,
		Status:    models.JobStatusRunning,
		BudgetUSD: 1,
		Artifacts: map[string]string{ArtifactAnalysis: "a"},
		History:   []Step{{Node: NodeAnalyst, Cost: 0.1}},
	}
}

func TestTransition_DoesNotMutateOldState(t *testing.T) {
	old := baseState()
	snapshot := old.Clone()

	next := Transition(old, WorkerOutput{
		Node:        NodeDrafter,
		OperationID: OpDraft,
		Cost:        0.2,
		ArtifactKey: ArtifactDraft,
		Artifact:    "d",
	})

	if !reflect.DeepEqual(old, snapshot) {
		t.Fatalf("Old state was mutated:\n got %+v\nwant %+v", old, snapshot)
	}
	if next.StepIndex != 1 || next.Steps != 1 {
		t.Errorf("Expected step 1, got index %d steps %d", next.StepIndex, next.Steps)
	}
	if next.Artifacts[ArtifactDraft] != "d" || len(next.History) != 2 {
		t.Errorf("Unexpected next state %+v", next)
	}
	if next.CostAccrued != 0.2 {
		t.Errorf("Expected cost 0.2, got %f", next.CostAccrued)
	}
}

func TestTransition_RevisionsAndCompaction(t *testing.T) {
	st := baseState()
	st = Transition(st, WorkerOutput{Node: NodeDrafter, ArtifactKey: ArtifactDraft, Artifact: "d1"})
	st = Transition(st, WorkerOutput{Node: NodeReviewer, Verdict: VerdictRevise})
	if st.Verdict != VerdictRevise || st.Revisions != 0 {
		t.Fatalf("Expected pending revision, got verdict=%q revisions=%d", st.Verdict, st.Revisions)
	}

	st = Transition(st, WorkerOutput{Node: NodeDrafter, ArtifactKey: ArtifactDraft, Artifact: "d2"})
	if st.Verdict != "" || st.Revisions != 1 {
		t.Fatalf("Expected redraft to count a revision, got verdict=%q revisions=%d", st.Verdict, st.Revisions)
	}

	st = Transition(st, WorkerOutput{Node: NodeSummarizer, ArtifactKey: ArtifactSummary, Artifact: "s", Compact: true})
	if len(st.History) != 1 || st.History[0].Node != NodeSummarizer {
		t.Fatalf("Expected history compacted to the summary step, got %+v", st.History)
	}
	if st.Artifacts[ArtifactDraft] != "d2" {
		t.Error("Compaction must keep artifacts")
	}
}

func TestEncodeDecodeKeepsState(t *testing.T) {
	st := Transition(baseState(), WorkerOutput{Node: NodeDrafter, ArtifactKey: ArtifactDraft, Artifact: "d"})
	b, err := st.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	again, err := DecodeState(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(st, again) {
		t.Fatalf("Decoded state differs:\n got %+v\nwant %+v", again, st)
	}
}

func TestTransitionJobStatus(t *testing.T) {
	tests := []struct {
		from, to, want models.JobStatus
	}{
		{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusRunning},
		{models.JobStatusRunning, models.JobStatusWaitingApproval, models.JobStatusWaitingApproval},
		{models.JobStatusWaitingApproval, models.JobStatusRunning, models.JobStatusRunning},
		{models.JobStatusWaitingApproval, models.JobStatusCompleted, models.JobStatusWaitingApproval},
		{models.JobStatusCompleted, models.JobStatusRunning, models.JobStatusCompleted},
		{models.JobStatusFailed, models.JobStatusRunning, models.JobStatusFailed},
	}
	for _, tt := range tests {
		if got := TransitionJobStatus(tt.from, tt.to); got != tt.want {
			t.Errorf("TransitionJobStatus(%s, %s) = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSupervisorNext(t *testing.T) {
	sup := NewSupervisor()
	long := make([]Step, 7)

	tests := []struct {
		name        string
		state       State
		wantNode    string
		wantEconomy bool
	}{
		{"fresh job", State{BudgetUSD: 1, Artifacts: map[string]string{}}, NodeAnalyst, false},
		{"needs draft", State{BudgetUSD: 1, Artifacts: map[string]string{ArtifactAnalysis: "a"}}, NodeDrafter, false},
		{"needs review", State{BudgetUSD: 1, Artifacts: map[string]string{ArtifactAnalysis: "a", ArtifactDraft: "d"}}, NodeReviewer, false},
		{"revise", State{BudgetUSD: 1, Verdict: VerdictRevise, Artifacts: map[string]string{ArtifactAnalysis: "a", ArtifactDraft: "d"}}, NodeDrafter, false},
		{"revision cap", State{BudgetUSD: 1, Verdict: VerdictRevise, Revisions: 2, Artifacts: map[string]string{ArtifactAnalysis: "a", ArtifactDraft: "d"}}, NodeTerminal, false},
		{"approved", State{BudgetUSD: 1, Verdict: VerdictApprove, History: long}, NodeTerminal, false},
		{"long history", State{BudgetUSD: 1, History: long, Artifacts: map[string]string{ArtifactAnalysis: "a"}}, NodeSummarizer, false},
		{"tight budget", State{BudgetUSD: 1, CostAccrued: 0.75, Artifacts: map[string]string{}}, NodeAnalyst, true},
		{"at threshold", State{BudgetUSD: 1, CostAccrued: 0.70, Artifacts: map[string]string{}}, NodeAnalyst, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sup.Next(tt.state)
			if d.Node != tt.wantNode || d.Economy != tt.wantEconomy {
				t.Errorf("Next() = %s economy=%v, want %s economy=%v (%s)", d.Node, d.Economy, tt.wantNode, tt.wantEconomy, d.Reason)
			}
		})
	}
}

func TestWorkerOperationsAreDeterministic(t *testing.T) {
	st := baseState()
	for node, w := range DefaultWorkers() {
		op1, p1 := w.Operation(st, false)
		op2, p2 := w.Operation(st.Clone(), false)
		if op1 != op2 || string(p1) != string(p2) {
			t.Errorf("%s: operation not deterministic", node)
		}
		lite, _ := w.Operation(st, true)
		if lite != op1+LiteSuffix {
			t.Errorf("%s: economy operation = %s, want %s", node, lite, op1+LiteSuffix)
		}
	}
}
