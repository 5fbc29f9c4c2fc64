package agentgraph

import "fmt"

const (
	// DefaultMaxRevisions caps reviewer-requested redrafts
	DefaultMaxRevisions = 2
	// DefaultCompactAfter is the history length that triggers the summarizer
	DefaultCompactAfter = 6
	// DefaultEconomyRatio switches to the lite operations when the remaining
	// budget falls below this share of the job budget
	DefaultEconomyRatio = 0.30
)

// Dispatch is the supervisor's choice for the next step
type Dispatch struct {
	Node    string
	Economy bool
	Reason  string
}

// Supervisor is the only node with routing logic. Next is a pure function of
// the state.
type Supervisor struct {
	MaxRevisions int
	CompactAfter int
	EconomyRatio float64
}

// NewSupervisor creates a supervisor with the default policy
func NewSupervisor() *Supervisor {
	return &Supervisor{
		MaxRevisions: DefaultMaxRevisions,
		CompactAfter: DefaultCompactAfter,
		EconomyRatio: DefaultEconomyRatio,
	}
}

// Next selects exactly one node for the next step
func (s *Supervisor) Next(st State) Dispatch {
	economy := st.BudgetUSD > 0 && st.Remaining() < st.BudgetUSD*s.EconomyRatio
	d := func(node, reason string) Dispatch {
		if economy {
			reason = fmt.Sprintf("%s; economy (remaining $%.6f of $%.6f)", reason, st.Remaining(), st.BudgetUSD)
		}
		return Dispatch{Node: node, Economy: economy, Reason: reason}
	}

	switch {
	case st.Verdict == VerdictApprove:
		return Dispatch{Node: NodeTerminal, Reason: "review approved the draft"}
	case st.Verdict == VerdictRevise && st.Revisions >= s.MaxRevisions:
		return Dispatch{Node: NodeTerminal, Reason: fmt.Sprintf("revision limit %d reached", s.MaxRevisions)}
	case len(st.History) > s.CompactAfter:
		return d(NodeSummarizer, fmt.Sprintf("history has %d steps", len(st.History)))
	case st.Artifacts[ArtifactAnalysis] == "":
		return d(NodeAnalyst, "task not analysed yet")
	case st.Artifacts[ArtifactDraft] == "" || st.Verdict == VerdictRevise:
		return d(NodeDrafter, "draft required")
	default:
		return d(NodeReviewer, "draft awaiting review")
	}
}
