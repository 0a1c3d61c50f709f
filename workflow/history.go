package workflow

import (
	"sync"
	"time"
)

// OutcomeKind classifies a history entry.
type OutcomeKind string

const (
	// OutcomeAttempt is one executor invocation.
	OutcomeAttempt OutcomeKind = "attempt"
	// OutcomeSubStep is one plan sub-step invocation.
	OutcomeSubStep OutcomeKind = "sub_step"
	// OutcomeApproval is a paused gate.
	OutcomeApproval OutcomeKind = "approval"
	// OutcomeDecision is an approver decision.
	OutcomeDecision OutcomeKind = "decision"
	// OutcomeSkip is a node skipped by cascade or degrade.
	OutcomeSkip OutcomeKind = "skip"
	// OutcomeRollback is an explicit plan rollback.
	OutcomeRollback OutcomeKind = "rollback"
)

// Outcome records one thing that happened to a node.
type Outcome struct {
	NodeID     string        `json:"node_id"`
	Step       string        `json:"step"`
	Kind       OutcomeKind   `json:"kind"`
	SubStepID  string        `json:"sub_step_id,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	Status     NodeStatus    `json:"status,omitempty"`
	Decision   DecisionKind  `json:"decision,omitempty"`
	Cause      Cause         `json:"cause,omitempty"`
	Error      string        `json:"error,omitempty"`
	Excerpt    string        `json:"excerpt,omitempty"`
	Fallback   bool          `json:"fallback,omitempty"`
	Plan       *PlanSummary  `json:"plan,omitempty"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// History is the ordered outcome log of one workflow.
type History struct {
	mu      sync.RWMutex
	entries []Outcome
}

// NewHistory creates a history, optionally seeded from a checkpoint.
func NewHistory(entries []Outcome) *History {
	h := &History{}
	h.entries = append(h.entries, entries...)
	return h
}

// Record appends an outcome. Duration is derived when both times are set.
func (h *History) Record(o Outcome) {
	if o.Duration == 0 && !o.StartTime.IsZero() && !o.EndTime.IsZero() {
		o.Duration = o.EndTime.Sub(o.StartTime)
	}
	h.mu.Lock()
	h.entries = append(h.entries, o)
	h.mu.Unlock()
}

// Entries returns a copy of the log.
func (h *History) Entries() []Outcome {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Outcome, len(h.entries))
	copy(out, h.entries)
	return out
}

// ForNode returns the outcomes of one node.
func (h *History) ForNode(nodeID string) []Outcome {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Outcome
	for _, o := range h.entries {
		if o.NodeID == nodeID {
			out = append(out, o)
		}
	}
	return out
}
