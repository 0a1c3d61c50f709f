package workflow

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/BaSui01/taskflow/supervisor"
)

// NodeReport describes one node in a StatusReport.
type NodeReport struct {
	ID           string       `json:"id"`
	Step         string       `json:"step"`
	Status       NodeStatus   `json:"status"`
	Attempts     int          `json:"attempts"`
	Error        string       `json:"error,omitempty"`
	Cause        Cause        `json:"cause,omitempty"`
	Degraded     bool         `json:"degraded,omitempty"`
	Fallback     bool         `json:"fallback,omitempty"`
	Predecessors []string     `json:"predecessors,omitempty"`
	Plan         *PlanSummary `json:"plan,omitempty"`
	Outcomes     []Outcome    `json:"outcomes,omitempty"`
}

// StatusReport is a point-in-time view of a workflow.
type StatusReport struct {
	WorkflowID       string              `json:"workflow_id"`
	State            WorkflowState       `json:"state"`
	Partial          bool                `json:"partial"`
	Failure          *Failure            `json:"failure,omitempty"`
	Request          supervisor.Request  `json:"request"`
	Analysis         supervisor.Analysis `json:"analysis"`
	Nodes            []NodeReport        `json:"nodes"`
	PendingApprovals []PendingApproval   `json:"pending_approvals,omitempty"`
	Outcomes         []Outcome           `json:"outcomes,omitempty"`
	Slots            []string            `json:"slots"`
	Errors           []ErrorRecord       `json:"errors,omitempty"`
	Seq              uint64              `json:"seq"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Node returns the report of a node by id.
func (s *StatusReport) Node(id string) (NodeReport, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeReport{}, false
}

// report builds a StatusReport. Caller holds r.mu.
func (r *run) report() *StatusReport {
	rep := &StatusReport{
		WorkflowID: r.id,
		State:      r.status,
		Partial:    r.partial,
		Request:    r.state.Request(),
		Analysis:   r.state.Analysis(),
		Outcomes:   r.history.Entries(),
		Slots:      r.state.Slots(),
		Errors:     r.state.Errors(),
		Seq:        r.seq,
		CreatedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
	}
	if r.failure != nil {
		f := *r.failure
		rep.Failure = &f
	}

	for _, id := range r.graph.Order {
		n := r.graph.Nodes[id]
		nr := NodeReport{
			ID:           n.ID,
			Step:         n.Step,
			Status:       n.Status,
			Attempts:     n.Attempts,
			Error:        n.Error,
			Cause:        n.Cause,
			Degraded:     n.Degraded,
			Fallback:     n.Fallback,
			Predecessors: append([]string(nil), n.Predecessors...),
			Outcomes:     r.history.ForNode(n.ID),
		}
		if n.Plan != nil {
			s := n.Plan.Summary()
			nr.Plan = &s
		}
		rep.Nodes = append(rep.Nodes, nr)

		if n.Status == StatusAwaitingApproval && n.Pending != nil {
			p := *n.Pending
			if p.SubStep != nil {
				step := p.SubStep.clone()
				p.SubStep = &step
			}
			p.Result = deepCopyMap(p.Result)
			rep.PendingApprovals = append(rep.PendingApprovals, p)
		}
	}
	return rep
}

// compactJSON renders a normalized value on one line without HTML escaping.
func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
