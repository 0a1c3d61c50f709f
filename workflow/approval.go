package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/BaSui01/taskflow/capability"

	"go.uber.org/zap"
)

// DecisionKind is an approver's answer.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
	DecisionModify  DecisionKind = "modify"
)

// Valid reports whether k is a known decision.
func (k DecisionKind) Valid() bool {
	return k == DecisionApprove || k == DecisionReject || k == DecisionModify
}

// Decision resumes a paused node. NodeID may be empty when exactly one node
// is waiting. For modify, Slot defaults to the node's editable slot; for a
// paused plan sub-step the payload is the replacement sub-step.
type Decision struct {
	Kind      DecisionKind `json:"kind"`
	NodeID    string       `json:"node_id,omitempty"`
	SubStepID string       `json:"sub_step_id,omitempty"`
	Slot      string       `json:"slot,omitempty"`
	Payload   any          `json:"payload,omitempty"`
	Actor     string       `json:"actor,omitempty"`
	Comment   string       `json:"comment,omitempty"`
}

// Approve returns an approve decision for nodeID.
func Approve(nodeID string) Decision { return Decision{Kind: DecisionApprove, NodeID: nodeID} }

// Reject returns a reject decision for nodeID.
func Reject(nodeID string) Decision { return Decision{Kind: DecisionReject, NodeID: nodeID} }

// Modify returns a modify decision that overwrites slot with payload.
func Modify(nodeID, slot string, payload any) Decision {
	return Decision{Kind: DecisionModify, NodeID: nodeID, Slot: slot, Payload: payload}
}

// Resume applies a decision to a paused node and continues the workflow. A
// decision for a node that is no longer waiting returns ErrNoPendingApproval
// and has no effect, so repeating a decision is safe.
func (e *Engine) Resume(ctx context.Context, id string, d Decision) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDecision, d.Kind)
	}
	r, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return fmt.Errorf("%w: workflow %s is %s", ErrNoPendingApproval, id, r.status)
	}
	n, err := r.target(d)
	if err != nil {
		return err
	}
	sub := n.Pending.SubStepID

	switch d.Kind {
	case DecisionApprove:
		e.approve(r, n)
	case DecisionReject:
		e.reject(r, n)
	case DecisionModify:
		if err := e.modify(r, n, d); err != nil {
			return err
		}
	}

	r.history.Record(Outcome{
		NodeID:    n.ID,
		Step:      n.Step,
		Kind:      OutcomeDecision,
		SubStepID: sub,
		Decision:  d.Kind,
		Status:    n.Status,
		Excerpt:   d.Comment,
		StartTime: e.now(),
	})
	e.metrics.RecordApprovalDecision(n.Step, string(d.Kind))
	e.logger.Info("decision applied",
		zap.String("workflow_id", id),
		zap.String("node_id", n.ID),
		zap.String("sub_step_id", sub),
		zap.String("decision", string(d.Kind)),
		zap.String("actor", d.Actor))

	if r.status.Terminal() {
		return nil
	}
	if r.status == WorkflowAwaitingApproval {
		e.setState(r, WorkflowRunning)
	}
	e.activate(r)
	return nil
}

// target resolves the node a decision applies to. Caller holds r.mu.
func (r *run) target(d Decision) (*Node, error) {
	var n *Node
	if d.NodeID == "" {
		var waiting []*Node
		for _, id := range r.graph.Order {
			if r.graph.Nodes[id].Status == StatusAwaitingApproval {
				waiting = append(waiting, r.graph.Nodes[id])
			}
		}
		switch len(waiting) {
		case 0:
			return nil, fmt.Errorf("%w: workflow %s", ErrNoPendingApproval, r.id)
		case 1:
			n = waiting[0]
		default:
			ids := make([]string, len(waiting))
			for i, w := range waiting {
				ids[i] = w.ID
			}
			return nil, fmt.Errorf("%w: %d nodes awaiting approval %v", ErrAmbiguousDecision, len(ids), ids)
		}
	} else {
		var ok bool
		if n, ok = r.graph.Nodes[d.NodeID]; !ok {
			return nil, fmt.Errorf("%w: node %s", ErrNotFound, d.NodeID)
		}
	}

	if n.Status != StatusAwaitingApproval || n.Pending == nil {
		return nil, fmt.Errorf("%w: node %s is %s", ErrNoPendingApproval, n.ID, n.Status)
	}
	if d.SubStepID != "" && d.SubStepID != n.Pending.SubStepID {
		return nil, fmt.Errorf("%w: sub-step %s of %s", ErrNoPendingApproval, d.SubStepID, n.ID)
	}
	return n, nil
}

// approve waives the gate. A result held by an after gate is committed as
// is; otherwise the node goes back to running. Caller holds r.mu.
func (e *Engine) approve(r *run, n *Node) {
	if p := n.Pending; p.SubStepID == "" && p.Mode == capability.ApprovalAfter && p.Result != nil {
		n.Pending = nil
		n.GateCleared = true
		e.move(r, n, StatusRunning, "", "")
		if err := r.state.Merge(n.ID, Update(p.Result)); err != nil {
			e.failNode(r, n, &ExecutionError{NodeID: n.ID, Step: n.Step, Attempt: n.Attempts, Cause: CauseStateConflict, Err: err}, true)
			return
		}
		e.move(r, n, StatusCompleted, e.excerpt(p.Result), "")
		return
	}
	if sub := n.Pending.SubStepID; sub != "" {
		n.Plan.Steps[sub].Approved = true
		_ = e.moveSub(r, n, sub, StatusRunning, "", "")
	} else {
		n.GateCleared = true
	}
	n.Pending = nil
	e.move(r, n, StatusRunning, "", "")
}

// reject skips the node and everything downstream of it. For a paused plan
// sub-step only the sub-step and its dependents are skipped and the plan
// continues. Caller holds r.mu.
func (e *Engine) reject(r *run, n *Node) {
	if sub := n.Pending.SubStepID; sub != "" {
		n.Plan.Steps[sub].Error = "rejected"
		_ = e.moveSub(r, n, sub, StatusSkipped, "", "rejected")
		for _, dep := range n.Plan.dependents(sub) {
			if n.Plan.Steps[dep].Status == StatusPending {
				n.Plan.Steps[dep].Error = "dependency " + sub + " rejected"
				_ = e.moveSub(r, n, dep, StatusSkipped, "", n.Plan.Steps[dep].Error)
			}
		}
		n.Pending = nil
		e.move(r, n, StatusRunning, "", "")
		return
	}

	n.Pending = nil
	e.skip(r, n, "rejected")
	for _, id := range r.graph.Descendants(n.ID) {
		if d := r.graph.Nodes[id]; d.Status == StatusPending {
			e.skip(r, d, "upstream "+n.ID+" rejected")
		}
	}
}

// modify validates and applies an approver's edit, then re-runs the node with
// its gate evaluated again. Nothing changes when validation fails. Caller
// holds r.mu.
func (e *Engine) modify(r *run, n *Node, d Decision) error {
	if sub := n.Pending.SubStepID; sub != "" {
		step, err := decodePlanStep(d.Payload)
		if err != nil {
			return err
		}
		if step.ID == "" {
			step.ID = sub
		}
		if step.ID != sub {
			return fmt.Errorf("%w: payload edits sub-step %s, %s is waiting", ErrInvalidDecision, step.ID, sub)
		}
		next := n.Plan.clone()
		if err := next.replace(step); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDecision, err)
		}
		// An edited sub-step counts as reviewed.
		next.Steps[sub].Approved = true
		n.Plan = next
		_ = e.moveSub(r, n, sub, StatusRunning, step.Description, "")
		n.Pending = nil
		e.move(r, n, StatusRunning, "", "")
		return nil
	}

	slot := d.Slot
	if slot == "" {
		slot = n.Approval.EditableSlot
	}
	if slot == "" || slot != n.Approval.EditableSlot {
		return fmt.Errorf("%w: slot %q is not editable on %s", ErrInvalidDecision, slot, n.ID)
	}

	payload, err := normalize(d.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if payload == nil && slices.Contains(n.Requires, slot) {
		return fmt.Errorf("%w: required input %s cannot be cleared", ErrInvalidDecision, slot)
	}
	if slot == n.PlanSlot && payload != nil {
		plan, err := DecodePlan(payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDecision, err)
		}
		if err := plan.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDecision, err)
		}
		if n.Plan != nil && len(n.Plan.Applied) > 0 {
			return fmt.Errorf("%w: plan of %s already has applied sub-steps", ErrInvalidDecision, n.ID)
		}
	}
	if err := r.graph.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDecision, err)
	}
	for _, req := range n.Requires {
		if req != slot && !r.state.Has(req) {
			return fmt.Errorf("%w: required input %s of %s is unavailable", ErrInvalidDecision, req, n.ID)
		}
	}

	if err := r.state.Override(n.ID, slot, payload); err != nil {
		return err
	}
	if slot == n.PlanSlot {
		n.Plan = nil
	}
	n.GateCleared = false
	n.Pending = nil
	e.move(r, n, StatusRunning, "", "")
	return nil
}

func decodePlanStep(payload any) (PlanStep, error) {
	var step PlanStep
	raw, err := json.Marshal(payload)
	if err != nil {
		return step, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if err := json.Unmarshal(raw, &step); err != nil {
		return step, fmt.Errorf("%w: sub-step payload: %v", ErrInvalidDecision, err)
	}
	return step, nil
}

// Rollback undoes the applied sub-steps of a node's plan in reverse order of
// completion, using the executor's Rollbacker. It is never called
// implicitly. Sub-steps already rolled back are left alone; the first
// failure stops the rollback.
func (e *Engine) Rollback(ctx context.Context, id, nodeID string) (*PlanSummary, error) {
	r, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.graph.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	if n.Plan == nil {
		return nil, fmt.Errorf("%w: node %s has no plan", ErrNotFound, nodeID)
	}
	if n.Status == StatusRunning {
		return nil, fmt.Errorf("%w: node %s is running", ErrInvalidTransition, nodeID)
	}
	exec, _ := e.executor(n.Step)
	rb, ok := exec.(Rollbacker)
	if !ok {
		return nil, fmt.Errorf("executor for %s cannot roll back", n.Step)
	}

	var rollbackErr error
	for i := len(n.Plan.Applied) - 1; i >= 0; i-- {
		sid := n.Plan.Applied[i]
		rec := n.Plan.Steps[sid]
		if rec.RolledBack || rec.Result == nil {
			continue
		}
		step, _ := n.Plan.Plan.Step(sid)
		err := rb.RollbackSubStep(ctx, step, *rec.Result)
		o := Outcome{NodeID: n.ID, Step: n.Step, Kind: OutcomeRollback, SubStepID: sid, StartTime: e.now()}
		if err != nil {
			o.Error = err.Error()
			r.history.Record(o)
			rollbackErr = fmt.Errorf("roll back %s/%s: %w", n.ID, sid, err)
			break
		}
		rec.RolledBack = true
		r.history.Record(o)
	}

	summary := n.Plan.Summary()
	e.logger.Info("plan rolled back",
		zap.String("workflow_id", id),
		zap.String("node_id", nodeID),
		zap.Strings("rolled_back", summary.RolledBack),
		zap.Error(rollbackErr))

	if err := e.persistIfStored(ctx, r); err != nil {
		rollbackErr = errors.Join(rollbackErr, err)
	}
	return &summary, rollbackErr
}

// persistIfStored rewrites the checkpoint of a run whose state is kept in the
// store: suspended, aborted, or terminal when archiving. Caller holds r.mu.
func (e *Engine) persistIfStored(ctx context.Context, r *run) error {
	switch {
	case r.active:
		return nil
	case r.status == WorkflowAwaitingApproval:
		return e.saveCheckpoint(ctx, r, ReasonSuspend)
	case r.status == WorkflowAborted:
		return e.saveCheckpoint(ctx, r, ReasonAbort)
	case r.status.Terminal() && e.opts.ArchiveTerminal:
		return e.saveCheckpoint(ctx, r, ReasonArchive)
	}
	return nil
}
