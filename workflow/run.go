package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/taskflow/capability"

	"go.uber.org/zap"
)

// run is the in-memory state of one workflow. All fields are guarded by mu.
// A run is "active" while a drive goroutine owns it; a suspended run has no
// goroutine and is woken only by Resume or Abort.
type run struct {
	mu sync.Mutex

	id        string
	graph     *Graph
	state     *SharedState
	history   *History
	status    WorkflowState
	failure   *Failure
	partial   bool
	seq       uint64
	createdAt time.Time
	updatedAt time.Time

	active         bool
	abortRequested bool
	gen            uint64
	done           chan struct{}
	wake           chan struct{}
	cancel         context.CancelFunc
	results        chan nodeResult
	inflight       map[string]bool
	reserved       int
}

// signal wakes the drive goroutine without blocking.
func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// activate starts a drive goroutine unless one is already running. Caller
// holds r.mu.
func (e *Engine) activate(r *run) {
	if r.active {
		r.signal()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active = true
	r.abortRequested = false
	r.gen++
	r.done = make(chan struct{})
	r.cancel = cancel
	r.results = make(chan nodeResult, len(r.graph.Nodes))
	e.wg.Add(1)
	go e.drive(ctx, r)
}

// drive is the scheduler loop of one activation. It exits when the workflow
// suspends or reaches a terminal state.
func (e *Engine) drive(ctx context.Context, r *run) {
	defer e.wg.Done()

	for {
		r.mu.Lock()
		exit, waitSlot := e.schedule(ctx, r)
		if exit {
			for ; r.reserved > 0; r.reserved-- {
				e.sem.Release(1)
			}
			r.active = false
			r.cancel()
			close(r.done)
			r.mu.Unlock()
			return
		}
		results := r.results
		r.mu.Unlock()

		if waitSlot {
			if err := e.sem.Acquire(ctx, 1); err == nil {
				r.mu.Lock()
				r.reserved++
				r.mu.Unlock()
			}
			continue
		}

		select {
		case res := <-results:
			r.mu.Lock()
			e.commit(r, res)
			r.mu.Unlock()
		case <-r.wake:
		case <-ctx.Done():
		}
	}
}

// schedule advances the run as far as possible without blocking. It reports
// whether the activation is over, or whether it needs a dispatch slot before
// it can make progress. Caller holds r.mu.
func (e *Engine) schedule(ctx context.Context, r *run) (exit, waitSlot bool) {
	if r.abortRequested {
		e.finishAbort(context.Background(), r)
		return true, false
	}
	if r.status.Terminal() {
		return true, false
	}

	e.resolvePending(r)

	for _, id := range r.graph.Order {
		n := r.graph.Nodes[id]
		resumed := n.Status == StatusRunning && !r.inflight[id]
		if n.Status != StatusReady && !resumed {
			continue
		}
		if !e.takeSlot(r) {
			waitSlot = true
			break
		}
		e.dispatch(ctx, r, n)
		if r.status.Terminal() {
			return true, false
		}
	}

	if len(r.inflight) > 0 {
		return false, false
	}
	if waitSlot {
		return false, true
	}

	for _, id := range r.graph.Order {
		if r.graph.Nodes[id].Status == StatusAwaitingApproval {
			e.suspend(r)
			return true, false
		}
	}
	e.complete(r)
	return true, false
}

func (e *Engine) takeSlot(r *run) bool {
	if r.reserved > 0 {
		r.reserved--
		return true
	}
	return e.sem.TryAcquire(1)
}

// resolvePending promotes pending nodes whose predecessors are all resolved.
// After an upstream soft failure a node still runs when its required inputs
// exist; otherwise it is skipped. Order is topological, so one pass settles
// cascades.
func (e *Engine) resolvePending(r *run) {
	for _, id := range r.graph.Order {
		n := r.graph.Nodes[id]
		if n.Status != StatusPending {
			continue
		}

		resolved, degraded := true, ""
		for _, p := range n.Predecessors {
			ps := r.graph.Nodes[p].Status
			if !ps.Terminal() {
				resolved = false
				break
			}
			if ps != StatusCompleted && degraded == "" {
				degraded = p
			}
		}
		if !resolved {
			continue
		}

		missing := ""
		for _, slot := range n.Requires {
			if !r.state.Has(slot) {
				missing = slot
				break
			}
		}
		if missing != "" {
			reason := fmt.Sprintf("required input %s unavailable", missing)
			if degraded != "" {
				reason += fmt.Sprintf(" after %s %s", degraded, r.graph.Nodes[degraded].Status)
			}
			e.skip(r, n, reason)
			continue
		}

		if degraded != "" {
			n.Degraded = true
			e.logger.Info("running degraded",
				zap.String("workflow_id", r.id),
				zap.String("node_id", n.ID),
				zap.String("upstream", degraded))
		}
		e.move(r, n, StatusReady, "", "")
	}
}

// dispatch moves a node into running and launches its executor. A before
// gate that holds pauses the node instead. Caller holds r.mu and one slot,
// which dispatch owns from here.
func (e *Engine) dispatch(ctx context.Context, r *run, n *Node) {
	if n.Status == StatusReady {
		e.move(r, n, StatusRunning, "", "")
	}

	view := r.state.View(n.Inputs())
	view.NodeID = n.ID

	if n.ApprovalRequired && n.Approval.Mode == capability.ApprovalBefore && !n.GateCleared {
		cond := r.graph.condition(n.ID)
		if cond == nil || cond.Eval(view.vars(nil)) {
			e.sem.Release(1)
			e.pause(r, n, &PendingApproval{Mode: capability.ApprovalBefore})
			return
		}
		n.GateCleared = true
	}

	exec, _ := e.executor(n.Step)
	d := &dispatchJob{
		gen:         r.gen,
		node:        n,
		nodeID:      n.ID,
		step:        n.Step,
		baseAttempt: n.Attempts,
		view:        view,
		exec:        exec,
		failure:     n.Failure,
		timeout:     n.Timeout,
		afterGate:   n.ApprovalRequired && n.Approval.Mode == capability.ApprovalAfter && !n.GateCleared,
		cond:        r.graph.condition(n.ID),
	}
	if d.timeout <= 0 {
		d.timeout = e.opts.DefaultNodeTimeout
	}
	if sub, ok := exec.(SubStepExecutor); ok && n.PlanSlot != "" {
		d.sub = sub
		if n.Plan == nil && view.Has(n.PlanSlot) {
			payload, _ := view.Get(n.PlanSlot)
			plan, err := DecodePlan(payload)
			if err == nil && len(plan.Steps) > 0 {
				n.Plan, err = newPlanProgress(plan)
			}
			d.planErr = err
		}
		d.planned = n.Plan != nil
	}

	r.inflight[n.ID] = true
	results := r.results
	go func() {
		defer e.sem.Release(1)
		results <- e.execute(ctx, r, d)
	}()
}

// commit applies a dispatch result. Results from an earlier activation, or
// for a node no longer running, are discarded. Caller holds r.mu.
func (e *Engine) commit(r *run, res nodeResult) {
	if res.gen != r.gen {
		return
	}
	delete(r.inflight, res.nodeID)
	n := r.graph.Nodes[res.nodeID]
	if n.Status != StatusRunning {
		return
	}

	n.Attempts += res.attempts
	for _, o := range res.outcomes {
		r.history.Record(o)
	}

	switch {
	case res.suspend != nil:
		e.pause(r, n, res.suspend)

	case res.err == nil:
		if err := r.state.Merge(n.ID, res.update); err != nil {
			if errors.Is(err, ErrStateConflict) {
				e.failNode(r, n, &ExecutionError{NodeID: n.ID, Step: n.Step, Attempt: n.Attempts, Cause: CauseStateConflict, Err: err}, true)
				return
			}
			e.failNode(r, n, &ExecutionError{NodeID: n.ID, Step: n.Step, Attempt: n.Attempts, Cause: CauseExecutor, Err: err}, n.Failure.Strategy != capability.Skip)
			return
		}
		n.Fallback = res.fallback
		n.Error, n.Cause = "", ""
		e.metrics.RecordNodeExecution(n.Step, string(StatusCompleted), res.duration)
		e.move(r, n, StatusCompleted, e.excerpt(map[string]any(res.update)), "")
		e.logger.Info("node completed",
			zap.String("workflow_id", r.id),
			zap.String("node_id", n.ID),
			zap.Int("attempts", n.Attempts),
			zap.Bool("fallback", n.Fallback),
			zap.Strings("slots", sortedKeys(res.update)))

	default:
		e.metrics.RecordNodeExecution(n.Step, string(StatusFailed), res.duration)
		e.failNode(r, n, res.err, n.Failure.Strategy != capability.Skip)
	}
}

// pause moves a running node into awaiting_approval. Caller holds r.mu.
func (e *Engine) pause(r *run, n *Node, p *PendingApproval) {
	p.NodeID = n.ID
	p.Step = n.Step
	p.Since = e.now()
	if p.SubStepID == "" {
		p.EditableSlot = n.Approval.EditableSlot
		if c := r.graph.condition(n.ID); c != nil {
			p.Condition = c.String()
		}
	}
	n.Pending = p
	e.move(r, n, StatusAwaitingApproval, e.excerpt(p.Result), "")
	r.history.Record(Outcome{
		NodeID:    n.ID,
		Step:      n.Step,
		Kind:      OutcomeApproval,
		SubStepID: p.SubStepID,
		Status:    StatusAwaitingApproval,
		Excerpt:   p.Condition,
		StartTime: p.Since,
	})
	e.logger.Info("node awaiting approval",
		zap.String("workflow_id", r.id),
		zap.String("node_id", n.ID),
		zap.String("mode", string(p.Mode)),
		zap.String("sub_step_id", p.SubStepID))
}

// failNode marks a node failed; hard failures fail the workflow. Caller holds
// r.mu.
func (e *Engine) failNode(r *run, n *Node, err error, hard bool) {
	cause := CauseExecutor
	var ee *ExecutionError
	if errors.As(err, &ee) {
		cause = ee.Cause
	}
	n.Error = err.Error()
	n.Cause = cause
	e.move(r, n, StatusFailed, "", n.Error)
	r.state.RecordError(ErrorRecord{NodeID: n.ID, Step: n.Step, Attempt: n.Attempts, Cause: cause, Message: n.Error})

	if !hard {
		e.logger.Warn("node failed, dependents degrade",
			zap.String("workflow_id", r.id),
			zap.String("node_id", n.ID),
			zap.Error(err))
		return
	}
	e.logger.Error("node failed, failing workflow",
		zap.String("workflow_id", r.id),
		zap.String("node_id", n.ID),
		zap.String("cause", string(cause)),
		zap.Error(err))
	e.failWorkflow(r, &Failure{NodeID: n.ID, Step: n.Step, Error: n.Error, Cause: cause})
}

// failWorkflow stops every unfinished node and finalizes the run as failed.
// Caller holds r.mu.
func (e *Engine) failWorkflow(r *run, f *Failure) {
	r.failure = f
	e.stopAll(r, "workflow failed: "+f.NodeID)
	e.setState(r, WorkflowFailed)
	e.finalize(context.Background(), r)
}

// stopAll cancels in-flight work and settles every unfinished node: running
// and ready nodes fail as aborted, pending and paused nodes are skipped.
func (e *Engine) stopAll(r *run, reason string) {
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	r.inflight = make(map[string]bool)

	for _, id := range r.graph.Order {
		n := r.graph.Nodes[id]
		switch n.Status {
		case StatusRunning, StatusReady:
			n.Error, n.Cause = ErrAborted.Error()+": "+reason, CauseAborted
			e.move(r, n, StatusFailed, "", n.Error)
		case StatusPending, StatusAwaitingApproval:
			n.Pending = nil
			e.skip(r, n, reason)
		}
	}
}

// suspend parks the run until a decision arrives. Exactly one checkpoint is
// written per suspension. Caller holds r.mu.
func (e *Engine) suspend(r *run) {
	e.setState(r, WorkflowAwaitingApproval)
	_ = e.saveCheckpoint(context.Background(), r, ReasonSuspend)

	var pending []string
	for _, id := range r.graph.Order {
		if r.graph.Nodes[id].Status == StatusAwaitingApproval {
			pending = append(pending, id)
		}
	}
	e.logger.Info("workflow suspended",
		zap.String("workflow_id", r.id),
		zap.Strings("awaiting", pending))
}

// complete finalizes a run whose nodes are all resolved. Caller holds r.mu.
func (e *Engine) complete(r *run) {
	for _, id := range r.graph.Order {
		n := r.graph.Nodes[id]
		if n.Status == StatusPending {
			e.skip(r, n, "unreachable")
		}
		if n.Status == StatusSkipped || n.Status == StatusFailed {
			r.partial = true
		}
	}
	e.setState(r, WorkflowCompleted)
	e.finalize(context.Background(), r)
}

// finishAbort settles an aborted run and checkpoints it for audit. Caller
// holds r.mu.
func (e *Engine) finishAbort(ctx context.Context, r *run) {
	e.stopAll(r, "aborted")
	e.setState(r, WorkflowAborted)
	e.metrics.RecordWorkflowFinished(string(r.status), r.partial, e.now().Sub(r.createdAt))
	_ = e.saveCheckpoint(ctx, r, ReasonAbort)
	e.logger.Info("workflow aborted", zap.String("workflow_id", r.id))
}

// finalize records a completed or failed run and deletes or archives its
// checkpoint. Caller holds r.mu.
func (e *Engine) finalize(ctx context.Context, r *run) {
	e.metrics.RecordWorkflowFinished(string(r.status), r.partial, e.now().Sub(r.createdAt))
	if e.opts.ArchiveTerminal {
		_ = e.saveCheckpoint(ctx, r, ReasonArchive)
	} else {
		e.deleteCheckpoint(ctx, r)
	}

	fields := []zap.Field{
		zap.String("workflow_id", r.id),
		zap.String("state", string(r.status)),
		zap.Bool("partial", r.partial),
		zap.Duration("duration", e.now().Sub(r.createdAt)),
	}
	if r.failure != nil {
		fields = append(fields, zap.String("failed_node", r.failure.NodeID), zap.String("error", r.failure.Error))
	}
	e.logger.Info("workflow finished", fields...)
}

// skip moves a pending or paused node to skipped. Caller holds r.mu.
func (e *Engine) skip(r *run, n *Node, reason string) {
	n.Error = reason
	e.move(r, n, StatusSkipped, "", reason)
	r.history.Record(Outcome{
		NodeID:    n.ID,
		Step:      n.Step,
		Kind:      OutcomeSkip,
		Status:    StatusSkipped,
		Error:     reason,
		StartTime: e.now(),
	})
}

// move applies a node transition and emits its event. An invalid transition
// is a programming error: it is logged and the workflow fails.
func (e *Engine) move(r *run, n *Node, to NodeStatus, excerpt, errMsg string) {
	if err := checkTransition(n.ID, n.Status, to); err != nil {
		e.logger.DPanic("invalid node transition", zap.String("workflow_id", r.id), zap.Error(err))
		if !r.status.Terminal() {
			r.failure = &Failure{NodeID: n.ID, Step: n.Step, Error: err.Error(), Cause: CauseExecutor}
			e.setState(r, WorkflowFailed)
		}
		return
	}
	from := n.Status
	n.Status = to
	e.emit(r, n.ID, "", n.Step, string(from), string(to), excerpt, errMsg)
}

// moveSub applies a sub-step transition of a plan-walking node.
func (e *Engine) moveSub(r *run, n *Node, subID string, to NodeStatus, excerpt, errMsg string) error {
	from := n.Plan.Steps[subID].Status
	if err := n.Plan.transition(subID, to); err != nil {
		return err
	}
	e.emit(r, n.ID, subID, n.Step, string(from), string(to), excerpt, errMsg)
	return nil
}

// setState changes the workflow state and emits a workflow event.
func (e *Engine) setState(r *run, to WorkflowState) {
	from := r.status
	r.status = to
	e.emit(r, "", "", "", string(from), string(to), "", "")
}

// emit assigns the next sequence number and hands the event to the sink.
func (e *Engine) emit(r *run, nodeID, subID, step, from, to, excerpt, errMsg string) {
	r.seq++
	r.updatedAt = e.now()
	e.sink.Emit(r.id, Event{
		Seq:        r.seq,
		WorkflowID: r.id,
		NodeID:     nodeID,
		SubStepID:  subID,
		Step:       step,
		From:       from,
		To:         to,
		Excerpt:    excerpt,
		Error:      truncate(errMsg, e.opts.ExcerptBytes),
		Timestamp:  r.updatedAt,
	})
}

// checkpoint snapshots the run. Caller holds r.mu.
func (r *run) checkpoint(reason CheckpointReason, now time.Time) *Checkpoint {
	snap := r.state.snapshot()
	var failure *Failure
	if r.failure != nil {
		f := *r.failure
		failure = &f
	}
	return &Checkpoint{
		Version:    CheckpointVersion,
		WorkflowID: r.id,
		State:      r.status,
		Reason:     reason,
		Request:    r.state.Request(),
		Analysis:   r.state.Analysis(),
		Graph:      r.graph.clone(),
		Slots:      snap.Slots,
		Versions:   snap.Versions,
		Writers:    snap.Owners,
		Written:    snap.Written,
		History:    snap.Changes,
		Errors:     snap.Errors,
		Outcomes:   r.history.Entries(),
		Failure:    failure,
		Partial:    r.partial,
		Seq:        r.seq,
		CreatedAt:  r.createdAt,
		SavedAt:    now,
	}
}
