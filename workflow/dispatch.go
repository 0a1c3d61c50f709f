package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/internal/ctxkeys"
	"github.com/BaSui01/taskflow/internal/expr"
	"github.com/BaSui01/taskflow/llm"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// dispatchJob is everything an executor goroutine needs. It is built under
// the run lock and read without it; only plan progress goes back through the
// lock.
type dispatchJob struct {
	gen         uint64
	node        *Node
	nodeID      string
	step        string
	baseAttempt int
	view        StateView
	exec        StepExecutor
	sub         SubStepExecutor
	planned     bool
	planErr     error
	failure     capability.FailurePolicy
	timeout     time.Duration
	afterGate   bool
	cond        *expr.Expr
}

// nodeResult is what a dispatch reports back to the scheduler.
type nodeResult struct {
	gen      uint64
	nodeID   string
	update   Update
	err      error
	attempts int
	suspend  *PendingApproval
	fallback bool
	duration time.Duration
	outcomes []Outcome
}

// callResult is the outcome of one executor invocation.
type callResult struct {
	update   Update
	err      error
	suspend  *PendingApproval
	fallback bool
}

// execute runs a node's attempts according to its failure policy.
func (e *Engine) execute(ctx context.Context, r *run, d *dispatchJob) nodeResult {
	res := nodeResult{gen: d.gen, nodeID: d.nodeID}
	start := e.now()
	defer func() { res.duration = e.now().Sub(start) }()

	if d.planErr != nil {
		res.attempts = 1
		res.err = &ExecutionError{NodeID: d.nodeID, Step: d.step, Attempt: d.baseAttempt + 1, Cause: CausePlan, Err: d.planErr}
		return res
	}

	maxAttempts := 1
	if d.failure.Strategy == capability.Retry {
		maxAttempts += d.failure.MaxRetries
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cr, outcome := e.attempt(ctx, r, d, d.baseAttempt+attempt)
		res.attempts = attempt
		res.outcomes = append(res.outcomes, outcome)
		res.update, res.err, res.suspend, res.fallback = cr.update, cr.err, cr.suspend, cr.fallback

		if cr.err == nil || ctx.Err() != nil {
			break
		}
		var pe *PlanError
		if errors.As(cr.err, &pe) {
			break
		}
		if attempt < maxAttempts {
			e.metrics.RecordNodeRetry(d.step)
			e.logger.Warn("node attempt failed, retrying",
				zap.String("workflow_id", r.id),
				zap.String("node_id", d.nodeID),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(cr.err))
		}
	}
	return res
}

// attempt runs the executor once under the node timeout. An executor that
// ignores cancellation is abandoned when the deadline passes.
func (e *Engine) attempt(ctx context.Context, r *run, d *dispatchJob, attempt int) (callResult, Outcome) {
	started := e.now()
	nodeCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	spanCtx, span := e.tracer.Start(nodeCtx, "workflow.node",
		trace.WithAttributes(
			attribute.String("workflow.id", r.id),
			attribute.String("node.id", d.nodeID),
			attribute.String("node.step", d.step),
			attribute.Int("node.attempt", attempt)))
	defer span.End()

	view := d.view
	view.Attempt = attempt

	ch := make(chan callResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- callResult{err: fmt.Errorf("executor panic: %v", p)}
			}
		}()
		ch <- e.call(ctxkeys.WithNodeID(ctxkeys.WithWorkflowID(spanCtx, r.id), d.nodeID), r, d, view)
	}()

	var cr callResult
	select {
	case cr = <-ch:
	case <-nodeCtx.Done():
		cr = callResult{err: nodeCtx.Err()}
	}

	if cr.err != nil {
		cause, err := CauseExecutor, cr.err
		var pe *PlanError
		switch {
		case ctx.Err() != nil:
			cause, err = CauseAborted, ErrAborted
		case errors.Is(nodeCtx.Err(), context.DeadlineExceeded):
			cause, err = CauseTimeout, fmt.Errorf("%w: exceeded %s", ErrTimeout, d.timeout)
		case errors.As(cr.err, &pe):
			cause = CausePlan
		case errors.Is(cr.err, llm.ErrBackendUnavailable):
			cause = CauseBackendUnavailable
		}
		cr.err = &ExecutionError{NodeID: d.nodeID, Step: d.step, Attempt: attempt, Cause: cause, Err: err}
		span.RecordError(cr.err)
		span.SetStatus(codes.Error, string(cause))
	}

	outcome := Outcome{
		NodeID:    d.nodeID,
		Step:      d.step,
		Kind:      OutcomeAttempt,
		Attempt:   attempt,
		Fallback:  cr.fallback,
		StartTime: started,
		EndTime:   e.now(),
	}
	switch {
	case cr.err != nil:
		outcome.Status = StatusFailed
		outcome.Error = cr.err.Error()
		var ee *ExecutionError
		if errors.As(cr.err, &ee) {
			outcome.Cause = ee.Cause
		}
		var pe *PlanError
		if errors.As(cr.err, &pe) {
			s := pe.Summary
			outcome.Plan = &s
		}
	case cr.suspend != nil:
		outcome.Status = StatusAwaitingApproval
		outcome.Excerpt = e.excerpt(cr.suspend.Result)
	default:
		outcome.Status = StatusCompleted
		outcome.Excerpt = e.excerpt(map[string]any(cr.update))
	}
	return cr, outcome
}

// call invokes the executor, or walks the plan for plan-driven nodes, and
// evaluates an after gate on the result.
func (e *Engine) call(ctx context.Context, r *run, d *dispatchJob, view StateView) callResult {
	var (
		update   Update
		err      error
		fallback bool
	)

	if d.planned {
		po := e.runPlan(ctx, r, d, view)
		switch {
		case po.suspend != nil:
			return callResult{suspend: po.suspend}
		case po.err != nil:
			return callResult{err: po.err}
		}
		update, err = d.sub.Summarize(ctx, view, po.report)
	} else {
		update, err = d.exec.Execute(ctx, view)
		if err != nil && errors.Is(err, llm.ErrBackendUnavailable) {
			if fb, ok := d.exec.(FallbackExecutor); ok && ctx.Err() == nil {
				e.logger.Warn("backend unavailable, using fallback",
					zap.String("workflow_id", r.id),
					zap.String("node_id", d.nodeID),
					zap.Error(err))
				update, err = fb.Fallback(ctx, view)
				fallback = true
			}
		}
	}
	if err != nil {
		return callResult{err: err, fallback: fallback}
	}

	if d.afterGate {
		held := make(map[string]any, len(update))
		for k, v := range update {
			nv, nerr := normalize(v)
			if nerr != nil {
				return callResult{err: fmt.Errorf("slot %s: %w", k, nerr)}
			}
			held[k] = nv
		}
		if d.cond == nil || d.cond.Eval(view.vars(held)) {
			return callResult{suspend: &PendingApproval{Mode: capability.ApprovalAfter, Result: held}, fallback: fallback}
		}
	}
	return callResult{update: update, fallback: fallback}
}

// planOutcome is the result of walking a plan.
type planOutcome struct {
	report  PlanReport
	suspend *PendingApproval
	err     error
}

// live reports whether the dispatch still owns its node. Caller holds r.mu.
func (d *dispatchJob) live(r *run) bool {
	return r.gen == d.gen && d.node.Status == StatusRunning && r.inflight[d.nodeID]
}

// runPlan executes plan sub-steps one at a time in topological order. A
// sub-step that requires approval pauses the owning node; a failed sub-step
// skips its dependents while independent sub-steps still run.
func (e *Engine) runPlan(ctx context.Context, r *run, d *dispatchJob, view StateView) planOutcome {
	var (
		failedID string
		failErr  error
	)

	for {
		if err := ctx.Err(); err != nil {
			return planOutcome{err: err}
		}
		r.mu.Lock()
		if !d.live(r) {
			r.mu.Unlock()
			return planOutcome{err: ErrAborted}
		}
		n := d.node
		id, ok := e.nextSubStep(r, n)
		if !ok {
			r.mu.Unlock()
			break
		}
		rec := n.Plan.Steps[id]
		step, _ := n.Plan.Plan.Step(id)

		if rec.Status == StatusPending {
			_ = e.moveSub(r, n, id, StatusReady, "", "")
			_ = e.moveSub(r, n, id, StatusRunning, step.Description, "")
			if step.RequiresApproval && !rec.Approved {
				_ = e.moveSub(r, n, id, StatusAwaitingApproval, "", "")
				r.mu.Unlock()
				s := step.clone()
				return planOutcome{suspend: &PendingApproval{Mode: capability.ApprovalBefore, SubStepID: id, SubStep: &s}}
			}
		}
		rec.StartedAt = e.now()
		r.mu.Unlock()

		result, err := d.sub.ExecuteSubStep(ctxkeys.WithSubStepID(ctx, id), view, step)

		r.mu.Lock()
		// Results that arrive after the node deadline are not recorded.
		if cerr := ctx.Err(); cerr != nil {
			r.mu.Unlock()
			return planOutcome{err: cerr}
		}
		if !d.live(r) {
			r.mu.Unlock()
			return planOutcome{err: ErrAborted}
		}
		rec.FinishedAt = e.now()
		outcome := Outcome{
			NodeID:    n.ID,
			Step:      n.Step,
			Kind:      OutcomeSubStep,
			SubStepID: id,
			StartTime: rec.StartedAt,
			EndTime:   rec.FinishedAt,
		}
		if err != nil {
			rec.Error = err.Error()
			_ = e.moveSub(r, n, id, StatusFailed, "", rec.Error)
			for _, dep := range n.Plan.dependents(id) {
				if n.Plan.Steps[dep].Status == StatusPending {
					n.Plan.Steps[dep].Error = "dependency " + id + " failed"
					_ = e.moveSub(r, n, dep, StatusSkipped, "", n.Plan.Steps[dep].Error)
				}
			}
			failedID, failErr = id, err
			outcome.Status, outcome.Error = StatusFailed, rec.Error
			e.logger.Warn("plan sub-step failed",
				zap.String("workflow_id", r.id),
				zap.String("node_id", n.ID),
				zap.String("sub_step_id", id),
				zap.Error(err))
		} else {
			res := result
			rec.Result = &res
			n.Plan.Applied = append(n.Plan.Applied, id)
			excerpt := e.excerpt(result.Output)
			_ = e.moveSub(r, n, id, StatusCompleted, excerpt, "")
			outcome.Status, outcome.Excerpt = StatusCompleted, excerpt
		}
		r.history.Record(outcome)
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !d.live(r) {
		return planOutcome{err: ErrAborted}
	}
	if failErr != nil {
		return planOutcome{err: &PlanError{NodeID: d.nodeID, SubStepID: failedID, Summary: d.node.Plan.Summary(), Err: failErr}}
	}
	return planOutcome{report: d.node.Plan.report()}
}

// nextSubStep picks the sub-step to run next: one resumed by a decision, or
// the first pending one whose dependencies completed. Pending sub-steps whose
// dependencies failed or were skipped are skipped on the way. Caller holds
// r.mu.
func (e *Engine) nextSubStep(r *run, n *Node) (string, bool) {
	pp := n.Plan
	for _, id := range pp.Order {
		if pp.Steps[id].Status == StatusRunning {
			return id, true
		}
	}
	for _, id := range pp.Order {
		rec := pp.Steps[id]
		if rec.Status != StatusPending {
			continue
		}
		step, _ := pp.Plan.Step(id)
		blocked := ""
		for _, dep := range step.DependsOn {
			if pp.Steps[dep].Status != StatusCompleted {
				blocked = dep
				break
			}
		}
		if blocked == "" {
			return id, true
		}
		if pp.Steps[blocked].Status.Terminal() {
			rec.Error = fmt.Sprintf("dependency %s %s", blocked, pp.Steps[blocked].Status)
			_ = e.moveSub(r, n, id, StatusSkipped, "", rec.Error)
		}
	}
	return "", false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
