package workflow

import "context"

// Update maps output slots to payloads. Payloads must be JSON serializable.
type Update map[string]any

// StepExecutor computes a node's output from its read-only view. It must not
// retain the view.
type StepExecutor interface {
	Execute(ctx context.Context, view StateView) (Update, error)
}

// ExecutorFunc adapts a function to StepExecutor.
type ExecutorFunc func(ctx context.Context, view StateView) (Update, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, view StateView) (Update, error) {
	return f(ctx, view)
}

// FallbackExecutor is implemented by executors of capabilities that declare
// supports_fallback. The engine calls Fallback once when Execute fails with
// llm.ErrBackendUnavailable.
type FallbackExecutor interface {
	StepExecutor
	Fallback(ctx context.Context, view StateView) (Update, error)
}

// SubStepExecutor is implemented by executors that walk a plan. When the
// node's plan slot holds a plan with steps, the engine calls ExecuteSubStep for
// each sub-step in order instead of Execute, then Summarize to produce the
// node's update.
type SubStepExecutor interface {
	StepExecutor
	ExecuteSubStep(ctx context.Context, view StateView, step PlanStep) (SubStepResult, error)
	Summarize(ctx context.Context, view StateView, report PlanReport) (Update, error)
}

// Rollbacker undoes an applied sub-step. It is only called by Engine.Rollback.
type Rollbacker interface {
	RollbackSubStep(ctx context.Context, step PlanStep, result SubStepResult) error
}
