package steps

import (
	"context"
	"fmt"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/llm"
	"github.com/BaSui01/taskflow/workflow"

	"go.uber.org/zap"
)

var destructiveWords = []string{"delete", "remove", "drop", "purge", "wipe", "truncate", "rm -"}

// Planner turns the request into a workflow.Plan.
type Planner struct {
	base
}

// NewPlanner creates a Planner.
func NewPlanner(backend llm.Backend, logger *zap.Logger) *Planner {
	return &Planner{base: newBase(backend, logger, capability.StepPlanner)}
}

func (p *Planner) prompt(view workflow.StateView) string {
	sb := header(view, "planning")
	if view.Analysis.Rationale != "" {
		fmt.Fprintf(sb, "Analysis: %s\n", view.Analysis.Rationale)
	}
	sb.WriteString(`Answer with JSON {"goal": string, "destructive": bool, "steps": [{"id": string, ` +
		`"action": "create_file|modify_file|delete_file|run_tests|run_command|note", "target": string, ` +
		`"content": string, "description": string, "depends_on": [string], "requires_approval": bool}]}.`)
	return sb.String()
}

// Execute asks the backend for a plan. The plan is marked destructive when
// the model says so or when any sub-step deletes files or runs commands.
func (p *Planner) Execute(ctx context.Context, view workflow.StateView) (workflow.Update, error) {
	var plan workflow.Plan
	if _, err := p.ask(ctx, p.prompt(view), llm.TaskPlan, &plan); err != nil {
		return nil, err
	}
	if plan.Goal == "" {
		plan.Goal = view.Request.Task
	}
	for _, s := range plan.Steps {
		if s.Action.Destructive() {
			plan.Destructive = true
		}
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	p.scoped(ctx).Debug("plan produced",
		zap.Int("steps", len(plan.Steps)),
		zap.Bool("destructive", plan.Destructive))
	return workflow.Update{capability.SlotPlannerOutput: plan}, nil
}

// Fallback returns a plan without sub-steps, so the Coder handles the request
// directly. Requests that mention removing things are still flagged.
func (p *Planner) Fallback(_ context.Context, view workflow.StateView) (workflow.Update, error) {
	plan := workflow.Plan{
		Goal:        view.Request.Task,
		Destructive: containsAny(view.Request.Task, destructiveWords),
	}
	return workflow.Update{capability.SlotPlannerOutput: plan}, nil
}
