package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/llm"
	"github.com/BaSui01/taskflow/workflow"

	"go.uber.org/zap"
)

// Coder produces the change set. With a plan it applies each sub-step to the
// workspace; without one it asks the backend for a change description.
type Coder struct {
	base
	ws Workspace
}

// NewCoder creates a Coder over ws.
func NewCoder(backend llm.Backend, ws Workspace, logger *zap.Logger) *Coder {
	return &Coder{base: newBase(backend, logger, capability.StepCoder), ws: ws}
}

type codeAnswer struct {
	Summary string   `json:"summary"`
	Changes string   `json:"changes"`
	Files   []string `json:"files"`
}

// Execute asks for the whole change at once.
func (c *Coder) Execute(ctx context.Context, view workflow.StateView) (workflow.Update, error) {
	sb := header(view, "coding")
	if view.Has(capability.SlotPlannerOutput) {
		var plan workflow.Plan
		if err := view.Decode(capability.SlotPlannerOutput, &plan); err == nil && plan.Goal != "" {
			fmt.Fprintf(sb, "Goal: %s\n", plan.Goal)
		}
	}
	sb.WriteString(`Answer with JSON {"summary": string, "changes": string (unified diff), "files": [string]}.`)

	var ans codeAnswer
	text, err := c.ask(ctx, sb.String(), llm.TaskCode, &ans)
	if err != nil {
		if text == "" {
			return nil, err
		}
		// no JSON: the answer is the change itself
		ans = codeAnswer{Summary: firstLine(text), Changes: text}
	}
	if ans.Summary == "" {
		ans.Summary = firstLine(ans.Changes)
	}
	return workflow.Update{capability.SlotCoderOutput: CodeOutput{
		Summary: ans.Summary,
		Changes: ans.Changes,
		Files:   sortedUnique(ans.Files),
		Source:  SourceModel,
	}}, nil
}

// Fallback records the request for manual application.
func (c *Coder) Fallback(_ context.Context, view workflow.StateView) (workflow.Update, error) {
	return workflow.Update{capability.SlotCoderOutput: CodeOutput{
		Summary: "model backend unavailable; change not generated: " + view.Request.Task,
		Source:  SourceHeuristic,
	}}, nil
}

// ExecuteSubStep applies one plan sub-step. File steps record the previous
// content in Data so the step can be rolled back.
func (c *Coder) ExecuteSubStep(ctx context.Context, view workflow.StateView, step workflow.PlanStep) (workflow.SubStepResult, error) {
	switch step.Action {
	case workflow.ActionCreateFile, workflow.ActionModifyFile:
		if step.Target == "" {
			return workflow.SubStepResult{}, fmt.Errorf("sub-step %s: %s needs a target", step.ID, step.Action)
		}
		previous, existed, err := c.previous(ctx, step.Target)
		if err != nil {
			return workflow.SubStepResult{}, err
		}
		if step.Action == workflow.ActionModifyFile && !existed {
			return workflow.SubStepResult{}, fmt.Errorf("sub-step %s: %w: %s", step.ID, ErrFileNotFound, step.Target)
		}
		content := step.Content
		if content == "" {
			content, err = c.generate(ctx, view, step, previous)
			if err != nil {
				return workflow.SubStepResult{}, err
			}
		}
		if err := c.ws.Write(ctx, step.Target, content); err != nil {
			return workflow.SubStepResult{}, fmt.Errorf("sub-step %s: write %s: %w", step.ID, step.Target, err)
		}
		return workflow.SubStepResult{
			Output:  fmt.Sprintf("%s %s (%d bytes)", step.Action, step.Target, len(content)),
			Changed: []string{step.Target},
			Data:    map[string]any{"existed": existed, "previous": previous},
		}, nil

	case workflow.ActionDeleteFile:
		previous, existed, err := c.previous(ctx, step.Target)
		if err != nil {
			return workflow.SubStepResult{}, err
		}
		if !existed {
			return workflow.SubStepResult{}, fmt.Errorf("sub-step %s: %w: %s", step.ID, ErrFileNotFound, step.Target)
		}
		if err := c.ws.Delete(ctx, step.Target); err != nil {
			return workflow.SubStepResult{}, fmt.Errorf("sub-step %s: delete %s: %w", step.ID, step.Target, err)
		}
		return workflow.SubStepResult{
			Output:  "deleted " + step.Target,
			Changed: []string{step.Target},
			Data:    map[string]any{"existed": true, "previous": previous},
		}, nil

	case workflow.ActionRunTests, workflow.ActionRunCommand:
		command := step.Target
		if command == "" {
			command = step.Content
		}
		if command == "" {
			return workflow.SubStepResult{}, fmt.Errorf("sub-step %s: %s needs a command", step.ID, step.Action)
		}
		out, err := c.ws.Run(ctx, command)
		if err != nil {
			return workflow.SubStepResult{Output: out}, fmt.Errorf("sub-step %s: %w", step.ID, err)
		}
		return workflow.SubStepResult{Output: out}, nil

	case workflow.ActionNote:
		return workflow.SubStepResult{Output: step.Description}, nil
	}
	return workflow.SubStepResult{}, fmt.Errorf("sub-step %s: unsupported action %q", step.ID, step.Action)
}

func (c *Coder) previous(ctx context.Context, path string) (string, bool, error) {
	content, err := c.ws.Read(ctx, path)
	if errors.Is(err, ErrFileNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	return content, true, nil
}

func (c *Coder) generate(ctx context.Context, view workflow.StateView, step workflow.PlanStep, previous string) (string, error) {
	sb := header(view, "coding")
	fmt.Fprintf(sb, "Sub-step %s: %s %s.\n", step.ID, step.Action, step.Target)
	if step.Description != "" {
		fmt.Fprintf(sb, "Description: %s\n", step.Description)
	}
	if previous != "" {
		fmt.Fprintf(sb, "Current content:\n%s\n", previous)
	}
	sb.WriteString("Reply with the complete new file content only.")

	text, err := c.ask(ctx, sb.String(), llm.TaskCode, nil)
	if err != nil {
		return "", fmt.Errorf("sub-step %s: %w", step.ID, err)
	}
	return stripFence(text), nil
}

// Summarize turns the plan report into coder_output.
func (c *Coder) Summarize(_ context.Context, _ workflow.StateView, report workflow.PlanReport) (workflow.Update, error) {
	var files []string
	var lines []string
	for _, id := range report.Summary.Completed {
		r := report.Results[id]
		files = append(files, r.Changed...)
		if r.Output != "" {
			lines = append(lines, id+": "+strings.TrimSpace(r.Output))
		}
	}
	summary := fmt.Sprintf("applied %d plan steps", len(report.Summary.Completed))
	if n := len(report.Summary.Skipped); n > 0 {
		summary += fmt.Sprintf(", skipped %d", n)
	}
	if report.Goal != "" {
		summary += " for: " + report.Goal
	}
	return workflow.Update{capability.SlotCoderOutput: CodeOutput{
		Summary: summary,
		Changes: strings.Join(lines, "\n"),
		Files:   sortedUnique(files),
		Source:  SourcePlan,
	}}, nil
}

// RollbackSubStep restores the content a file step replaced. Commands and
// notes have nothing to undo.
func (c *Coder) RollbackSubStep(ctx context.Context, step workflow.PlanStep, result workflow.SubStepResult) error {
	switch step.Action {
	case workflow.ActionCreateFile, workflow.ActionModifyFile, workflow.ActionDeleteFile:
	default:
		c.logger.Debug("sub-step has no rollback", zap.String("sub_step_id", step.ID), zap.String("action", string(step.Action)))
		return nil
	}

	existed, _ := result.Data["existed"].(bool)
	previous, _ := result.Data["previous"].(string)
	if !existed {
		if err := c.ws.Delete(ctx, step.Target); err != nil && !errors.Is(err, ErrFileNotFound) {
			return fmt.Errorf("rollback %s: %w", step.ID, err)
		}
		return nil
	}
	if err := c.ws.Write(ctx, step.Target, previous); err != nil {
		return fmt.Errorf("rollback %s: %w", step.ID, err)
	}
	return nil
}
