package steps

import (
	"context"
	"fmt"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/llm"
	"github.com/BaSui01/taskflow/workflow"

	"go.uber.org/zap"
)

// Reviewer comments on coder_output.
type Reviewer struct {
	base
}

// NewReviewer creates a Reviewer.
func NewReviewer(backend llm.Backend, logger *zap.Logger) *Reviewer {
	return &Reviewer{base: newBase(backend, logger, capability.StepReviewer)}
}

func (r *Reviewer) Execute(ctx context.Context, view workflow.StateView) (workflow.Update, error) {
	code, ok := codeOutput(view)
	if !ok {
		return nil, fmt.Errorf("%s is missing", capability.SlotCoderOutput)
	}
	sb := header(view, "review")
	fmt.Fprintf(sb, "Change summary: %s\nChanges:\n%s\n", code.Summary, code.Changes)
	sb.WriteString(`Answer with JSON {"approved": bool, "comments": [string]}.`)

	var ans Review
	if _, err := r.ask(ctx, sb.String(), llm.TaskReview, &ans); err != nil {
		return nil, err
	}
	ans.Source = SourceModel
	r.scoped(ctx).Debug("review produced", zap.Bool("approved", ans.Approved), zap.Int("comments", len(ans.Comments)))
	return workflow.Update{capability.SlotReviewFeedback: ans}, nil
}

// Fallback approves any non-empty change set.
func (r *Reviewer) Fallback(_ context.Context, view workflow.StateView) (workflow.Update, error) {
	code, _ := codeOutput(view)
	rv := Review{Approved: !code.Empty(), Source: SourceHeuristic}
	if code.Empty() {
		rv.Comments = append(rv.Comments, "change set is empty")
	}
	rv.Comments = append(rv.Comments, "reviewed without a model backend")
	return workflow.Update{capability.SlotReviewFeedback: rv}, nil
}
