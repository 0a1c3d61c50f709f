package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/llm"
	"github.com/BaSui01/taskflow/workflow"

	"go.uber.org/zap"
)

// Refiner applies review feedback to the change set. It has no fallback: a
// refinement without a model is skipped by its failure policy.
type Refiner struct {
	base
}

// NewRefiner creates a Refiner.
func NewRefiner(backend llm.Backend, logger *zap.Logger) *Refiner {
	return &Refiner{base: newBase(backend, logger, capability.StepRefiner)}
}

func (r *Refiner) Execute(ctx context.Context, view workflow.StateView) (workflow.Update, error) {
	code, ok := codeOutput(view)
	if !ok {
		return nil, fmt.Errorf("%s is missing", capability.SlotCoderOutput)
	}
	rv, ok := review(view)
	if !ok {
		return nil, fmt.Errorf("%s is missing", capability.SlotReviewFeedback)
	}
	if rv.Approved && len(rv.Comments) == 0 {
		return workflow.Update{capability.SlotRefinedOutput: Refinement{
			Summary: "no feedback to apply",
			Changes: code.Changes,
			Source:  SourceModel,
		}}, nil
	}

	sb := header(view, "refinement")
	fmt.Fprintf(sb, "Changes:\n%s\n", code.Changes)
	fmt.Fprintf(sb, "Review comments:\n- %s\n", strings.Join(rv.Comments, "\n- "))
	sb.WriteString(`Answer with JSON {"summary": string, "changes": string, "addressed": [string]}.`)

	var ans Refinement
	text, err := r.ask(ctx, sb.String(), llm.TaskRefine, &ans)
	if err != nil {
		if text == "" {
			return nil, err
		}
		ans = Refinement{Summary: firstLine(text), Changes: text}
	}
	ans.Source = SourceModel
	r.scoped(ctx).Debug("refinement produced", zap.Int("addressed", len(ans.Addressed)))
	return workflow.Update{capability.SlotRefinedOutput: ans}, nil
}
