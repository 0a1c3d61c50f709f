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

// QualityGate checks the change set. A failing result pauses the workflow
// for sign-off through the capability's after-approval gate.
type QualityGate struct {
	base
}

// NewQualityGate creates a QualityGate.
func NewQualityGate(backend llm.Backend, logger *zap.Logger) *QualityGate {
	return &QualityGate{base: newBase(backend, logger, capability.StepQualityGate)}
}

func (q *QualityGate) Execute(ctx context.Context, view workflow.StateView) (workflow.Update, error) {
	code, ok := codeOutput(view)
	if !ok {
		return nil, fmt.Errorf("%s is missing", capability.SlotCoderOutput)
	}
	rv, hasReview := review(view)

	sb := header(view, "quality gate")
	fmt.Fprintf(sb, "Change summary: %s\nChanges:\n%s\n", code.Summary, code.Changes)
	if hasReview && len(rv.Comments) > 0 {
		fmt.Fprintf(sb, "Review comments:\n- %s\n", strings.Join(rv.Comments, "\n- "))
	}
	sb.WriteString(`Answer with JSON {"passed": bool, "score": number between 0 and 1, "issues": [string]}.`)

	var ans QAResult
	if _, err := q.ask(ctx, sb.String(), llm.TaskQuality, &ans); err != nil {
		return nil, err
	}
	ans.Source = SourceModel
	q.gate(&ans, code, rv, hasReview)
	q.scoped(ctx).Debug("quality checked", zap.Bool("passed", ans.Passed), zap.Float64("score", ans.Score))
	return workflow.Update{capability.SlotQAResult: ans}, nil
}

// Fallback passes a non-empty change set the reviewer did not reject.
func (q *QualityGate) Fallback(_ context.Context, view workflow.StateView) (workflow.Update, error) {
	code, _ := codeOutput(view)
	rv, hasReview := review(view)
	res := QAResult{Passed: true, Score: 1, Source: SourceHeuristic}
	q.gate(&res, code, rv, hasReview)
	return workflow.Update{capability.SlotQAResult: res}, nil
}

// gate applies the checks that hold regardless of what the model said.
func (q *QualityGate) gate(res *QAResult, code CodeOutput, rv Review, hasReview bool) {
	if code.Empty() {
		res.Issues = append(res.Issues, "change set is empty")
	}
	if hasReview && !rv.Approved {
		res.Issues = append(res.Issues, "reviewer requested changes")
	}
	if code.Empty() || (hasReview && !rv.Approved) {
		res.Passed = false
		res.Score = 0
	}
	if res.Score < 0 {
		res.Score = 0
	}
	if res.Score > 1 {
		res.Score = 1
	}
}
