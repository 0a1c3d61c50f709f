// Package steps provides reference executors for the built-in step kinds.
// Each one asks the model backend for its output and, where the capability
// supports it, falls back to a deterministic heuristic when the backend is
// unavailable.
package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/internal/ctxkeys"
	"github.com/BaSui01/taskflow/llm"
	"github.com/BaSui01/taskflow/workflow"

	"go.uber.org/zap"
)

// Output sources.
const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
	SourcePlan      = "plan"
)

// CodeOutput is written to coder_output.
type CodeOutput struct {
	Summary string   `json:"summary"`
	Changes string   `json:"changes,omitempty"`
	Files   []string `json:"files,omitempty"`
	Source  string   `json:"source"`
}

// Empty reports whether the change set carries nothing.
func (c CodeOutput) Empty() bool {
	return strings.TrimSpace(c.Changes) == "" && len(c.Files) == 0
}

// Review is written to review_feedback.
type Review struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments,omitempty"`
	Source   string   `json:"source"`
}

// QAResult is written to qa_result. The QualityGate approval condition reads
// Passed.
type QAResult struct {
	Passed bool     `json:"passed"`
	Score  float64  `json:"score"`
	Issues []string `json:"issues,omitempty"`
	Source string   `json:"source"`
}

// Refinement is written to refined_output.
type Refinement struct {
	Summary   string   `json:"summary"`
	Changes   string   `json:"changes,omitempty"`
	Addressed []string `json:"addressed,omitempty"`
	Source    string   `json:"source"`
}

// Executors builds the reference executor for every built-in step.
func Executors(backend llm.Backend, ws Workspace, logger *zap.Logger) map[string]workflow.StepExecutor {
	if backend == nil {
		backend = llm.Offline()
	}
	if ws == nil {
		ws = NewMemoryWorkspace(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return map[string]workflow.StepExecutor{
		capability.StepPlanner:     NewPlanner(backend, logger),
		capability.StepCoder:       NewCoder(backend, ws, logger),
		capability.StepReviewer:    NewReviewer(backend, logger),
		capability.StepQualityGate: NewQualityGate(backend, logger),
		capability.StepRefiner:     NewRefiner(backend, logger),
	}
}

// Register binds the reference executors for every step the engine's
// registry knows about.
func Register(e *workflow.Engine, registry *capability.Registry, backend llm.Backend, ws Workspace, logger *zap.Logger) error {
	execs := Executors(backend, ws, logger)
	for _, name := range registry.Names() {
		exec, ok := execs[name]
		if !ok {
			continue
		}
		if err := e.RegisterExecutor(name, exec); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

type base struct {
	backend llm.Backend
	logger  *zap.Logger
}

func newBase(backend llm.Backend, logger *zap.Logger, step string) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{backend: backend, logger: logger.With(zap.String("component", "steps"), zap.String("step", step))}
}

// ask calls the backend and decodes its JSON answer into out. The raw text
// is returned so callers can fall back to it when no JSON was produced.
func (b base) ask(ctx context.Context, prompt, taskType string, out any) (string, error) {
	text, err := b.backend.Infer(ctx, prompt, taskType)
	if err != nil {
		b.scoped(ctx).Debug("inference failed", zap.String("task_type", taskType), zap.Error(err))
		return "", fmt.Errorf("%s inference: %w", taskType, err)
	}
	if out == nil {
		return text, nil
	}
	if err := llm.DecodeJSON(text, out); err != nil {
		return text, err
	}
	return text, nil
}

// scoped adds the workflow, node and sub-step ids from ctx to the logger.
func (b base) scoped(ctx context.Context) *zap.Logger {
	fields := ctxkeys.Fields(ctx)
	if len(fields) == 0 {
		return b.logger
	}
	zf := make([]zap.Field, 0, len(fields))
	for _, k := range []string{"workflow_id", "node_id", "sub_step_id"} {
		if v, ok := fields[k]; ok {
			zf = append(zf, zap.String(k, v))
		}
	}
	return b.logger.With(zf...)
}

func header(view workflow.StateView, role string) *strings.Builder {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s step of a software change workflow.\n", role)
	fmt.Fprintf(&sb, "Request: %s\n", view.Request.Task)
	fmt.Fprintf(&sb, "Complexity: %s. Strategy: %s.\n", view.Analysis.Complexity, view.Analysis.Strategy)
	return &sb
}

// codeOutput reads coder_output, accepting a bare string payload as the
// change text.
func codeOutput(view workflow.StateView) (CodeOutput, bool) {
	v, ok := view.Get(capability.SlotCoderOutput)
	if !ok {
		return CodeOutput{}, false
	}
	if s, isString := v.(string); isString {
		return CodeOutput{Summary: firstLine(s), Changes: s}, true
	}
	var out CodeOutput
	if err := view.Decode(capability.SlotCoderOutput, &out); err != nil {
		return CodeOutput{Summary: fmt.Sprint(v)}, true
	}
	return out, true
}

func review(view workflow.StateView) (Review, bool) {
	if !view.Has(capability.SlotReviewFeedback) {
		return Review{}, false
	}
	var r Review
	if err := view.Decode(capability.SlotReviewFeedback, &r); err != nil {
		return Review{}, false
	}
	return r, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// stripFence removes a surrounding ``` fence from generated file content.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimRight(t, "\n") + "\n"
}

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
