package capability

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{StepPlanner, StepCoder, StepReviewer, StepQualityGate, StepRefiner}, r.Names())
	require.NoError(t, r.Validate())

	for slot, owner := range map[string]string{
		SlotPlannerOutput:  StepPlanner,
		SlotCoderOutput:    StepCoder,
		SlotReviewFeedback: StepReviewer,
		SlotQAResult:       StepQualityGate,
		SlotRefinedOutput:  StepRefiner,
	} {
		w, ok := r.Writer(slot)
		require.True(t, ok, slot)
		assert.Equal(t, owner, w)
	}

	qa, err := r.Get(StepQualityGate)
	require.NoError(t, err)
	assert.True(t, qa.Approval.Required())
	assert.Equal(t, ApprovalAfter, qa.Approval.Mode)

	coder, err := r.Get(StepCoder)
	require.NoError(t, err)
	assert.Equal(t, SlotPlannerOutput, coder.PlanSlot)
	assert.Equal(t, []string{SlotPlannerOutput}, coder.Inputs())
}

func TestRegistry_GetUnknown(t *testing.T) {
	_, err := DefaultRegistry().Get("Deployer")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCapability))
	assert.False(t, DefaultRegistry().Has("Deployer"))
}

func TestRegistry_RegisterDefaults(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Capability{Name: "Echo", Outputs: []string{"echo"}}))

	c, err := r.Get("Echo")
	require.NoError(t, err)
	assert.Equal(t, FailWorkflow, c.Failure.Strategy)
	assert.Equal(t, ApprovalNever, c.Approval.Mode)
}

func TestRegistry_RegisterRejects(t *testing.T) {
	tests := []struct {
		name string
		cap  Capability
		msg  string
	}{
		{"missing name", Capability{Outputs: []string{"x"}}, "name is required"},
		{"no outputs", Capability{Name: "A"}, "at least one output"},
		{"reserved output", Capability{Name: "A", Outputs: []string{RootRequest}}, "invalid output"},
		{"input is output", Capability{Name: "A", Requires: []string{"x"}, Outputs: []string{"x"}}, "both input and output"},
		{"second writer", Capability{Name: "A", Outputs: []string{SlotCoderOutput}}, "already written by Coder"},
		{"duplicate name", Capability{Name: StepCoder, Outputs: []string{"other"}}, "already registered"},
		{"bad strategy", Capability{Name: "A", Outputs: []string{"x"}, Failure: FailurePolicy{Strategy: "ignore"}}, "unknown failure strategy"},
		{"retry without count", Capability{Name: "A", Outputs: []string{"x"}, Failure: FailurePolicy{Strategy: Retry}}, "max_retries"},
		{"plan slot not input", Capability{Name: "A", Outputs: []string{"x"}, PlanSlot: "plan"}, "plan slot"},
		{"bad mode", Capability{Name: "A", Outputs: []string{"x"}, Approval: ApprovalPolicy{Mode: "sometimes"}}, "unknown approval mode"},
		{"condition with never", Capability{Name: "A", Outputs: []string{"x"}, Approval: ApprovalPolicy{Mode: ApprovalNever, When: "x"}}, "mode is never"},
		{"unparsable condition", Capability{Name: "A", Outputs: []string{"x"}, Approval: ApprovalPolicy{Mode: ApprovalAfter, When: "x =="}}, "approval condition"},
		{"before gate reads output", Capability{Name: "A", Outputs: []string{"x"}, Approval: ApprovalPolicy{Mode: ApprovalBefore, When: "x.ok"}}, "not visible"},
		{"after gate ignores output", Capability{Name: "A", Requires: []string{"in"}, Outputs: []string{"x"}, Approval: ApprovalPolicy{Mode: ApprovalAfter, When: "in.ok"}}, "must read one of"},
		{"after gate reads foreign slot", Capability{Name: "A", Outputs: []string{"x"}, Approval: ApprovalPolicy{Mode: ApprovalAfter, When: "x.ok && other.ok"}}, "not visible"},
		{"editable slot not input", Capability{Name: "A", Outputs: []string{"x"}, Approval: ApprovalPolicy{Mode: ApprovalBefore, EditableSlot: "plan"}}, "editable slot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DefaultRegistry().Register(tt.cap)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestRegistry_ValidateMissingWriter(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Capability{Name: "Reader", Requires: []string{"ghost"}, Outputs: []string{"out"}}))

	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"ghost" has no writer`)
}

func TestCapability_CompileApprovalRoots(t *testing.T) {
	// before gate may read context roots
	c := Capability{
		Name:     "A",
		Requires: []string{"plan"},
		Outputs:  []string{"x"},
		Approval: ApprovalPolicy{Mode: ApprovalBefore, When: `plan.destructive || analysis.complexity == "complex"`},
	}
	e, err := c.CompileApproval()
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []string{"analysis", "plan"}, e.Roots())

	// unconditional gate compiles to nil
	c.Approval.When = ""
	e, err = c.CompileApproval()
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestLoad(t *testing.T) {
	doc := `
capabilities:
  - name: Fetcher
    outputs: [raw]
    failure: {strategy: retry, max_retries: 2}
    timeout: 90s
  - name: Summarizer
    requires: [raw]
    outputs: [summary]
    failure: {strategy: skip}
    approval:
      mode: after
      when: summary.length > 1000
      editable_slot: raw
`
	r, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"Fetcher", "Summarizer"}, r.Names())

	f, err := r.Get("Fetcher")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, f.Timeout)
	assert.Equal(t, 2, f.Failure.MaxRetries)

	s, err := r.Get("Summarizer")
	require.NoError(t, err)
	assert.Equal(t, ApprovalAfter, s.Approval.Mode)
	assert.Equal(t, "raw", s.Approval.EditableSlot)
}

func TestLoad_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         "capabilities: []",
		"unknown field": "capabilities:\n  - name: A\n    outputs: [x]\n    colour: red\n",
		"missing input": "capabilities:\n  - name: A\n    requires: [nothing]\n    outputs: [x]\n",
		"bad yaml":      "capabilities: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capabilities:\n  - name: A\n    outputs: [x]\n"), 0644))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, r.Has("A"))

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
