// Package capability is the static catalog of step kinds: what each step reads,
// what it writes, what it touches outside the process, and how the engine must
// treat its failures and approvals.
package capability

import (
	"fmt"
	"slices"
	"time"

	"github.com/BaSui01/taskflow/internal/expr"
)

// Context roots every step may read besides its declared slots.
const (
	RootRequest  = "request"
	RootAnalysis = "analysis"
)

// IsContextRoot reports whether name is a reserved read-only context root.
func IsContextRoot(name string) bool {
	return name == RootRequest || name == RootAnalysis
}

// FailureStrategy defines how the engine reacts to a step's own failure.
type FailureStrategy string

const (
	// FailWorkflow fails the whole workflow (hard dependency).
	FailWorkflow FailureStrategy = "fail_workflow"
	// Skip marks the node failed and lets dependents degrade (soft dependency).
	Skip FailureStrategy = "skip"
	// Retry re-runs the step up to MaxRetries times, then fails the workflow.
	Retry FailureStrategy = "retry"
)

// FailurePolicy is a per-step-kind failure policy.
type FailurePolicy struct {
	Strategy   FailureStrategy `yaml:"strategy" json:"strategy"`
	MaxRetries int             `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// ApprovalMode says when, relative to the executor, sign-off is checked.
type ApprovalMode string

const (
	// ApprovalNever means the step never pauses.
	ApprovalNever ApprovalMode = "never"
	// ApprovalBefore checks the condition against the step's inputs before it runs.
	ApprovalBefore ApprovalMode = "before"
	// ApprovalAfter checks the condition against the step's own result before it is merged.
	ApprovalAfter ApprovalMode = "after"
)

// ApprovalPolicy is declared statically per step kind. When is evaluated at
// run time; an empty When means the gate always applies.
type ApprovalPolicy struct {
	Mode         ApprovalMode `yaml:"mode" json:"mode"`
	When         string       `yaml:"when,omitempty" json:"when,omitempty"`
	EditableSlot string       `yaml:"editable_slot,omitempty" json:"editable_slot,omitempty"`
}

// Required reports whether the policy can ever pause a node.
func (p ApprovalPolicy) Required() bool {
	return p.Mode == ApprovalBefore || p.Mode == ApprovalAfter
}

// Capability describes one step kind.
type Capability struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Requires    []string       `yaml:"requires,omitempty" json:"requires,omitempty"`
	Optional    []string       `yaml:"optional,omitempty" json:"optional,omitempty"`
	Outputs     []string       `yaml:"outputs" json:"outputs"`
	SideEffects []string       `yaml:"side_effects,omitempty" json:"side_effects,omitempty"`
	Failure     FailurePolicy  `yaml:"failure" json:"failure"`
	Approval    ApprovalPolicy `yaml:"approval" json:"approval"`
	Timeout     time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// PlanSlot names an input slot holding a plan the step's executor walks
	// sub-step by sub-step.
	PlanSlot string `yaml:"plan_slot,omitempty" json:"plan_slot,omitempty"`
	// SupportsFallback declares a heuristic path used when the model backend
	// is unavailable.
	SupportsFallback bool `yaml:"supports_fallback,omitempty" json:"supports_fallback,omitempty"`
}

// Inputs returns required then optional input slots.
func (c Capability) Inputs() []string {
	out := make([]string, 0, len(c.Requires)+len(c.Optional))
	out = append(out, c.Requires...)
	return append(out, c.Optional...)
}

// HasInput reports whether slot is a declared input.
func (c Capability) HasInput(slot string) bool {
	return slices.Contains(c.Requires, slot) || slices.Contains(c.Optional, slot)
}

// Writes reports whether slot is a declared output.
func (c Capability) Writes(slot string) bool {
	return slices.Contains(c.Outputs, slot)
}

// CompileApproval compiles and scope-checks the approval condition.
// A before gate may only read inputs and context roots; an after gate may also
// read outputs and must read at least one of them. A nil expression means the
// gate is unconditional (or absent for ApprovalNever).
func (c Capability) CompileApproval() (*expr.Expr, error) {
	p := c.Approval
	switch p.Mode {
	case "", ApprovalNever:
		if p.When != "" {
			return nil, fmt.Errorf("capability %s: approval condition set but mode is never", c.Name)
		}
		return nil, nil
	case ApprovalBefore, ApprovalAfter:
	default:
		return nil, fmt.Errorf("capability %s: unknown approval mode %q", c.Name, p.Mode)
	}

	if p.EditableSlot != "" && !c.HasInput(p.EditableSlot) {
		return nil, fmt.Errorf("capability %s: editable slot %q is not an input", c.Name, p.EditableSlot)
	}
	if p.When == "" {
		return nil, nil
	}

	e, err := expr.Compile(p.When)
	if err != nil {
		return nil, fmt.Errorf("capability %s: approval condition: %w", c.Name, err)
	}

	readsOutput := false
	for _, root := range e.Roots() {
		switch {
		case IsContextRoot(root), c.HasInput(root):
		case c.Writes(root) && p.Mode == ApprovalAfter:
			readsOutput = true
		default:
			return nil, fmt.Errorf("capability %s: approval condition reads %q which is not visible to a %s gate", c.Name, root, p.Mode)
		}
	}
	if p.Mode == ApprovalAfter && !readsOutput {
		return nil, fmt.Errorf("capability %s: after gate condition must read one of %v", c.Name, c.Outputs)
	}
	return e, nil
}

// validate checks the capability in isolation.
func (c Capability) validate() error {
	if c.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if len(c.Outputs) == 0 {
		return fmt.Errorf("capability %s: at least one output slot is required", c.Name)
	}

	seen := make(map[string]bool)
	for _, s := range c.Outputs {
		if s == "" || IsContextRoot(s) {
			return fmt.Errorf("capability %s: invalid output slot %q", c.Name, s)
		}
		if seen[s] {
			return fmt.Errorf("capability %s: output slot %q declared twice", c.Name, s)
		}
		seen[s] = true
	}
	for _, s := range c.Inputs() {
		if s == "" || IsContextRoot(s) {
			return fmt.Errorf("capability %s: invalid input slot %q", c.Name, s)
		}
		if seen[s] {
			return fmt.Errorf("capability %s: slot %q is both input and output", c.Name, s)
		}
	}

	switch c.Failure.Strategy {
	case FailWorkflow, Skip:
	case Retry:
		if c.Failure.MaxRetries <= 0 {
			return fmt.Errorf("capability %s: retry strategy needs max_retries > 0", c.Name)
		}
	default:
		return fmt.Errorf("capability %s: unknown failure strategy %q", c.Name, c.Failure.Strategy)
	}

	if c.Timeout < 0 {
		return fmt.Errorf("capability %s: negative timeout", c.Name)
	}
	if c.PlanSlot != "" && !c.HasInput(c.PlanSlot) {
		return fmt.Errorf("capability %s: plan slot %q is not an input", c.Name, c.PlanSlot)
	}

	_, err := c.CompileApproval()
	return err
}
