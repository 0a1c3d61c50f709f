package capability

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrUnknownCapability is returned when a step name is not registered.
var ErrUnknownCapability = errors.New("unknown capability")

// Registry is a thread-safe catalog of capabilities. It also owns the slot
// ownership table: every slot has exactly one writer kind.
type Registry struct {
	mu      sync.RWMutex
	caps    map[string]Capability
	order   []string
	writers map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		caps:    make(map[string]Capability),
		writers: make(map[string]string),
	}
}

// Register adds a capability. A second writer kind for any slot is rejected.
func (r *Registry) Register(c Capability) error {
	if c.Failure.Strategy == "" {
		c.Failure.Strategy = FailWorkflow
	}
	if c.Approval.Mode == "" {
		c.Approval.Mode = ApprovalNever
	}
	if err := c.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("capability %s already registered", c.Name)
	}
	for _, slot := range c.Outputs {
		if owner, ok := r.writers[slot]; ok {
			return fmt.Errorf("capability %s: slot %q already written by %s", c.Name, slot, owner)
		}
	}

	c.Requires = cloneStrings(c.Requires)
	c.Optional = cloneStrings(c.Optional)
	c.Outputs = cloneStrings(c.Outputs)
	c.SideEffects = cloneStrings(c.SideEffects)

	r.caps[c.Name] = c
	r.order = append(r.order, c.Name)
	for _, slot := range c.Outputs {
		r.writers[slot] = c.Name
	}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(c Capability) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Get returns the capability registered under name.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[name]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return c, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Names returns capability names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneStrings(r.order)
}

// Writer returns the capability that owns slot.
func (r *Registry) Writer(slot string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.writers[slot]
	return w, ok
}

// Validate checks that every declared input is written by some registered
// capability.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, name := range r.order {
		for _, slot := range r.caps[name].Inputs() {
			if _, ok := r.writers[slot]; !ok {
				errs = append(errs, fmt.Errorf("capability %s: input slot %q has no writer", name, slot))
			}
		}
	}
	return errors.Join(errs...)
}

// catalog is the YAML document shape.
type catalog struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// Load reads a YAML catalog:
//
//	capabilities:
//	  - name: Coder
//	    optional: [planner_output]
//	    outputs: [coder_output]
//	    failure: {strategy: fail_workflow}
//	    timeout: 5m
func Load(rd io.Reader) (*Registry, error) {
	var doc catalog
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode capability catalog: %w", err)
	}
	if len(doc.Capabilities) == 0 {
		return nil, fmt.Errorf("capability catalog is empty")
	}

	r := NewRegistry()
	for _, c := range doc.Capabilities {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capability catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// DefaultRegistry returns the built-in catalog of the five reference steps.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, c := range Defaults() {
		r.MustRegister(c)
	}
	return r
}

// Slot names written by the built-in steps.
const (
	SlotPlannerOutput  = "planner_output"
	SlotCoderOutput    = "coder_output"
	SlotReviewFeedback = "review_feedback"
	SlotQAResult       = "qa_result"
	SlotRefinedOutput  = "refined_output"
)

// Built-in step names.
const (
	StepPlanner     = "Planner"
	StepCoder       = "Coder"
	StepReviewer    = "Reviewer"
	StepQualityGate = "QualityGate"
	StepRefiner     = "Refiner"
)

// Defaults returns the built-in capability declarations.
func Defaults() []Capability {
	return []Capability{
		{
			Name:             StepPlanner,
			Description:      "Breaks the request into ordered file and command sub-steps",
			Outputs:          []string{SlotPlannerOutput},
			Failure:          FailurePolicy{Strategy: Retry, MaxRetries: 1},
			Approval:         ApprovalPolicy{Mode: ApprovalNever},
			Timeout:          2 * time.Minute,
			SupportsFallback: true,
		},
		{
			Name:        StepCoder,
			Description: "Produces the change set, applying the plan when one exists",
			Optional:    []string{SlotPlannerOutput},
			Outputs:     []string{SlotCoderOutput},
			SideEffects: []string{"workspace.write"},
			Failure:     FailurePolicy{Strategy: FailWorkflow},
			Approval: ApprovalPolicy{
				Mode:         ApprovalBefore,
				When:         "planner_output.destructive == true",
				EditableSlot: SlotPlannerOutput,
			},
			Timeout:          5 * time.Minute,
			PlanSlot:         SlotPlannerOutput,
			SupportsFallback: true,
		},
		{
			Name:             StepReviewer,
			Description:      "Reviews the change set",
			Requires:         []string{SlotCoderOutput},
			Outputs:          []string{SlotReviewFeedback},
			Failure:          FailurePolicy{Strategy: Skip},
			Approval:         ApprovalPolicy{Mode: ApprovalNever},
			Timeout:          2 * time.Minute,
			SupportsFallback: true,
		},
		{
			Name:        StepQualityGate,
			Description: "Checks the change set against quality criteria",
			Requires:    []string{SlotCoderOutput},
			Optional:    []string{SlotReviewFeedback},
			Outputs:     []string{SlotQAResult},
			Failure:     FailurePolicy{Strategy: FailWorkflow},
			Approval: ApprovalPolicy{
				Mode:         ApprovalAfter,
				When:         "qa_result.passed == false",
				EditableSlot: SlotCoderOutput,
			},
			Timeout:          2 * time.Minute,
			SupportsFallback: true,
		},
		{
			Name:        StepRefiner,
			Description: "Applies review feedback to the change set",
			Requires:    []string{SlotCoderOutput, SlotReviewFeedback},
			Outputs:     []string{SlotRefinedOutput},
			Failure:     FailurePolicy{Strategy: Skip},
			Approval:    ApprovalPolicy{Mode: ApprovalNever},
			Timeout:     3 * time.Minute,
		},
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
