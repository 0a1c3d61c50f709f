package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/supervisor"

	"go.uber.org/zap"
)

// Builder turns an Analysis into a validated Graph. Build is pure: it never
// executes a step and performs no I/O.
type Builder struct {
	registry *capability.Registry
	initial  []string
	logger   *zap.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithInitialSlots declares slots that are already populated when a workflow
// starts, so required inputs on them need no producer.
func WithInitialSlots(slots ...string) BuilderOption {
	return func(b *Builder) { b.initial = append(b.initial, slots...) }
}

// WithBuilderLogger sets the builder logger.
func WithBuilderLogger(logger *zap.Logger) BuilderOption {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a builder over registry.
func NewBuilder(registry *capability.Registry, opts ...BuilderOption) *Builder {
	b := &Builder{registry: registry, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "graph_builder"))
	return b
}

// Build creates one node per analysis step. Data edges run from the earlier
// producer of each declared input to its consumer; linear and iterative
// strategies additionally chain consecutive steps. Strategy extras are
// appended after the steps when every required input is available and none of
// their outputs is already owned; otherwise they are left out.
func (b *Builder) Build(analysis supervisor.Analysis) (*Graph, error) {
	if len(analysis.Steps) == 0 {
		return nil, &BuildError{Err: ErrEmptyAnalysis}
	}

	total := len(analysis.Steps) + len(analysis.Extras)
	g := &Graph{
		Strategy:     analysis.Strategy,
		Nodes:        make(map[string]*Node, total),
		Order:        make([]string, 0, total),
		InitialSlots: slices.Clone(b.initial),
	}
	initial := make(map[string]bool, len(b.initial))
	for _, s := range b.initial {
		initial[s] = true
	}
	producers := make(map[string]string)

	for _, step := range analysis.Steps {
		c, err := b.lookup(g, step)
		if err != nil {
			return nil, err
		}
		if err := b.addNode(g, c, producers, initial); err != nil {
			return nil, err
		}
	}

	for _, step := range analysis.Extras {
		c, err := b.lookup(g, step)
		if err != nil {
			return nil, err
		}
		if slot, ok := fits(c, producers, initial); !ok {
			b.logger.Debug("strategy step left out",
				zap.String("step", step),
				zap.String("slot", slot))
			continue
		}
		if err := b.addNode(g, c, producers, initial); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	b.logger.Debug("graph built",
		zap.String("strategy", string(g.Strategy)),
		zap.Strings("order", g.Order),
		zap.Int("nodes", len(g.Nodes)))
	return g, nil
}

func (b *Builder) lookup(g *Graph, step string) (capability.Capability, error) {
	c, err := b.registry.Get(step)
	if err != nil {
		if errors.Is(err, capability.ErrUnknownCapability) {
			return capability.Capability{}, &BuildError{Step: step, Err: ErrUnknownStep}
		}
		return capability.Capability{}, &BuildError{Step: step, Err: err}
	}
	if _, dup := g.Nodes[step]; dup {
		return capability.Capability{}, &BuildError{Step: step, Err: fmt.Errorf("%w: step listed twice", ErrWriteConflict)}
	}
	return c, nil
}

// fits reports whether c can join the graph, or the slot that blocks it.
func fits(c capability.Capability, producers map[string]string, initial map[string]bool) (string, bool) {
	for _, slot := range c.Requires {
		if _, ok := producers[slot]; !ok && !initial[slot] {
			return slot, false
		}
	}
	for _, slot := range c.Outputs {
		if _, ok := producers[slot]; ok {
			return slot, false
		}
	}
	return "", true
}

func (b *Builder) addNode(g *Graph, c capability.Capability, producers map[string]string, initial map[string]bool) error {
	step := c.Name
	n := &Node{
		ID:               step,
		Step:             step,
		Requires:         slices.Clone(c.Requires),
		Optional:         slices.Clone(c.Optional),
		Outputs:          slices.Clone(c.Outputs),
		ApprovalRequired: c.Approval.Required(),
		Approval:         c.Approval,
		Failure:          c.Failure,
		Timeout:          c.Timeout,
		PlanSlot:         c.PlanSlot,
		Status:           StatusPending,
	}

	for _, slot := range c.Requires {
		if producer, ok := producers[slot]; ok {
			addEdge(g, producer, n)
			continue
		}
		if !initial[slot] {
			return &BuildError{Step: step, Slot: slot, Err: ErrUnsatisfiableDependency}
		}
	}
	for _, slot := range c.Optional {
		if producer, ok := producers[slot]; ok {
			addEdge(g, producer, n)
		}
	}
	if len(g.Order) > 0 && g.Strategy != supervisor.ParallelFanout {
		addEdge(g, g.Order[len(g.Order)-1], n)
	}

	for _, slot := range c.Outputs {
		if owner, ok := producers[slot]; ok {
			return &BuildError{Step: step, Slot: slot, Err: fmt.Errorf("%w: also written by %s", ErrWriteConflict, owner)}
		}
		producers[slot] = step
	}

	g.Nodes[step] = n
	g.Order = append(g.Order, step)
	return nil
}

// addEdge links from → to once. from must already be in g; to is the node
// being added.
func addEdge(g *Graph, from string, to *Node) {
	if slices.Contains(to.Predecessors, from) {
		return
	}
	to.Predecessors = append(to.Predecessors, from)
	g.Nodes[from].Successors = append(g.Nodes[from].Successors, to.ID)
}
