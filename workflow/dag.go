package workflow

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/internal/expr"
	"github.com/BaSui01/taskflow/supervisor"
)

// NodeStatus is the lifecycle state of a node or plan sub-step.
type NodeStatus string

const (
	StatusPending          NodeStatus = "pending"
	StatusReady            NodeStatus = "ready"
	StatusRunning          NodeStatus = "running"
	StatusCompleted        NodeStatus = "completed"
	StatusFailed           NodeStatus = "failed"
	StatusSkipped          NodeStatus = "skipped"
	StatusAwaitingApproval NodeStatus = "awaiting_approval"
)

// Terminal reports whether no further transition is possible.
func (s NodeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// transitions is the allowed transition table.
var transitions = map[NodeStatus][]NodeStatus{
	StatusPending:          {StatusReady, StatusSkipped},
	StatusReady:            {StatusRunning, StatusFailed},
	StatusRunning:          {StatusCompleted, StatusFailed, StatusAwaitingApproval},
	StatusAwaitingApproval: {StatusRunning, StatusSkipped},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to NodeStatus) bool {
	return slices.Contains(transitions[from], to)
}

func checkTransition(id string, from, to NodeStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
	}
	return nil
}

// PendingApproval describes why a node is waiting for a decision.
type PendingApproval struct {
	// NodeID is the paused node.
	NodeID string `json:"node_id"`
	// Step is the node's step kind.
	Step string `json:"step"`
	// Mode is before or after for node gates; sub-step gates are always before.
	Mode capability.ApprovalMode `json:"mode"`
	// Condition is the gate expression that held, empty when unconditional.
	Condition string `json:"condition,omitempty"`
	// EditableSlot is the slot a modify decision may overwrite.
	EditableSlot string `json:"editable_slot,omitempty"`
	// SubStepID is set when a plan sub-step is waiting.
	SubStepID string `json:"sub_step_id,omitempty"`
	// SubStep is the sub-step definition awaiting sign-off.
	SubStep *PlanStep `json:"sub_step,omitempty"`
	// Result is the held, unmerged executor result of an after gate.
	Result map[string]any `json:"result,omitempty"`
	// Since is when the node paused.
	Since time.Time `json:"since"`
}

// Node is one step instance in a workflow graph. It is created by the Builder
// and mutated only by the Engine.
type Node struct {
	// ID is unique within the graph; it equals the step name.
	ID string `json:"id"`
	// Step is the capability name.
	Step string `json:"step"`
	// Predecessors must be resolved before the node becomes ready.
	Predecessors []string `json:"predecessors,omitempty"`
	// Successors are the nodes depending on this one.
	Successors []string `json:"successors,omitempty"`
	// Requires are required input slots.
	Requires []string `json:"requires,omitempty"`
	// Optional are optional input slots.
	Optional []string `json:"optional,omitempty"`
	// Outputs are the slots this node exclusively writes.
	Outputs []string `json:"outputs"`
	// ApprovalRequired is true when the node has a gate that may pause it.
	ApprovalRequired bool `json:"approval_required"`
	// Approval is the registry's approval policy.
	Approval capability.ApprovalPolicy `json:"approval"`
	// Failure is the registry's failure policy.
	Failure capability.FailurePolicy `json:"failure"`
	// Timeout bounds one attempt; zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// PlanSlot names the input slot holding a plan to walk.
	PlanSlot string `json:"plan_slot,omitempty"`

	// Status is the current lifecycle state.
	Status NodeStatus `json:"status"`
	// Attempts counts executor invocations across retries and resumes.
	Attempts int `json:"attempts,omitempty"`
	// Error is the last failure or skip reason.
	Error string `json:"error,omitempty"`
	// Cause classifies Error for failed nodes.
	Cause Cause `json:"cause,omitempty"`
	// Degraded is set when the node ran after an upstream soft failure.
	Degraded bool `json:"degraded,omitempty"`
	// Fallback is set when the executor's fallback path produced the result.
	Fallback bool `json:"fallback,omitempty"`
	// GateCleared waives the gate for the next dispatch after an approval.
	GateCleared bool `json:"gate_cleared,omitempty"`
	// Pending is set while the node awaits approval.
	Pending *PendingApproval `json:"pending,omitempty"`
	// Plan tracks sub-step progress for plan-walking nodes.
	Plan *PlanProgress `json:"plan,omitempty"`
}

// Inputs returns required then optional input slots.
func (n *Node) Inputs() []string {
	out := make([]string, 0, len(n.Requires)+len(n.Optional))
	out = append(out, n.Requires...)
	return append(out, n.Optional...)
}

func (n *Node) clone() *Node {
	c := *n
	c.Predecessors = slices.Clone(n.Predecessors)
	c.Successors = slices.Clone(n.Successors)
	c.Requires = slices.Clone(n.Requires)
	c.Optional = slices.Clone(n.Optional)
	c.Outputs = slices.Clone(n.Outputs)
	if n.Pending != nil {
		p := *n.Pending
		p.Result = deepCopyMap(n.Pending.Result)
		if n.Pending.SubStep != nil {
			s := n.Pending.SubStep.clone()
			p.SubStep = &s
		}
		c.Pending = &p
	}
	if n.Plan != nil {
		c.Plan = n.Plan.clone()
	}
	return &c
}

// Graph is a workflow DAG. Nodes are keyed by id; Order is a deterministic
// topological order.
type Graph struct {
	Strategy     supervisor.Strategy `json:"strategy"`
	Nodes        map[string]*Node    `json:"nodes"`
	Order        []string            `json:"order"`
	InitialSlots []string            `json:"initial_slots,omitempty"`

	// compiled approval conditions by node id
	conds map[string]*expr.Expr
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.Nodes[id]
	return n, ok
}

// Writers returns the ownership table: slot → writer node id.
func (g *Graph) Writers() map[string]string {
	w := make(map[string]string)
	for _, id := range g.Order {
		for _, slot := range g.Nodes[id].Outputs {
			w[slot] = id
		}
	}
	return w
}

// Descendants returns every node transitively depending on id, in topological
// order.
func (g *Graph) Descendants(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, succ := range g.Nodes[cur].Successors {
			if !seen[succ] {
				seen[succ] = true
				walk(succ)
			}
		}
	}
	if _, ok := g.Nodes[id]; ok {
		walk(id)
	}

	out := make([]string, 0, len(seen))
	for _, nid := range g.Order {
		if seen[nid] {
			out = append(out, nid)
		}
	}
	return out
}

// ancestors returns the transitive predecessor set of id.
func (g *Graph) ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, pred := range g.Nodes[cur].Predecessors {
			if !seen[pred] {
				seen[pred] = true
				walk(pred)
			}
		}
	}
	walk(id)
	return seen
}

// Concurrent reports whether a and b have no ancestry relation, so the
// scheduler may run them at the same time.
func (g *Graph) Concurrent(a, b string) bool {
	if a == b {
		return false
	}
	return !g.ancestors(a)[b] && !g.ancestors(b)[a]
}

// condition returns the compiled approval condition of a node, nil when the
// gate is unconditional.
func (g *Graph) condition(id string) *expr.Expr {
	return g.conds[id]
}

// Validate checks the structural guarantees of a graph: edges are symmetric
// and refer to known nodes, the graph is acyclic, every required input is
// produced by an ancestor or is an initial slot, no slot has two writers and
// approval conditions compile. It also rebuilds the compiled condition cache,
// so it must be called on graphs decoded from a checkpoint.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return &BuildError{Err: ErrEmptyAnalysis}
	}
	if len(g.Order) != len(g.Nodes) {
		return &BuildError{Err: fmt.Errorf("order lists %d nodes, graph has %d", len(g.Order), len(g.Nodes))}
	}

	for id, n := range g.Nodes {
		if n.ID != id {
			return &BuildError{Step: n.Step, Err: fmt.Errorf("node keyed %s has id %s", id, n.ID)}
		}
		for _, p := range n.Predecessors {
			pn, ok := g.Nodes[p]
			if !ok || !slices.Contains(pn.Successors, id) {
				return &BuildError{Step: n.Step, Err: fmt.Errorf("dangling edge %s -> %s", p, id)}
			}
		}
		for _, s := range n.Successors {
			sn, ok := g.Nodes[s]
			if !ok || !slices.Contains(sn.Predecessors, id) {
				return &BuildError{Step: n.Step, Err: fmt.Errorf("dangling edge %s -> %s", id, s)}
			}
		}
	}

	order, err := topoSort(g.Nodes, g.Order)
	if err != nil {
		return err
	}
	g.Order = order

	writers := make(map[string]string)
	for _, id := range g.Order {
		n := g.Nodes[id]
		for _, slot := range n.Outputs {
			if owner, ok := writers[slot]; ok {
				return &BuildError{Step: n.Step, Slot: slot, Err: fmt.Errorf("%w: also written by %s", ErrWriteConflict, owner)}
			}
			writers[slot] = id
		}
	}

	initial := make(map[string]bool, len(g.InitialSlots))
	for _, s := range g.InitialSlots {
		initial[s] = true
	}
	for _, id := range g.Order {
		n := g.Nodes[id]
		anc := g.ancestors(id)
		for _, slot := range n.Requires {
			if initial[slot] {
				continue
			}
			if owner, ok := writers[slot]; !ok || !anc[owner] {
				return &BuildError{Step: n.Step, Slot: slot, Err: ErrUnsatisfiableDependency}
			}
		}
	}

	if err := g.checkConcurrentWriters(); err != nil {
		return err
	}
	return g.compileConditions()
}

// checkConcurrentWriters rejects two concurrently schedulable nodes sharing an
// output slot.
func (g *Graph) checkConcurrentWriters() error {
	for i, a := range g.Order {
		for _, b := range g.Order[i+1:] {
			if !g.Concurrent(a, b) {
				continue
			}
			for _, slot := range g.Nodes[a].Outputs {
				if slices.Contains(g.Nodes[b].Outputs, slot) {
					return &BuildError{Step: g.Nodes[b].Step, Slot: slot,
						Err: fmt.Errorf("%w: %s and %s may run concurrently", ErrWriteConflict, a, b)}
				}
			}
		}
	}
	return nil
}

func (g *Graph) compileConditions() error {
	g.conds = make(map[string]*expr.Expr)
	for _, id := range g.Order {
		n := g.Nodes[id]
		c := capability.Capability{
			Name:     n.Step,
			Requires: n.Requires,
			Optional: n.Optional,
			Outputs:  n.Outputs,
			Approval: n.Approval,
		}
		e, err := c.CompileApproval()
		if err != nil {
			return &BuildError{Step: n.Step, Err: err}
		}
		if e != nil {
			g.conds[id] = e
		}
	}
	return nil
}

// clone deep-copies the graph, including the compiled condition cache.
func (g *Graph) clone() *Graph {
	c := &Graph{
		Strategy:     g.Strategy,
		Nodes:        make(map[string]*Node, len(g.Nodes)),
		Order:        slices.Clone(g.Order),
		InitialSlots: slices.Clone(g.InitialSlots),
		conds:        g.conds,
	}
	for id, n := range g.Nodes {
		c.Nodes[id] = n.clone()
	}
	return c
}

// topoSort is Kahn's algorithm. Ties are broken by position in hint so the
// order is deterministic.
func topoSort(nodes map[string]*Node, hint []string) ([]string, error) {
	rank := make(map[string]int, len(hint))
	for i, id := range hint {
		rank[id] = i
	}
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.SliceStable(ids, func(i, j int) bool {
		ri, iok := rank[ids[i]]
		rj, jok := rank[ids[j]]
		if iok != jok {
			return iok
		}
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}

	inDegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		inDegree[id] = len(n.Predecessors)
	}

	var queue, order []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, succ := range nodes[id].Successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
				sort.SliceStable(queue, func(i, j int) bool { return pos[queue[i]] < pos[queue[j]] })
			}
		}
	}

	if len(order) != len(nodes) {
		var stuck []string
		for _, id := range ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &BuildError{Err: fmt.Errorf("%w among %v", ErrCyclicDependency, stuck)}
	}
	return order, nil
}
