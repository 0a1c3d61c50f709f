package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"
)

// PlanAction is what a plan sub-step does.
type PlanAction string

const (
	ActionCreateFile PlanAction = "create_file"
	ActionModifyFile PlanAction = "modify_file"
	ActionDeleteFile PlanAction = "delete_file"
	ActionRunTests   PlanAction = "run_tests"
	ActionRunCommand PlanAction = "run_command"
	ActionNote       PlanAction = "note"
)

// Valid reports whether a is a known action.
func (a PlanAction) Valid() bool {
	switch a {
	case ActionCreateFile, ActionModifyFile, ActionDeleteFile, ActionRunTests, ActionRunCommand, ActionNote:
		return true
	}
	return false
}

// Destructive reports whether the action can remove or execute something.
func (a PlanAction) Destructive() bool {
	return a == ActionDeleteFile || a == ActionRunCommand
}

// PlanStep is one sub-step of a plan.
type PlanStep struct {
	ID               string     `json:"id"`
	Action           PlanAction `json:"action"`
	Target           string     `json:"target,omitempty"`
	Content          string     `json:"content,omitempty"`
	Description      string     `json:"description,omitempty"`
	DependsOn        []string   `json:"depends_on,omitempty"`
	RequiresApproval bool       `json:"requires_approval,omitempty"`
}

func (s PlanStep) clone() PlanStep {
	s.DependsOn = slices.Clone(s.DependsOn)
	return s
}

// Plan is the structured output of a planning step.
type Plan struct {
	Goal        string     `json:"goal"`
	Steps       []PlanStep `json:"steps"`
	Destructive bool       `json:"destructive"`
}

// DecodePlan converts a slot payload into a Plan.
func DecodePlan(payload any) (Plan, error) {
	var p Plan
	raw, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return p, nil
}

// Validate checks ids are unique, actions are known, dependencies exist and
// the sub-step graph is acyclic.
func (p Plan) Validate() error {
	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: sub-step without id", ErrInvalidPlan)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate sub-step %s", ErrInvalidPlan, s.ID)
		}
		if !s.Action.Valid() {
			return fmt.Errorf("%w: sub-step %s has unknown action %q", ErrInvalidPlan, s.ID, s.Action)
		}
		ids[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: sub-step %s depends on unknown %s", ErrInvalidPlan, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("%w: sub-step %s depends on itself", ErrInvalidPlan, s.ID)
			}
		}
	}
	if _, err := p.Order(); err != nil {
		return err
	}
	return nil
}

// Order returns sub-step ids in topological order; ties keep plan order.
func (p Plan) Order() ([]string, error) {
	pos := make(map[string]int, len(p.Steps))
	inDegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string)
	for i, s := range p.Steps {
		pos[s.ID] = i
		inDegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue, order []string
	for _, s := range p.Steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, d := range dependents[id] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
				sort.SliceStable(queue, func(i, j int) bool { return pos[queue[i]] < pos[queue[j]] })
			}
		}
	}
	if len(order) != len(p.Steps) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, ErrCyclicDependency)
	}
	return order, nil
}

// Step returns the sub-step with id.
func (p Plan) Step(id string) (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return PlanStep{}, false
}

// SubStepResult is what a sub-step executor reports.
type SubStepResult struct {
	Output  string         `json:"output,omitempty"`
	Changed []string       `json:"changed,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// SubStepRecord is the persisted progress of one sub-step.
type SubStepRecord struct {
	ID         string         `json:"id"`
	Status     NodeStatus     `json:"status"`
	Approved   bool           `json:"approved,omitempty"`
	Error      string         `json:"error,omitempty"`
	Result     *SubStepResult `json:"result,omitempty"`
	RolledBack bool           `json:"rolled_back,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// PlanProgress is the sub-step state of a plan-walking node.
type PlanProgress struct {
	Plan    Plan                      `json:"plan"`
	Order   []string                  `json:"order"`
	Steps   map[string]*SubStepRecord `json:"steps"`
	Applied []string                  `json:"applied,omitempty"`
}

func newPlanProgress(p Plan) (*PlanProgress, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	order, _ := p.Order()
	pp := &PlanProgress{Plan: p, Order: order, Steps: make(map[string]*SubStepRecord, len(order))}
	for _, id := range order {
		pp.Steps[id] = &SubStepRecord{ID: id, Status: StatusPending}
	}
	return pp, nil
}

func (pp *PlanProgress) clone() *PlanProgress {
	c := &PlanProgress{
		Plan:    Plan{Goal: pp.Plan.Goal, Destructive: pp.Plan.Destructive},
		Order:   slices.Clone(pp.Order),
		Steps:   make(map[string]*SubStepRecord, len(pp.Steps)),
		Applied: slices.Clone(pp.Applied),
	}
	for _, s := range pp.Plan.Steps {
		c.Plan.Steps = append(c.Plan.Steps, s.clone())
	}
	for id, r := range pp.Steps {
		rc := *r
		if r.Result != nil {
			res := *r.Result
			res.Changed = slices.Clone(r.Result.Changed)
			res.Data = deepCopyMap(r.Result.Data)
			rc.Result = &res
		}
		c.Steps[id] = &rc
	}
	return c
}

// transition moves a sub-step through the node transition table.
func (pp *PlanProgress) transition(id string, to NodeStatus) error {
	r, ok := pp.Steps[id]
	if !ok {
		return fmt.Errorf("%w: sub-step %s", ErrNotFound, id)
	}
	if err := checkTransition(id, r.Status, to); err != nil {
		return err
	}
	r.Status = to
	return nil
}

// dependents returns every sub-step transitively depending on id, in plan
// order.
func (pp *PlanProgress) dependents(id string) []string {
	seen := map[string]bool{id: true}
	var out []string
	for _, sid := range pp.Order {
		s, _ := pp.Plan.Step(sid)
		for _, dep := range s.DependsOn {
			if seen[dep] {
				seen[sid] = true
				out = append(out, sid)
				break
			}
		}
	}
	return out
}

// replace swaps a sub-step definition and re-validates the plan.
func (pp *PlanProgress) replace(step PlanStep) error {
	next := Plan{Goal: pp.Plan.Goal, Destructive: pp.Plan.Destructive}
	found := false
	for _, s := range pp.Plan.Steps {
		if s.ID == step.ID {
			s = step
			found = true
		}
		next.Steps = append(next.Steps, s.clone())
	}
	if !found {
		return fmt.Errorf("%w: sub-step %s", ErrNotFound, step.ID)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	order, _ := next.Order()
	// The edited sub-step runs next, so everything it depends on must be done.
	for _, dep := range step.DependsOn {
		if r := pp.Steps[dep]; r == nil || r.Status != StatusCompleted {
			return fmt.Errorf("%w: sub-step %s depends on %s which has not completed", ErrInvalidPlan, step.ID, dep)
		}
	}
	pp.Plan = next
	pp.Order = order
	return nil
}

// Summary tallies sub-step outcomes.
func (pp *PlanProgress) Summary() PlanSummary {
	s := PlanSummary{Applied: slices.Clone(pp.Applied)}
	for _, id := range pp.Order {
		r := pp.Steps[id]
		switch r.Status {
		case StatusCompleted:
			s.Completed = append(s.Completed, id)
		case StatusFailed:
			s.Failed = append(s.Failed, id)
		case StatusSkipped:
			s.Skipped = append(s.Skipped, id)
		}
		if r.RolledBack {
			s.RolledBack = append(s.RolledBack, id)
		}
	}
	return s
}

// PlanSummary lists sub-step ids by outcome. Applied is in completion order.
type PlanSummary struct {
	Completed  []string `json:"completed,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	Skipped    []string `json:"skipped,omitempty"`
	Applied    []string `json:"applied,omitempty"`
	RolledBack []string `json:"rolled_back,omitempty"`
}

// PlanReport is handed to the executor once every reachable sub-step ran.
type PlanReport struct {
	Goal    string                   `json:"goal"`
	Summary PlanSummary              `json:"summary"`
	Results map[string]SubStepResult `json:"results,omitempty"`
}

func (pp *PlanProgress) report() PlanReport {
	r := PlanReport{Goal: pp.Plan.Goal, Summary: pp.Summary(), Results: make(map[string]SubStepResult)}
	for id, rec := range pp.Steps {
		if rec.Result != nil {
			r.Results[id] = *rec.Result
		}
	}
	return r
}

// PlanError reports a sub-step failure together with what was already applied.
// Applied side effects are not undone; see Engine.Rollback.
type PlanError struct {
	NodeID    string
	SubStepID string
	Summary   PlanSummary
	Err       error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("plan of %s: sub-step %s: %v (applied %v, skipped %v)",
		e.NodeID, e.SubStepID, e.Err, e.Summary.Applied, e.Summary.Skipped)
}

func (e *PlanError) Unwrap() error { return e.Err }
