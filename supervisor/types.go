// Package supervisor classifies incoming requests into a complexity tier, an
// execution strategy and an ordered set of steps.
package supervisor

// Complexity is the request tier.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

var complexityRank = map[Complexity]int{Simple: 0, Moderate: 1, Complex: 2}

// Valid reports whether c is a known tier.
func (c Complexity) Valid() bool {
	_, ok := complexityRank[c]
	return ok
}

// AtLeast returns the higher of c and o.
func (c Complexity) AtLeast(o Complexity) Complexity {
	if complexityRank[o] > complexityRank[c] {
		return o
	}
	return c
}

// Strategy is the graph shape the builder produces.
type Strategy string

const (
	// Linear chains steps in the given order.
	Linear Strategy = "linear"
	// ParallelFanout only orders steps by data dependencies.
	ParallelFanout Strategy = "parallel-fanout"
	// Iterative chains steps and appends refinement steps.
	Iterative Strategy = "iterative"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case Linear, ParallelFanout, Iterative:
		return true
	}
	return false
}

// Source records which classifier produced an analysis.
type Source string

const (
	SourceModel     Source = "model"
	SourceHeuristic Source = "heuristic"
)

// Request is the immutable input of one workflow.
type Request struct {
	Task           string `json:"task"`
	PriorSessionID string `json:"prior_session_id,omitempty"`
	WorkspaceID    string `json:"workspace_id,omitempty"`
}

// Analysis is the immutable outcome of request analysis.
type Analysis struct {
	Complexity     Complexity `json:"complexity"`
	Strategy       Strategy   `json:"strategy"`
	Steps          []string   `json:"steps"`
	// Extras are strategy steps appended only when their inputs are available.
	Extras         []string   `json:"extras,omitempty"`
	Rationale      string     `json:"rationale"`
	Source         Source     `json:"source"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
}

// PriorContext summarises an earlier session referenced by a follow-up request.
type PriorContext struct {
	SessionID      string    `json:"session_id"`
	Analysis       *Analysis `json:"analysis,omitempty"`
	CompletedSteps []string  `json:"completed_steps,omitempty"`
	Summary        string    `json:"summary,omitempty"`
}
