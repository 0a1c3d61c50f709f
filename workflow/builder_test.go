package workflow

import (
	"testing"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/supervisor"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analysis(s supervisor.Strategy, steps ...string) supervisor.Analysis {
	return supervisor.Analysis{Complexity: supervisor.Complex, Strategy: s, Steps: steps}
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder(capability.DefaultRegistry())

	t.Run("linear chains steps", func(t *testing.T) {
		g, err := b.Build(analysis(supervisor.Linear,
			capability.StepPlanner, capability.StepCoder, capability.StepReviewer, capability.StepQualityGate))
		require.NoError(t, err)

		assert.Equal(t, []string{"Planner", "Coder", "Reviewer", "QualityGate"}, g.Order)
		assert.Equal(t, []string{"Planner"}, g.Nodes["Coder"].Predecessors)
		assert.ElementsMatch(t, []string{"Coder", "Reviewer"}, g.Nodes["QualityGate"].Predecessors)
		assert.Equal(t, StatusPending, g.Nodes["Coder"].Status)
		assert.True(t, g.Nodes["Coder"].ApprovalRequired)
		assert.Equal(t, capability.SlotPlannerOutput, g.Nodes["Coder"].PlanSlot)
		assert.NotNil(t, g.condition("Coder"))
		assert.Nil(t, g.condition("Planner"))
	})

	t.Run("parallel fanout only keeps data edges", func(t *testing.T) {
		g, err := b.Build(analysis(supervisor.ParallelFanout,
			capability.StepCoder, capability.StepReviewer, capability.StepQualityGate))
		require.NoError(t, err)

		assert.Equal(t, []string{"Coder"}, g.Nodes["Reviewer"].Predecessors)
		assert.ElementsMatch(t, []string{"Coder", "Reviewer"}, g.Nodes["QualityGate"].Predecessors,
			"optional inputs with an earlier producer become edges")
	})

	t.Run("independent steps are concurrent", func(t *testing.T) {
		g, err := b.Build(analysis(supervisor.ParallelFanout, capability.StepPlanner, capability.StepCoder))
		require.NoError(t, err)
		assert.False(t, g.Concurrent("Planner", "Coder"), "Coder optionally reads the plan")

		g, err = b.Build(analysis(supervisor.ParallelFanout, capability.StepCoder, capability.StepPlanner))
		require.NoError(t, err)
		assert.True(t, g.Concurrent("Planner", "Coder"), "a later producer is not an input")
	})

	t.Run("descendants", func(t *testing.T) {
		g, err := b.Build(analysis(supervisor.Iterative,
			capability.StepCoder, capability.StepReviewer, capability.StepQualityGate, capability.StepRefiner))
		require.NoError(t, err)
		assert.Equal(t, []string{"Reviewer", "QualityGate", "Refiner"}, g.Descendants("Coder"))
		assert.Equal(t, []string{"Refiner"}, g.Descendants("QualityGate"))
		assert.Empty(t, g.Descendants("Refiner"))
	})
}

func TestBuilder_Errors(t *testing.T) {
	b := NewBuilder(capability.DefaultRegistry())

	tests := []struct {
		name     string
		analysis supervisor.Analysis
		wantErr  error
		wantStep string
		wantSlot string
	}{
		{"empty", analysis(supervisor.Linear), ErrEmptyAnalysis, "", ""},
		{"unknown step", analysis(supervisor.Linear, "Coder", "Deployer"), ErrUnknownStep, "Deployer", ""},
		{"duplicate step", analysis(supervisor.Linear, "Coder", "Coder"), ErrWriteConflict, "Coder", ""},
		{"required input missing", analysis(supervisor.Linear, "Reviewer"), ErrUnsatisfiableDependency, "Reviewer", capability.SlotCoderOutput},
		{"producer after consumer", analysis(supervisor.Linear, "Reviewer", "Coder"), ErrUnsatisfiableDependency, "Reviewer", capability.SlotCoderOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := b.Build(tt.analysis)
			assert.Nil(t, g)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var be *BuildError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.wantStep, be.Step)
			assert.Equal(t, tt.wantSlot, be.Slot)
		})
	}

	t.Run("write conflict is a state conflict", func(t *testing.T) {
		_, err := b.Build(analysis(supervisor.Linear, "Coder", "Coder"))
		assert.ErrorIs(t, err, ErrStateConflict)
	})
}

func TestBuilder_SharedOutput(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(capability.Capability{Name: "A", Outputs: []string{"a"}, Failure: capability.FailurePolicy{Strategy: capability.Skip}})
	reg.MustRegister(capability.Capability{Name: "B", Outputs: []string{"b"}, Failure: capability.FailurePolicy{Strategy: capability.Skip}})
	b := NewBuilder(reg)

	g, err := b.Build(analysis(supervisor.ParallelFanout, "A", "B"))
	require.NoError(t, err)

	// Give both nodes the same output slot behind the builder's back.
	g.Nodes["B"].Outputs = []string{"a"}
	err = g.Validate()
	assert.ErrorIs(t, err, ErrWriteConflict)
}

func TestBuilder_InitialSlots(t *testing.T) {
	b := NewBuilder(capability.DefaultRegistry(), WithInitialSlots(capability.SlotCoderOutput))
	g, err := b.Build(analysis(supervisor.Linear, capability.StepReviewer))
	require.NoError(t, err)
	assert.Empty(t, g.Nodes["Reviewer"].Predecessors)
	assert.Equal(t, []string{capability.SlotCoderOutput}, g.InitialSlots)
}

func TestBuilder_StrategyExtras(t *testing.T) {
	t.Run("appended when inputs are produced", func(t *testing.T) {
		a := analysis(supervisor.Iterative, capability.StepCoder, capability.StepReviewer)
		a.Extras = []string{capability.StepRefiner}
		g, err := NewBuilder(capability.DefaultRegistry()).Build(a)
		require.NoError(t, err)
		assert.Equal(t, []string{"Coder", "Reviewer", "Refiner"}, g.Order)
		assert.ElementsMatch(t, []string{"Coder", "Reviewer"}, g.Nodes["Refiner"].Predecessors)
	})

	t.Run("left out when an input is missing", func(t *testing.T) {
		a := analysis(supervisor.Iterative, capability.StepCoder)
		a.Extras = []string{capability.StepRefiner}
		g, err := NewBuilder(capability.DefaultRegistry()).Build(a)
		require.NoError(t, err)
		assert.Equal(t, []string{"Coder"}, g.Order)
	})

	t.Run("initial slots satisfy extras", func(t *testing.T) {
		a := analysis(supervisor.Iterative, capability.StepCoder)
		a.Extras = []string{capability.StepRefiner}
		g, err := NewBuilder(capability.DefaultRegistry(), WithInitialSlots(capability.SlotReviewFeedback)).Build(a)
		require.NoError(t, err)
		assert.Equal(t, []string{"Coder", "Refiner"}, g.Order)
	})

	t.Run("unknown extra", func(t *testing.T) {
		a := analysis(supervisor.Linear, capability.StepCoder)
		a.Extras = []string{"Deployer"}
		_, err := NewBuilder(capability.DefaultRegistry()).Build(a)
		assert.ErrorIs(t, err, ErrUnknownStep)
	})
}

func TestGraph_ValidateDetectsCycle(t *testing.T) {
	b := NewBuilder(capability.DefaultRegistry())
	g, err := b.Build(analysis(supervisor.Linear, capability.StepCoder, capability.StepReviewer))
	require.NoError(t, err)

	g.Nodes["Coder"].Predecessors = append(g.Nodes["Coder"].Predecessors, "Reviewer")
	g.Nodes["Reviewer"].Successors = append(g.Nodes["Reviewer"].Successors, "Coder")

	err = g.Validate()
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestGraph_ValidateDanglingEdge(t *testing.T) {
	b := NewBuilder(capability.DefaultRegistry())
	g, err := b.Build(analysis(supervisor.Linear, capability.StepCoder, capability.StepReviewer))
	require.NoError(t, err)

	g.Nodes["Reviewer"].Predecessors = append(g.Nodes["Reviewer"].Predecessors, "Ghost")
	err = g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dangling edge")
}

func TestNodeTransitions(t *testing.T) {
	tests := []struct {
		from, to NodeStatus
		ok       bool
	}{
		{StatusPending, StatusReady, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusRunning, false},
		{StatusReady, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusAwaitingApproval, true},
		{StatusAwaitingApproval, StatusRunning, true},
		{StatusAwaitingApproval, StatusSkipped, true},
		{StatusAwaitingApproval, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusReady, false},
		{StatusSkipped, StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
			err := checkTransition("n", tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

// Built graphs are acyclic, ordered topologically, and never let two
// concurrently schedulable nodes share an output slot.
func TestProperty_BuiltGraphsAreSound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	names := capability.DefaultRegistry().Names()
	b := NewBuilder(capability.DefaultRegistry())

	properties.Property("graphs are topologically ordered and write-safe", prop.ForAll(
		func(picks []int, strategy supervisor.Strategy) bool {
			seen := make(map[string]bool)
			var steps []string
			for _, p := range picks {
				name := names[p%len(names)]
				if !seen[name] {
					seen[name] = true
					steps = append(steps, name)
				}
			}

			g, err := b.Build(analysis(strategy, steps...))
			if err != nil {
				var be *BuildError
				return len(steps) == 0 || assert.ErrorAs(t, err, &be)
			}

			pos := make(map[string]int, len(g.Order))
			for i, id := range g.Order {
				pos[id] = i
			}
			for id, n := range g.Nodes {
				for _, p := range n.Predecessors {
					if pos[p] >= pos[id] {
						return false
					}
				}
			}
			for i, a := range g.Order {
				for _, c := range g.Order[i+1:] {
					if !g.Concurrent(a, c) {
						continue
					}
					for _, slot := range g.Nodes[a].Outputs {
						for _, other := range g.Nodes[c].Outputs {
							if slot == other {
								return false
							}
						}
					}
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 100)),
		gen.OneConstOf(supervisor.Linear, supervisor.ParallelFanout, supervisor.Iterative),
	))

	properties.Property("every required input has an upstream producer", prop.ForAll(
		func(perm []int) bool {
			steps := make([]string, 0, len(names))
			used := make(map[int]bool)
			for _, p := range perm {
				i := p % len(names)
				if !used[i] {
					used[i] = true
					steps = append(steps, names[i])
				}
			}
			g, err := b.Build(analysis(supervisor.ParallelFanout, steps...))
			if err != nil {
				return true
			}
			writers := g.Writers()
			for _, id := range g.Order {
				anc := g.ancestors(id)
				for _, slot := range g.Nodes[id].Requires {
					if !anc[writers[slot]] {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(0, 50)),
	))

	properties.TestingRun(t)
}
