package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/ctxkeys"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/llm"
	"github.com/BaSui01/taskflow/supervisor"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type fixedAnalyzer struct {
	analysis supervisor.Analysis

	mu     sync.Mutex
	priors []*supervisor.PriorContext
}

func analyzeAs(c supervisor.Complexity, s supervisor.Strategy, steps ...string) *fixedAnalyzer {
	return &fixedAnalyzer{analysis: supervisor.Analysis{
		Complexity: c,
		Strategy:   s,
		Steps:      steps,
		Source:     supervisor.SourceHeuristic,
	}}
}

func (a *fixedAnalyzer) Analyze(_ context.Context, _ supervisor.Request, prior *supervisor.PriorContext) supervisor.Analysis {
	a.mu.Lock()
	a.priors = append(a.priors, prior)
	a.mu.Unlock()
	out := a.analysis
	out.Steps = append([]string(nil), a.analysis.Steps...)
	out.Extras = append([]string(nil), a.analysis.Extras...)
	return out
}

// stubExecutor counts calls and delegates to run; fallback is used when run
// reports the backend unavailable.
type stubExecutor struct {
	run       func(ctx context.Context, view StateView) (Update, error)
	fallback  func(ctx context.Context, view StateView) (Update, error)
	calls     atomic.Int32
	fallbacks atomic.Int32
}

func (s *stubExecutor) Execute(ctx context.Context, view StateView) (Update, error) {
	s.calls.Add(1)
	return s.run(ctx, view)
}

func (s *stubExecutor) Fallback(ctx context.Context, view StateView) (Update, error) {
	s.fallbacks.Add(1)
	if s.fallback == nil {
		return nil, errors.New("no fallback")
	}
	return s.fallback(ctx, view)
}

func output(slot string, v any) *stubExecutor {
	return &stubExecutor{run: func(context.Context, StateView) (Update, error) {
		return Update{slot: v}, nil
	}}
}

func failing(err error) *stubExecutor {
	return &stubExecutor{run: func(context.Context, StateView) (Update, error) {
		return nil, err
	}}
}

func blocking() *stubExecutor {
	return &stubExecutor{run: func(ctx context.Context, _ StateView) (Update, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func safePlan() map[string]any {
	return map[string]any{"goal": "add endpoint", "steps": []any{}, "destructive": false}
}

func destructivePlan() map[string]any {
	return map[string]any{
		"goal": "drop legacy module",
		"steps": []any{
			map[string]any{"id": "s1", "action": "delete_file", "target": "legacy.go"},
		},
		"destructive": true,
	}
}

// recordingSink keeps every delivered event.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ string, ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type harness struct {
	engine    *Engine
	sink      *recordingSink
	store     *MemoryCheckpointStore
	executors map[string]*stubExecutor
}

type harnessOpts struct {
	registry  *capability.Registry
	store     *MemoryCheckpointStore
	executors map[string]StepExecutor
	engine    []EngineOption
}

func defaultExecutors() map[string]*stubExecutor {
	return map[string]*stubExecutor{
		capability.StepPlanner:     output(capability.SlotPlannerOutput, safePlan()),
		capability.StepCoder:       output(capability.SlotCoderOutput, "diff --git a/main.go"),
		capability.StepReviewer:    output(capability.SlotReviewFeedback, map[string]any{"approved": true}),
		capability.StepQualityGate: output(capability.SlotQAResult, map[string]any{"passed": true}),
		capability.StepRefiner:     output(capability.SlotRefinedOutput, "refined"),
	}
}

func newHarness(t *testing.T, analyzer Analyzer, overrides map[string]*stubExecutor, o harnessOpts) *harness {
	t.Helper()
	reg := o.registry
	if reg == nil {
		reg = capability.DefaultRegistry()
	}
	store := o.store
	if store == nil {
		store = NewMemoryCheckpointStore()
	}
	h := &harness{sink: &recordingSink{}, store: store, executors: defaultExecutors()}
	for k, v := range overrides {
		h.executors[k] = v
	}

	opts := DefaultOptions()
	opts.MaxParallel = 4
	h.engine = NewEngine(reg, analyzer, store, h.sink, zap.NewNop(), append([]EngineOption{WithOptions(opts)}, o.engine...)...)
	for _, name := range reg.Names() {
		if exec, ok := o.executors[name]; ok {
			require.NoError(t, h.engine.RegisterExecutor(name, exec))
			continue
		}
		if exec, ok := h.executors[name]; ok {
			require.NoError(t, h.engine.RegisterExecutor(name, exec))
		}
	}
	return h
}

func (h *harness) start(t *testing.T, task string) string {
	t.Helper()
	id, err := h.engine.Start(context.Background(), supervisor.Request{Task: task})
	require.NoError(t, err)
	return id
}

func (h *harness) wait(t *testing.T, id string) *StatusReport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := h.engine.Wait(ctx, id)
	require.NoError(t, err)
	return rep
}

// drain flushes queued events; the engine must not be used afterwards.
func (h *harness) drain(t *testing.T) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))
	return h.sink.Events()
}

func nodeStatus(t *testing.T, rep *StatusReport, id string) NodeStatus {
	t.Helper()
	n, ok := rep.Node(id)
	require.True(t, ok, "node %s not in report", id)
	return n.Status
}

func assertSequenced(t *testing.T, events []Event) {
	t.Helper()
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq, "event %d out of sequence", i)
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestEngine_SimpleRequest(t *testing.T) {
	h := newHarness(t, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder), nil, harnessOpts{})

	id := h.start(t, "fix typo in README")
	rep := h.wait(t, id)

	assert.Equal(t, WorkflowCompleted, rep.State)
	assert.False(t, rep.Partial)
	assert.Equal(t, []string{capability.SlotCoderOutput}, rep.Slots)
	assert.Equal(t, StatusCompleted, nodeStatus(t, rep, capability.StepCoder))
	assert.Empty(t, rep.PendingApprovals)

	events := h.drain(t)
	assertSequenced(t, events)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.IsWorkflowEvent())
	assert.Equal(t, string(WorkflowCompleted), last.To)

	var path []string
	for _, ev := range events {
		if ev.NodeID == capability.StepCoder {
			path = append(path, ev.To)
		}
	}
	assert.Equal(t, []string{"ready", "running", "completed"}, path)

	_, err := h.store.Load(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound, "terminal checkpoints are deleted")
}

func TestEngine_ExecutorContextCarriesIDs(t *testing.T) {
	var got map[string]string
	coder := &stubExecutor{run: func(ctx context.Context, _ StateView) (Update, error) {
		got = ctxkeys.Fields(ctx)
		return Update{capability.SlotCoderOutput: "diff"}, nil
	}}
	h := newHarness(t, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder),
		map[string]*stubExecutor{capability.StepCoder: coder}, harnessOpts{})

	id := h.start(t, "fix typo")
	require.Equal(t, WorkflowCompleted, h.wait(t, id).State)
	assert.Equal(t, map[string]string{"workflow_id": id, "node_id": capability.StepCoder}, got)
}

func TestEngine_StartErrors(t *testing.T) {
	tests := []struct {
		name     string
		analyzer Analyzer
		task     string
		wantErr  error
	}{
		{"empty task", analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder), "  ", ErrInvalidRequest},
		{"unknown step", analyzeAs(supervisor.Simple, supervisor.Linear, "Deployer"), "ship it", ErrUnknownStep},
		{"empty analysis", analyzeAs(supervisor.Simple, supervisor.Linear), "anything", ErrEmptyAnalysis},
		{"unsatisfiable", analyzeAs(supervisor.Moderate, supervisor.Linear, capability.StepReviewer), "review", ErrUnsatisfiableDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.analyzer, nil, harnessOpts{})
			id, err := h.engine.Start(context.Background(), supervisor.Request{Task: tt.task})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, id)

			ids, err := h.store.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, ids, "builder errors leave no workflow behind")
		})
	}
}

func TestEngine_MissingExecutor(t *testing.T) {
	reg := capability.DefaultRegistry()
	e := NewEngine(reg, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder), nil, nil, zap.NewNop())
	_, err := e.Start(context.Background(), supervisor.Request{Task: "x"})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, capability.StepCoder, be.Step)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestEngine_RegisterExecutor(t *testing.T) {
	e := NewEngine(capability.DefaultRegistry(), analyzeAs(supervisor.Simple, supervisor.Linear), nil, nil, nil)

	err := e.RegisterExecutor("Nope", output("x", 1))
	assert.ErrorIs(t, err, ErrUnknownStep)

	plain := ExecutorFunc(func(context.Context, StateView) (Update, error) { return nil, nil })
	err = e.RegisterExecutor(capability.StepPlanner, plain)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supports_fallback")

	assert.NoError(t, e.RegisterExecutor(capability.StepRefiner, plain))
}

func TestEngine_BackendUnavailableUsesFallback(t *testing.T) {
	planner := &stubExecutor{
		run: func(context.Context, StateView) (Update, error) {
			return nil, llm.Unavailable(errors.New("connection refused"))
		},
		fallback: func(context.Context, StateView) (Update, error) {
			return Update{capability.SlotPlannerOutput: safePlan()}, nil
		},
	}
	h := newHarness(t,
		analyzeAs(supervisor.Moderate, supervisor.Linear, capability.StepPlanner, capability.StepCoder),
		map[string]*stubExecutor{capability.StepPlanner: planner}, harnessOpts{})

	rep := h.wait(t, h.start(t, "add pagination"))

	assert.Equal(t, WorkflowCompleted, rep.State)
	n, _ := rep.Node(capability.StepPlanner)
	assert.True(t, n.Fallback)
	assert.Equal(t, 1, n.Attempts)
	assert.Equal(t, int32(1), planner.fallbacks.Load())
	assert.Equal(t, StatusCompleted, nodeStatus(t, rep, capability.StepCoder))
}

func TestEngine_TimeoutFailsWorkflow(t *testing.T) {
	caps := capability.Defaults()
	reg := capability.NewRegistry()
	for _, c := range caps {
		if c.Name == capability.StepCoder {
			c.Timeout = 50 * time.Millisecond
		}
		reg.MustRegister(c)
	}

	h := newHarness(t,
		analyzeAs(supervisor.Moderate, supervisor.Linear, capability.StepCoder, capability.StepReviewer),
		map[string]*stubExecutor{capability.StepCoder: blocking()},
		harnessOpts{registry: reg})

	rep := h.wait(t, h.start(t, "rewrite scheduler"))

	assert.Equal(t, WorkflowFailed, rep.State)
	require.NotNil(t, rep.Failure)
	assert.Equal(t, capability.StepCoder, rep.Failure.NodeID)
	assert.Equal(t, CauseTimeout, rep.Failure.Cause)
	assert.Equal(t, StatusFailed, nodeStatus(t, rep, capability.StepCoder))
	assert.Equal(t, StatusSkipped, nodeStatus(t, rep, capability.StepReviewer))
	assert.Zero(t, h.executors[capability.StepReviewer].calls.Load())

	require.Len(t, rep.Errors, 1)
	assert.Equal(t, CauseTimeout, rep.Errors[0].Cause)
}

func TestEngine_RetryPolicy(t *testing.T) {
	t.Run("succeeds on retry", func(t *testing.T) {
		var n atomic.Int32
		planner := &stubExecutor{run: func(context.Context, StateView) (Update, error) {
			if n.Add(1) == 1 {
				return nil, errors.New("malformed plan")
			}
			return Update{capability.SlotPlannerOutput: safePlan()}, nil
		}}
		h := newHarness(t, analyzeAs(supervisor.Moderate, supervisor.Linear, capability.StepPlanner),
			map[string]*stubExecutor{capability.StepPlanner: planner}, harnessOpts{})

		rep := h.wait(t, h.start(t, "plan it"))
		assert.Equal(t, WorkflowCompleted, rep.State)
		node, _ := rep.Node(capability.StepPlanner)
		assert.Equal(t, 2, node.Attempts)
		require.Len(t, node.Outcomes, 2)
		assert.Equal(t, StatusFailed, node.Outcomes[0].Status)
		assert.Equal(t, StatusCompleted, node.Outcomes[1].Status)
	})

	t.Run("fails after retries", func(t *testing.T) {
		planner := failing(errors.New("malformed plan"))
		h := newHarness(t, analyzeAs(supervisor.Moderate, supervisor.Linear, capability.StepPlanner, capability.StepCoder),
			map[string]*stubExecutor{capability.StepPlanner: planner}, harnessOpts{})

		rep := h.wait(t, h.start(t, "plan it"))
		assert.Equal(t, WorkflowFailed, rep.State)
		assert.Equal(t, int32(2), planner.calls.Load())
		assert.Equal(t, StatusSkipped, nodeStatus(t, rep, capability.StepCoder))
		assert.Equal(t, CauseExecutor, rep.Failure.Cause)
	})
}

func TestEngine_SoftFailureDegrades(t *testing.T) {
	var sawFeedback atomic.Bool
	qa := &stubExecutor{run: func(_ context.Context, view StateView) (Update, error) {
		sawFeedback.Store(view.Has(capability.SlotReviewFeedback))
		return Update{capability.SlotQAResult: map[string]any{"passed": true}}, nil
	}}
	h := newHarness(t,
		analyzeAs(supervisor.Complex, supervisor.Linear,
			capability.StepCoder, capability.StepReviewer, capability.StepQualityGate, capability.StepRefiner),
		map[string]*stubExecutor{
			capability.StepReviewer:    failing(errors.New("reviewer crashed")),
			capability.StepQualityGate: qa,
		}, harnessOpts{})

	rep := h.wait(t, h.start(t, "refactor the cache"))

	assert.Equal(t, WorkflowCompleted, rep.State)
	assert.True(t, rep.Partial)
	assert.Equal(t, StatusFailed, nodeStatus(t, rep, capability.StepReviewer))
	assert.Equal(t, StatusCompleted, nodeStatus(t, rep, capability.StepQualityGate))
	assert.Equal(t, StatusSkipped, nodeStatus(t, rep, capability.StepRefiner))
	assert.False(t, sawFeedback.Load())

	gate, _ := rep.Node(capability.StepQualityGate)
	assert.True(t, gate.Degraded)
	assert.Zero(t, h.executors[capability.StepRefiner].calls.Load())
}

func TestEngine_StateConflictFailsFast(t *testing.T) {
	rogue := output(capability.SlotQAResult, "sneaky")
	h := newHarness(t, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder),
		map[string]*stubExecutor{capability.StepCoder: rogue}, harnessOpts{})

	rep := h.wait(t, h.start(t, "anything"))

	assert.Equal(t, WorkflowFailed, rep.State)
	require.NotNil(t, rep.Failure)
	assert.Equal(t, CauseStateConflict, rep.Failure.Cause)
	assert.Empty(t, rep.Slots, "a rejected merge applies nothing")
}

func TestEngine_ExecutorPanicIsContained(t *testing.T) {
	coder := &stubExecutor{run: func(context.Context, StateView) (Update, error) {
		panic("boom")
	}}
	h := newHarness(t, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder),
		map[string]*stubExecutor{capability.StepCoder: coder}, harnessOpts{})

	rep := h.wait(t, h.start(t, "anything"))
	assert.Equal(t, WorkflowFailed, rep.State)
	assert.Contains(t, rep.Failure.Error, "executor panic")
}

func TestEngine_ParallelFanoutRunsConcurrently(t *testing.T) {
	reg := capability.NewRegistry()
	for _, name := range []string{"A", "B", "C"} {
		reg.MustRegister(capability.Capability{
			Name:    name,
			Outputs: []string{name + "_out"},
			Failure: capability.FailurePolicy{Strategy: capability.FailWorkflow},
		})
	}
	reg.MustRegister(capability.Capability{
		Name:     "Join",
		Requires: []string{"A_out", "B_out", "C_out"},
		Outputs:  []string{"joined"},
		Failure:  capability.FailurePolicy{Strategy: capability.FailWorkflow},
	})

	var running, peak atomic.Int32
	release := make(chan struct{})
	worker := func(slot string) StepExecutor {
		return ExecutorFunc(func(ctx context.Context, _ StateView) (Update, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			running.Add(-1)
			return Update{slot: true}, nil
		})
	}
	var joinView StateView
	h := newHarness(t, analyzeAs(supervisor.Moderate, supervisor.ParallelFanout, "A", "B", "C", "Join"), nil, harnessOpts{
		registry: reg,
		executors: map[string]StepExecutor{
			"A": worker("A_out"), "B": worker("B_out"), "C": worker("C_out"),
			"Join": ExecutorFunc(func(_ context.Context, view StateView) (Update, error) {
				joinView = view
				return Update{"joined": len(view.Slots())}, nil
			}),
		},
	})

	id := h.start(t, "fan out")
	require.Eventually(t, func() bool { return running.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	rep := h.wait(t, id)

	assert.Equal(t, WorkflowCompleted, rep.State)
	assert.Equal(t, int32(3), peak.Load())
	assert.Equal(t, []string{"A_out", "B_out", "C_out"}, joinView.Slots())
	join, _ := rep.Node("Join")
	assert.ElementsMatch(t, []string{"A", "B", "C"}, join.Predecessors)
}

func TestEngine_MaxParallelBoundsDispatch(t *testing.T) {
	reg := capability.NewRegistry()
	for _, name := range []string{"A", "B", "C"} {
		reg.MustRegister(capability.Capability{Name: name, Outputs: []string{name + "_out"}, Failure: capability.FailurePolicy{Strategy: capability.FailWorkflow}})
	}
	var running, peak atomic.Int32
	exec := func(slot string) StepExecutor {
		return ExecutorFunc(func(context.Context, StateView) (Update, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return Update{slot: 1}, nil
		})
	}
	opts := DefaultOptions()
	opts.MaxParallel = 1
	h := newHarness(t, analyzeAs(supervisor.Moderate, supervisor.ParallelFanout, "A", "B", "C"), nil, harnessOpts{
		registry:  reg,
		executors: map[string]StepExecutor{"A": exec("A_out"), "B": exec("B_out"), "C": exec("C_out")},
		engine:    []EngineOption{WithOptions(opts)},
	})

	rep := h.wait(t, h.start(t, "one at a time"))
	assert.Equal(t, WorkflowCompleted, rep.State)
	assert.Equal(t, int32(1), peak.Load())
}

func TestEngine_AbortRunning(t *testing.T) {
	h := newHarness(t, analyzeAs(supervisor.Moderate, supervisor.Linear, capability.StepCoder, capability.StepReviewer),
		map[string]*stubExecutor{capability.StepCoder: blocking()}, harnessOpts{})

	id := h.start(t, "long job")
	require.Eventually(t, func() bool { return h.executors[capability.StepCoder].calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Abort(context.Background(), id))
	rep := h.wait(t, id)

	assert.Equal(t, WorkflowAborted, rep.State)
	coder, _ := rep.Node(capability.StepCoder)
	assert.Equal(t, StatusFailed, coder.Status)
	assert.Equal(t, CauseAborted, coder.Cause)
	assert.Equal(t, StatusSkipped, nodeStatus(t, rep, capability.StepReviewer))

	cp, err := h.store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ReasonAbort, cp.Reason)
	assert.Equal(t, WorkflowAborted, cp.State)

	err = h.engine.Abort(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestEngine_UnknownWorkflow(t *testing.T) {
	h := newHarness(t, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder), nil, harnessOpts{})
	ctx := context.Background()

	_, err := h.engine.Status(ctx, "wf_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.engine.Resume(ctx, "wf_missing", Approve("")), ErrNotFound)
	assert.ErrorIs(t, h.engine.Abort(ctx, "wf_missing"), ErrNotFound)
	assert.ErrorIs(t, h.engine.Evict("wf_missing"), ErrNotFound)
}

func TestEngine_PriorSession(t *testing.T) {
	analyzer := analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder)
	opts := DefaultOptions()
	opts.ArchiveTerminal = true
	h := newHarness(t, analyzer, nil, harnessOpts{engine: []EngineOption{WithOptions(opts)}})
	ctx := context.Background()

	first := h.start(t, "first")
	h.wait(t, first)
	cp, err := h.store.Load(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, ReasonArchive, cp.Reason)

	second, err := h.engine.Start(ctx, supervisor.Request{Task: "follow up", PriorSessionID: first})
	require.NoError(t, err)
	h.wait(t, second)

	_, err = h.engine.Start(ctx, supervisor.Request{Task: "orphan", PriorSessionID: "wf_gone"})
	require.NoError(t, err, "unknown prior sessions are ignored")

	analyzer.mu.Lock()
	defer analyzer.mu.Unlock()
	require.Len(t, analyzer.priors, 3)
	assert.Nil(t, analyzer.priors[0])
	require.NotNil(t, analyzer.priors[1])
	assert.Equal(t, first, analyzer.priors[1].SessionID)
	assert.Equal(t, []string{capability.StepCoder}, analyzer.priors[1].CompletedSteps)
	assert.Nil(t, analyzer.priors[2])
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("taskflow", reg, zap.NewNop())
	h := newHarness(t, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder), nil,
		harnessOpts{engine: []EngineOption{WithEngineMetrics(collector)}})

	h.wait(t, h.start(t, "count me"))

	count, err := promtest.GatherAndCount(reg, "taskflow_workflows_finished_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = promtest.GatherAndCount(reg, "taskflow_node_executions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngine_WaitHonoursContext(t *testing.T) {
	h := newHarness(t, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder),
		map[string]*stubExecutor{capability.StepCoder: blocking()}, harnessOpts{})
	id := h.start(t, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.engine.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, h.engine.Abort(context.Background(), id))
	assert.Equal(t, WorkflowAborted, h.wait(t, id).State)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"abcdefghijk", 4, "abcd…"},
		{"héllo", 2, "h…"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.in, tt.max), func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, tt.max))
		})
	}
}

func tierAnalyzer(steps ...string) *supervisor.Analyzer {
	cfg := config.DefaultSupervisorConfig()
	cfg.UseModel = false
	for tier := range cfg.Tiers {
		tc := cfg.Tiers[tier]
		tc.Steps = steps
		cfg.Tiers[tier] = tc
	}
	cfg.StrategySteps = nil
	return supervisor.NewAnalyzer(nil, capability.DefaultRegistry(), cfg, nil)
}

func TestEngine_TierStepReadsInitialSlot(t *testing.T) {
	h := newHarness(t, tierAnalyzer(capability.StepReviewer), nil, harnessOpts{
		engine: []EngineOption{WithInitialState(map[string]any{capability.SlotCoderOutput: "existing diff"})},
	})

	rep := h.wait(t, h.start(t, "review the pending change"))
	require.Equal(t, WorkflowCompleted, rep.State)
	require.Len(t, rep.Nodes, 1)
	assert.Equal(t, capability.StepReviewer, rep.Nodes[0].ID)
	assert.Equal(t, int32(1), h.executors[capability.StepReviewer].calls.Load())
	assert.Zero(t, h.executors[capability.StepPlanner].calls.Load())
}

func TestEngine_MisorderedTierFailsToBuild(t *testing.T) {
	h := newHarness(t, tierAnalyzer(capability.StepReviewer, capability.StepCoder), nil, harnessOpts{})

	_, err := h.engine.Start(context.Background(), supervisor.Request{Task: "review then code"})
	require.ErrorIs(t, err, ErrUnsatisfiableDependency)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, capability.StepReviewer, be.Step)
	assert.Equal(t, capability.SlotCoderOutput, be.Slot)
	assert.Zero(t, h.executors[capability.StepCoder].calls.Load())
	assert.Zero(t, h.executors[capability.StepReviewer].calls.Load())
}
