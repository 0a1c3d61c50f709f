package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	g, err := NewBuilder(capability.DefaultRegistry()).Build(
		analysis(supervisor.Linear, capability.StepPlanner, capability.StepCoder))
	require.NoError(t, err)
	g.Nodes["Planner"].Status = StatusCompleted
	g.Nodes["Coder"].Status = StatusAwaitingApproval
	g.Nodes["Coder"].Pending = &PendingApproval{
		NodeID:       "Coder",
		Step:         capability.StepCoder,
		Mode:         capability.ApprovalBefore,
		EditableSlot: capability.SlotPlannerOutput,
		Since:        time.Unix(1700000000, 0).UTC(),
	}

	now := time.Unix(1700000000, 0).UTC()
	return &Checkpoint{
		Version:    CheckpointVersion,
		WorkflowID: "wf_1",
		State:      WorkflowAwaitingApproval,
		Reason:     ReasonSuspend,
		Request:    supervisor.Request{Task: "rename the package"},
		Analysis:   analysis(supervisor.Linear, capability.StepPlanner, capability.StepCoder),
		Graph:      g,
		Slots:      map[string]any{capability.SlotPlannerOutput: map[string]any{"destructive": true}},
		Versions:   map[string]int{capability.SlotPlannerOutput: 1},
		Writers:    g.Writers(),
		Written:    map[string]string{capability.SlotPlannerOutput: "Planner"},
		Seq:        9,
		CreatedAt:  now,
		SavedAt:    now,
	}
}

func TestMemoryCheckpointStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCheckpointStore()

	_, err := s.Load(ctx, "wf_1")
	assert.ErrorIs(t, err, ErrNotFound)

	cp := sampleCheckpoint(t)
	require.NoError(t, s.Save(ctx, "wf_1", cp))

	got, err := s.Load(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, cp.WorkflowID, got.WorkflowID)
	assert.Equal(t, WorkflowAwaitingApproval, got.State)
	assert.Equal(t, StatusAwaitingApproval, got.Graph.Nodes["Coder"].Status)

	got.Graph.Nodes["Coder"].Status = StatusFailed
	again, err := s.Load(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, again.Graph.Nodes["Coder"].Status, "loads never alias")

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf_1"}, ids)

	require.NoError(t, s.Delete(ctx, "wf_1"))
	require.NoError(t, s.Delete(ctx, "wf_1"))
	_, err = s.Load(ctx, "wf_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnmarshalCheckpoint(t *testing.T) {
	raw, err := MarshalCheckpoint(sampleCheckpoint(t))
	require.NoError(t, err)

	cp, err := UnmarshalCheckpoint(raw)
	require.NoError(t, err)
	require.NoError(t, cp.Graph.Validate())
	assert.NotNil(t, cp.Graph.condition("Coder"), "conditions recompile after decode")
	assert.Equal(t, uint64(9), cp.Seq)

	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"future version", func(m map[string]any) { m["version"] = CheckpointVersion + 1 }},
		{"no workflow id", func(m map[string]any) { m["workflow_id"] = "" }},
		{"no graph", func(m map[string]any) { delete(m, "graph") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m map[string]any
			require.NoError(t, json.Unmarshal(raw, &m))
			tt.mutate(m)
			bad, err := json.Marshal(m)
			require.NoError(t, err)
			_, err = UnmarshalCheckpoint(bad)
			assert.Error(t, err)
		})
	}

	_, err = UnmarshalCheckpoint([]byte("{not json"))
	assert.Error(t, err)
	_, err = MarshalCheckpoint(nil)
	assert.Error(t, err)
}

func TestEngine_RestoreRejectsUnknownStep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	require.NoError(t, store.Save(ctx, "wf_1", sampleCheckpoint(t)))

	reg := capability.NewRegistry()
	reg.MustRegister(capability.Capability{Name: capability.StepPlanner, Outputs: []string{capability.SlotPlannerOutput},
		Failure: capability.FailurePolicy{Strategy: capability.Skip}})
	e := NewEngine(reg, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepPlanner), store, nil, nil)
	defer e.Close(ctx)

	_, err := e.Status(ctx, "wf_1")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestEngine_StatusFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder), nil, harnessOpts{})
	require.NoError(t, h.store.Save(ctx, "wf_1", sampleCheckpoint(t)))

	rep, err := h.engine.Status(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, WorkflowAwaitingApproval, rep.State)
	require.Len(t, rep.PendingApprovals, 1)
	assert.Equal(t, "Coder", rep.PendingApprovals[0].NodeID)
	assert.Equal(t, []string{capability.SlotPlannerOutput}, rep.Slots)
	h.drain(t)
}
