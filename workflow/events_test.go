package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/supervisor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBufferedSink_DeliversInOrder(t *testing.T) {
	rec := &recordingSink{}
	b := NewBufferedSink(rec, 16, nil, nil)
	for i := 1; i <= 10; i++ {
		b.Emit("wf", Event{Seq: uint64(i)})
	}
	require.NoError(t, b.Close(context.Background()))

	events := rec.Events()
	require.Len(t, events, 10)
	assertSequenced(t, events)
	assert.Zero(t, b.Dropped())
}

func TestBufferedSink_DropsOldestWhenFull(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rec := &recordingSink{}
	var first atomic.Bool
	slow := SinkFunc(func(id string, ev Event) {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		rec.Emit(id, ev)
	})

	var dropped atomic.Int64
	b := NewBufferedSink(slow, 3, func(n int) { dropped.Add(int64(n)) }, nil)

	start := time.Now()
	b.Emit("wf", Event{Seq: 1})
	<-entered
	for i := 2; i <= 10; i++ {
		b.Emit("wf", Event{Seq: uint64(i)})
	}
	assert.Less(t, time.Since(start), time.Second, "Emit never blocks on a slow sink")

	close(release)
	require.NoError(t, b.Close(context.Background()))

	var seqs []uint64
	for _, ev := range rec.Events() {
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 8, 9, 10}, seqs)
	assert.Equal(t, uint64(6), b.Dropped())
	assert.Equal(t, int64(6), dropped.Load())
}

func TestBufferedSink_SurvivesPanickingSink(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	rec := &recordingSink{}
	sink := SinkFunc(func(id string, ev Event) {
		if ev.Seq == 1 {
			panic("sink bug")
		}
		rec.Emit(id, ev)
	})
	b := NewBufferedSink(MultiSink{sink}, 8, nil, zap.New(core))
	b.Emit("wf", Event{Seq: 1})
	b.Emit("wf", Event{Seq: 2})
	require.NoError(t, b.Close(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("event sink panicked").Len())
	require.Len(t, rec.Events(), 1)
	assert.Equal(t, uint64(2), rec.Events()[0].Seq)
}

func TestBufferedSink_EmitAfterClose(t *testing.T) {
	rec := &recordingSink{}
	b := NewBufferedSink(rec, 8, nil, nil)
	require.NoError(t, b.Close(context.Background()))
	b.Emit("wf", Event{Seq: 1})
	require.NoError(t, b.Close(context.Background()))
	assert.Empty(t, rec.Events())
}

func TestChannelSink(t *testing.T) {
	s := NewChannelSink()
	ch, cancel := s.Subscribe("wf_1", 2)
	other, cancelOther := s.Subscribe("wf_2", 2)
	defer cancelOther()

	s.Emit("wf_1", Event{Seq: 1})
	s.Emit("wf_1", Event{Seq: 2})
	s.Emit("wf_1", Event{Seq: 3}) // subscriber is full, dropped

	assert.Equal(t, uint64(1), (<-ch).Seq)
	assert.Equal(t, uint64(2), (<-ch).Seq)
	select {
	case ev := <-other:
		t.Fatalf("unexpected event for wf_2: %+v", ev)
	default:
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	s.Emit("wf_1", Event{Seq: 4})
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := NewLogSink(zap.New(core))
	s.Emit("wf", Event{Seq: 7, NodeID: "Coder", From: "ready", To: "running"})

	entries := logs.FilterMessage("transition").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "wf", fields["workflow_id"])
	assert.Equal(t, "Coder", fields["node_id"])
	assert.Equal(t, "events", fields["component"])
}

func TestEngine_ChannelSubscription(t *testing.T) {
	sink := NewChannelSink()
	e := NewEngine(capability.DefaultRegistry(), analyzeAs(supervisor.Simple, supervisor.Linear, capability.StepCoder),
		nil, sink, nil, WithIDGenerator(func() string { return "wf_fixed" }))
	require.NoError(t, e.RegisterExecutor(capability.StepCoder, output(capability.SlotCoderOutput, "diff")))

	ch, cancel := sink.Subscribe("wf_fixed", 64)
	defer cancel()

	id, err := e.Start(context.Background(), supervisor.Request{Task: "subscribe"})
	require.NoError(t, err)
	assert.Equal(t, "wf_fixed", id)

	var last Event
	var seq uint64
	timeout := time.After(5 * time.Second)
	for !last.IsWorkflowEvent() || last.To != string(WorkflowCompleted) {
		select {
		case last = <-ch:
			seq++
			assert.Equal(t, seq, last.Seq)
		case <-timeout:
			t.Fatal("workflow never completed")
		}
	}
	require.NoError(t, e.Close(context.Background()))
}
