package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func newTestCollector() *Collector {
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector()

	assert.NotNil(t, c.workflowsStarted)
	assert.NotNil(t, c.nodeExecutions)
	assert.NotNil(t, c.analyzerFallbacks)
	assert.NotNil(t, c.eventsDropped)
}

func TestCollector_WorkflowLifecycle(t *testing.T) {
	c := newTestCollector()

	c.RecordWorkflowStarted("complex", "linear")
	c.RecordWorkflowStarted("simple", "linear")
	assert.Equal(t, 2.0, testutil.ToFloat64(c.workflowsActive))

	c.RecordWorkflowFinished("completed", true, 3*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsFinished.WithLabelValues("completed", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsActive))

	c.RecordWorkflowEvicted()
	assert.Equal(t, 0.0, testutil.ToFloat64(c.workflowsActive))
	c.RecordWorkflowRestored()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workflowsActive))
}

func TestCollector_RecordNodeExecution(t *testing.T) {
	c := newTestCollector()

	c.RecordNodeExecution("Coder", "completed", 200*time.Millisecond)
	c.RecordNodeExecution("Coder", "failed", time.Second)
	c.RecordNodeRetry("Coder")
	c.RecordApprovalDecision("QualityGate", "approve")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeExecutions.WithLabelValues("Coder", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeExecutions.WithLabelValues("Coder", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.nodeRetries.WithLabelValues("Coder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.approvalDecisions.WithLabelValues("QualityGate", "approve")))
	assert.Greater(t, testutil.CollectAndCount(c.nodeDuration), 0)
}

func TestCollector_AnalyzerAndEvents(t *testing.T) {
	c := newTestCollector()

	c.RecordAnalysis("heuristic", "simple")
	c.RecordAnalyzerFallback("backend_unavailable")
	c.RecordEventsDropped(3)
	c.RecordEventsDropped(0)
	c.RecordCheckpoint("save", nil)
	c.RecordCheckpoint("save", errors.New("disk full"))
	c.RecordCircuitStateChange("analysis", "open")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.analyses.WithLabelValues("heuristic", "simple")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.analyzerFallbacks.WithLabelValues("backend_unavailable")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.eventsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointOps.WithLabelValues("save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointOps.WithLabelValues("save", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.circuitChanges.WithLabelValues("analysis", "open")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordWorkflowStarted("simple", "linear")
		c.RecordWorkflowFinished("failed", false, time.Second)
		c.RecordWorkflowEvicted()
		c.RecordWorkflowRestored()
		c.RecordNodeExecution("Coder", "completed", time.Second)
		c.RecordNodeRetry("Coder")
		c.RecordApprovalDecision("Coder", "reject")
		c.RecordAnalysis("model", "simple")
		c.RecordAnalyzerFallback("timeout")
		c.RecordEventsDropped(1)
		c.RecordCheckpoint("load", nil)
		c.RecordCircuitStateChange("code", "closed")
	})
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := newTestCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordNodeExecution("Reviewer", "completed", 10*time.Millisecond)
			c.RecordEventsDropped(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10.0, testutil.ToFloat64(c.nodeExecutions.WithLabelValues("Reviewer", "completed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.eventsDropped))
}
