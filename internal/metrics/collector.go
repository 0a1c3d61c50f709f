// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil *Collector 的所有方法都是空操作。
type Collector struct {
	// 工作流指标
	workflowsStarted  *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	workflowsActive   prometheus.Gauge

	// 节点指标
	nodeExecutions    *prometheus.CounterVec
	nodeDuration      *prometheus.HistogramVec
	nodeRetries       *prometheus.CounterVec
	approvalDecisions *prometheus.CounterVec

	// 分析器指标
	analyses          *prometheus.CounterVec
	analyzerFallbacks *prometheus.CounterVec

	// 事件与检查点指标
	eventsDropped  prometheus.Counter
	checkpointOps  *prometheus.CounterVec
	circuitChanges *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，注册到 reg（nil 时使用默认注册表）
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.workflowsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of workflows started",
		},
		[]string{"complexity", "strategy"},
	)

	c.workflowsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Total number of workflows that reached a terminal state",
		},
		[]string{"state", "partial"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Wall time from start to terminal state, including suspensions",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		},
		[]string{"state"},
	)

	c.workflowsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_active",
			Help:      "Workflows currently held in memory",
		},
	)

	c.nodeExecutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of step executor invocations",
		},
		[]string{"step", "status"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_duration_seconds",
			Help:      "Step executor invocation duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"step"},
	)

	c.nodeRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_retries_total",
			Help:      "Total number of node retries",
		},
		[]string{"step"},
	)

	c.approvalDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_decisions_total",
			Help:      "Total number of resume decisions applied",
		},
		[]string{"step", "decision"},
	)

	c.analyses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_analyses_total",
			Help:      "Total number of request analyses",
		},
		[]string{"source", "complexity"},
	)

	c.analyzerFallbacks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_fallbacks_total",
			Help:      "Total number of heuristic fallbacks",
		},
		[]string{"reason"},
	)

	c.eventsDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because the sink buffer overflowed",
		},
	)

	c.checkpointOps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_operations_total",
			Help:      "Checkpoint store operations",
		},
		[]string{"op", "status"},
	)

	c.circuitChanges = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_circuit_state_changes_total",
			Help:      "Model backend circuit breaker state changes",
		},
		[]string{"task_type", "state"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 📝 记录方法
// =============================================================================

// RecordWorkflowStarted 记录工作流启动
func (c *Collector) RecordWorkflowStarted(complexity, strategy string) {
	if c == nil {
		return
	}
	c.workflowsStarted.WithLabelValues(complexity, strategy).Inc()
	c.workflowsActive.Inc()
}

// RecordWorkflowFinished 记录工作流进入终态
func (c *Collector) RecordWorkflowFinished(state string, partial bool, duration time.Duration) {
	if c == nil {
		return
	}
	p := "false"
	if partial {
		p = "true"
	}
	c.workflowsFinished.WithLabelValues(state, p).Inc()
	c.workflowDuration.WithLabelValues(state).Observe(duration.Seconds())
	c.workflowsActive.Dec()
}

// RecordWorkflowEvicted 记录挂起的工作流从内存中移除
func (c *Collector) RecordWorkflowEvicted() {
	if c == nil {
		return
	}
	c.workflowsActive.Dec()
}

// RecordWorkflowRestored 记录从检查点恢复的工作流
func (c *Collector) RecordWorkflowRestored() {
	if c == nil {
		return
	}
	c.workflowsActive.Inc()
}

// RecordNodeExecution 记录一次节点执行
func (c *Collector) RecordNodeExecution(step, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeExecutions.WithLabelValues(step, status).Inc()
	c.nodeDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordNodeRetry 记录节点重试
func (c *Collector) RecordNodeRetry(step string) {
	if c == nil {
		return
	}
	c.nodeRetries.WithLabelValues(step).Inc()
}

// RecordApprovalDecision 记录审批决定
func (c *Collector) RecordApprovalDecision(step, decision string) {
	if c == nil {
		return
	}
	c.approvalDecisions.WithLabelValues(step, decision).Inc()
}

// RecordAnalysis 记录一次请求分析
func (c *Collector) RecordAnalysis(source, complexity string) {
	if c == nil {
		return
	}
	c.analyses.WithLabelValues(source, complexity).Inc()
}

// RecordAnalyzerFallback 记录启发式降级
func (c *Collector) RecordAnalyzerFallback(reason string) {
	if c == nil {
		return
	}
	c.analyzerFallbacks.WithLabelValues(reason).Inc()
}

// RecordEventsDropped 记录被丢弃的事件
func (c *Collector) RecordEventsDropped(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.eventsDropped.Add(float64(n))
}

// RecordCheckpoint 记录检查点操作
func (c *Collector) RecordCheckpoint(op string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.checkpointOps.WithLabelValues(op, status).Inc()
}

// RecordCircuitStateChange 记录熔断器状态变化
func (c *Collector) RecordCircuitStateChange(taskType, state string) {
	if c == nil {
		return
	}
	c.circuitChanges.WithLabelValues(taskType, state).Inc()
}
