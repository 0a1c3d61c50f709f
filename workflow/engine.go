package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/supervisor"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidRequest is returned by Start for an empty task.
var ErrInvalidRequest = errors.New("invalid request")

// WorkflowState is the state of a whole workflow.
type WorkflowState string

const (
	WorkflowRunning          WorkflowState = "running"
	WorkflowAwaitingApproval WorkflowState = "awaiting_approval"
	WorkflowCompleted        WorkflowState = "completed"
	WorkflowFailed           WorkflowState = "failed"
	WorkflowAborted          WorkflowState = "aborted"
)

// Terminal reports whether the workflow will never run again.
func (s WorkflowState) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowAborted
}

// Failure identifies the node that failed a workflow.
type Failure struct {
	NodeID string `json:"node_id"`
	Step   string `json:"step"`
	Error  string `json:"error"`
	Cause  Cause  `json:"cause"`
}

// Analyzer produces the analysis a graph is built from.
type Analyzer interface {
	Analyze(ctx context.Context, req supervisor.Request, prior *supervisor.PriorContext) supervisor.Analysis
}

// Options are the engine's tunables.
type Options struct {
	// MaxParallel bounds concurrently executing nodes across all workflows.
	MaxParallel int
	// DefaultNodeTimeout applies to steps that declare no timeout.
	DefaultNodeTimeout time.Duration
	// EventBuffer bounds the local event queue.
	EventBuffer int
	// ExcerptBytes bounds payload excerpts in events and history.
	ExcerptBytes int
	// ArchiveTerminal keeps checkpoints of completed and failed workflows.
	ArchiveTerminal bool
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultEngineConfig())
}

// OptionsFromConfig maps the engine configuration section.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		MaxParallel:        cfg.MaxParallel,
		DefaultNodeTimeout: cfg.DefaultNodeTimeout,
		EventBuffer:        cfg.EventBuffer,
		ExcerptBytes:       cfg.ExcerptBytes,
		ArchiveTerminal:    cfg.ArchiveTerminal,
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithOptions sets the engine tunables.
func WithOptions(o Options) EngineOption {
	return func(e *Engine) { e.opts = o }
}

// WithEngineMetrics records workflow, node and event metrics.
func WithEngineMetrics(c *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = c }
}

// WithEngineTracer overrides the tracer.
func WithEngineTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithIDGenerator overrides workflow id generation.
func WithIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) { e.newID = gen }
}

// WithBuilderOptions passes options to the graph builder.
func WithBuilderOptions(opts ...BuilderOption) EngineOption {
	return func(e *Engine) { e.builderOpts = append(e.builderOpts, opts...) }
}

// WithInitialState seeds every workflow with slots, for example a
// repository snapshot. Required inputs on them need no producer.
func WithInitialState(slots map[string]any) EngineOption {
	return func(e *Engine) {
		e.initial = slots
		e.builderOpts = append(e.builderOpts, WithInitialSlots(sortedKeys(slots)...))
	}
}

// Engine drives workflows from analysis to a terminal state. It is safe for
// concurrent use.
type Engine struct {
	registry    *capability.Registry
	analyzer    Analyzer
	builder     *Builder
	builderOpts []BuilderOption
	initial     map[string]any
	store       CheckpointStore
	sink        *BufferedSink
	opts        Options
	metrics     *metrics.Collector
	tracer      trace.Tracer
	logger      *zap.Logger
	newID       func() string
	now         func() time.Time

	sem   *semaphore.Weighted
	loads singleflight.Group
	wg    sync.WaitGroup

	mu        sync.RWMutex
	executors map[string]StepExecutor
	runs      map[string]*run
}

// NewEngine creates an engine. store defaults to a MemoryCheckpointStore and
// sink may be nil.
func NewEngine(registry *capability.Registry, analyzer Analyzer, store CheckpointStore, sink EventSink, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryCheckpointStore()
	}
	e := &Engine{
		registry:  registry,
		analyzer:  analyzer,
		store:     store,
		opts:      DefaultOptions(),
		tracer:    otel.Tracer("github.com/BaSui01/taskflow/workflow"),
		logger:    logger.With(zap.String("component", "workflow_engine")),
		newID:     func() string { return "wf_" + uuid.NewString() },
		now:       time.Now,
		executors: make(map[string]StepExecutor),
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.opts.MaxParallel <= 0 {
		e.opts.MaxParallel = 1
	}
	e.sem = semaphore.NewWeighted(int64(e.opts.MaxParallel))
	e.builder = NewBuilder(registry, append([]BuilderOption{WithBuilderLogger(logger)}, e.builderOpts...)...)
	e.sink = NewBufferedSink(sink, e.opts.EventBuffer, e.metrics.RecordEventsDropped, logger)
	return e
}

// RegisterExecutor binds an executor to a registered step kind.
func (e *Engine) RegisterExecutor(step string, exec StepExecutor) error {
	c, err := e.registry.Get(step)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownStep, step)
	}
	if exec == nil {
		return fmt.Errorf("executor for %s is nil", step)
	}
	if c.SupportsFallback {
		if _, ok := exec.(FallbackExecutor); !ok {
			return fmt.Errorf("capability %s declares supports_fallback but its executor has no Fallback", step)
		}
	}

	e.mu.Lock()
	e.executors[step] = exec
	e.mu.Unlock()
	return nil
}

func (e *Engine) executor(step string) (StepExecutor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executors[step]
	return exec, ok
}

// Start analyzes req, builds its graph and launches execution. It returns
// once the workflow is registered; execution continues asynchronously.
// Builder errors leave no workflow behind.
func (e *Engine) Start(ctx context.Context, req supervisor.Request) (string, error) {
	if strings.TrimSpace(req.Task) == "" {
		return "", fmt.Errorf("%w: task is empty", ErrInvalidRequest)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.start")
	defer span.End()

	prior := e.priorContext(ctx, req.PriorSessionID)
	analysis := e.analyzer.Analyze(ctx, req, prior)

	graph, err := e.builder.Build(analysis)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	for _, id := range graph.Order {
		if _, ok := e.executor(graph.Nodes[id].Step); !ok {
			return "", &BuildError{Step: graph.Nodes[id].Step, Err: fmt.Errorf("%w: no executor registered", ErrUnknownStep)}
		}
	}

	state, err := NewSharedState(req, analysis, graph.Writers(), e.initial)
	if err != nil {
		return "", err
	}

	id := e.newID()
	now := e.now()
	r := &run{
		id:        id,
		graph:     graph,
		state:     state,
		history:   NewHistory(nil),
		createdAt: now,
		updatedAt: now,
		inflight:  make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
	span.SetAttributes(
		attribute.String("workflow.id", id),
		attribute.String("analysis.complexity", string(analysis.Complexity)),
		attribute.StringSlice("analysis.steps", analysis.Steps))

	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()
	e.metrics.RecordWorkflowStarted(string(analysis.Complexity), string(analysis.Strategy))

	e.logger.Info("workflow started",
		zap.String("workflow_id", id),
		zap.Strings("order", graph.Order),
		zap.String("strategy", string(graph.Strategy)))

	r.mu.Lock()
	e.setState(r, WorkflowRunning)
	e.activate(r)
	r.mu.Unlock()
	return id, nil
}

// Status returns a snapshot of the workflow.
func (e *Engine) Status(ctx context.Context, id string) (*StatusReport, error) {
	r, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report(), nil
}

// Wait blocks until the workflow is suspended or terminal, then returns its
// status.
func (e *Engine) Wait(ctx context.Context, id string) (*StatusReport, error) {
	r, err := e.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	for {
		r.mu.Lock()
		if !r.active {
			rep := r.report()
			r.mu.Unlock()
			return rep, nil
		}
		done := r.done
		r.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Abort stops a workflow at the next safe point. Running executors see their
// context cancelled; a suspended workflow is aborted immediately. The final
// state is checkpointed for audit.
func (e *Engine) Abort(ctx context.Context, id string) error {
	r, err := e.lookup(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, r.status)
	}
	e.logger.Info("abort requested", zap.String("workflow_id", id), zap.Bool("active", r.active))
	if r.active {
		r.abortRequested = true
		r.cancel()
		r.signal()
		return nil
	}
	e.finishAbort(ctx, r)
	return nil
}

// Evict drops a suspended or terminal workflow from memory. It is reloaded
// from its checkpoint on the next call that names it.
func (e *Engine) Evict(id string) error {
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: workflow %s", ErrNotFound, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("workflow %s is running", id)
	}
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
	if !r.status.Terminal() {
		e.metrics.RecordWorkflowEvicted()
	}
	return nil
}

// Close waits for running workflows to suspend or finish, then flushes
// pending events.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.sink.Close(ctx)
}

// lookup finds a run in memory or restores it from the checkpoint store.
// Concurrent restores of the same id share one load.
func (e *Engine) lookup(ctx context.Context, id string) (*run, error) {
	e.mu.RLock()
	r, ok := e.runs[id]
	e.mu.RUnlock()
	if ok {
		return r, nil
	}

	v, err, _ := e.loads.Do(id, func() (any, error) {
		e.mu.RLock()
		r, ok := e.runs[id]
		e.mu.RUnlock()
		if ok {
			return r, nil
		}

		cp, err := e.store.Load(ctx, id)
		e.metrics.RecordCheckpoint("load", err)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
			}
			return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
		}
		r, err = e.restore(cp)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.runs[id] = r
		e.mu.Unlock()
		if !r.status.Terminal() {
			e.metrics.RecordWorkflowRestored()
		}
		e.logger.Info("workflow restored from checkpoint",
			zap.String("workflow_id", id),
			zap.String("state", string(r.status)),
			zap.String("reason", string(cp.Reason)))
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*run), nil
}

// restore rebuilds a run from a checkpoint. The graph is re-validated and
// every step must still be registered.
func (e *Engine) restore(cp *Checkpoint) (*run, error) {
	if err := cp.Graph.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", cp.WorkflowID, err)
	}
	for _, id := range cp.Graph.Order {
		step := cp.Graph.Nodes[id].Step
		if !e.registry.Has(step) {
			return nil, fmt.Errorf("checkpoint %s: %w: %s", cp.WorkflowID, ErrUnknownStep, step)
		}
	}

	return &run{
		id:        cp.WorkflowID,
		graph:     cp.Graph,
		state:     restoreSharedState(cp.Request, cp.Analysis, cp.stateSnapshot()),
		history:   NewHistory(cp.Outcomes),
		status:    cp.State,
		failure:   cp.Failure,
		partial:   cp.Partial,
		seq:       cp.Seq,
		createdAt: cp.CreatedAt,
		updatedAt: cp.SavedAt,
		inflight:  make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}, nil
}

// priorContext summarises a referenced earlier session, from memory or its
// archived checkpoint. Unknown sessions are ignored.
func (e *Engine) priorContext(ctx context.Context, sessionID string) *supervisor.PriorContext {
	if sessionID == "" {
		return nil
	}
	r, err := e.lookup(ctx, sessionID)
	if err != nil {
		e.logger.Warn("prior session not available", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	analysis := r.state.Analysis()
	prior := &supervisor.PriorContext{SessionID: sessionID, Analysis: &analysis}
	for _, id := range r.graph.Order {
		if r.graph.Nodes[id].Status == StatusCompleted {
			prior.CompletedSteps = append(prior.CompletedSteps, r.graph.Nodes[id].Step)
		}
	}
	prior.Summary = fmt.Sprintf("%s after %s", r.status, strings.Join(prior.CompletedSteps, ", "))
	return prior
}

// saveCheckpoint writes the current run state. Caller holds r.mu.
func (e *Engine) saveCheckpoint(ctx context.Context, r *run, reason CheckpointReason) error {
	cp := r.checkpoint(reason, e.now())
	err := e.store.Save(ctx, r.id, cp)
	e.metrics.RecordCheckpoint("save", err)
	if err != nil {
		e.logger.Error("checkpoint save failed",
			zap.String("workflow_id", r.id),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return err
	}
	e.logger.Debug("checkpoint saved",
		zap.String("workflow_id", r.id),
		zap.String("reason", string(reason)),
		zap.Uint64("seq", r.seq))
	return nil
}

func (e *Engine) deleteCheckpoint(ctx context.Context, r *run) {
	err := e.store.Delete(ctx, r.id)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	e.metrics.RecordCheckpoint("delete", err)
	if err != nil {
		e.logger.Warn("checkpoint delete failed", zap.String("workflow_id", r.id), zap.Error(err))
	}
}

// excerpt renders a payload for events and history, truncated to the
// configured size on a rune boundary.
func (e *Engine) excerpt(v any) string {
	if v == nil {
		return ""
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	default:
		nv, err := normalize(v)
		if err != nil {
			return ""
		}
		s = compactJSON(nv)
	}
	return truncate(s, e.opts.ExcerptBytes)
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
