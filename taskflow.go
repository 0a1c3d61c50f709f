// =============================================================================
// Package taskflow: 一站式装配
// =============================================================================
// 根据 config.Config 装配能力目录、请求分析器、步骤执行器、检查点存储、
// 指标与遥测，返回可直接使用的 Service。
//
// Usage:
//
//	cfg := config.DefaultConfig()
//	svc, err := taskflow.New(ctx, cfg, taskflow.WithBackend(myBackend))
//	id, err := svc.Engine.Start(ctx, supervisor.Request{Task: "fix typo in README"})
//	rep, err := svc.Engine.Wait(ctx, id)
//	defer svc.Close(ctx)
//
// =============================================================================
package taskflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/internal/telemetry"
	"github.com/BaSui01/taskflow/llm"
	"github.com/BaSui01/taskflow/persistence"
	"github.com/BaSui01/taskflow/steps"
	"github.com/BaSui01/taskflow/supervisor"
	"github.com/BaSui01/taskflow/workflow"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Version is the library version reported to telemetry.
const Version = "0.1.0"

// Option configures the Service created by New.
type Option func(*options)

type options struct {
	backend    llm.Backend
	logger     *zap.Logger
	workspace  steps.Workspace
	registerer prometheus.Registerer
	store      persistence.Store
	sinks      []workflow.EventSink
	engineOpts []workflow.EngineOption
	noSteps    bool
}

// WithBackend sets the model backend. Without one every step runs its
// heuristic fallback.
func WithBackend(b llm.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWorkspace sets the workspace plan sub-steps are applied to.
func WithWorkspace(ws steps.Workspace) Option {
	return func(o *options) { o.workspace = ws }
}

// WithMetricsRegisterer sets the Prometheus registerer. Defaults to
// prometheus.DefaultRegisterer when metrics are enabled.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithStore overrides the checkpoint store built from cfg.Checkpoint.
func WithStore(s persistence.Store) Option {
	return func(o *options) { o.store = s }
}

// WithEventSink adds a sink next to the log sink.
func WithEventSink(s workflow.EventSink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithEngineOptions passes extra options to the engine.
func WithEngineOptions(opts ...workflow.EngineOption) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithoutReferenceSteps leaves executor registration to the caller.
func WithoutReferenceSteps() Option {
	return func(o *options) { o.noSteps = true }
}

// Service bundles the engine with the resources it owns.
type Service struct {
	Engine   *workflow.Engine
	Registry *capability.Registry
	Store    persistence.Store
	Metrics  *metrics.Collector
	Events   *workflow.ChannelSink

	telemetry *telemetry.Providers
	logger    *zap.Logger
}

// New builds a Service from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry, err := loadRegistry(cfg.CapabilitiesPath)
	if err != nil {
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, o.registerer, logger)
	}

	providers, err := telemetry.Init(ctx, cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		providers = &telemetry.Providers{}
	}

	store := o.store
	if store == nil {
		store, err = persistence.NewCheckpointStore(cfg.Checkpoint, logger)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, err
		}
	}

	backend := NewBackend(o.backend, cfg.LLM, collector, logger)
	analyzer := supervisor.NewAnalyzer(backend, registry, cfg.Supervisor, logger,
		supervisor.WithMetrics(collector),
		supervisor.WithTracer(providers.Tracer()),
	)

	events := workflow.NewChannelSink()
	sinks := append(workflow.MultiSink{workflow.NewLogSink(logger), events}, o.sinks...)

	engineOpts := append([]workflow.EngineOption{
		workflow.WithOptions(workflow.OptionsFromConfig(cfg.Engine)),
		workflow.WithEngineMetrics(collector),
		workflow.WithEngineTracer(providers.Tracer()),
	}, o.engineOpts...)
	engine := workflow.NewEngine(registry, analyzer, store, sinks, logger, engineOpts...)

	if !o.noSteps {
		if err := steps.Register(engine, registry, backend, o.workspace, logger); err != nil {
			_ = store.Close()
			_ = providers.Shutdown(ctx)
			return nil, err
		}
	}

	logger.Info("taskflow service ready",
		zap.String("checkpoint_store", cfg.Checkpoint.Type),
		zap.Strings("steps", registry.Names()),
		zap.Bool("model_backend", o.backend != nil),
	)

	return &Service{
		Engine:    engine,
		Registry:  registry,
		Store:     store,
		Metrics:   collector,
		Events:    events,
		telemetry: providers,
		logger:    logger,
	}, nil
}

// Close drains the engine, then releases the store and telemetry.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.Engine.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// NewBackend decorates b with the timeout, rate limit and circuit breaker
// from cfg. A nil b becomes llm.Offline().
func NewBackend(b llm.Backend, cfg config.LLMConfig, collector *metrics.Collector, logger *zap.Logger) llm.Backend {
	if b == nil {
		return llm.Offline()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var mws []llm.Middleware
	if cfg.CircuitBreaker.Enabled {
		cb := llm.CircuitBreakerConfig{
			FailureThreshold:           cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:            cfg.CircuitBreaker.RecoveryTimeout,
			HalfOpenMaxProbes:          cfg.CircuitBreaker.HalfOpenMaxProbes,
			SuccessThresholdInHalfOpen: cfg.CircuitBreaker.SuccessThreshold,
		}
		mws = append(mws, llm.WithCircuitBreaker(cb, func(ev llm.CircuitBreakerEvent) {
			collector.RecordCircuitStateChange(ev.TaskType, ev.NewState.String())
		}, logger))
	}
	mws = append(mws, llm.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	if cfg.Timeout > 0 {
		mws = append(mws, llm.WithTimeout(cfg.Timeout))
	}
	return llm.Chain(b, mws...)
}

func loadRegistry(path string) (*capability.Registry, error) {
	if path == "" {
		return capability.DefaultRegistry(), nil
	}
	registry, err := capability.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	return registry, nil
}
