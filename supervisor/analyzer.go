package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/taskflow/capability"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/llm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Fallback reasons.
const (
	ReasonModelDisabled      = "model_disabled"
	ReasonBackendUnavailable = "backend_unavailable"
	ReasonTimeout            = "timeout"
	ReasonBackendError       = "backend_error"
	ReasonMalformedResponse  = "malformed_response"
)

// Analyzer turns a request into an Analysis. The model backend is a pluggable
// strategy; the rule-based classifier always produces a usable result.
type Analyzer struct {
	backend   llm.Backend
	registry  *capability.Registry
	cfg       config.SupervisorConfig
	heuristic *Heuristic
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMetrics records analysis outcomes.
func WithMetrics(c *metrics.Collector) Option {
	return func(a *Analyzer) { a.metrics = c }
}

// WithTracer overrides the tracer (the global one is used by default).
func WithTracer(t trace.Tracer) Option {
	return func(a *Analyzer) { a.tracer = t }
}

// NewAnalyzer creates an analyzer. backend may be nil, which disables the
// model strategy.
func NewAnalyzer(backend llm.Backend, registry *capability.Registry, cfg config.SupervisorConfig, logger *zap.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = capability.DefaultRegistry()
	}
	a := &Analyzer{
		backend:   backend,
		registry:  registry,
		cfg:       cfg,
		heuristic: NewHeuristic(cfg),
		tracer:    otel.Tracer("github.com/BaSui01/taskflow/supervisor"),
		logger:    logger.With(zap.String("component", "supervisor")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// modelAnswer is the JSON object the backend is asked to return.
type modelAnswer struct {
	Complexity Complexity `json:"complexity"`
	Strategy   Strategy   `json:"strategy"`
	Rationale  string     `json:"rationale"`
}

// Analyze classifies req. It never fails: backend errors and unusable answers
// fall back to the heuristic classifier.
func (a *Analyzer) Analyze(ctx context.Context, req Request, prior *PriorContext) Analysis {
	ctx, span := a.tracer.Start(ctx, "supervisor.analyze",
		trace.WithAttributes(attribute.Int("request.length", len(req.Task))))
	defer span.End()

	var (
		analysis Analysis
		reason   string
	)

	if !a.cfg.UseModel || a.backend == nil {
		reason = ReasonModelDisabled
	} else {
		var err error
		analysis, reason, err = a.analyzeWithModel(ctx, req, prior)
		if err != nil {
			span.RecordError(err)
			a.logger.Warn("model analysis failed, using heuristic classifier",
				zap.String("reason", reason),
				zap.Error(err))
		}
	}

	if reason != "" {
		analysis = a.heuristic.Classify(req, prior)
		analysis.FallbackReason = reason
		a.metrics.RecordAnalyzerFallback(reason)
		if reason != ReasonModelDisabled {
			span.SetStatus(codes.Error, reason)
		}
	}

	analysis.Steps, analysis.Extras = a.resolveSteps(analysis.Complexity, analysis.Strategy)

	span.SetAttributes(
		attribute.String("analysis.complexity", string(analysis.Complexity)),
		attribute.String("analysis.strategy", string(analysis.Strategy)),
		attribute.String("analysis.source", string(analysis.Source)),
		attribute.StringSlice("analysis.steps", analysis.Steps),
		attribute.StringSlice("analysis.extras", analysis.Extras),
	)
	a.metrics.RecordAnalysis(string(analysis.Source), string(analysis.Complexity))
	a.logger.Info("request analyzed",
		zap.String("complexity", string(analysis.Complexity)),
		zap.String("strategy", string(analysis.Strategy)),
		zap.Strings("steps", analysis.Steps),
		zap.Strings("extras", analysis.Extras),
		zap.String("source", string(analysis.Source)))

	return analysis
}

func (a *Analyzer) analyzeWithModel(ctx context.Context, req Request, prior *PriorContext) (Analysis, string, error) {
	if a.cfg.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.AnalysisTimeout)
		defer cancel()
	}

	text, err := a.backend.Infer(ctx, a.prompt(req, prior), llm.TaskAnalysis)
	if err != nil {
		switch {
		case errors.Is(err, llm.ErrBackendUnavailable):
			return Analysis{}, ReasonBackendUnavailable, err
		case errors.Is(err, context.DeadlineExceeded):
			return Analysis{}, ReasonTimeout, err
		default:
			return Analysis{}, ReasonBackendError, err
		}
	}

	ans, err := parseModelAnswer(text)
	if err != nil {
		return Analysis{}, ReasonMalformedResponse, err
	}
	if prior != nil && prior.Analysis != nil {
		ans.Complexity = ans.Complexity.AtLeast(floorFor(prior.Analysis.Complexity))
	}

	return Analysis{
		Complexity: ans.Complexity,
		Strategy:   ans.Strategy,
		Rationale:  strings.TrimSpace(ans.Rationale),
		Source:     SourceModel,
	}, "", nil
}

func (a *Analyzer) prompt(req Request, prior *PriorContext) string {
	var sb strings.Builder
	sb.WriteString("Classify the software task below.\n")
	sb.WriteString("Respond with a single JSON object: ")
	sb.WriteString(`{"complexity": "simple|moderate|complex", "strategy": "linear|parallel-fanout|iterative", "rationale": "..."}`)
	sb.WriteString("\nAvailable steps: ")
	sb.WriteString(strings.Join(a.registry.Names(), ", "))
	if prior != nil {
		sb.WriteString("\nThis is a follow-up to session ")
		sb.WriteString(prior.SessionID)
		if prior.Analysis != nil {
			fmt.Fprintf(&sb, " (previously %s/%s)", prior.Analysis.Complexity, prior.Analysis.Strategy)
		}
		if prior.Summary != "" {
			sb.WriteString(": ")
			sb.WriteString(prior.Summary)
		}
	}
	sb.WriteString("\n\nTask:\n")
	sb.WriteString(req.Task)
	return sb.String()
}

// parseModelAnswer extracts the first JSON object from text.
func parseModelAnswer(text string) (modelAnswer, error) {
	var ans modelAnswer
	if err := llm.DecodeJSON(text, &ans); err != nil {
		return modelAnswer{}, err
	}
	ans.Complexity = Complexity(strings.ToLower(strings.TrimSpace(string(ans.Complexity))))
	ans.Strategy = Strategy(strings.ToLower(strings.TrimSpace(string(ans.Strategy))))
	if ans.Strategy == "" {
		ans.Strategy = Linear
	}
	if !ans.Complexity.Valid() {
		return modelAnswer{}, fmt.Errorf("unknown complexity %q", ans.Complexity)
	}
	if !ans.Strategy.Valid() {
		return modelAnswer{}, fmt.Errorf("unknown strategy %q", ans.Strategy)
	}
	return ans, nil
}

// resolveSteps maps tier and strategy to registered steps. Unknown names and
// repeats are dropped; an empty tier reverts to the default tier mapping.
// Dependencies are checked by the graph builder, which also decides whether
// the strategy extras fit.
func (a *Analyzer) resolveSteps(tier Complexity, s Strategy) (steps, extras []string) {
	seen := make(map[string]bool)
	known := func(names []string) []string {
		var out []string
		for _, name := range names {
			if seen[name] {
				continue
			}
			if !a.registry.Has(name) {
				a.logger.Warn("dropping unknown step from analysis", zap.String("step", name))
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
		return out
	}

	steps = known(a.cfg.Tiers[string(tier)].Steps)
	if len(steps) == 0 {
		a.logger.Warn("tier resolved to no steps, using default mapping", zap.String("tier", string(tier)))
		steps = known(config.DefaultSupervisorConfig().Tiers[string(tier)].Steps)
	}
	extras = known(a.cfg.StrategySteps[string(s)])
	return steps, extras
}

// floorFor lets follow-ups of complex sessions stay at least moderate.
func floorFor(prior Complexity) Complexity {
	if prior == Complex {
		return Moderate
	}
	return Simple
}
