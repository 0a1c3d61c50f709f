package supervisor

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/BaSui01/taskflow/config"
)

// Heuristic is the rule-based classifier. It is deterministic: the same
// request and prior context always produce the same analysis.
type Heuristic struct {
	tierKeywords     map[Complexity][]string
	strategyKeywords map[Strategy][]string
	complexWords     int
}

// NewHeuristic builds a classifier from the supervisor configuration.
func NewHeuristic(cfg config.SupervisorConfig) *Heuristic {
	h := &Heuristic{
		tierKeywords:     make(map[Complexity][]string),
		strategyKeywords: make(map[Strategy][]string),
		complexWords:     cfg.ComplexWordThreshold,
	}
	for tier, tc := range cfg.Tiers {
		h.tierKeywords[Complexity(tier)] = lowerAll(tc.Keywords)
	}
	for strategy, kws := range cfg.StrategyKeywords {
		h.strategyKeywords[Strategy(strategy)] = lowerAll(kws)
	}
	return h
}

// Classify returns an analysis without steps; the analyzer resolves steps from
// the tier mapping.
func (h *Heuristic) Classify(req Request, prior *PriorContext) Analysis {
	text := strings.ToLower(req.Task)
	words := len(strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	}))

	complexity, hits := h.classifyTier(text)
	var why []string
	switch {
	case len(hits) > 0:
		why = append(why, fmt.Sprintf("matched %s keywords %v", complexity, hits))
	case words >= 12:
		complexity = Moderate
		why = append(why, fmt.Sprintf("%d words without tier keywords", words))
	default:
		complexity = Simple
		why = append(why, fmt.Sprintf("%d words without tier keywords", words))
	}

	if h.complexWords > 0 && words > h.complexWords && complexity != Complex {
		complexity = Complex
		why = append(why, fmt.Sprintf("request exceeds %d words", h.complexWords))
	}

	// A follow-up without its own tier keywords inherits the prior tier.
	if prior != nil && prior.Analysis != nil && len(hits) == 0 {
		if c := complexity.AtLeast(prior.Analysis.Complexity); c != complexity {
			complexity = c
			why = append(why, fmt.Sprintf("follow-up of %s session %s", prior.Analysis.Complexity, prior.SessionID))
		}
	}

	strategy := h.classifyStrategy(text)
	if strategy != Linear {
		why = append(why, fmt.Sprintf("strategy %s", strategy))
	}

	return Analysis{
		Complexity: complexity,
		Strategy:   strategy,
		Rationale:  "heuristic: " + strings.Join(why, "; "),
		Source:     SourceHeuristic,
	}
}

// classifyTier picks the tier with the most keyword hits; ties go to the
// higher tier.
func (h *Heuristic) classifyTier(text string) (Complexity, []string) {
	best := Simple
	var bestHits []string
	for _, tier := range []Complexity{Simple, Moderate, Complex} {
		hits := matches(text, h.tierKeywords[tier])
		if len(hits) > 0 && len(hits) >= len(bestHits) {
			best, bestHits = tier, hits
		}
	}
	return best, bestHits
}

func (h *Heuristic) classifyStrategy(text string) Strategy {
	best := Linear
	bestHits := 0
	for _, s := range []Strategy{ParallelFanout, Iterative} {
		if n := len(matches(text, h.strategyKeywords[s])); n > bestHits {
			best, bestHits = s, n
		}
	}
	return best
}

// matches returns the keywords present in text as whole words or phrases.
func matches(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if kw != "" && containsWord(text, kw) {
			hits = append(hits, kw)
		}
	}
	sort.Strings(hits)
	return hits
}

func containsWord(text, kw string) bool {
	for from := 0; ; {
		i := strings.Index(text[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(kw)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		from = start + 1
	}
}

func boundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	r := rune(text[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
