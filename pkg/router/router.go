package router

import (
	"math"
	"sort"

	"github.com/pario-ai/mathgate/pkg/models"
	"github.com/pario-ai/mathgate/pkg/similarity"
)

// Config holds the routing thresholds.
type Config struct {
	ConfidenceThreshold float32 `yaml:"confidence_threshold"`
	MaxUncertainty      float32 `yaml:"max_uncertainty"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{ConfidenceThreshold: 0.85, MaxUncertainty: 0.15}
}

// Scorer rates a candidate against a query embedding.
type Scorer interface {
	Score(query []float32, c models.Candidate) (confidence, uncertainty float32)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(query []float32, c models.Candidate) (float32, float32)

// Score implements Scorer.
func (f ScorerFunc) Score(query []float32, c models.Candidate) (float32, float32) {
	return f(query, c)
}

// Router decides between the lightweight and the powerful inference tier.
type Router struct {
	cfg    Config
	scorer Scorer
}

// New creates a Router. A nil scorer selects HeuristicScorer.
func New(cfg Config, scorer Scorer) *Router {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Router{cfg: cfg, scorer: scorer}
}

// Config returns the thresholds in use.
func (r *Router) Config() Config {
	return r.cfg
}

// Decide routes one result. An open breaker always forces the powerful tier;
// otherwise both thresholds must hold. The raw scores are reported unchanged.
// NaN scores never satisfy a threshold.
func (r *Router) Decide(confidence, uncertainty float32, state models.BreakerState) models.RoutingDecision {
	d := models.RoutingDecision{Confidence: confidence, Uncertainty: uncertainty}
	if state == models.BreakerOpen {
		return d
	}
	d.UseLightweight = confidence >= r.cfg.ConfidenceThreshold && uncertainty <= r.cfg.MaxUncertainty
	return d
}

// RouteCandidates scores every candidate and returns one decision per
// candidate, best confidence first. Ties keep candidate ID order.
func (r *Router) RouteCandidates(query []float32, candidates []models.Candidate, state models.BreakerState) []models.RoutingDecision {
	out := make([]models.RoutingDecision, 0, len(candidates))
	for _, c := range candidates {
		conf, unc := r.scorer.Score(query, c)
		d := r.Decide(conf, unc, state)
		d.CandidateID = c.ID
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].Confidence, out[j].Confidence
		if ci != cj && !math.IsNaN(float64(ci)) && !math.IsNaN(float64(cj)) {
			return ci > cj
		}
		if math.IsNaN(float64(ci)) != math.IsNaN(float64(cj)) {
			return !math.IsNaN(float64(ci))
		}
		return out[i].CandidateID < out[j].CandidateID
	})
	return out
}

// HeuristicScorer blends embedding similarity with the candidate's track
// record. Confidence is 0.7 * similarity (mapped to [0,1]) plus 0.3 * success
// rate. Uncertainty falls with the number of recorded accesses.
type HeuristicScorer struct{}

// Score implements Scorer.
func (HeuristicScorer) Score(query []float32, c models.Candidate) (float32, float32) {
	sim := (similarity.Cosine(query, c.Embedding) + 1) / 2
	conf := clamp01(0.7*sim + 0.3*clamp01(c.SuccessRate))
	unc := clamp01(float32(1 / math.Sqrt(1+float64(c.AccessCount))))
	return conf, unc
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
