// Package gate implements the penalized softmax mixture-of-experts
// weighting that decides how much each expert strategy influences the
// final trade decision.
package gate

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/quantarch/tradepipe/internal/domain/regime"
	"github.com/quantarch/tradepipe/internal/models"
)

// FlatExpertID is the built-in no-trade candidate. It always competes in
// the softmax with a constant zero logit and receives no penalties, so a
// uniform penalty on the real experts (e.g. a macro blackout) shifts mass
// to it and strictly lowers every real expert's weight while the returned
// vector still sums to one.
const FlatExpertID = "flat"

// Config holds the gating penalties and softmax temperature
type Config struct {
	GammaToxicity     float64 `yaml:"gamma_toxicity" default:"1.0" validate:"gte=0"`
	GammaMacro        float64 `yaml:"gamma_macro" default:"1.0" validate:"gte=0"`
	Temperature       float64 `yaml:"temperature" default:"1.0" validate:"gt=0"`
	PerformanceWindow int     `yaml:"performance_window" default:"100" validate:"gt=0"`
	PerformanceClamp  float64 `yaml:"performance_clamp" default:"0.5" validate:"gt=0"`
}

// DefaultConfig returns production gating parameters
func DefaultConfig() Config {
	return Config{
		GammaToxicity:     1.0,
		GammaMacro:        1.0,
		Temperature:       1.0,
		PerformanceWindow: 100,
		PerformanceClamp:  0.5,
	}
}

// ExpertProfile declares an expert's fixed affinities. FeatureWeights is
// aligned with models.StateVector.Numeric().
type ExpertProfile struct {
	ID             string                       `json:"id"`
	RegimeAffinity map[regime.Label]float64     `json:"regime_affinity"`
	FeatureWeights []float64                    `json:"feature_weights"`
	RegimeBonus    map[regime.Label]float64     `json:"regime_bonus"`
}

// Penalties breaks out the adjustments applied to one expert's logit.
// Regime is the alignment bonus (positive helps the expert).
type Penalties struct {
	Toxicity float64 `json:"toxicity"`
	Macro    float64 `json:"macro"`
	Regime   float64 `json:"regime"`
}

// Weights is one expert's share of the decision for a single tick
type Weights struct {
	ExpertID  string    `json:"expert_id"`
	Weight    float64   `json:"weight"`
	Logit     float64   `json:"logit"`
	Penalties Penalties `json:"penalties"`
}

// expertState pairs a profile with its bounded performance history
type expertState struct {
	profile ExpertProfile
	returns []float64 // ring buffer, window Config.PerformanceWindow
	next    int
	filled  bool
}

// Gate computes normalized expert weights per decision tick. One instance
// per symbol, constructed by the pipeline factory.
type Gate struct {
	mu      sync.RWMutex
	config  Config
	experts map[string]*expertState
}

// New creates an empty gate; experts are registered before first use
func New(config Config) *Gate {
	return &Gate{
		config:  config,
		experts: make(map[string]*expertState),
	}
}

// RegisterExpert adds or replaces an expert profile. The flat candidate
// id is reserved.
func (g *Gate) RegisterExpert(profile ExpertProfile) error {
	if profile.ID == "" {
		return fmt.Errorf("expert id is required")
	}
	if profile.ID == FlatExpertID {
		return fmt.Errorf("expert id %q is reserved", FlatExpertID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.experts[profile.ID] = &expertState{
		profile: profile,
		returns: make([]float64, g.config.PerformanceWindow),
	}
	return nil
}

// UpdatePerformance appends one realized trade return to the expert's
// bounded history used for the next performance bonus
func (g *Gate) UpdatePerformance(expertID string, tradeReturn float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	es, ok := g.experts[expertID]
	if !ok {
		return fmt.Errorf("unknown expert: %s", expertID)
	}
	es.returns[es.next] = tradeReturn
	es.next++
	if es.next >= len(es.returns) {
		es.next = 0
		es.filled = true
	}
	return nil
}

// ComputeGating produces normalized weights over the requested experts
// plus the flat candidate. Weights are >=0 and sum to 1.
func (g *Gate) ComputeGating(state models.StateVector, regimes regime.State, expertIDs []string) ([]Weights, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(expertIDs) == 0 {
		return nil, fmt.Errorf("no experts requested")
	}

	features := state.Numeric()
	out := make([]Weights, 0, len(expertIDs)+1)

	for _, id := range expertIDs {
		es, ok := g.experts[id]
		if !ok {
			return nil, fmt.Errorf("unknown expert: %s", id)
		}
		out = append(out, g.scoreExpert(es, features, state, regimes))
	}

	// Flat candidate: constant zero logit, no penalties.
	out = append(out, Weights{ExpertID: FlatExpertID, Logit: 0})

	applySoftmax(out, g.config.Temperature)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight > out[j].Weight })
	return out, nil
}

// scoreExpert computes one expert's adjusted logit
func (g *Gate) scoreExpert(es *expertState, features []float64, state models.StateVector, regimes regime.State) Weights {
	p := es.profile

	logit := 0.0
	for label, prob := range regimes.Probabilities {
		logit += p.RegimeAffinity[label] * prob
	}
	for i, f := range features {
		if i < len(p.FeatureWeights) {
			logit += p.FeatureWeights[i] * f
		}
	}
	logit += clamp(g.avgReturn(es), -g.config.PerformanceClamp, g.config.PerformanceClamp)

	// Regime alignment bonus weighted by the current distribution.
	regimeBonus := 0.0
	for label, prob := range regimes.Probabilities {
		regimeBonus += p.RegimeBonus[label] * prob
	}

	// Quadratic toxicity penalty punishes high toxicity disproportionately.
	toxPenalty := g.config.GammaToxicity * state.Toxicity * state.Toxicity

	macroPenalty := 0.0
	if state.MacroBlackout {
		macroPenalty = g.config.GammaMacro
	}

	logit += regimeBonus - toxPenalty - macroPenalty

	return Weights{
		ExpertID: p.ID,
		Logit:    logit,
		Penalties: Penalties{
			Toxicity: toxPenalty,
			Macro:    macroPenalty,
			Regime:   regimeBonus,
		},
	}
}

// avgReturn is the mean of the recorded window, zero when empty
func (g *Gate) avgReturn(es *expertState) float64 {
	n := es.next
	if es.filled {
		n = len(es.returns)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += es.returns[i]
	}
	return sum / float64(n)
}

// applySoftmax converts logits into weights in place, max-subtracted for
// numerical stability
func applySoftmax(weights []Weights, temperature float64) {
	maxLogit := math.Inf(-1)
	for _, w := range weights {
		if w.Logit > maxLogit {
			maxLogit = w.Logit
		}
	}

	total := 0.0
	for i := range weights {
		weights[i].Weight = math.Exp((weights[i].Logit - maxLogit) / temperature)
		total += weights[i].Weight
	}
	for i := range weights {
		weights[i].Weight /= total
	}
}

// Dominant returns the highest-weighted real expert in a weight vector,
// skipping the flat candidate
func Dominant(weights []Weights) (Weights, bool) {
	for _, w := range weights {
		if w.ExpertID != FlatExpertID {
			return w, true
		}
	}
	return Weights{}, false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
