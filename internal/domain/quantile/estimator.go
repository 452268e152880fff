// Package quantile provides an online linear quantile regression used to
// turn per-decision features into tail-aware edge estimates.
package quantile

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Config holds learning parameters for the pinball-loss SGD
type Config struct {
	Taus         []float64 `yaml:"taus" validate:"min=1,dive,gt=0,lt=1"`
	LearningRate float64   `yaml:"learning_rate" default:"0.01" validate:"gt=0"`
	L2           float64   `yaml:"l2" default:"0.0001" validate:"gte=0"`
	Features     int       `yaml:"features" default:"6" validate:"gt=0"`
}

// DefaultConfig mirrors the production tau grid
func DefaultConfig() Config {
	return Config{
		Taus:         []float64{0.05, 0.5, 0.95},
		LearningRate: 0.01,
		L2:           1e-4,
		Features:     6,
	}
}

// Forecast maps tau to the predicted conditional quantile
type Forecast map[float64]float64

// Estimator maintains one linear weight vector per quantile. Updates are
// strictly ordered per symbol by the owning pipeline; the mutex only
// guards snapshot reads from the ops surface.
type Estimator struct {
	mu      sync.RWMutex
	config  Config
	weights map[float64][]float64
	samples int
}

// NewEstimator builds a zero-initialized estimator
func NewEstimator(config Config) (*Estimator, error) {
	if len(config.Taus) == 0 {
		return nil, fmt.Errorf("at least one tau is required")
	}
	taus := append([]float64(nil), config.Taus...)
	sort.Float64s(taus)
	config.Taus = taus

	weights := make(map[float64][]float64, len(taus))
	for _, tau := range taus {
		weights[tau] = make([]float64, config.Features)
	}
	return &Estimator{config: config, weights: weights}, nil
}

// Predict returns the quantile forecast for one feature vector
func (e *Estimator) Predict(features []float64) Forecast {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(Forecast, len(e.config.Taus))
	for _, tau := range e.config.Taus {
		out[tau] = dot(e.weights[tau], features)
	}
	return out
}

// PartialFit runs one subgradient step per sample against each tau's
// pinball loss. For residual u = y - yhat the gradient scale is -tau
// when u >= 0 and (1-tau) otherwise, with L2 shrinkage on the weights.
// At equilibrium a tau fraction of outcomes falls below the forecast.
func (e *Estimator) PartialFit(X [][]float64, y []float64) error {
	if len(X) != len(y) {
		return fmt.Errorf("feature/outcome length mismatch: %d vs %d", len(X), len(y))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, features := range X {
		if math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			continue
		}
		for _, tau := range e.config.Taus {
			w := e.weights[tau]
			u := y[i] - dot(w, features)

			scale := 1 - tau
			if u >= 0 {
				scale = -tau
			}
			for j := range w {
				if j < len(features) {
					w[j] -= e.config.LearningRate * (scale*features[j] + 2*e.config.L2*w[j])
				}
			}
		}
		e.samples++
	}
	return nil
}

// Samples reports how many observations have been fit
func (e *Estimator) Samples() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samples
}

// CVaRLower returns the forecast value at the smallest tau >= alpha.
// This is a conservative lower-quantile proxy for CVaR, not a tail
// average; downstream sizing is tuned against this exact semantic.
func CVaRLower(forecast Forecast, alpha float64) float64 {
	taus := make([]float64, 0, len(forecast))
	for tau := range forecast {
		taus = append(taus, tau)
	}
	sort.Float64s(taus)

	for _, tau := range taus {
		if tau >= alpha {
			return forecast[tau]
		}
	}
	if len(taus) == 0 {
		return 0
	}
	return forecast[taus[len(taus)-1]]
}

// EdgeFromQuantiles defines the trade edge as the non-negative lower
// tail quantile: zero unless even the pessimistic quantile is positive.
func EdgeFromQuantiles(forecast Forecast) float64 {
	return math.Max(0, CVaRLower(forecast, 0.05))
}

func dot(w, x []float64) float64 {
	sum := 0.0
	for i := range w {
		if i < len(x) {
			sum += w[i] * x[i]
		}
	}
	return sum
}
