package quantile

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fitSynthetic trains on y = 2*x0 + noise so the quantiles are separable
func fitSynthetic(t *testing.T, e *Estimator, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(17))

	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		x0 := rng.Float64()*2 - 1
		X[i] = []float64{x0, 1} // bias encoded as a constant feature
		y[i] = 2*x0 + rng.NormFloat64()*0.5
	}
	require.NoError(t, e.PartialFit(X, y))
}

func TestEstimator_QuantilesMonotoneAfterConvergence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features = 2
	e, err := NewEstimator(cfg)
	require.NoError(t, err)

	for epoch := 0; epoch < 40; epoch++ {
		fitSynthetic(t, e, 500)
	}

	for _, x0 := range []float64{-0.8, -0.2, 0.3, 0.9} {
		forecast := e.Predict([]float64{x0, 1})
		assert.Less(t, forecast[0.05], forecast[0.5], "q05 < q50 at x=%v", x0)
		assert.Less(t, forecast[0.5], forecast[0.95], "q50 < q95 at x=%v", x0)
	}
}

func TestEstimator_MedianTracksConditionalMean(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features = 2
	e, err := NewEstimator(cfg)
	require.NoError(t, err)

	for epoch := 0; epoch < 40; epoch++ {
		fitSynthetic(t, e, 500)
	}

	forecast := e.Predict([]float64{0.5, 1})
	assert.InDelta(t, 1.0, forecast[0.5], 0.3, "median should approach 2*0.5")
}

func TestEstimator_TailCoverageMatchesTau(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features = 2
	e, err := NewEstimator(cfg)
	require.NoError(t, err)

	for epoch := 0; epoch < 40; epoch++ {
		fitSynthetic(t, e, 500)
	}

	// Count how often fresh outcomes fall below each converged forecast.
	// The lower tail must underestimate and the upper tail overestimate,
	// otherwise sizing would read the optimistic quantile as the edge.
	rng := rand.New(rand.NewSource(23))
	const n = 2000
	belowQ05, belowQ95 := 0, 0
	for i := 0; i < n; i++ {
		x0 := rng.Float64()*2 - 1
		y := 2*x0 + rng.NormFloat64()*0.5
		forecast := e.Predict([]float64{x0, 1})
		if y < forecast[0.05] {
			belowQ05++
		}
		if y < forecast[0.95] {
			belowQ95++
		}
	}

	assert.Less(t, float64(belowQ05)/n, 0.15, "q05 coverage")
	assert.Greater(t, float64(belowQ95)/n, 0.85, "q95 coverage")
}

func TestCVaRLower_PicksSmallestTauAtOrAboveAlpha(t *testing.T) {
	forecast := Forecast{0.05: -0.02, 0.5: 0.01, 0.95: 0.04}

	assert.Equal(t, -0.02, CVaRLower(forecast, 0.05))
	assert.Equal(t, -0.02, CVaRLower(forecast, 0.01))
	assert.Equal(t, 0.01, CVaRLower(forecast, 0.2))
	assert.Equal(t, 0.04, CVaRLower(forecast, 0.99), "alpha above all taus falls back to the top quantile")
}

func TestEdgeFromQuantiles_ZeroUnlessPessimisticQuantilePositive(t *testing.T) {
	assert.Equal(t, 0.0, EdgeFromQuantiles(Forecast{0.05: -0.01, 0.5: 0.02, 0.95: 0.05}))
	assert.InDelta(t, 0.003, EdgeFromQuantiles(Forecast{0.05: 0.003, 0.5: 0.02, 0.95: 0.05}), 1e-12)
}

func TestPartialFit_RejectsLengthMismatch(t *testing.T) {
	e, err := NewEstimator(DefaultConfig())
	require.NoError(t, err)
	assert.Error(t, e.PartialFit([][]float64{{1}}, []float64{1, 2}))
}

func TestPartialFit_SkipsNonFiniteOutcomes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Features = 1
	e, err := NewEstimator(cfg)
	require.NoError(t, err)

	require.NoError(t, e.PartialFit(
		[][]float64{{1}, {1}},
		[]float64{nan(), 0.5},
	))
	assert.Equal(t, 1, e.Samples())
}

func nan() float64 {
	var zero float64
	return zero / zero
}
