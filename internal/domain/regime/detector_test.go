package regime

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_InitialState(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	state := d.Snapshot()

	assert.Equal(t, Sideways, state.Label)
	assert.Equal(t, 0, state.RunLength)
	assert.InDelta(t, 1.0, sumProbs(state.Probabilities), 1e-9)
}

func TestDetector_ProbabilitiesSumToOne(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		state := d.Update(rng.NormFloat64() * 0.01)
		assert.InDelta(t, 1.0, sumProbs(state.Probabilities), 1e-6, "tick %d", i)
		for label, p := range state.Probabilities {
			assert.GreaterOrEqual(t, p, 0.0, "label %s", label)
		}
	}
}

func TestDetector_RunLengthGrowsUnderStableSeries(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	rng := rand.New(rand.NewSource(42))

	var state State
	for i := 0; i < 50; i++ {
		state = d.Update(0.001 + rng.NormFloat64()*0.0005)
	}
	assert.Greater(t, state.RunLength, 10, "stable series should grow the MAP run length")
}

func TestDetector_DetectsShift(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	rng := rand.New(rand.NewSource(99))

	var before State
	for i := 0; i < 30; i++ {
		before = d.Update(0.005 + rng.NormFloat64()*0.001)
	}

	var after State
	for i := 0; i < 20; i++ {
		after = d.Update(-0.005 + rng.NormFloat64()*0.002)
	}

	shifted := after.RunLength < before.RunLength || after.Label != before.Label
	assert.True(t, shifted, "detector must react to a mean shift: before run=%d label=%s, after run=%d label=%s",
		before.RunLength, before.Label, after.RunLength, after.Label)
}

func TestDetector_ClassifiesBullAndBear(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	bull := NewDetector(DefaultDetectorConfig())
	var state State
	for i := 0; i < 60; i++ {
		state = bull.Update(0.004 + rng.NormFloat64()*0.001)
	}
	assert.Equal(t, Bull, state.Label)

	bear := NewDetector(DefaultDetectorConfig())
	for i := 0; i < 60; i++ {
		state = bear.Update(-0.004 + rng.NormFloat64()*0.001)
	}
	assert.Equal(t, Bear, state.Label)
}

func TestDetector_ClassifiesVolatile(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	rng := rand.New(rand.NewSource(11))

	var state State
	for i := 0; i < 80; i++ {
		state = d.Update(rng.NormFloat64() * 0.05)
	}
	assert.Equal(t, Volatile, state.Label)
}

func TestDetector_SurvivesExtremeAndZeroReturns(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())

	inputs := []float64{0, 0, 0.10, -0.10, 0, 0.10, 0, -0.10, 0, 0}
	for _, ret := range inputs {
		state := d.Update(ret)
		require.False(t, math.IsNaN(sumProbs(state.Probabilities)))
		assert.InDelta(t, 1.0, sumProbs(state.Probabilities), 1e-6)
	}
}

func TestDetector_RejectsNonFiniteInput(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	d.Update(0.001)

	state := d.Update(math.NaN())
	assert.True(t, state.Degraded)
	assert.InDelta(t, 1.0, sumProbs(state.Probabilities), 1e-6)

	state = d.Update(math.Inf(1))
	assert.True(t, state.Degraded)
}

func TestDetector_RunLengthSurvivesAggressivePruning(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.PruneThreshold = 0.01
	d := NewDetector(cfg)

	rng := rand.New(rand.NewSource(13))
	var state State
	for i := 0; i < 80; i++ {
		state = d.Update(0.004 + rng.NormFloat64()*0.0005)
	}

	// Pruning compacts the hypothesis slices; the reported run length
	// must still count ticks since the change, not a compacted index.
	assert.Greater(t, state.RunLength, 60,
		"run length must not shrink when interior hypotheses are pruned")
}

func TestDetector_TruncatesRunLength(t *testing.T) {
	cfg := DefaultDetectorConfig()
	cfg.MaxRunLength = 20
	d := NewDetector(cfg)

	rng := rand.New(rand.NewSource(5))
	var state State
	for i := 0; i < 200; i++ {
		state = d.Update(0.001 + rng.NormFloat64()*0.0005)
	}
	assert.LessOrEqual(t, state.RunLength, 20)
}

func sumProbs(probs map[Label]float64) float64 {
	total := 0.0
	for _, p := range probs {
		total += p
	}
	return total
}
