package promotion

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() *Service {
	cfg := DefaultServiceConfig()
	cfg.Seed = 1234 // deterministic bootstrap in tests
	return NewService(cfg)
}

func feedReturns(s *Service, policyID string, n int, mean, noise float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		s.AddPolicyReturn(policyID, mean+rng.NormFloat64()*noise)
	}
}

func TestEvaluatePromotion_InsufficientData(t *testing.T) {
	s := newTestService()

	feedReturns(s, "champ", 49, 0.001, 0.001, 1)
	feedReturns(s, "contender", 49, 0.01, 0.001, 2)

	decision := s.EvaluatePromotion("contender")
	assert.False(t, decision.Promoted)
	assert.Equal(t, "Insufficient data", decision.Reason)
}

func TestEvaluatePromotion_MissingPolicy(t *testing.T) {
	s := newTestService()
	feedReturns(s, "champ", 100, 0.001, 0.001, 1)

	decision := s.EvaluatePromotion("ghost")
	assert.False(t, decision.Promoted)
	assert.Equal(t, "Missing policy data", decision.Reason)
}

func TestEvaluatePromotion_SuperiorChallengerPromoted(t *testing.T) {
	s := newTestService()

	feedReturns(s, "champ", 200, 0.0001, 0.002, 1)
	feedReturns(s, "contender", 200, 0.004, 0.002, 2)

	decision := s.EvaluatePromotion("contender")
	require.True(t, decision.Promoted, "clearly superior challenger must promote: %s", decision.Reason)
	assert.LessOrEqual(t, decision.PValue, 0.05)
	assert.Equal(t, "contender", s.Champion())
}

func TestEvaluatePromotion_InferiorChallengerRejected(t *testing.T) {
	s := newTestService()

	feedReturns(s, "champ", 200, 0.004, 0.002, 1)
	feedReturns(s, "contender", 200, 0.0001, 0.002, 2)

	decision := s.EvaluatePromotion("contender")
	assert.False(t, decision.Promoted)
	assert.Equal(t, "champ", s.Champion())
}

func TestEvaluatePromotion_IdenticalStreamsYieldFinitePValue(t *testing.T) {
	s := newTestService()

	for i := 0; i < 100; i++ {
		s.AddPolicyReturn("champ", 0.001)
		s.AddPolicyReturn("contender", 0.001)
	}

	decision := s.EvaluatePromotion("contender")
	assert.False(t, decision.Promoted)
	assert.False(t, decision.PValue != decision.PValue, "p-value must not be NaN")
	assert.GreaterOrEqual(t, decision.PValue, 0.0)
	assert.LessOrEqual(t, decision.PValue, 1.0)
}

func TestExactlyOneChampionInvariant(t *testing.T) {
	s := newTestService()

	feedReturns(s, "a", 200, 0.0001, 0.002, 1)
	feedReturns(s, "b", 200, 0.004, 0.002, 2)
	feedReturns(s, "c", 200, 0.008, 0.002, 3)

	// Several evaluations, including promotions, must always leave exactly
	// one champion.
	s.EvaluatePromotion("b")
	s.EvaluatePromotion("c")
	s.EvaluatePromotion("a")

	champions := 0
	for _, rec := range s.Policies() {
		if rec.IsChampion {
			champions++
		}
	}
	assert.Equal(t, 1, champions)
	assert.Equal(t, s.Champion(), "c")
}

func TestEvaluatePromotion_ChallengerIsChampion(t *testing.T) {
	s := newTestService()
	feedReturns(s, "champ", 100, 0.001, 0.001, 1)

	decision := s.EvaluatePromotion("champ")
	assert.False(t, decision.Promoted)
	assert.Contains(t, decision.Reason, "already champion")
}

func TestPolicies_ComputePerformanceStats(t *testing.T) {
	s := newTestService()

	returns := []float64{0.01, -0.005, 0.02, -0.01, 0.015, 0.01, -0.02, 0.005}
	for _, r := range returns {
		s.AddPolicyReturn("p", r)
	}

	records := s.Policies()
	require.Len(t, records, 1)
	rec := records[0]

	assert.InDelta(t, 5.0/8.0, rec.WinRate, 1e-9)
	assert.Greater(t, rec.SharpeRatio, 0.0)
	assert.Greater(t, rec.MaxDrawdown, 0.0)
	assert.Less(t, rec.MaxDrawdown, 1.0)
}

func TestAddPolicyReturn_IgnoresNonFinite(t *testing.T) {
	s := newTestService()

	s.AddPolicyReturn("p", 0.01)
	s.AddPolicyReturn("p", nan())
	records := s.Policies()
	require.Len(t, records, 1)
	assert.Len(t, records[0].Returns, 1)
}

func nan() float64 {
	var zero float64
	return zero / zero
}
