package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarch/tradepipe/internal/domain/regime"
)

func TestBrierScore_PerfectAndWorstForecasts(t *testing.T) {
	m := New(DefaultConfig())

	// Perfect forecasts: probability 1 with outcome 1.
	for i := 0; i < 10; i++ {
		m.RecordPrediction(1.0, 0.9, regime.Bull)
		m.UpdateOutcome(1.0)
	}
	assert.InDelta(t, 0.0, m.GetQuality().BrierScore, 1e-9)

	worst := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		worst.RecordPrediction(1.0, 0.9, regime.Bull)
		worst.UpdateOutcome(0.0)
	}
	assert.InDelta(t, 1.0, worst.GetQuality().BrierScore, 1e-9)
}

func TestUpdateOutcome_ResolvesInArrivalOrder(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordPrediction(0.9, 0.8, regime.Bull)
	m.RecordPrediction(0.1, 0.8, regime.Bear)
	m.UpdateOutcome(1.0) // resolves the 0.9 forecast
	m.UpdateOutcome(0.0) // resolves the 0.1 forecast

	q := m.GetQuality()
	assert.Equal(t, 2, q.SampleCount)
	assert.InDelta(t, 0.01, q.BrierScore, 1e-9)
}

func TestReliabilityDiagram_WellCalibratedForecasts(t *testing.T) {
	m := New(DefaultConfig())

	// 0.7 forecasts realized 70% of the time are perfectly calibrated.
	for i := 0; i < 10; i++ {
		m.RecordPrediction(0.7, 0.7, regime.Sideways)
		if i < 7 {
			m.UpdateOutcome(1.0)
		} else {
			m.UpdateOutcome(0.0)
		}
	}

	q := m.GetQuality()
	assert.InDelta(t, 0.0, q.Calibration, 1e-9)
	assert.InDelta(t, 1.0, q.Reliability, 1e-9)
}

func TestRegret_OnlyPositiveShortfallCounts(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordTrade(0.01, 0.03, 0.005)  // hold beat us by 0.02, vwap did not
	m.RecordTrade(0.02, -0.01, 0.01)  // beat both benchmarks

	q := m.GetQuality()
	assert.InDelta(t, 0.01, q.HoldRegret, 1e-9)
	assert.InDelta(t, 0.0, q.VWAPRegret, 1e-9)
}

func TestExcessCVaR_FlagsTailLossesBeyondBudget(t *testing.T) {
	m := New(DefaultConfig())

	// 19 small wins and one -10% disaster: the worst-5% tail is the
	// disaster, 8% beyond the 2% expected-loss budget.
	for i := 0; i < 19; i++ {
		m.RecordTrade(0.005, 0, 0)
	}
	m.RecordTrade(-0.10, 0, 0)

	assert.InDelta(t, 0.08, m.GetQuality().ExcessCVaR, 1e-9)
}

func TestGenerateNudges_BoundedMagnitude(t *testing.T) {
	m := New(DefaultConfig())

	// Catastrophically bad forecasts and trades.
	for i := 0; i < 20; i++ {
		m.RecordPrediction(1.0, 1.0, regime.Bull)
		m.UpdateOutcome(0.0)
		m.RecordTrade(-0.5, 0.1, 0.1)
	}

	n := m.GenerateNudges()
	assert.LessOrEqual(t, n.RouterPriorDelta, 0.05)
	assert.GreaterOrEqual(t, n.RouterPriorDelta, -0.05)
	assert.LessOrEqual(t, n.SizingCapDelta, 0.05)
	assert.GreaterOrEqual(t, n.SizingCapDelta, -0.05)
	assert.Less(t, n.RouterPriorDelta, 0.0, "bad calibration must push the prior down")
	assert.Less(t, n.SizingCapDelta, 0.0, "tail losses must shrink the cap")
}

func TestGenerateNudges_HealthySystemProducesZeroDeltas(t *testing.T) {
	m := New(DefaultConfig())

	for i := 0; i < 20; i++ {
		m.RecordPrediction(0.9, 0.9, regime.Bull)
		m.UpdateOutcome(1.0)
		m.RecordTrade(0.01, 0.005, 0.005)
	}

	n := m.GenerateNudges()
	assert.Equal(t, 0.0, n.RouterPriorDelta)
	assert.Equal(t, 0.0, n.SizingCapDelta)
}

func TestApplyNudges_ExplicitConsumption(t *testing.T) {
	m := New(DefaultConfig())

	_, ok := m.ApplyNudges()
	assert.False(t, ok, "nothing pending before GenerateNudges")

	m.GenerateNudges()
	applied, ok := m.ApplyNudges()
	require.True(t, ok)
	assert.True(t, applied.Applied)

	_, ok = m.ApplyNudges()
	assert.False(t, ok, "nudges are consumed exactly once")
}
