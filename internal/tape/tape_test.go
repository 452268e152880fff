package tape

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarch/tradepipe/internal/models"
)

func record(r *Runner, side models.Side, size, confidence float64) Entry {
	return r.RecordToTape(
		models.StateVector{Momentum: 0.5},
		models.BookSnapshot{BidPrice: 99.9, AskPrice: 100.1, Timestamp: time.Now()},
		Action{Side: side, Size: size, Confidence: confidence},
		Result{Status: "filled", FillPrice: 100.0},
		"session-1",
	)
}

func TestRecordToTape_RingBufferEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTapeSize = 3
	r := NewRunner(cfg)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, record(r, models.Buy, float64(i+1), 0.5).ID)
	}

	entries := r.Export()
	require.Len(t, entries, 3)
	assert.Equal(t, ids[2], entries[0].ID, "oldest entries evicted first")
	assert.Equal(t, ids[4], entries[2].ID)
}

func TestReplayWindow_PerfectParity(t *testing.T) {
	r := NewRunner(DefaultConfig())
	start := time.Now().Add(-time.Second)

	for i := 0; i < 10; i++ {
		record(r, models.Buy, 100, 0.8)
	}

	identity := func(models.StateVector, models.BookSnapshot) Action {
		return Action{Side: models.Buy, Size: 100, Confidence: 0.8}
	}

	results := r.ReplayWindow(start, time.Now().Add(time.Second), identity)
	require.Len(t, results, 10)
	for _, res := range results {
		assert.True(t, res.Parity)
		assert.Equal(t, 0.0, res.Drift)
	}

	stats := r.GetTapeStats()
	assert.Equal(t, 1.0, stats.ParityRate)
	assert.Equal(t, 0.0, stats.AverageDrift)
}

func TestReplayWindow_SideMismatchIsMaximalDrift(t *testing.T) {
	r := NewRunner(DefaultConfig())
	start := time.Now().Add(-time.Second)
	record(r, models.Buy, 100, 0.8)

	flip := func(models.StateVector, models.BookSnapshot) Action {
		return Action{Side: models.Sell, Size: 100, Confidence: 0.8}
	}

	results := r.ReplayWindow(start, time.Now().Add(time.Second), flip)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Drift)
	assert.False(t, results[0].Parity)
}

func TestReplayWindow_DriftBlendsSizeAndConfidence(t *testing.T) {
	r := NewRunner(DefaultConfig())
	start := time.Now().Add(-time.Second)
	record(r, models.Buy, 100, 0.8)

	shifted := func(models.StateVector, models.BookSnapshot) Action {
		return Action{Side: models.Buy, Size: 110, Confidence: 0.9}
	}

	results := r.ReplayWindow(start, time.Now().Add(time.Second), shifted)
	require.Len(t, results, 1)
	// 0.7*(10/100) + 0.3*0.1 = 0.1
	assert.InDelta(t, 0.10, results[0].Drift, 1e-9)
	assert.False(t, results[0].Parity)
}

func TestReplayWindow_IdempotentForDeterministicFn(t *testing.T) {
	r := NewRunner(DefaultConfig())
	start := time.Now().Add(-time.Second)

	for i := 0; i < 5; i++ {
		record(r, models.Buy, 100+float64(i), 0.8)
	}

	deterministic := func(features models.StateVector, _ models.BookSnapshot) Action {
		return Action{Side: models.Buy, Size: 100 * features.Momentum, Confidence: 0.7}
	}

	end := time.Now().Add(time.Second)
	first := r.ReplayWindow(start, end, deterministic)
	second := r.ReplayWindow(start, end, deterministic)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Drift, second[i].Drift, "replaying the same window twice must yield identical drift")
	}
}

func TestReplayWindow_AlertFiresOnBreach(t *testing.T) {
	r := NewRunner(DefaultConfig())
	start := time.Now().Add(-time.Second)
	record(r, models.Buy, 100, 0.8)

	var alerted []float64
	r.SetAlertFn(func(_ Entry, drift float64) {
		alerted = append(alerted, drift)
	})

	r.ReplayWindow(start, time.Now().Add(time.Second), func(models.StateVector, models.BookSnapshot) Action {
		return Action{Side: models.Sell, Size: 100, Confidence: 0.8}
	})

	require.Len(t, alerted, 1)
	assert.Equal(t, 1.0, alerted[0])
}

func TestReplayWindow_ZeroSizeOriginalDoesNotDivideByZero(t *testing.T) {
	r := NewRunner(DefaultConfig())
	start := time.Now().Add(-time.Second)
	record(r, models.Flat, 0, 0.5)

	results := r.ReplayWindow(start, time.Now().Add(time.Second), func(models.StateVector, models.BookSnapshot) Action {
		return Action{Side: models.Flat, Size: 0, Confidence: 0.5}
	})
	require.Len(t, results, 1)
	assert.Equal(t, 0.0, results[0].Drift)
}

func TestImportExport_RoundTripWithTruncation(t *testing.T) {
	r := NewRunner(DefaultConfig())
	for i := 0; i < 4; i++ {
		record(r, models.Buy, float64(i+1), 0.5)
	}
	snapshot := r.Export()

	cfg := DefaultConfig()
	cfg.MaxTapeSize = 2
	restored := NewRunner(cfg)
	restored.Import(snapshot)

	entries := restored.Export()
	require.Len(t, entries, 2)
	assert.Equal(t, snapshot[2].ID, entries[0].ID, "import keeps the newest entries")
}

func TestGetTapeStats_TracksBreachesAcrossReplays(t *testing.T) {
	r := NewRunner(DefaultConfig())
	start := time.Now().Add(-time.Second)

	record(r, models.Buy, 100, 0.8)
	record(r, models.Buy, 100, 0.8)

	half := func(models.StateVector, models.BookSnapshot) Action {
		return Action{Side: models.Buy, Size: 50, Confidence: 0.8}
	}
	r.ReplayWindow(start, time.Now().Add(time.Second), half)

	stats := r.GetTapeStats()
	assert.Equal(t, 2, stats.ReplayedTotal)
	assert.Equal(t, 2, stats.ParityBreaches)
	assert.Equal(t, 0.0, stats.ParityRate)
	assert.InDelta(t, 0.35, stats.AverageDrift, 1e-9)
}
