// Package monitor tracks prediction quality and trade outcomes, and
// turns sustained degradation into small bounded nudges for the router
// and the risk sizing caps.
package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantarch/tradepipe/internal/domain/regime"
)

// Config bounds the monitor's memory and its corrective authority
type Config struct {
	Window            int     `yaml:"window" default:"500" validate:"gt=10"`
	ReliabilityBins   int     `yaml:"reliability_bins" default:"5" validate:"gt=1"`
	MaxNudgeMagnitude float64 `yaml:"max_nudge_magnitude" default:"0.05" validate:"gt=0"`
	ExpectedLoss      float64 `yaml:"expected_loss" default:"0.02" validate:"gt=0"`
	BrierNudgeFloor   float64 `yaml:"brier_nudge_floor" default:"0.3" validate:"gt=0"`
}

// DefaultConfig returns production monitor bounds
func DefaultConfig() Config {
	return Config{
		Window:            500,
		ReliabilityBins:   5,
		MaxNudgeMagnitude: 0.05,
		ExpectedLoss:      0.02,
		BrierNudgeFloor:   0.3,
	}
}

// Quality is the read-only metric snapshot exposed to ops
type Quality struct {
	BrierScore   float64 `json:"brier_score"`
	Calibration  float64 `json:"calibration"`
	Reliability  float64 `json:"reliability"`
	Sharpness    float64 `json:"sharpness"`
	HoldRegret   float64 `json:"hold_regret"`
	VWAPRegret   float64 `json:"vwap_regret"`
	ExcessCVaR   float64 `json:"excess_cvar"`
	SampleCount  int     `json:"sample_count"`
	PendingCount int     `json:"pending_count"`
	TradeCount   int     `json:"trade_count"`
}

// Nudges are bounded advisory deltas. They take effect only after
// ApplyNudges marks them consumed, never silently.
type Nudges struct {
	RouterPriorDelta float64   `json:"router_prior_delta"`
	SizingCapDelta   float64   `json:"sizing_cap_delta"`
	GeneratedAt      time.Time `json:"generated_at"`
	Applied          bool      `json:"applied"`
}

// prediction pairs a forecast with its eventual outcome
type prediction struct {
	probability float64
	confidence  float64
	regime      regime.Label
	outcome     float64
	resolved    bool
}

// trade stores one realized trade return next to its benchmarks
type trade struct {
	actual float64
	hold   float64
	vwap   float64
}

// Monitor accumulates prediction/outcome pairs and trade P&L in bounded
// windows. Single mutex; writers are the per-symbol pipelines.
type Monitor struct {
	mu          sync.Mutex
	config      Config
	predictions []prediction
	trades      []trade
	pending     Nudges
	hasPending  bool
}

// New creates an empty monitor
func New(config Config) *Monitor {
	return &Monitor{config: config}
}

// RecordPrediction stores one directional probability forecast. Outcomes
// attach in arrival order via UpdateOutcome.
func (m *Monitor) RecordPrediction(probability, confidence float64, label regime.Label) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.predictions = append(m.predictions, prediction{
		probability: clamp01(probability),
		confidence:  clamp01(confidence),
		regime:      label,
	})
	if len(m.predictions) > m.config.Window {
		m.predictions = m.predictions[len(m.predictions)-m.config.Window:]
	}
}

// UpdateOutcome resolves the oldest unresolved prediction with the
// realized binary outcome (1 = the predicted event occurred)
func (m *Monitor) UpdateOutcome(outcome float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.predictions {
		if !m.predictions[i].resolved {
			m.predictions[i].outcome = clamp01(outcome)
			m.predictions[i].resolved = true
			return
		}
	}
}

// RecordTrade stores one realized trade return with its two static
// benchmark returns (buy-and-hold and VWAP execution)
func (m *Monitor) RecordTrade(actual, holdBenchmark, vwapBenchmark float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trades = append(m.trades, trade{actual: actual, hold: holdBenchmark, vwap: vwapBenchmark})
	if len(m.trades) > m.config.Window {
		m.trades = m.trades[len(m.trades)-m.config.Window:]
	}
}

// GetQuality computes the full metric set over the current windows
func (m *Monitor) GetQuality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qualityLocked()
}

func (m *Monitor) qualityLocked() Quality {
	q := Quality{TradeCount: len(m.trades)}

	resolved := make([]prediction, 0, len(m.predictions))
	for _, p := range m.predictions {
		if p.resolved {
			resolved = append(resolved, p)
		}
	}
	q.SampleCount = len(resolved)
	q.PendingCount = len(m.predictions) - len(resolved)

	if len(resolved) > 0 {
		q.BrierScore = brier(resolved)
		q.Calibration, q.Reliability, q.Sharpness = m.reliabilityDiagram(resolved)
	}

	if len(m.trades) > 0 {
		holdRegret, vwapRegret := 0.0, 0.0
		returns := make([]float64, len(m.trades))
		for i, t := range m.trades {
			holdRegret += math.Max(0, t.hold-t.actual)
			vwapRegret += math.Max(0, t.vwap-t.actual)
			returns[i] = t.actual
		}
		q.HoldRegret = holdRegret / float64(len(m.trades))
		q.VWAPRegret = vwapRegret / float64(len(m.trades))
		q.ExcessCVaR = m.excessCVaR(returns)
	}
	return q
}

// GenerateNudges maps quality degradation onto bounded deltas. Repeated
// calls before ApplyNudges regenerate (not accumulate) the pending set.
func (m *Monitor) GenerateNudges() Nudges {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.qualityLocked()
	n := Nudges{GeneratedAt: time.Now()}

	// Poor calibration argues for trusting the router prior less.
	if q.SampleCount > 0 && q.BrierScore > m.config.BrierNudgeFloor {
		n.RouterPriorDelta = -(q.BrierScore - m.config.BrierNudgeFloor)
	}

	// Tail losses beyond the expected-loss budget argue for smaller caps.
	if q.ExcessCVaR > 0 {
		n.SizingCapDelta = -q.ExcessCVaR
	}

	// Persistent regret versus doing nothing argues for shrinking too.
	if q.HoldRegret > m.config.ExpectedLoss {
		n.SizingCapDelta -= q.HoldRegret - m.config.ExpectedLoss
	}

	bound := m.config.MaxNudgeMagnitude
	n.RouterPriorDelta = clamp(n.RouterPriorDelta, -bound, bound)
	n.SizingCapDelta = clamp(n.SizingCapDelta, -bound, bound)

	m.pending = n
	m.hasPending = true
	return n
}

// ApplyNudges marks the pending nudges consumed and returns them; the
// caller is responsible for actually folding the deltas into the router
// prior and risk caps. Returns false when nothing is pending.
func (m *Monitor) ApplyNudges() (Nudges, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasPending {
		return Nudges{}, false
	}
	m.pending.Applied = true
	m.hasPending = false

	log.Info().
		Str("component", "monitor").
		Float64("router_prior_delta", m.pending.RouterPriorDelta).
		Float64("sizing_cap_delta", m.pending.SizingCapDelta).
		Msg("nudges applied")
	return m.pending, true
}

// brier is the mean squared error of probability forecasts
func brier(resolved []prediction) float64 {
	sum := 0.0
	for _, p := range resolved {
		d := p.probability - p.outcome
		sum += d * d
	}
	return sum / float64(len(resolved))
}

// reliabilityDiagram bins forecasts by probability and derives the
// calibration error (weighted gap between forecast and observed
// frequency), reliability (1 - calibration) and sharpness (variance of
// the forecasts around the base rate)
func (m *Monitor) reliabilityDiagram(resolved []prediction) (calibration, reliability, sharpness float64) {
	bins := m.config.ReliabilityBins
	binProb := make([]float64, bins)
	binOutcome := make([]float64, bins)
	binCount := make([]int, bins)

	baseRate := 0.0
	for _, p := range resolved {
		b := int(p.probability * float64(bins))
		if b >= bins {
			b = bins - 1
		}
		binProb[b] += p.probability
		binOutcome[b] += p.outcome
		binCount[b]++
		baseRate += p.outcome
	}
	baseRate /= float64(len(resolved))

	total := float64(len(resolved))
	for b := 0; b < bins; b++ {
		if binCount[b] == 0 {
			continue
		}
		cnt := float64(binCount[b])
		avgProb := binProb[b] / cnt
		avgOutcome := binOutcome[b] / cnt
		calibration += cnt / total * math.Abs(avgProb-avgOutcome)
		sharpness += cnt / total * (avgProb - baseRate) * (avgProb - baseRate)
	}
	reliability = 1 - calibration
	return calibration, reliability, sharpness
}

// excessCVaR averages the worst 5% of trade returns and reports how far
// that tail mean falls below the expected-loss budget (0 when inside it)
func (m *Monitor) excessCVaR(returns []float64) float64 {
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	tail := len(sorted) / 20
	if tail == 0 {
		tail = 1
	}
	sum := 0.0
	for i := 0; i < tail; i++ {
		sum += sorted[i]
	}
	tailMean := sum / float64(tail)

	excess := -tailMean - m.config.ExpectedLoss
	return math.Max(0, excess)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}
