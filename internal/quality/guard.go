// Package quality gates raw market ticks before they reach the decision
// pipeline. Bad data is quarantined and scored, never silently dropped.
package quality

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantarch/tradepipe/internal/models"
)

// AnomalyType identifies one class of data-quality defect
type AnomalyType string

const (
	AnomalyFlatline   AnomalyType = "flatline"
	AnomalyZeroVolume AnomalyType = "zero_volume"
	AnomalyOutlier    AnomalyType = "outlier"
	AnomalyGap        AnomalyType = "gap"
)

// Severity grades an alert for downstream triage
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// GuardConfig holds per-check thresholds. Each check is independently
// toggleable by setting its threshold to zero.
type GuardConfig struct {
	WindowSize           int           `yaml:"window_size" default:"100" validate:"gt=0"`
	FlatlineRun          int           `yaml:"flatline_run" default:"5" validate:"gte=0"`
	ZeroVolumeRun        int           `yaml:"zero_volume_run" default:"10" validate:"gte=0"`
	OutlierSigma         float64       `yaml:"outlier_sigma" default:"4.0" validate:"gte=0"`
	OutlierMinHistory    int           `yaml:"outlier_min_history" default:"10" validate:"gt=0"`
	MaxGap               time.Duration `yaml:"max_gap" default:"5m"`
	MinQualityScore      float64       `yaml:"min_quality_score" default:"0.8" validate:"gte=0,lte=1"`
	RetentionWindow      time.Duration `yaml:"retention_window" default:"24h"`
	MaxQuarantineEntries int           `yaml:"max_quarantine_entries" default:"1000" validate:"gt=0"`
}

// DefaultGuardConfig returns the production thresholds
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		WindowSize:           100,
		FlatlineRun:          5,
		ZeroVolumeRun:        10,
		OutlierSigma:         4.0,
		OutlierMinHistory:    10,
		MaxGap:               5 * time.Minute,
		MinQualityScore:      0.8,
		RetentionWindow:      24 * time.Hour,
		MaxQuarantineEntries: 1000,
	}
}

// Verdict is the outcome of validating one tick
type Verdict struct {
	IsValid          bool          `json:"is_valid"`
	Anomalies        []AnomalyType `json:"anomalies,omitempty"`
	ShouldQuarantine bool          `json:"should_quarantine"`
	QualityScore     float64       `json:"quality_score"`
}

// Alert records one detected anomaly for forensic review
type Alert struct {
	Symbol    string      `json:"symbol"`
	Type      AnomalyType `json:"type"`
	Severity  Severity    `json:"severity"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// Metrics accumulates per-symbol quality counters. Counts grow
// monotonically until the retention cleanup resets the window.
type Metrics struct {
	FlatlineCount int     `json:"flatline_count"`
	ZeroCount     int     `json:"zero_count"`
	OutlierCount  int     `json:"outlier_count"`
	GapCount      int     `json:"gap_count"`
	TotalPoints   int     `json:"total_points"`
	QualityScore  float64 `json:"quality_score"`
}

// symbolHistory is the rolling window backing the per-symbol checks
type symbolHistory struct {
	prices        []float64
	volumes       []float64
	lastTimestamp time.Time
	flatlineRun   int
	zeroRun       int
	metrics       Metrics
	windowStart   time.Time
}

// Guard validates ticks per symbol. A single mutex guards the per-symbol
// maps against concurrent market-data delivery.
type Guard struct {
	mu          sync.Mutex
	config      GuardConfig
	history     map[string]*symbolHistory
	alerts      []Alert
	quarantine  []models.DataPoint
	lastCleanup time.Time
}

// NewGuard builds an empty guard
func NewGuard(config GuardConfig) *Guard {
	return &Guard{
		config:      config,
		history:     make(map[string]*symbolHistory),
		lastCleanup: time.Now(),
	}
}

// ValidateDataPoint runs every enabled check against one tick and
// returns the combined verdict. Validation must complete before the tick
// is passed downstream; a quarantined tick must not reach the detector
// or the gate.
func (g *Guard) ValidateDataPoint(point models.DataPoint) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.maybeCleanupLocked(point.Timestamp)

	h, ok := g.history[point.Symbol]
	if !ok {
		h = &symbolHistory{windowStart: point.Timestamp}
		g.history[point.Symbol] = h
	}

	var anomalies []AnomalyType
	quarantine := false

	// Temporal gap: elapsed time since the previous tick.
	if g.config.MaxGap > 0 && !h.lastTimestamp.IsZero() {
		if gap := point.Timestamp.Sub(h.lastTimestamp); gap > g.config.MaxGap {
			anomalies = append(anomalies, AnomalyGap)
			h.metrics.GapCount++
			g.alertLocked(point.Symbol, AnomalyGap, SeverityMedium,
				fmt.Sprintf("gap of %s exceeds %s", gap, g.config.MaxGap), point.Timestamp)
		}
	}

	// Flatline: N consecutive identical prices.
	if g.config.FlatlineRun > 0 {
		if n := len(h.prices); n > 0 && h.prices[n-1] == point.Price {
			h.flatlineRun++
		} else {
			h.flatlineRun = 1
		}
		if h.flatlineRun >= g.config.FlatlineRun {
			anomalies = append(anomalies, AnomalyFlatline)
			h.metrics.FlatlineCount++
			g.alertLocked(point.Symbol, AnomalyFlatline, SeverityMedium,
				fmt.Sprintf("%d consecutive identical prices at %.8f", h.flatlineRun, point.Price), point.Timestamp)
		}
	}

	// Zero-volume streak.
	if g.config.ZeroVolumeRun > 0 {
		if point.Volume == 0 {
			h.zeroRun++
		} else {
			h.zeroRun = 0
		}
		if h.zeroRun >= g.config.ZeroVolumeRun {
			anomalies = append(anomalies, AnomalyZeroVolume)
			h.metrics.ZeroCount++
			g.alertLocked(point.Symbol, AnomalyZeroVolume, SeverityLow,
				fmt.Sprintf("%d consecutive zero-volume ticks", h.zeroRun), point.Timestamp)
		}
	}

	// Statistical outlier: needs enough history before it activates.
	if g.config.OutlierSigma > 0 && len(h.prices) >= g.config.OutlierMinHistory {
		mean, std := meanStd(h.prices)
		if std > 0 && math.Abs(point.Price-mean) > g.config.OutlierSigma*std {
			anomalies = append(anomalies, AnomalyOutlier)
			h.metrics.OutlierCount++
			quarantine = true
			g.alertLocked(point.Symbol, AnomalyOutlier, SeverityHigh,
				fmt.Sprintf("price %.8f deviates more than %.1f sigma from rolling mean %.8f", point.Price, g.config.OutlierSigma, mean), point.Timestamp)
		}
	}

	h.metrics.TotalPoints++
	h.lastTimestamp = point.Timestamp

	if quarantine {
		g.quarantineLocked(point)
	} else {
		h.prices = appendBounded(h.prices, point.Price, g.config.WindowSize)
		h.volumes = appendBounded(h.volumes, point.Volume, g.config.WindowSize)
	}

	h.metrics.QualityScore = qualityScore(h.metrics)

	return Verdict{
		IsValid:          len(anomalies) == 0,
		Anomalies:        anomalies,
		ShouldQuarantine: quarantine,
		QualityScore:     h.metrics.QualityScore,
	}
}

// IsSymbolHealthy compares the symbol's quality score to the configured
// minimum; unknown symbols are healthy by default
func (g *Guard) IsSymbolHealthy(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.history[symbol]
	if !ok {
		return true
	}
	return h.metrics.QualityScore >= g.config.MinQualityScore
}

// MetricsFor returns a copy of the symbol's accumulated quality counters
func (g *Guard) MetricsFor(symbol string) Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()

	h, ok := g.history[symbol]
	if !ok {
		return Metrics{QualityScore: 1}
	}
	return h.metrics
}

// Quarantined returns a copy of the quarantine store for forensic review
func (g *Guard) Quarantined() []models.DataPoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.DataPoint(nil), g.quarantine...)
}

// Alerts returns a copy of the retained alerts
func (g *Guard) Alerts() []Alert {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Alert(nil), g.alerts...)
}

func (g *Guard) alertLocked(symbol string, typ AnomalyType, sev Severity, msg string, at time.Time) {
	g.alerts = append(g.alerts, Alert{
		Symbol: symbol, Type: typ, Severity: sev, Message: msg, Timestamp: at,
	})
	log.Warn().
		Str("component", "quality").
		Str("symbol", symbol).
		Str("anomaly", string(typ)).
		Str("severity", string(sev)).
		Msg(msg)
}

func (g *Guard) quarantineLocked(point models.DataPoint) {
	g.quarantine = append(g.quarantine, point)
	if len(g.quarantine) > g.config.MaxQuarantineEntries {
		g.quarantine = g.quarantine[len(g.quarantine)-g.config.MaxQuarantineEntries:]
	}
}

// maybeCleanupLocked prunes alerts and resets per-symbol counters on the
// retention window boundary (24h rolling by default)
func (g *Guard) maybeCleanupLocked(now time.Time) {
	if g.config.RetentionWindow <= 0 || now.Sub(g.lastCleanup) < g.config.RetentionWindow {
		return
	}
	cutoff := now.Add(-g.config.RetentionWindow)

	kept := g.alerts[:0]
	for _, a := range g.alerts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	g.alerts = kept

	for _, h := range g.history {
		if h.windowStart.Before(cutoff) {
			h.metrics = Metrics{QualityScore: h.metrics.QualityScore}
			h.windowStart = now
		}
	}
	g.lastCleanup = now
}

// qualityScore is 1 - errorRate, where the error rate counts flatline,
// outlier and gap anomalies against total points
func qualityScore(m Metrics) float64 {
	if m.TotalPoints == 0 {
		return 1
	}
	errors := float64(m.FlatlineCount + m.OutlierCount + m.GapCount)
	score := 1 - errors/float64(m.TotalPoints)
	return math.Max(0, score)
}

func appendBounded(window []float64, v float64, max int) []float64 {
	window = append(window, v)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	ss := 0.0
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
