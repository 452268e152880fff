// Package metrics exposes pipeline counters and gauges through a
// dedicated Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the pipeline's Prometheus instruments. One instance
// is shared by every engine.
type Collector struct {
	registry *prometheus.Registry

	TicksTotal       *prometheus.CounterVec
	RegimeSwitches   *prometheus.CounterVec
	RiskRejections   *prometheus.CounterVec
	ExecutionsTotal  *prometheus.CounterVec
	ReplayBreaches   prometheus.Counter
	ReplayDrift      prometheus.Histogram
	QualityScore     *prometheus.GaugeVec
	BrierScore       *prometheus.GaugeVec
	Edge             *prometheus.GaugeVec
	ExecutionLatency prometheus.Histogram
	PromotionPValue  prometheus.Gauge
}

// NewCollector builds and registers every instrument
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradepipe",
			Name:      "ticks_total",
			Help:      "Decision cycles processed, by symbol and disposition.",
		}, []string{"symbol", "disposition"}),
		RegimeSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradepipe",
			Name:      "regime_switches_total",
			Help:      "Detected regime label changes per symbol.",
		}, []string{"symbol"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradepipe",
			Name:      "risk_rejections_total",
			Help:      "Trade proposals rejected, by failing check.",
		}, []string{"check"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradepipe",
			Name:      "executions_total",
			Help:      "Execution outcomes, by symbol and status.",
		}, []string{"symbol", "status"}),
		ReplayBreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradepipe",
			Name:      "replay_parity_breaches_total",
			Help:      "Tape replays whose drift exceeded tolerance.",
		}),
		ReplayDrift: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradepipe",
			Name:      "replay_drift",
			Help:      "Drift score distribution across tape replays.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		QualityScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tradepipe",
			Name:      "data_quality_score",
			Help:      "Rolling data quality score per symbol.",
		}, []string{"symbol"}),
		BrierScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tradepipe",
			Name:      "brier_score",
			Help:      "Decision-quality Brier score per symbol.",
		}, []string{"symbol"}),
		Edge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tradepipe",
			Name:      "edge",
			Help:      "Latest conservative edge estimate per symbol.",
		}, []string{"symbol"}),
		ExecutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradepipe",
			Name:      "execution_latency_ms",
			Help:      "Venue round-trip latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		PromotionPValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradepipe",
			Name:      "promotion_p_value",
			Help:      "P-value of the most recent promotion evaluation.",
		}),
	}

	registry.MustRegister(
		c.TicksTotal, c.RegimeSwitches, c.RiskRejections, c.ExecutionsTotal,
		c.ReplayBreaches, c.ReplayDrift, c.QualityScore, c.BrierScore,
		c.Edge, c.ExecutionLatency, c.PromotionPValue,
	)
	return c
}

// Registry exposes the underlying registry for the /metrics handler
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
