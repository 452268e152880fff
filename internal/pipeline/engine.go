// Package pipeline wires the per-symbol decision loop: data quality,
// regime detection, expert gating, quantile edge estimation, risk,
// routing, tape capture and decision-quality monitoring.
package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantarch/tradepipe/internal/domain/gate"
	"github.com/quantarch/tradepipe/internal/domain/monitor"
	"github.com/quantarch/tradepipe/internal/domain/promotion"
	"github.com/quantarch/tradepipe/internal/domain/quantile"
	"github.com/quantarch/tradepipe/internal/domain/regime"
	"github.com/quantarch/tradepipe/internal/metrics"
	"github.com/quantarch/tradepipe/internal/models"
	"github.com/quantarch/tradepipe/internal/quality"
	"github.com/quantarch/tradepipe/internal/router"
	"github.com/quantarch/tradepipe/internal/tape"
)

// nudgeCadence is how many settled trades pass between advisory nudge
// refreshes from the monitor
const nudgeCadence = 100

// The decision loop reads these quantiles off every forecast, so the
// configured tau grid must include all three.
const (
	TauLower  = 0.05
	TauMedian = 0.5
	TauUpper  = 0.95
)

// EngineConfig holds per-symbol loop parameters
type EngineConfig struct {
	Symbol      string         `yaml:"symbol" validate:"required"`
	BaseSize    float64        `yaml:"base_size" default:"1000" validate:"gt=0"`
	SessionID   string         `yaml:"session_id"`
	VenueVolume float64        `yaml:"venue_volume" default:"1000000" validate:"gt=0"`
	Urgency     router.Urgency `yaml:"urgency" default:"normal"`
}

// Tick bundles one decision cycle's inputs. The feature vector comes
// from the upstream feature pipeline and is treated as immutable.
type Tick struct {
	Point     models.DataPoint
	State     models.StateVector
	Book      models.BookSnapshot
	Portfolio models.PortfolioState
}

// Outcome is what one tick produced, for logging and the ops surface
type Outcome struct {
	Symbol     string                 `json:"symbol"`
	Skipped    bool                   `json:"skipped"`
	SkipReason string                 `json:"skip_reason,omitempty"`
	Regime     regime.State           `json:"regime"`
	Weights    []gate.Weights         `json:"weights,omitempty"`
	Forecast   quantile.Forecast      `json:"forecast,omitempty"`
	Edge       float64                `json:"edge"`
	Plan       router.ExecutionPlan   `json:"plan,omitempty"`
	Record     router.ExecutionRecord `json:"record,omitempty"`
}

// Engine runs the decision loop for one symbol. All ticks for a symbol
// flow through a single goroutine, so per-tick state needs no locking;
// the mutex only guards the snapshot accessors used by the ops surface.
type Engine struct {
	cfg       EngineConfig
	guard     *quality.Guard
	detector  *regime.Detector
	gating    *gate.Gate
	estimator *quantile.Estimator
	router    *router.Router
	tape      *tape.Runner
	monitor   *monitor.Monitor
	promotion *promotion.Service
	collector *metrics.Collector
	expertIDs []string

	lastLabel regime.Label

	// pending config swap, applied between ticks
	pendingMu  sync.Mutex
	pendingCfg *EngineConfig

	// carry-over from the previous tick for online learning
	lastPrice     float64
	lastFeatures  []float64
	lastSide      models.Side
	lastExpert    string
	tradesSettled int

	// advisory adjustment consumed from the monitor
	sizingAdjust float64

	snapMu       sync.RWMutex
	lastOutcome  Outcome
	ticksHandled int64
}

// OnTick runs one full decision cycle. Quarantined or invalid data
// skips the cycle entirely so downstream components never train on bad
// ticks.
func (e *Engine) OnTick(ctx context.Context, tick Tick) Outcome {
	e.applyPendingConfig()

	outcome := Outcome{Symbol: e.cfg.Symbol}

	verdict := e.guard.ValidateDataPoint(tick.Point)
	if e.collector != nil {
		e.collector.QualityScore.WithLabelValues(e.cfg.Symbol).Set(verdict.QualityScore)
	}
	if !verdict.IsValid || verdict.ShouldQuarantine {
		outcome.Skipped = true
		outcome.SkipReason = "data quality"
		outcome.Regime = e.detector.Snapshot()
		e.finish(outcome)
		return outcome
	}

	ret := 0.0
	if e.lastPrice > 0 {
		ret = (tick.Point.Price - e.lastPrice) / e.lastPrice
	}

	regimeState := e.detector.Update(ret)
	outcome.Regime = regimeState

	if e.collector != nil {
		if e.lastLabel != "" && regimeState.Label != e.lastLabel {
			e.collector.RegimeSwitches.WithLabelValues(e.cfg.Symbol).Inc()
		}
	}
	e.lastLabel = regimeState.Label

	e.settlePrevious(ret)

	features := tick.State.Numeric()

	weights, err := e.gating.ComputeGating(tick.State, regimeState, e.expertIDs)
	if err != nil {
		outcome.Skipped = true
		outcome.SkipReason = err.Error()
		e.finish(outcome)
		return outcome
	}
	outcome.Weights = weights

	forecast := e.estimator.Predict(features)
	outcome.Forecast = forecast
	outcome.Edge = quantile.EdgeFromQuantiles(forecast)

	// Weights are sorted descending; flat on top means stand aside.
	dominant, active := gate.Dominant(weights)
	if !active || weights[0].ExpertID == gate.FlatExpertID {
		outcome.Skipped = true
		outcome.SkipReason = "flat expert dominant"
		e.rememberTick(tick, features)
		e.finish(outcome)
		return outcome
	}

	e.consumeNudges()

	side := models.Buy
	if forecast[TauMedian] < 0 {
		side = models.Sell
	}

	plan := e.router.Plan(router.PlanContext{
		Symbol:           e.cfg.Symbol,
		Side:             side,
		BaseSize:         e.cfg.BaseSize * (1 + e.sizingAdjust),
		DominantWeight:   dominant.Weight,
		Edge:             outcome.Edge,
		UncertaintyWidth: forecast[TauUpper] - forecast[TauLower],
		Confidence:       dominant.Weight,
		Price:            tick.Point.Price,
		VenueVolume:      e.cfg.VenueVolume,
		Urgency:          e.cfg.Urgency,
		Book:             tick.Book,
		Portfolio:        tick.Portfolio,
	})
	outcome.Plan = plan

	record := e.router.Execute(ctx, plan)
	outcome.Record = record

	if e.collector != nil {
		e.collector.ExecutionsTotal.WithLabelValues(e.cfg.Symbol, string(record.Status)).Inc()
		e.collector.Edge.WithLabelValues(e.cfg.Symbol).Set(outcome.Edge)
		switch record.Status {
		case router.StatusFilled:
			e.collector.ExecutionLatency.Observe(record.LatencyMs)
		case router.StatusBlocked:
			if record.FailedCheck != "" {
				e.collector.RiskRejections.WithLabelValues(record.FailedCheck).Inc()
			}
		}
	}

	e.tape.RecordToTape(tick.State, tick.Book, tape.Action{
		Side:       side,
		Size:       plan.TargetSize,
		Confidence: plan.Confidence,
	}, tape.Result{
		Status:    string(record.Status),
		FillPrice: record.FillPrice,
	}, e.cfg.SessionID)

	// Predictions are recorded only for fills so that each one pairs with
	// exactly one settled outcome; a blocked tick leaves no trade to
	// resolve and would shift every later calibration pair by one.
	if record.Status == router.StatusFilled {
		e.monitor.RecordPrediction(dominant.Weight, plan.Confidence, regimeState.Label)
		e.lastSide = side
		e.lastExpert = dominant.ExpertID
	} else {
		e.lastSide = models.Flat
		e.lastExpert = ""
	}

	e.rememberTick(tick, features)
	e.finish(outcome)

	log.Debug().
		Str("component", "pipeline").
		Str("symbol", e.cfg.Symbol).
		Str("regime", string(regimeState.Label)).
		Str("status", string(record.Status)).
		Float64("edge", outcome.Edge).
		Msg("tick processed")
	return outcome
}

// settlePrevious closes the loop on the previous tick's decision once
// this tick's return is known. The realized return trains the quantile
// estimator, scores the expert that drove the trade and feeds the
// monitor's outcome stream.
func (e *Engine) settlePrevious(ret float64) {
	if e.lastFeatures != nil {
		if err := e.estimator.PartialFit([][]float64{e.lastFeatures}, []float64{ret}); err != nil {
			log.Warn().
				Str("component", "pipeline").
				Str("symbol", e.cfg.Symbol).
				Err(err).
				Msg("online quantile update failed")
		}
	}

	if e.lastSide == models.Flat || e.lastSide == "" {
		return
	}

	signed := ret
	if e.lastSide == models.Sell {
		signed = -ret
	}
	e.lastSide = models.Flat

	outcome := 0.0
	if signed > 0 {
		outcome = 1
	}
	e.monitor.UpdateOutcome(outcome)
	e.monitor.RecordTrade(signed, ret, ret)

	e.tradesSettled++
	if e.tradesSettled%nudgeCadence == 0 {
		e.monitor.GenerateNudges()
	}

	if e.lastExpert != "" {
		if err := e.gating.UpdatePerformance(e.lastExpert, signed); err == nil {
			e.promotion.AddPolicyReturn(e.lastExpert, signed)
		}
		e.lastExpert = ""
	}
}

// consumeNudges pulls any pending advisory adjustment from the monitor.
// SizingCapDelta feeds the base size; the router prior delta is folded
// into the same adjustment since sizing is the router's only prior here.
func (e *Engine) consumeNudges() {
	nudges, ok := e.monitor.ApplyNudges()
	if !ok {
		return
	}
	e.sizingAdjust = nudges.SizingCapDelta + nudges.RouterPriorDelta
	log.Info().
		Str("component", "pipeline").
		Str("symbol", e.cfg.Symbol).
		Float64("sizing_adjust", e.sizingAdjust).
		Msg("monitor nudges applied")
}

// SwapConfig stages a new configuration. It takes effect at the start
// of the next tick, never mid-cycle.
func (e *Engine) SwapConfig(cfg EngineConfig) {
	e.pendingMu.Lock()
	e.pendingCfg = &cfg
	e.pendingMu.Unlock()
}

func (e *Engine) applyPendingConfig() {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.pendingCfg != nil {
		e.cfg = *e.pendingCfg
		e.pendingCfg = nil
	}
}

func (e *Engine) rememberTick(tick Tick, features []float64) {
	e.lastPrice = tick.Point.Price
	e.lastFeatures = features
}

func (e *Engine) finish(outcome Outcome) {
	e.snapMu.Lock()
	e.lastOutcome = outcome
	e.ticksHandled++
	e.snapMu.Unlock()

	if e.collector != nil {
		disposition := "traded"
		if outcome.Skipped {
			disposition = "skipped"
		}
		e.collector.TicksTotal.WithLabelValues(e.cfg.Symbol, disposition).Inc()
	}
}

// LastOutcome returns the most recent tick outcome for the ops surface
func (e *Engine) LastOutcome() Outcome {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.lastOutcome
}

// TicksHandled reports how many ticks this engine has processed
func (e *Engine) TicksHandled() int64 {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.ticksHandled
}

// Symbol returns the symbol this engine serves
func (e *Engine) Symbol() string { return e.cfg.Symbol }

// Regime returns the detector's current state without advancing it
func (e *Engine) Regime() regime.State { return e.detector.Snapshot() }

// Quality returns the monitor's current decision-quality report
func (e *Engine) Quality() monitor.Quality { return e.monitor.GetQuality() }

// Run consumes ticks from the channel until it closes or the context
// ends. One goroutine per symbol keeps tick ordering strict.
func (e *Engine) Run(ctx context.Context, ticks <-chan Tick) {
	log.Info().
		Str("component", "pipeline").
		Str("symbol", e.cfg.Symbol).
		Msg("engine started")

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("component", "pipeline").
				Str("symbol", e.cfg.Symbol).
				Msg("engine stopped")
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			e.OnTick(ctx, tick)
		}
	}
}
