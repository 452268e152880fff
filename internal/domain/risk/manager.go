// Package risk runs the multi-stage pre-trade checks that cap or reject
// proposed trade sizes.
package risk

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quantarch/tradepipe/internal/models"
)

// Approval is the outcome of one check, or of the whole composition
type Approval struct {
	Approved  bool    `json:"approved"`
	Reason    string  `json:"reason,omitempty"`
	MaxSize   float64 `json:"max_size"`
	RiskScore float64 `json:"risk_score"` // 0.0-1.0
	Check     string  `json:"check,omitempty"`
}

// ManagerConfig holds the limits behind each of the six checks
type ManagerConfig struct {
	MaxPositionSize    float64 `yaml:"max_position_size" default:"10000" validate:"gt=0"`
	MaxDailyLoss       float64 `yaml:"max_daily_loss" default:"1000" validate:"gt=0"`
	MaxDrawdown        float64 `yaml:"max_drawdown" default:"0.15" validate:"gt=0,lte=1"`
	MaxConcentration   float64 `yaml:"max_concentration" default:"0.25" validate:"gt=0,lte=1"`
	MaxVolatility      float64 `yaml:"max_volatility" default:"0.08" validate:"gt=0"`
	MaxMarketStress    float64 `yaml:"max_market_stress" default:"0.9" validate:"gt=0,lte=1"`

	// ScaleStart is the fraction of a limit at which graduated de-risking
	// begins; below it a check approves at full size.
	ScaleStart float64 `yaml:"scale_start" default:"0.5" validate:"gte=0,lt=1"`
}

// DefaultManagerConfig returns production limits
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxPositionSize:  10000,
		MaxDailyLoss:     1000,
		MaxDrawdown:      0.15,
		MaxConcentration: 0.25,
		MaxVolatility:    0.08,
		MaxMarketStress:  0.9,
		ScaleStart:       0.5,
	}
}

// checkFn is one independent risk check
type checkFn func(signal models.TradeSignal, portfolio models.PortfolioState) Approval

// Manager composes six independent checks. Checks are pure against their
// inputs, so they run concurrently per call; results are joined before
// composition.
type Manager struct {
	config ManagerConfig
	checks []checkFn
}

// NewManager wires the standard six checks
func NewManager(config ManagerConfig) *Manager {
	m := &Manager{config: config}
	m.checks = []checkFn{
		m.checkPositionSize,
		m.checkDailyLoss,
		m.checkDrawdown,
		m.checkConcentration,
		m.checkVolatility,
		m.checkMarketStress,
	}
	return m
}

// CheckTradeRisk runs every check and composes the results: any rejection
// rejects the whole request with the first rejecting check's reason (all
// checks still run for diagnostics), the approved max size is the minimum
// across checks, and the risk score is the average. Rejections are
// returned values, never errors. A cancelled context fail-closes.
func (m *Manager) CheckTradeRisk(ctx context.Context, signal models.TradeSignal, portfolio models.PortfolioState) (Approval, []Approval) {
	results := make([]Approval, len(m.checks))

	var wg sync.WaitGroup
	for i, check := range m.checks {
		wg.Add(1)
		go func(i int, check checkFn) {
			defer wg.Done()
			results[i] = check(signal, portfolio)
		}(i, check)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Approval{Approved: false, Reason: "risk check cancelled: " + err.Error(), MaxSize: 0, RiskScore: 1}, results
	}

	minSize := math.Inf(1)
	scoreSum := 0.0
	var rejection *Approval

	for i := range results {
		r := results[i]
		scoreSum += r.RiskScore
		if !r.Approved && rejection == nil {
			rejection = &results[i]
		}
		if r.MaxSize < minSize {
			minSize = r.MaxSize
		}
	}

	combined := Approval{
		Approved:  rejection == nil,
		MaxSize:   minSize,
		RiskScore: scoreSum / float64(len(results)),
	}
	if rejection != nil {
		combined.Reason = rejection.Reason
		combined.MaxSize = 0
		log.Debug().
			Str("component", "risk").
			Str("symbol", signal.Symbol).
			Str("check", rejection.Check).
			Str("reason", rejection.Reason).
			Msg("trade rejected")
	}
	return combined, results
}

// checkPositionSize caps the proposed size at the absolute position limit
func (m *Manager) checkPositionSize(signal models.TradeSignal, _ models.PortfolioState) Approval {
	usage := signal.Size / m.config.MaxPositionSize
	if usage > 1 {
		return reject("position_size", "proposed size exceeds position limit")
	}
	return Approval{
		Approved:  true,
		Check:     "position_size",
		MaxSize:   m.config.MaxPositionSize,
		RiskScore: clamp01(usage),
	}
}

// checkDailyLoss de-risks as the day's realized loss approaches the
// limit and rejects outright once it is breached
func (m *Manager) checkDailyLoss(signal models.TradeSignal, portfolio models.PortfolioState) Approval {
	loss := math.Max(0, -portfolio.DailyPnL)
	usage := loss / m.config.MaxDailyLoss
	if usage >= 1 {
		return reject("daily_loss", "daily loss limit reached")
	}
	return Approval{
		Approved:  true,
		Check:     "daily_loss",
		MaxSize:   signal.Size * m.scaleFactor(usage),
		RiskScore: clamp01(usage),
	}
}

// checkDrawdown measures equity against its peak
func (m *Manager) checkDrawdown(signal models.TradeSignal, portfolio models.PortfolioState) Approval {
	drawdown := 0.0
	if portfolio.PeakEquity > 0 {
		drawdown = math.Max(0, (portfolio.PeakEquity-portfolio.Equity)/portfolio.PeakEquity)
	}
	usage := drawdown / m.config.MaxDrawdown
	if usage >= 1 {
		return reject("drawdown", "drawdown limit reached")
	}
	return Approval{
		Approved:  true,
		Check:     "drawdown",
		MaxSize:   signal.Size * m.scaleFactor(usage),
		RiskScore: clamp01(usage),
	}
}

// checkConcentration limits single-symbol exposure as a share of equity
func (m *Manager) checkConcentration(signal models.TradeSignal, portfolio models.PortfolioState) Approval {
	if portfolio.Equity <= 0 {
		return reject("concentration", "no equity available")
	}
	exposure := signal.Size * signal.Price
	if pos, ok := portfolio.Positions[signal.Symbol]; ok {
		exposure += math.Abs(pos.ValueUSD)
	}
	usage := exposure / portfolio.Equity / m.config.MaxConcentration
	if usage >= 1 {
		return reject("concentration", "concentration limit reached for "+signal.Symbol)
	}
	return Approval{
		Approved:  true,
		Check:     "concentration",
		MaxSize:   signal.Size * m.scaleFactor(usage),
		RiskScore: clamp01(usage),
	}
}

// checkVolatility shrinks size in elevated volatility
func (m *Manager) checkVolatility(signal models.TradeSignal, portfolio models.PortfolioState) Approval {
	usage := portfolio.Volatility / m.config.MaxVolatility
	if usage >= 1 {
		return reject("volatility", "volatility above threshold")
	}
	return Approval{
		Approved:  true,
		Check:     "volatility",
		MaxSize:   signal.Size * m.scaleFactor(usage),
		RiskScore: clamp01(usage),
	}
}

// checkMarketStress is the general market-stress gate
func (m *Manager) checkMarketStress(signal models.TradeSignal, portfolio models.PortfolioState) Approval {
	usage := portfolio.MarketStress / m.config.MaxMarketStress
	if usage >= 1 {
		return reject("market_stress", "market stress above threshold")
	}
	return Approval{
		Approved:  true,
		Check:     "market_stress",
		MaxSize:   signal.Size * m.scaleFactor(usage),
		RiskScore: clamp01(usage),
	}
}

// scaleFactor implements graduated de-risking: full size below ScaleStart,
// then a linear ramp down to zero as usage reaches the limit
func (m *Manager) scaleFactor(usage float64) float64 {
	if usage <= m.config.ScaleStart {
		return 1
	}
	if usage >= 1 {
		return 0
	}
	return (1 - usage) / (1 - m.config.ScaleStart)
}

func reject(check, reason string) Approval {
	return Approval{Approved: false, Check: check, Reason: reason, MaxSize: 0, RiskScore: 1}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
