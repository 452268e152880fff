package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarch/tradepipe/internal/models"
)

func healthyPortfolio() models.PortfolioState {
	return models.PortfolioState{
		Equity:       100000,
		PeakEquity:   100000,
		DailyPnL:     0,
		Positions:    map[string]models.Position{},
		Volatility:   0.01,
		MarketStress: 0.1,
	}
}

func signal(size float64) models.TradeSignal {
	return models.TradeSignal{
		Symbol:     "BTC-USD",
		Side:       models.Buy,
		Size:       size,
		Price:      1.0,
		Confidence: 0.7,
		Timestamp:  time.Now(),
	}
}

func TestCheckTradeRisk_HealthyPortfolioApproves(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	combined, details := m.CheckTradeRisk(context.Background(), signal(100), healthyPortfolio())

	assert.True(t, combined.Approved)
	assert.Len(t, details, 6, "all six checks always run")
	assert.Greater(t, combined.MaxSize, 0.0)
}

func TestCheckTradeRisk_MaxSizeIsMinimumAcrossChecks(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	portfolio := healthyPortfolio()
	portfolio.DailyPnL = -800 // 80% of the daily loss limit -> scaled down

	combined, details := m.CheckTradeRisk(context.Background(), signal(100), portfolio)
	require.True(t, combined.Approved)

	minDetail := details[0].MaxSize
	for _, d := range details {
		if d.MaxSize < minDetail {
			minDetail = d.MaxSize
		}
	}
	assert.LessOrEqual(t, combined.MaxSize, minDetail)
}

func TestCheckTradeRisk_DailyLossAtLimitRejects(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	portfolio := healthyPortfolio()
	portfolio.DailyPnL = -1000 // 100% of maxDailyLoss

	combined, details := m.CheckTradeRisk(context.Background(), signal(100), portfolio)

	assert.False(t, combined.Approved)
	assert.Equal(t, 0.0, combined.MaxSize)
	assert.Contains(t, combined.Reason, "daily loss")
	assert.Len(t, details, 6, "rejection still evaluates every check for diagnostics")
}

func TestCheckTradeRisk_GraduatedDeRisking(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	mild := healthyPortfolio()
	mild.DailyPnL = -600 // 60% usage

	severe := healthyPortfolio()
	severe.DailyPnL = -900 // 90% usage

	mildApproval, _ := m.CheckTradeRisk(context.Background(), signal(100), mild)
	severeApproval, _ := m.CheckTradeRisk(context.Background(), signal(100), severe)

	require.True(t, mildApproval.Approved)
	require.True(t, severeApproval.Approved)
	assert.Greater(t, mildApproval.MaxSize, severeApproval.MaxSize,
		"size must shrink as the loss approaches the limit, not cliff")
	assert.Greater(t, severeApproval.MaxSize, 0.0)
}

func TestCheckTradeRisk_DrawdownRejects(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	portfolio := healthyPortfolio()
	portfolio.PeakEquity = 100000
	portfolio.Equity = 80000 // 20% drawdown > 15% limit

	combined, _ := m.CheckTradeRisk(context.Background(), signal(100), portfolio)
	assert.False(t, combined.Approved)
	assert.Contains(t, combined.Reason, "drawdown")
}

func TestCheckTradeRisk_ConcentrationCountsExistingExposure(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	portfolio := healthyPortfolio()
	portfolio.Positions["BTC-USD"] = models.Position{Symbol: "BTC-USD", ValueUSD: 24000}

	// Existing 24% exposure plus a new 2% order breaches the 25% cap.
	s := signal(2000)
	combined, _ := m.CheckTradeRisk(context.Background(), s, portfolio)
	assert.False(t, combined.Approved)
	assert.Contains(t, combined.Reason, "concentration")
}

func TestCheckTradeRisk_VolatilityAndStressThresholds(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	volPortfolio := healthyPortfolio()
	volPortfolio.Volatility = 0.10
	combined, _ := m.CheckTradeRisk(context.Background(), signal(100), volPortfolio)
	assert.False(t, combined.Approved)
	assert.Contains(t, combined.Reason, "volatility")

	stressPortfolio := healthyPortfolio()
	stressPortfolio.MarketStress = 0.95
	combined, _ = m.CheckTradeRisk(context.Background(), signal(100), stressPortfolio)
	assert.False(t, combined.Approved)
	assert.Contains(t, combined.Reason, "stress")
}

func TestCheckTradeRisk_OversizedOrderRejects(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	combined, _ := m.CheckTradeRisk(context.Background(), signal(20000), healthyPortfolio())
	assert.False(t, combined.Approved)
	assert.Contains(t, combined.Reason, "position limit")
}

func TestCheckTradeRisk_CancelledContextFailsClosed(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	combined, _ := m.CheckTradeRisk(ctx, signal(100), healthyPortfolio())
	assert.False(t, combined.Approved)
	assert.Equal(t, 0.0, combined.MaxSize)
}

func TestCheckTradeRisk_RiskScoreIsAverage(t *testing.T) {
	m := NewManager(DefaultManagerConfig())

	combined, details := m.CheckTradeRisk(context.Background(), signal(100), healthyPortfolio())

	sum := 0.0
	for _, d := range details {
		sum += d.RiskScore
	}
	assert.InDelta(t, sum/float64(len(details)), combined.RiskScore, 1e-9)
}
