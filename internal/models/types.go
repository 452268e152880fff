package models

import "time"

// DataPoint is one raw market tick from the ingestion layer
type DataPoint struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Source    string    `json:"source"`
}

// StateVector is the immutable per-decision feature bundle produced by
// the external feature pipeline. Never mutated after construction.
type StateVector struct {
	Volatility     float64 `json:"volatility"`
	Momentum       float64 `json:"momentum"`
	SentimentScore float64 `json:"sentiment_score"`
	Spread         float64 `json:"spread"`
	Imbalance      float64 `json:"imbalance"`
	Toxicity       float64 `json:"toxicity"`
	MacroBlackout  bool    `json:"macro_blackout"`
}

// Numeric returns the vector's numeric fields in a fixed order for use
// as regression/gating inputs. MacroBlackout is handled separately as a
// penalty flag, not a feature.
func (s StateVector) Numeric() []float64 {
	return []float64{
		s.Volatility,
		s.Momentum,
		s.SentimentScore,
		s.Spread,
		s.Imbalance,
		s.Toxicity,
	}
}

// Side is the direction of a proposed or executed trade
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
	Flat Side = "flat"
)

// TradeSignal is a proposed trade submitted to the risk manager
type TradeSignal struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Size       float64   `json:"size"`
	Price      float64   `json:"price"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Position is one open holding inside PortfolioState
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	ValueUSD float64 `json:"value_usd"`
}

// PortfolioState is the account view the risk manager checks against
type PortfolioState struct {
	Equity       float64             `json:"equity"`
	PeakEquity   float64             `json:"peak_equity"`
	DailyPnL     float64             `json:"daily_pnl"`
	Positions    map[string]Position `json:"positions"`
	Volatility   float64             `json:"volatility"`
	MarketStress float64             `json:"market_stress"` // 0.0-1.0
}

// BookSnapshot is the top-of-book context recorded with each decision
type BookSnapshot struct {
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	BidSize   float64   `json:"bid_size"`
	AskSize   float64   `json:"ask_size"`
	Timestamp time.Time `json:"timestamp"`
}

// MidPrice returns the book midpoint, or zero on an empty book
func (b BookSnapshot) MidPrice() float64 {
	if b.BidPrice <= 0 || b.AskPrice <= 0 {
		return 0
	}
	return (b.BidPrice + b.AskPrice) / 2
}

// SizingSnapshot is the immutable audit record of one sized decision
type SizingSnapshot struct {
	Symbol           string    `json:"symbol"`
	BaseSize         float64   `json:"base_size"`
	UncertaintyWidth float64   `json:"uncertainty_width"`
	FinalSize        float64   `json:"final_size"`
	Confidence       float64   `json:"confidence"`
	Timestamp        time.Time `json:"timestamp"`
}
