// Package router turns gate weights, edge estimates and risk approvals
// into final sized orders with an execution style, and tracks the sizing
// audit trail.
package router

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantarch/tradepipe/internal/domain/risk"
	"github.com/quantarch/tradepipe/internal/models"
)

// Style is the chosen execution tactic
type Style string

const (
	StyleMaker     Style = "maker"
	StyleIOC       Style = "ioc"
	StyleFOK       Style = "fok"
	StyleTWAP      Style = "twap"
	StyleVWAP      Style = "vwap"
	StyleImmediate Style = "immediate"
)

// Urgency grades how quickly the position must be established
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// Status is the terminal state of one execution
type Status string

const (
	StatusFilled    Status = "filled"
	StatusBlocked   Status = "blocked"
	StatusCancelled Status = "cancelled"
)

// Config holds sizing and style-selection thresholds
type Config struct {
	ParticipationLimit float64       `yaml:"participation_limit" default:"0.1" validate:"gt=0,lte=1"`
	MakerSpreadBps     float64       `yaml:"maker_spread_bps" default:"20" validate:"gte=0"`
	UncertaintyShrink  float64       `yaml:"uncertainty_shrink" default:"2.0" validate:"gte=0"`
	RiskCheckTimeout   time.Duration `yaml:"risk_check_timeout" default:"2s"`
	SnapshotHistory    int           `yaml:"snapshot_history" default:"1000" validate:"gt=0"`
}

// DefaultConfig returns production routing thresholds
func DefaultConfig() Config {
	return Config{
		ParticipationLimit: 0.1,
		MakerSpreadBps:     20,
		UncertaintyShrink:  2.0,
		RiskCheckTimeout:   2 * time.Second,
		SnapshotHistory:    1000,
	}
}

// PlanContext carries everything the router needs for one decision
type PlanContext struct {
	Symbol           string
	Side             models.Side
	BaseSize         float64
	DominantWeight   float64
	Edge             float64
	UncertaintyWidth float64
	Confidence       float64
	Price            float64
	VenueVolume      float64
	Urgency          Urgency
	Book             models.BookSnapshot
	Portfolio        models.PortfolioState
}

// ExecutionPlan is the sized, styled order proposal
type ExecutionPlan struct {
	PlanID      string                `json:"plan_id"`
	Symbol      string                `json:"symbol"`
	Side        models.Side           `json:"side"`
	Style       Style                 `json:"style"`
	TargetSize  float64               `json:"target_size"`
	BaseSize    float64               `json:"base_size"`
	Uncertainty float64               `json:"uncertainty"`
	Confidence  float64               `json:"confidence"`
	Price       float64               `json:"price"`
	Portfolio   models.PortfolioState `json:"-"`
	CreatedAt   time.Time             `json:"created_at"`
}

// ExecutionRecord is the terminal outcome of one plan
type ExecutionRecord struct {
	PlanID      string    `json:"plan_id"`
	Symbol      string    `json:"symbol"`
	Status      Status    `json:"status"`
	BlockReason string    `json:"block_reason,omitempty"`
	FailedCheck string    `json:"failed_check,omitempty"`
	FilledSize  float64   `json:"filled_size"`
	FillPrice   float64   `json:"fill_price"`
	VenueID     string    `json:"venue_id,omitempty"`
	LatencyMs   float64   `json:"latency_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// RiskChecker is the approval gate execute submits plans through
type RiskChecker interface {
	CheckTradeRisk(ctx context.Context, signal models.TradeSignal, portfolio models.PortfolioState) (risk.Approval, []risk.Approval)
}

// Router plans and executes orders. One instance serves all symbols; the
// per-symbol last sizing snapshot is tracked for observability.
type Router struct {
	mu         sync.Mutex
	config     Config
	riskMgr    RiskChecker
	venue      *guardedVenue
	lastSizing map[string]models.SizingSnapshot
	history    []models.SizingSnapshot
}

// New wires the router with its risk gate and venue adapter
func New(config Config, riskMgr RiskChecker, venue Venue) *Router {
	return &Router{
		config:     config,
		riskMgr:    riskMgr,
		venue:      newGuardedVenue(venue),
		lastSizing: make(map[string]models.SizingSnapshot),
	}
}

// Plan combines the dominant gate weight, the quantile edge and a
// liquidity/impact estimate into a sized order plus an execution style.
// A zero edge plans a zero-size order (no trade is sized on optimism).
func (r *Router) Plan(pctx PlanContext) ExecutionPlan {
	target := pctx.BaseSize * pctx.DominantWeight
	if pctx.Edge <= 0 {
		target = 0
	}

	// Wider forecast intervals shrink size toward zero.
	target /= 1 + r.config.UncertaintyShrink*math.Max(0, pctx.UncertaintyWidth)

	return ExecutionPlan{
		PlanID:      uuid.NewString(),
		Symbol:      pctx.Symbol,
		Side:        pctx.Side,
		Style:       r.chooseStyle(pctx, target),
		TargetSize:  target,
		BaseSize:    pctx.BaseSize,
		Uncertainty: pctx.UncertaintyWidth,
		Confidence:  pctx.Confidence,
		Price:       pctx.Price,
		Portfolio:   pctx.Portfolio,
		CreatedAt:   time.Now(),
	}
}

// chooseStyle picks the execution tactic from participation, urgency and
// the quoted spread
func (r *Router) chooseStyle(pctx PlanContext, target float64) Style {
	participation := 0.0
	if pctx.VenueVolume > 0 {
		participation = target / pctx.VenueVolume
	}

	// Large orders relative to venue volume are worked over time.
	if participation > r.config.ParticipationLimit {
		if pctx.Urgency == UrgencyHigh {
			return StyleVWAP
		}
		return StyleTWAP
	}

	if pctx.Urgency == UrgencyHigh {
		if pctx.Confidence >= 0.9 {
			return StyleFOK
		}
		return StyleIOC
	}

	// Wide spreads reward passive placement when there is no hurry.
	if spreadBps(pctx.Book) >= r.config.MakerSpreadBps && pctx.Urgency == UrgencyLow {
		return StyleMaker
	}
	return StyleImmediate
}

// Execute submits the plan through the risk gate and the venue. A risk
// rejection produces a blocked record; venue failure or cancellation
// produces a cancelled record. The sizing snapshot is recorded exactly
// once, on fill, so a timed-out execute never double-counts.
func (r *Router) Execute(ctx context.Context, plan ExecutionPlan) ExecutionRecord {
	record := ExecutionRecord{PlanID: plan.PlanID, Symbol: plan.Symbol}

	if plan.TargetSize <= 0 {
		record.Status = StatusBlocked
		record.BlockReason = "zero target size"
		record.CompletedAt = time.Now()
		return record
	}

	signal := models.TradeSignal{
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		Size:       plan.TargetSize,
		Price:      plan.Price,
		Confidence: plan.Confidence,
		Timestamp:  plan.CreatedAt,
	}

	// Bound the risk check; a hung check is treated as a rejection.
	riskCtx, cancel := context.WithTimeout(ctx, r.config.RiskCheckTimeout)
	approval, _ := r.riskMgr.CheckTradeRisk(riskCtx, signal, plan.Portfolio)
	cancel()

	if !approval.Approved {
		record.Status = StatusBlocked
		record.BlockReason = approval.Reason
		record.FailedCheck = approval.Check
		record.CompletedAt = time.Now()
		log.Debug().
			Str("component", "router").
			Str("symbol", plan.Symbol).
			Str("reason", approval.Reason).
			Msg("execution blocked")
		return record
	}

	size := math.Min(plan.TargetSize, approval.MaxSize)
	start := time.Now()

	fill, err := r.venue.Submit(ctx, Order{
		OrderID: plan.PlanID,
		Symbol:  plan.Symbol,
		Side:    plan.Side,
		Size:    size,
		Price:   plan.Price,
		Style:   string(plan.Style),
	})
	record.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	record.CompletedAt = time.Now()

	if err != nil {
		record.Status = StatusCancelled
		record.BlockReason = err.Error()
		log.Warn().
			Str("component", "router").
			Str("symbol", plan.Symbol).
			Err(err).
			Msg("venue submission failed")
		return record
	}

	record.Status = StatusFilled
	record.FilledSize = fill.Size
	record.FillPrice = fill.Price
	record.VenueID = fill.VenueID

	r.recordSizing(models.SizingSnapshot{
		Symbol:           plan.Symbol,
		BaseSize:         plan.BaseSize,
		UncertaintyWidth: plan.Uncertainty,
		FinalSize:        fill.Size,
		Confidence:       plan.Confidence,
		Timestamp:        record.CompletedAt,
	})
	return record
}

// GetLastSizing returns the most recent sizing snapshot for a symbol
func (r *Router) GetLastSizing(symbol string) (models.SizingSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.lastSizing[symbol]
	return snap, ok
}

// SizingHistory returns a copy of the bounded snapshot history
func (r *Router) SizingHistory() []models.SizingSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SizingSnapshot(nil), r.history...)
}

func (r *Router) recordSizing(snap models.SizingSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSizing[snap.Symbol] = snap
	r.history = append(r.history, snap)
	if len(r.history) > r.config.SnapshotHistory {
		r.history = r.history[len(r.history)-r.config.SnapshotHistory:]
	}
}

func spreadBps(book models.BookSnapshot) float64 {
	mid := book.MidPrice()
	if mid <= 0 {
		return 0
	}
	return (book.AskPrice - book.BidPrice) / mid * 10000
}

// String renders a record for log lines and menus
func (rec ExecutionRecord) String() string {
	if rec.Status == StatusFilled {
		return fmt.Sprintf("%s %s filled %.4f @ %.4f", rec.PlanID[:8], rec.Symbol, rec.FilledSize, rec.FillPrice)
	}
	return fmt.Sprintf("%s %s %s: %s", rec.PlanID[:8], rec.Symbol, rec.Status, rec.BlockReason)
}
