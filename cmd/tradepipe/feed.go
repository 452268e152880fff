package main

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantarch/tradepipe/internal/models"
	"github.com/quantarch/tradepipe/internal/pipeline"
)

// runSimFeed drives an engine with a random-walk market simulation.
// Production deployments replace this with a real ingestion adapter
// pushing onto the same channel.
func runSimFeed(ctx context.Context, symbol string, interval time.Duration, ticks chan<- pipeline.Tick) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	price := 100.0 + rng.Float64()*100
	var returns []float64

	log.Info().Str("symbol", symbol).Dur("interval", interval).Msg("simulated feed started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(ticks)
			return
		case <-ticker.C:
			ret := rng.NormFloat64()*0.002 + 0.0001
			price *= 1 + ret

			returns = append(returns, ret)
			if len(returns) > 50 {
				returns = returns[1:]
			}

			spread := price * 0.0002
			tick := pipeline.Tick{
				Point: models.DataPoint{
					Symbol:    symbol,
					Timestamp: time.Now(),
					Price:     price,
					Volume:    500 + rng.Float64()*1000,
					Source:    "sim",
				},
				State: models.StateVector{
					Volatility:     rollingStd(returns),
					Momentum:       rollingMean(returns) * 100,
					SentimentScore: rng.Float64()*2 - 1,
					Spread:         spread / price,
					Imbalance:      rng.Float64()*2 - 1,
					Toxicity:       rng.Float64() * 0.3,
				},
				Book: models.BookSnapshot{
					BidPrice:  price - spread/2,
					AskPrice:  price + spread/2,
					BidSize:   100 + rng.Float64()*400,
					AskSize:   100 + rng.Float64()*400,
					Timestamp: time.Now(),
				},
				Portfolio: models.PortfolioState{
					Equity:       1e7,
					PeakEquity:   1e7,
					Positions:    map[string]models.Position{},
					Volatility:   rollingStd(returns) * math.Sqrt(252),
					MarketStress: 0.1,
				},
			}

			select {
			case ticks <- tick:
			default:
				log.Warn().Str("symbol", symbol).Msg("engine backpressure, tick dropped")
			}
		}
	}
}

func rollingMean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func rollingStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := rollingMean(xs)
	sum := 0.0
	for _, x := range xs {
		sum += (x - mu) * (x - mu)
	}
	return math.Sqrt(sum / float64(len(xs)-1))
}
