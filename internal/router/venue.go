package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantarch/tradepipe/internal/models"
)

// Order is what the router hands a venue
type Order struct {
	OrderID string
	Symbol  string
	Side    models.Side
	Size    float64
	Price   float64
	Style   string
}

// Fill is a venue's confirmation of an executed order
type Fill struct {
	VenueID string
	Size    float64
	Price   float64
}

// Venue submits orders to an execution destination
type Venue interface {
	Submit(ctx context.Context, order Order) (Fill, error)
	Name() string
}

// guardedVenue wraps a venue with a circuit breaker and a rate limiter.
// A tripped breaker fails submissions fast instead of queueing against a
// venue that is already rejecting everything.
type guardedVenue struct {
	venue   Venue
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func newGuardedVenue(venue Venue) *guardedVenue {
	settings := gobreaker.Settings{
		Name:        fmt.Sprintf("venue-%s", venue.Name()),
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("component", "router").
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("venue breaker state change")
		},
	}

	return &guardedVenue{
		venue:   venue,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (g *guardedVenue) Submit(ctx context.Context, order Order) (Fill, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Fill{}, fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.venue.Submit(ctx, order)
	})
	if err != nil {
		return Fill{}, err
	}
	return result.(Fill), nil
}

// SimVenue is a deterministic in-process venue. It fills every order at
// the submitted price plus a fixed slippage in basis points, which keeps
// replay and tests reproducible.
type SimVenue struct {
	mu          sync.Mutex
	slippageBps float64
	fills       int
}

// NewSimVenue builds a simulated venue with the given slippage
func NewSimVenue(slippageBps float64) *SimVenue {
	return &SimVenue{slippageBps: slippageBps}
}

func (v *SimVenue) Name() string { return "sim" }

func (v *SimVenue) Submit(ctx context.Context, order Order) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if order.Size <= 0 {
		return Fill{}, fmt.Errorf("sim venue: non-positive size %.6f", order.Size)
	}

	price := order.Price
	adj := order.Price * v.slippageBps / 10000
	if order.Side == models.Buy {
		price += adj
	} else {
		price -= adj
	}

	v.mu.Lock()
	v.fills++
	n := v.fills
	v.mu.Unlock()

	return Fill{
		VenueID: fmt.Sprintf("sim-%d", n),
		Size:    order.Size,
		Price:   price,
	}, nil
}

// FillCount reports how many orders the simulator has filled
func (v *SimVenue) FillCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fills
}
