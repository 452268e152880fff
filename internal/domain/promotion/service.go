// Package promotion governs champion/challenger policy promotion via a
// Superior Predictive Ability hypothesis test over paired returns.
package promotion

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PolicyRecord tracks one policy's return stream and derived stats
type PolicyRecord struct {
	PolicyID     string    `json:"policy_id"`
	Returns      []float64 `json:"returns"`
	IsChampion   bool      `json:"is_champion"`
	SharpeRatio  float64   `json:"sharpe_ratio"`
	WinRate      float64   `json:"win_rate"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	SPAStatistic float64   `json:"spa_statistic"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Decision is the outcome of one promotion evaluation
type Decision struct {
	Promoted     bool    `json:"promoted"`
	PValue       float64 `json:"p_value"`
	Reason       string  `json:"reason"`
	ChampionID   string  `json:"champion_id"`
	ChallengerID string  `json:"challenger_id"`
}

// ServiceConfig tunes the SPA test
type ServiceConfig struct {
	MinSamples          int     `yaml:"min_samples" default:"50" validate:"gt=1"`
	BootstrapResamples  int     `yaml:"bootstrap_resamples" default:"1000" validate:"gte=100"`
	MeanBlockLength     float64 `yaml:"mean_block_length" default:"10" validate:"gte=1"`
	SignificanceLevel   float64 `yaml:"significance_level" default:"0.05" validate:"gt=0,lt=1"`
	MaxReturnsPerPolicy int     `yaml:"max_returns_per_policy" default:"10000" validate:"gt=0"`
	Seed                int64   `yaml:"seed" default:"0"`
}

// DefaultServiceConfig returns the production test parameters
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MinSamples:          50,
		BootstrapResamples:  1000,
		MeanBlockLength:     10,
		SignificanceLevel:   0.05,
		MaxReturnsPerPolicy: 10000,
	}
}

// Service holds policy records and runs promotion evaluations. Appends
// interleave safely with evaluations: evaluation copies the return
// sequences under the lock, then releases it for the bootstrap.
type Service struct {
	mu       sync.Mutex
	config   ServiceConfig
	policies map[string]*PolicyRecord
	champion string
}

// NewService creates an empty registry; the first policy seen becomes
// champion so exactly one champion exists at all times
func NewService(config ServiceConfig) *Service {
	return &Service{
		config:   config,
		policies: make(map[string]*PolicyRecord),
	}
}

// AddPolicyReturn appends one realized return to a policy, creating the
// record on first sight
func (s *Service) AddPolicyReturn(policyID string, ret float64) {
	if math.IsNaN(ret) || math.IsInf(ret, 0) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.policies[policyID]
	if !ok {
		rec = &PolicyRecord{PolicyID: policyID}
		s.policies[policyID] = rec
		if s.champion == "" {
			rec.IsChampion = true
			s.champion = policyID
			log.Info().Str("component", "promotion").Str("policy", policyID).Msg("seeded initial champion")
		}
	}

	rec.Returns = append(rec.Returns, ret)
	if len(rec.Returns) > s.config.MaxReturnsPerPolicy {
		rec.Returns = rec.Returns[len(rec.Returns)-s.config.MaxReturnsPerPolicy:]
	}
	rec.UpdatedAt = time.Now()
}

// Champion returns the current champion's policy id
func (s *Service) Champion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.champion
}

// Policies returns copies of all records with stats recomputed
func (s *Service) Policies() []PolicyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PolicyRecord, 0, len(s.policies))
	for _, rec := range s.policies {
		cp := *rec
		cp.Returns = append([]float64(nil), rec.Returns...)
		cp.SharpeRatio, cp.WinRate, cp.MaxDrawdown = performanceStats(cp.Returns)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

// EvaluatePromotion runs the SPA test of the challenger against the
// current champion. Below the minimum paired sample size it returns a
// "not yet decidable" result, never an error. Promotion requires both a
// significant p-value and a higher challenger mean.
func (s *Service) EvaluatePromotion(challengerID string) Decision {
	s.mu.Lock()
	champID := s.champion
	challenger, hasChallenger := s.policies[challengerID]
	champ, hasChamp := s.policies[champID]

	decision := Decision{ChampionID: champID, ChallengerID: challengerID, PValue: 1}

	if !hasChallenger || !hasChamp {
		s.mu.Unlock()
		decision.Reason = "Missing policy data"
		return decision
	}
	if challengerID == champID {
		s.mu.Unlock()
		decision.Reason = "Challenger is already champion"
		return decision
	}

	// Copy-on-read so appends can continue while the bootstrap runs.
	challengerReturns := append([]float64(nil), challenger.Returns...)
	championReturns := append([]float64(nil), champ.Returns...)
	s.mu.Unlock()

	n := min(len(challengerReturns), len(championReturns))
	if n < s.config.MinSamples {
		decision.Reason = "Insufficient data"
		return decision
	}

	// Paired differentials over the most recent n observations.
	diffs := make([]float64, n)
	for i := 0; i < n; i++ {
		diffs[i] = challengerReturns[len(challengerReturns)-n+i] - championReturns[len(championReturns)-n+i]
	}

	stat, pValue := s.spaTest(diffs)
	decision.PValue = pValue

	meanDiff := mean(diffs)
	switch {
	case meanDiff <= 0:
		decision.Reason = fmt.Sprintf("Challenger mean does not exceed champion (diff=%.6f)", meanDiff)
	case pValue > s.config.SignificanceLevel:
		decision.Reason = fmt.Sprintf("Not significant (p=%.4f > %.2f)", pValue, s.config.SignificanceLevel)
	default:
		decision.Promoted = true
		decision.Reason = fmt.Sprintf("Challenger superior (p=%.4f)", pValue)
	}

	s.mu.Lock()
	if rec, ok := s.policies[challengerID]; ok {
		rec.SPAStatistic = stat
	}
	if decision.Promoted {
		s.promoteLocked(challengerID)
	}
	s.mu.Unlock()

	return decision
}

// promoteLocked flips the champion flag atomically: exactly one record
// carries IsChampion after any evaluation sequence
func (s *Service) promoteLocked(policyID string) {
	if prev, ok := s.policies[s.champion]; ok {
		prev.IsChampion = false
	}
	s.policies[policyID].IsChampion = true
	prev := s.champion
	s.champion = policyID

	log.Info().
		Str("component", "promotion").
		Str("previous_champion", prev).
		Str("new_champion", policyID).
		Msg("challenger promoted")
}

// spaTest computes the Studentized mean differential and a p-value via
// the stationary bootstrap (Politis-Romano, geometric block lengths).
// The bootstrap statistic is centered on the sample mean, so identical
// distributions yield a finite p-value near one-half, never NaN.
func (s *Service) spaTest(diffs []float64) (stat float64, pValue float64) {
	n := len(diffs)
	mu := mean(diffs)
	sd := stddev(diffs, mu)

	if sd == 0 {
		// Degenerate pair streams: no evidence either way.
		return 0, 1
	}

	se := sd / math.Sqrt(float64(n))
	stat = mu / se

	rng := rand.New(rand.NewSource(s.seed()))
	p := 1 / s.config.MeanBlockLength

	exceed := 0
	for b := 0; b < s.config.BootstrapResamples; b++ {
		sum := 0.0
		idx := rng.Intn(n)
		for i := 0; i < n; i++ {
			sum += diffs[idx]
			// Geometric block continuation: with probability p start a new
			// block at a uniform index, otherwise continue sequentially.
			if rng.Float64() < p {
				idx = rng.Intn(n)
			} else {
				idx = (idx + 1) % n
			}
		}
		bootMean := sum / float64(n)
		bootStat := (bootMean - mu) / se
		if bootStat >= stat {
			exceed++
		}
	}

	pValue = float64(exceed) / float64(s.config.BootstrapResamples)
	return stat, pValue
}

func (s *Service) seed() int64 {
	if s.config.Seed != 0 {
		return s.config.Seed
	}
	return time.Now().UnixNano()
}

// performanceStats derives sharpe, win rate and max drawdown from a
// return stream
func performanceStats(returns []float64) (sharpe, winRate, maxDrawdown float64) {
	if len(returns) == 0 {
		return 0, 0, 0
	}

	mu := mean(returns)
	sd := stddev(returns, mu)
	if sd > 0 {
		sharpe = mu / sd * math.Sqrt(252)
	}

	wins := 0
	equity, peak := 1.0, 1.0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	winRate = float64(wins) / float64(len(returns))
	return sharpe, winRate, maxDrawdown
}

func mean(xs []float64) float64 {
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, mu float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	ss := 0.0
	for _, x := range xs {
		ss += (x - mu) * (x - mu)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
