package regime

import (
	"math"
	"sync"
	"time"
)

// Label classifies the current market regime
type Label string

const (
	Bull     Label = "bull"
	Bear     Label = "bear"
	Sideways Label = "sideways"
	Volatile Label = "volatile"
)

// State is the read-only snapshot handed downstream after each update
type State struct {
	Probabilities map[Label]float64 `json:"probabilities"`
	RunLength     int               `json:"run_length"`
	LastChangeAt  time.Time         `json:"last_change_at"`
	Label         Label             `json:"label"`
	Confidence    float64           `json:"confidence"`
	Degraded      bool              `json:"degraded"`
}

// DetectorConfig holds BOCPD tuning parameters
type DetectorConfig struct {
	HazardRate     float64 `yaml:"hazard_rate" default:"0.0625" validate:"gt=0,lt=1"`
	MaxRunLength   int     `yaml:"max_run_length" default:"500" validate:"gt=10"`
	PruneThreshold float64 `yaml:"prune_threshold" default:"0.000000001"`

	// Regime classification thresholds on the MAP segment statistics.
	// Mean is per-tick return, vol is per-tick standard deviation.
	BullMeanThreshold float64 `yaml:"bull_mean_threshold" default:"0.0005"`
	BearMeanThreshold float64 `yaml:"bear_mean_threshold" default:"-0.0005"`
	VolatileThreshold float64 `yaml:"volatile_threshold" default:"0.02"`
	ChangeMassTrigger float64 `yaml:"change_mass_trigger" default:"0.5"`
}

// DefaultDetectorConfig returns the production hazard and thresholds
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		HazardRate:        1.0 / 16.0,
		MaxRunLength:      500,
		PruneThreshold:    1e-9,
		BullMeanThreshold: 0.0005,
		BearMeanThreshold: -0.0005,
		VolatileThreshold: 0.02,
		ChangeMassTrigger: 0.5,
	}
}

// runStats holds Normal-Inverse-Gamma sufficient statistics for one
// hypothesized run length
type runStats struct {
	mu    float64
	kappa float64
	alpha float64
	beta  float64
}

// Detector maintains a Bayesian online change-point posterior over the
// number of ticks since the last regime change. One instance per symbol,
// single writer.
type Detector struct {
	mu sync.Mutex

	config DetectorConfig

	// Run-length posterior in log space. Pruning compacts the slices, so
	// index does not equal run length; runLens carries the true count of
	// ticks each surviving hypothesis has accumulated.
	logProbs []float64
	stats    []runStats
	runLens  []int

	prior        runStats
	state        State
	observations int
	lastChangeAt time.Time
}

// NewDetector seeds the posterior at run length zero with the prior
func NewDetector(config DetectorConfig) *Detector {
	prior := runStats{mu: 0, kappa: 1, alpha: 1, beta: 1e-6}
	return &Detector{
		config:       config,
		logProbs:     []float64{0}, // log(1)
		stats:        []runStats{prior},
		runLens:      []int{0},
		prior:        prior,
		lastChangeAt: time.Now(),
		state: State{
			Probabilities: map[Label]float64{Sideways: 1},
			Label:         Sideways,
			Confidence:    1,
		},
	}
}

// Update folds one return observation into the run-length posterior and
// reclassifies the regime. Extreme or zero returns must never break the
// recursion: mass arithmetic stays in log space and the posterior is
// renormalized every step. On numerical degeneracy the detector keeps the
// previous state and flags it degraded.
func (d *Detector) Update(ret float64) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	if math.IsNaN(ret) || math.IsInf(ret, 0) {
		d.state.Degraded = true
		return d.snapshotLocked()
	}

	logHazard := math.Log(d.config.HazardRate)
	logGrowth := math.Log(1 - d.config.HazardRate)

	n := len(d.logProbs)
	newLogProbs := make([]float64, n+1)
	newStats := make([]runStats, n+1)
	newRunLens := make([]int, n+1)

	// Change-point mass: hazard times the predictive-weighted mass summed
	// over all current hypotheses, accumulated in log space.
	changeMass := math.Inf(-1)

	for r := 0; r < n; r++ {
		joint := d.logProbs[r] + studentTLogPDF(ret, d.stats[r])

		newLogProbs[r+1] = joint + logGrowth
		changeMass = logSumExp(changeMass, joint+logHazard)

		newStats[r+1] = posteriorUpdate(d.stats[r], ret)
		newRunLens[r+1] = d.runLens[r] + 1
	}

	newLogProbs[0] = changeMass
	newStats[0] = d.prior
	newRunLens[0] = 0

	// Renormalize; if every hypothesis underflowed keep the previous
	// posterior rather than propagating -Inf.
	total := math.Inf(-1)
	for _, lp := range newLogProbs {
		total = logSumExp(total, lp)
	}
	if math.IsInf(total, -1) || math.IsNaN(total) {
		d.state.Degraded = true
		return d.snapshotLocked()
	}
	for i := range newLogProbs {
		newLogProbs[i] -= total
	}

	d.logProbs, d.stats, d.runLens = d.pruneAndTruncate(newLogProbs, newStats, newRunLens)
	d.observations++

	prevRun := d.state.RunLength
	mapIdx := d.mapIndexLocked()
	if d.runLens[mapIdx] < prevRun && d.changeMassLocked() >= d.config.ChangeMassTrigger {
		d.lastChangeAt = time.Now()
	}

	d.state = d.classifyLocked(mapIdx)
	return d.snapshotLocked()
}

// Snapshot returns the last computed state without observing new data
func (d *Detector) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *Detector) snapshotLocked() State {
	probs := make(map[Label]float64, len(d.state.Probabilities))
	for k, v := range d.state.Probabilities {
		probs[k] = v
	}
	s := d.state
	s.Probabilities = probs
	return s
}

// mapIndexLocked returns the index of the hypothesis with maximum
// posterior mass
func (d *Detector) mapIndexLocked() int {
	best, bestLP := 0, math.Inf(-1)
	for r, lp := range d.logProbs {
		if lp > bestLP {
			best, bestLP = r, lp
		}
	}
	return best
}

// changeMassLocked is the posterior mass on run lengths <=1, used to
// decide whether a drop in the MAP run length is a real change point
func (d *Detector) changeMassLocked() float64 {
	mass := 0.0
	for r := 0; r < len(d.logProbs) && d.runLens[r] <= 1; r++ {
		mass += math.Exp(d.logProbs[r])
	}
	return mass
}

// classifyLocked maps the MAP segment statistics onto the four regime
// labels and builds the soft distribution from all surviving hypotheses
func (d *Detector) classifyLocked(mapIdx int) State {
	probs := map[Label]float64{Bull: 0, Bear: 0, Sideways: 0, Volatile: 0}

	for r, lp := range d.logProbs {
		w := math.Exp(lp)
		if w <= 0 {
			continue
		}
		probs[d.labelFor(d.stats[r])] += w
	}
	normalize(probs)

	mapIdx = clampIndex(mapIdx, len(d.stats))
	mapLabel := d.labelFor(d.stats[mapIdx])

	return State{
		Probabilities: probs,
		RunLength:     d.runLens[mapIdx],
		LastChangeAt:  d.lastChangeAt,
		Label:         mapLabel,
		Confidence:    probs[mapLabel],
	}
}

// labelFor applies the fixed mean/volatility heuristics. High variance
// wins regardless of mean.
func (d *Detector) labelFor(s runStats) Label {
	variance := s.beta / (s.alpha * s.kappa) * (s.kappa + 1)
	vol := math.Sqrt(math.Max(variance, 0))

	switch {
	case vol > d.config.VolatileThreshold:
		return Volatile
	case s.mu > d.config.BullMeanThreshold:
		return Bull
	case s.mu < d.config.BearMeanThreshold:
		return Bear
	default:
		return Sideways
	}
}

// pruneAndTruncate drops negligible-mass hypotheses, caps the tail at
// MaxRunLength and renormalizes the survivors. Run lengths grow strictly
// with index, so the cap is a prefix cut.
func (d *Detector) pruneAndTruncate(logProbs []float64, stats []runStats, runLens []int) ([]float64, []runStats, []int) {
	logPrune := math.Log(d.config.PruneThreshold)

	keptLP := make([]float64, 0, len(logProbs))
	keptStats := make([]runStats, 0, len(stats))
	keptRuns := make([]int, 0, len(runLens))
	for r := range logProbs {
		if runLens[r] > d.config.MaxRunLength {
			break
		}
		// Run lengths 0 and 1 always survive so the change hypothesis is
		// never pruned away.
		if runLens[r] > 1 && logProbs[r] < logPrune {
			continue
		}
		keptLP = append(keptLP, logProbs[r])
		keptStats = append(keptStats, stats[r])
		keptRuns = append(keptRuns, runLens[r])
	}

	total := math.Inf(-1)
	for _, lp := range keptLP {
		total = logSumExp(total, lp)
	}
	for i := range keptLP {
		keptLP[i] -= total
	}
	return keptLP, keptStats, keptRuns
}

// posteriorUpdate folds one observation into NIG sufficient statistics
func posteriorUpdate(s runStats, x float64) runStats {
	kappaNew := s.kappa + 1
	return runStats{
		mu:    (s.kappa*s.mu + x) / kappaNew,
		kappa: kappaNew,
		alpha: s.alpha + 0.5,
		beta:  s.beta + s.kappa*(x-s.mu)*(x-s.mu)/(2*kappaNew),
	}
}

// studentTLogPDF is the posterior predictive density of x under NIG stats
func studentTLogPDF(x float64, s runStats) float64 {
	nu := 2 * s.alpha
	scale2 := s.beta * (s.kappa + 1) / (s.alpha * s.kappa)
	if scale2 <= 0 {
		scale2 = 1e-12
	}

	z2 := (x - s.mu) * (x - s.mu) / scale2
	lg1, _ := math.Lgamma((nu + 1) / 2)
	lg2, _ := math.Lgamma(nu / 2)

	return lg1 - lg2 -
		0.5*math.Log(nu*math.Pi*scale2) -
		(nu+1)/2*math.Log1p(z2/nu)
}

func logSumExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	m := math.Max(a, b)
	return m + math.Log(math.Exp(a-m)+math.Exp(b-m))
}

func normalize(probs map[Label]float64) {
	total := 0.0
	for _, v := range probs {
		total += v
	}
	if total <= 0 {
		probs[Sideways] = 1
		return
	}
	for k := range probs {
		probs[k] /= total
	}
}

func clampIndex(i, n int) int {
	if i >= n {
		return n - 1
	}
	if i < 0 {
		return 0
	}
	return i
}
