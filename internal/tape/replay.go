package tape

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantarch/tradepipe/internal/models"
)

// sizeEpsilon guards the size-drift division against zero-size originals
const sizeEpsilon = 1e-9

// ReplayFn is a candidate decision function invoked against historical
// features during replay
type ReplayFn func(features models.StateVector, book models.BookSnapshot) Action

// ReplayResult compares one original action with its replayed twin
type ReplayResult struct {
	Entry    Entry   `json:"entry"`
	Replayed Action  `json:"replayed"`
	Drift    float64 `json:"drift"`
	Parity   bool    `json:"parity"`
}

// ReplayWindow re-invokes the decision function for every entry in the
// window and scores the drift between original and replayed actions.
// The window is copied up front, so replay may run in parallel with live
// recording without torn reads.
func (r *Runner) ReplayWindow(start, end time.Time, fn ReplayFn) []ReplayResult {
	window := r.Window(start, end)
	results := make([]ReplayResult, 0, len(window))

	for _, entry := range window {
		replayed := fn(entry.Features, entry.BookSnapshot)
		drift := actionDrift(entry.Action, replayed)
		parity := drift <= r.config.Tolerance

		results = append(results, ReplayResult{
			Entry:    entry,
			Replayed: replayed,
			Drift:    drift,
			Parity:   parity,
		})

		r.mu.Lock()
		r.replayed++
		r.driftTotal += drift
		alertFn := r.alertFn
		if !parity {
			r.breaches++
		}
		r.mu.Unlock()

		if !parity {
			log.Warn().
				Str("component", "tape").
				Str("entry_id", entry.ID).
				Float64("drift", drift).
				Msg("replay parity breach")
			if alertFn != nil {
				alertFn(entry, drift)
			}
		}
	}
	return results
}

// actionDrift scores how far a replayed action deviates from the
// original: a side mismatch is maximal drift, otherwise a weighted blend
// of relative size drift and confidence drift
func actionDrift(original, replayed Action) float64 {
	if original.Side != replayed.Side {
		return 1.0
	}

	sizeDrift := math.Abs(replayed.Size-original.Size) / math.Max(original.Size, sizeEpsilon)
	confidenceDrift := math.Abs(replayed.Confidence - original.Confidence)
	return 0.7*sizeDrift + 0.3*confidenceDrift
}
