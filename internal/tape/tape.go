// Package tape records every decision with its full context and replays
// historical windows through candidate decision functions to verify
// live-versus-simulation parity.
package tape

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantarch/tradepipe/internal/models"
)

// Action is the decision side and size recorded on the tape
type Action struct {
	Side       models.Side `json:"side"`
	Size       float64     `json:"size"`
	Confidence float64     `json:"confidence"`
}

// Result is what actually happened after the action
type Result struct {
	Status    string  `json:"status"` // "filled", "blocked", "cancelled"
	FillPrice float64 `json:"fill_price"`
	PnL       float64 `json:"pnl"`
}

// Entry is one append-only tape record
type Entry struct {
	ID           string              `json:"id"`
	Timestamp    time.Time           `json:"timestamp"`
	Features     models.StateVector  `json:"features"`
	BookSnapshot models.BookSnapshot `json:"book_snapshot"`
	Action       Action              `json:"action"`
	Result       Result              `json:"result"`
	SessionID    string              `json:"session_id"`
}

// Config bounds the tape and sets the parity tolerance
type Config struct {
	MaxTapeSize int     `yaml:"max_tape_size" default:"10000" validate:"gt=0"`
	Tolerance   float64 `yaml:"tolerance" default:"0.05" validate:"gt=0"`
}

// DefaultConfig returns the production tape bounds
func DefaultConfig() Config {
	return Config{MaxTapeSize: 10000, Tolerance: 0.05}
}

// Stats aggregates all replay invocations to date. Parity rate is the
// primary live/simulation-consistency health signal.
type Stats struct {
	Entries        int     `json:"entries"`
	ReplayedTotal  int     `json:"replayed_total"`
	ParityBreaches int     `json:"parity_breaches"`
	ParityRate     float64 `json:"parity_rate"`
	AverageDrift   float64 `json:"average_drift"`
}

// AlertFn fires on a parity breach during replay
type AlertFn func(entry Entry, drift float64)

// Runner owns the ring buffer. Recording is mutex-guarded; replay
// operates on a copied window so it can run while recording continues.
type Runner struct {
	mu      sync.Mutex
	config  Config
	entries []Entry
	alertFn AlertFn

	replayed   int
	breaches   int
	driftTotal float64
}

// NewRunner builds an empty tape
func NewRunner(config Config) *Runner {
	return &Runner{config: config}
}

// SetAlertFn installs the optional parity-breach callback
func (r *Runner) SetAlertFn(fn AlertFn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alertFn = fn
}

// RecordToTape appends one entry, evicting the oldest past MaxTapeSize
func (r *Runner) RecordToTape(features models.StateVector, book models.BookSnapshot, action Action, result Result, sessionID string) Entry {
	entry := Entry{
		ID:           uuid.NewString(),
		Timestamp:    time.Now(),
		Features:     features,
		BookSnapshot: book,
		Action:       action,
		Result:       result,
		SessionID:    sessionID,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entry)
	if len(r.entries) > r.config.MaxTapeSize {
		r.entries = r.entries[len(r.entries)-r.config.MaxTapeSize:]
	}
	return entry
}

// Window returns a copy of the entries inside [start, end]
func (r *Runner) Window(start, end time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0)
	for _, e := range r.entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out
}

// Export returns a full copy of the tape for offline analysis
func (r *Runner) Export() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Import replaces the tape with a previously exported snapshot,
// truncating to MaxTapeSize
func (r *Runner) Import(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := append([]Entry(nil), entries...)
	if len(cp) > r.config.MaxTapeSize {
		cp = cp[len(cp)-r.config.MaxTapeSize:]
	}
	r.entries = cp
}

// GetTapeStats reports parity rate and average drift across all replays
func (r *Runner) GetTapeStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Entries:        len(r.entries),
		ReplayedTotal:  r.replayed,
		ParityBreaches: r.breaches,
	}
	if r.replayed > 0 {
		s.ParityRate = float64(r.replayed-r.breaches) / float64(r.replayed)
		s.AverageDrift = r.driftTotal / float64(r.replayed)
	}
	return s
}
