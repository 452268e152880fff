package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/quantarch/tradepipe/internal/domain/promotion"
	"github.com/quantarch/tradepipe/internal/models"
)

// SizingRepo persists the router's per-fill sizing snapshots. A nil db
// makes every method a no-op.
type SizingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Save inserts one sizing snapshot
func (r *SizingRepo) Save(ctx context.Context, snap models.SizingSnapshot) error {
	if r.db == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO sizing_snapshots (symbol, base_size, uncertainty_width, final_size, confidence, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.ExecContext(ctx, query,
		snap.Symbol, snap.BaseSize, snap.UncertaintyWidth,
		snap.FinalSize, snap.Confidence, snap.Timestamp); err != nil {
		return fmt.Errorf("insert sizing snapshot: %w", err)
	}
	return nil
}

// Recent returns the most recent snapshots for a symbol, newest first
func (r *SizingRepo) Recent(ctx context.Context, symbol string, limit int) ([]models.SizingSnapshot, error) {
	if r.db == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, base_size, uncertainty_width, final_size, confidence, ts
		FROM sizing_snapshots
		WHERE symbol = $1
		ORDER BY ts DESC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query sizing snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.SizingSnapshot
	for rows.Next() {
		var snap models.SizingSnapshot
		if err := rows.Scan(&snap.Symbol, &snap.BaseSize, &snap.UncertaintyWidth,
			&snap.FinalSize, &snap.Confidence, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("scan sizing snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PromotionRepo persists champion/challenger decisions
type PromotionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Save inserts one promotion decision
func (r *PromotionRepo) Save(ctx context.Context, decision promotion.Decision, decidedAt time.Time) error {
	if r.db == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO promotion_decisions (challenger_id, champion_id, promoted, p_value, reason, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.ExecContext(ctx, query,
		decision.ChallengerID, decision.ChampionID, decision.Promoted,
		decision.PValue, decision.Reason, decidedAt); err != nil {
		return fmt.Errorf("insert promotion decision: %w", err)
	}
	return nil
}

// StoredDecision is a promotion decision as read back from the database
type StoredDecision struct {
	ChallengerID string    `db:"challenger_id"`
	ChampionID   string    `db:"champion_id"`
	Promoted     bool      `db:"promoted"`
	PValue       float64   `db:"p_value"`
	Reason       string    `db:"reason"`
	DecidedAt    time.Time `db:"decided_at"`
}

// List returns the most recent decisions, newest first
func (r *PromotionRepo) List(ctx context.Context, limit int) ([]StoredDecision, error) {
	if r.db == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT challenger_id, champion_id, promoted, p_value, reason, decided_at
		FROM promotion_decisions
		ORDER BY decided_at DESC
		LIMIT $1`

	var out []StoredDecision
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("query promotion decisions: %w", err)
	}
	return out, nil
}
