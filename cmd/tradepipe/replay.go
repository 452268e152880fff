package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantarch/tradepipe/internal/config"
	"github.com/quantarch/tradepipe/internal/models"
	"github.com/quantarch/tradepipe/internal/tape"
)

// runReplay loads a recorded session and replays it against the
// currently configured expert surface. Drift between recorded and
// replayed actions flags either nondeterminism or a config change since
// the session was captured.
func runReplay(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	sessionID, _ := cmd.Flags().GetString("session")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setLogLevel(cfg.App.LogLevel)

	if !cfg.Redis.Enabled {
		return fmt.Errorf("replay needs the redis tape store enabled")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := tape.NewRedisStore(rdb, tapeKeyPrefix, cfg.Redis.TTL)
	entries, err := store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("session %s holds no entries", sessionID)
	}

	runner := tape.NewRunner(cfg.Tape)
	runner.Import(entries)

	start := entries[0].Timestamp.Add(-time.Second)
	end := entries[len(entries)-1].Timestamp.Add(time.Second)

	results := runner.ReplayWindow(start, end, expertSurfaceFn(cfg))

	stats := runner.GetTapeStats()
	log.Info().
		Int("entries", len(results)).
		Int("breaches", stats.ParityBreaches).
		Float64("parity_rate", stats.ParityRate).
		Float64("average_drift", stats.AverageDrift).
		Msg("replay complete")

	fmt.Printf("session %s: %d entries, parity %.2f%%, average drift %.4f\n",
		sessionID, len(results), stats.ParityRate*100, stats.AverageDrift)
	return nil
}

// expertSurfaceFn builds a stateless decision function from the
// configured experts: the best raw expert score fixes the side, its
// normalized magnitude fixes size and confidence. It deliberately skips
// the online components, so drift against them is part of the report.
func expertSurfaceFn(cfg *config.Config) tape.ReplayFn {
	profiles := cfg.FactoryConfig().Experts

	return func(features models.StateVector, book models.BookSnapshot) tape.Action {
		x := features.Numeric()

		best := 0.0
		for _, p := range profiles {
			score := 0.0
			for i, w := range p.FeatureWeights {
				if i < len(x) {
					score += w * x[i]
				}
			}
			if abs(score) > abs(best) {
				best = score
			}
		}

		side := models.Buy
		if best < 0 {
			side = models.Sell
		}
		if best == 0 {
			side = models.Flat
		}

		magnitude := abs(best)
		confidence := magnitude / (1 + magnitude)

		return tape.Action{
			Side:       side,
			Size:       cfg.Symbols[0].BaseSize * confidence,
			Confidence: confidence,
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
