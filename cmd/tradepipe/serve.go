package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantarch/tradepipe/internal/config"
	"github.com/quantarch/tradepipe/internal/domain/promotion"
	"github.com/quantarch/tradepipe/internal/domain/risk"
	httpiface "github.com/quantarch/tradepipe/internal/interfaces/http"
	"github.com/quantarch/tradepipe/internal/metrics"
	"github.com/quantarch/tradepipe/internal/persistence"
	"github.com/quantarch/tradepipe/internal/pipeline"
	"github.com/quantarch/tradepipe/internal/quality"
	"github.com/quantarch/tradepipe/internal/router"
	"github.com/quantarch/tradepipe/internal/tape"
)

const tapeKeyPrefix = "tradepipe:tape"

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	tickInterval, _ := cmd.Flags().GetDuration("tick-interval")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setLogLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	guard := quality.NewGuard(cfg.Guard)
	riskMgr := risk.NewManager(cfg.Risk)
	rt := router.New(cfg.Router, riskMgr, router.NewSimVenue(2))
	promo := promotion.NewService(cfg.Promotion)

	runner := tape.NewRunner(cfg.Tape)
	runner.SetAlertFn(func(entry tape.Entry, drift float64) {
		collector.ReplayBreaches.Inc()
		collector.ReplayDrift.Observe(drift)
	})

	store, err := persistence.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	var tapeStore *tape.RedisStore
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		tapeStore = tape.NewRedisStore(rdb, tapeKeyPrefix, cfg.Redis.TTL)

		if entries, err := tapeStore.Load(ctx, cfg.App.SessionID); err == nil {
			runner.Import(entries)
			log.Info().Int("entries", len(entries)).Msg("tape session restored")
		}
	}

	factory := pipeline.NewFactory(cfg.FactoryConfig(), guard, rt, runner, promo, collector)

	for _, symCfg := range cfg.Symbols {
		eng, err := factory.Engine(symCfg)
		if err != nil {
			return err
		}

		ticks := make(chan pipeline.Tick, 64)
		go eng.Run(ctx, ticks)
		go runSimFeed(ctx, symCfg.Symbol, tickInterval, ticks)
	}

	go promotionLoop(ctx, promo, store, collector)
	go sizingFlusher(ctx, rt, store)

	if cfg.HTTP.Enabled {
		server := httpiface.NewServer(cfg.HTTP.Addr, factory, guard, rt, runner, promo, collector)
		if err := server.Start(ctx); err != nil {
			return err
		}
	} else {
		<-ctx.Done()
	}

	if tapeStore != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tapeStore.Save(saveCtx, cfg.App.SessionID, runner.Export()); err != nil {
			log.Error().Err(err).Msg("tape snapshot save failed")
		} else {
			log.Info().Msg("tape session saved")
		}
	}

	log.Info().Msg("shutdown complete")
	return nil
}

// promotionLoop periodically evaluates every challenger against the
// champion and persists each decision
func promotionLoop(ctx context.Context, promo *promotion.Service, store *persistence.Store, collector *metrics.Collector) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, policy := range promo.Policies() {
				if policy.IsChampion {
					continue
				}
				decision := promo.EvaluatePromotion(policy.PolicyID)
				collector.PromotionPValue.Set(decision.PValue)

				if err := store.Promos.Save(ctx, decision, time.Now()); err != nil {
					log.Error().Err(err).Msg("persist promotion decision failed")
				}
				if decision.Promoted {
					log.Info().
						Str("challenger", decision.ChallengerID).
						Float64("p_value", decision.PValue).
						Msg("policy promoted to champion")
				}
			}
		}
	}
}

// sizingFlusher persists sizing snapshots the router has produced since
// the previous pass
func sizingFlusher(ctx context.Context, rt *router.Router, store *persistence.Store) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var lastSaved time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range rt.SizingHistory() {
				if !snap.Timestamp.After(lastSaved) {
					continue
				}
				if err := store.Sizing.Save(ctx, snap); err != nil {
					log.Error().Err(err).Msg("persist sizing snapshot failed")
					break
				}
				lastSaved = snap.Timestamp
			}
		}
	}
}
