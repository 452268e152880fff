package pipeline

import (
	"fmt"
	"sync"

	"github.com/quantarch/tradepipe/internal/domain/gate"
	"github.com/quantarch/tradepipe/internal/domain/monitor"
	"github.com/quantarch/tradepipe/internal/domain/promotion"
	"github.com/quantarch/tradepipe/internal/domain/quantile"
	"github.com/quantarch/tradepipe/internal/domain/regime"
	"github.com/quantarch/tradepipe/internal/metrics"
	"github.com/quantarch/tradepipe/internal/quality"
	"github.com/quantarch/tradepipe/internal/router"
	"github.com/quantarch/tradepipe/internal/tape"
)

// FactoryConfig collects the component configs the factory hands out.
// Regime, gating, estimation and monitoring state is per symbol; the
// guard, router, tape and promotion service are shared across symbols.
type FactoryConfig struct {
	Detector  regime.DetectorConfig
	Gate      gate.Config
	Estimator quantile.Config
	Monitor   monitor.Config
	Experts   []gate.ExpertProfile
}

// Factory builds one Engine per symbol over a shared infrastructure
// core. Engines for the same symbol are cached.
type Factory struct {
	mu        sync.Mutex
	config    FactoryConfig
	guard     *quality.Guard
	router    *router.Router
	tape      *tape.Runner
	promotion *promotion.Service
	collector *metrics.Collector
	engines   map[string]*Engine
}

// NewFactory wires the factory around the shared components. The
// collector may be nil when metrics are not wanted, as in tests.
func NewFactory(config FactoryConfig, guard *quality.Guard, rt *router.Router, tp *tape.Runner, promo *promotion.Service, collector *metrics.Collector) *Factory {
	return &Factory{
		config:    config,
		guard:     guard,
		router:    rt,
		tape:      tp,
		promotion: promo,
		collector: collector,
		engines:   make(map[string]*Engine),
	}
}

// Engine returns the engine for a symbol, constructing it on first use
func (f *Factory) Engine(cfg EngineConfig) (*Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if eng, ok := f.engines[cfg.Symbol]; ok {
		return eng, nil
	}

	estimator, err := quantile.NewEstimator(f.config.Estimator)
	if err != nil {
		return nil, fmt.Errorf("estimator for %s: %w", cfg.Symbol, err)
	}

	g := gate.New(f.config.Gate)
	expertIDs := make([]string, 0, len(f.config.Experts))
	for _, profile := range f.config.Experts {
		if err := g.RegisterExpert(profile); err != nil {
			return nil, fmt.Errorf("register expert %s: %w", profile.ID, err)
		}
		expertIDs = append(expertIDs, profile.ID)
	}
	if len(expertIDs) == 0 {
		return nil, fmt.Errorf("engine for %s: no experts configured", cfg.Symbol)
	}

	eng := &Engine{
		cfg:       cfg,
		guard:     f.guard,
		detector:  regime.NewDetector(f.config.Detector),
		gating:    g,
		estimator: estimator,
		router:    f.router,
		tape:      f.tape,
		monitor:   monitor.New(f.config.Monitor),
		promotion: f.promotion,
		collector: f.collector,
		expertIDs: expertIDs,
	}
	f.engines[cfg.Symbol] = eng
	return eng, nil
}

// Engines returns the engines built so far
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*Engine, 0, len(f.engines))
	for _, eng := range f.engines {
		out = append(out, eng)
	}
	return out
}

// EngineFor looks up an already-built engine by symbol
func (f *Factory) EngineFor(symbol string) (*Engine, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eng, ok := f.engines[symbol]
	return eng, ok
}
