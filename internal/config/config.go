// Package config loads and validates the service configuration from
// YAML. Defaults are applied to unset fields and validation is eager,
// so a bad file fails at startup rather than mid-session.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/quantarch/tradepipe/internal/domain/gate"
	"github.com/quantarch/tradepipe/internal/domain/monitor"
	"github.com/quantarch/tradepipe/internal/domain/promotion"
	"github.com/quantarch/tradepipe/internal/domain/quantile"
	"github.com/quantarch/tradepipe/internal/domain/regime"
	"github.com/quantarch/tradepipe/internal/domain/risk"
	"github.com/quantarch/tradepipe/internal/persistence"
	"github.com/quantarch/tradepipe/internal/pipeline"
	"github.com/quantarch/tradepipe/internal/quality"
	"github.com/quantarch/tradepipe/internal/router"
	"github.com/quantarch/tradepipe/internal/tape"
)

// AppConfig holds process-level settings
type AppConfig struct {
	Environment string `yaml:"environment" default:"development" validate:"oneof=development staging production"`
	LogLevel    string `yaml:"log_level" default:"info" validate:"oneof=trace debug info warn error"`
	SessionID   string `yaml:"session_id"`
}

// HTTPConfig configures the read-only ops server
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" default:"true"`
	Addr    string `yaml:"addr" default:":8080"`
}

// RedisConfig configures the tape snapshot store
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" default:"false"`
	Addr     string        `yaml:"addr" default:"localhost:6379"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" default:"0" validate:"gte=0"`
	TTL      time.Duration `yaml:"ttl" default:"168h"`
}

// ExpertConfig is the YAML shape of one expert profile
type ExpertConfig struct {
	ID             string             `yaml:"id" validate:"required"`
	FeatureWeights []float64          `yaml:"feature_weights" validate:"required"`
	RegimeAffinity map[string]float64 `yaml:"regime_affinity"`
	RegimeBonus    map[string]float64 `yaml:"regime_bonus"`
}

// Profile converts the YAML shape into the gate's profile type
func (e ExpertConfig) Profile() gate.ExpertProfile {
	affinity := make(map[regime.Label]float64, len(e.RegimeAffinity))
	for k, v := range e.RegimeAffinity {
		affinity[regime.Label(k)] = v
	}
	bonus := make(map[regime.Label]float64, len(e.RegimeBonus))
	for k, v := range e.RegimeBonus {
		bonus[regime.Label(k)] = v
	}
	return gate.ExpertProfile{
		ID:             e.ID,
		FeatureWeights: e.FeatureWeights,
		RegimeAffinity: affinity,
		RegimeBonus:    bonus,
	}
}

// Config is the full service configuration
type Config struct {
	App       AppConfig               `yaml:"app"`
	HTTP      HTTPConfig              `yaml:"http"`
	Redis     RedisConfig             `yaml:"redis"`
	Database  persistence.Config      `yaml:"database"`
	Detector  regime.DetectorConfig   `yaml:"detector"`
	Gate      gate.Config             `yaml:"gate"`
	Estimator quantile.Config         `yaml:"estimator"`
	Guard     quality.GuardConfig     `yaml:"guard"`
	Risk      risk.ManagerConfig      `yaml:"risk"`
	Router    router.Config           `yaml:"router"`
	Tape      tape.Config             `yaml:"tape"`
	Promotion promotion.ServiceConfig `yaml:"promotion"`
	Monitor   monitor.Config          `yaml:"monitor"`
	Experts   []ExpertConfig          `yaml:"experts" validate:"min=1,dive"`
	Symbols   []pipeline.EngineConfig `yaml:"symbols" validate:"min=1,dive"`
}

// Load reads, defaults and validates a configuration file
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a Config from raw YAML bytes
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	cfg.normalize()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	for _, expert := range cfg.Experts {
		if len(expert.FeatureWeights) != cfg.Estimator.Features {
			return nil, fmt.Errorf("expert %s: %d feature weights, want %d",
				expert.ID, len(expert.FeatureWeights), cfg.Estimator.Features)
		}
	}

	// The decision loop reads fixed quantiles off every forecast; a grid
	// missing one would silently read zero.
	for _, tau := range []float64{pipeline.TauLower, pipeline.TauMedian, pipeline.TauUpper} {
		if !hasTau(cfg.Estimator.Taus, tau) {
			return nil, fmt.Errorf("estimator taus %v must include %.2f", cfg.Estimator.Taus, tau)
		}
	}
	return &cfg, nil
}

func hasTau(taus []float64, want float64) bool {
	for _, tau := range taus {
		if math.Abs(tau-want) < 1e-9 {
			return true
		}
	}
	return false
}

// normalize fills the fields the default tags cannot express
func (c *Config) normalize() {
	if len(c.Estimator.Taus) == 0 {
		c.Estimator.Taus = []float64{0.05, 0.5, 0.95}
	}
	for i := range c.Symbols {
		if c.Symbols[i].SessionID == "" {
			c.Symbols[i].SessionID = c.App.SessionID
		}
		if c.Symbols[i].Urgency == "" {
			c.Symbols[i].Urgency = router.UrgencyNormal
		}
	}
}

// FactoryConfig projects the pipeline factory's slice of the config
func (c *Config) FactoryConfig() pipeline.FactoryConfig {
	profiles := make([]gate.ExpertProfile, 0, len(c.Experts))
	for _, expert := range c.Experts {
		profiles = append(profiles, expert.Profile())
	}
	return pipeline.FactoryConfig{
		Detector:  c.Detector,
		Gate:      c.Gate,
		Estimator: c.Estimator,
		Monitor:   c.Monitor,
		Experts:   profiles,
	}
}
