package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarch/tradepipe/internal/domain/regime"
)

const validYAML = `
app:
  environment: development
  log_level: debug
  session_id: session-1
experts:
  - id: trend
    feature_weights: [1, 2, 0.5, 0, 0, 0]
    regime_affinity:
      bull: 1.0
    regime_bonus:
      bull: 0.2
  - id: reversion
    feature_weights: [-1, -0.5, 0, 1, 1, 0]
    regime_affinity:
      sideways: 1.0
symbols:
  - symbol: BTC-USD
    base_size: 500
  - symbol: ETH-USD
`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 0.0625, cfg.Detector.HazardRate)
	assert.Equal(t, 1.0, cfg.Gate.Temperature)
	assert.Equal(t, []float64{0.05, 0.5, 0.95}, cfg.Estimator.Taus)
	assert.Equal(t, 10000.0, cfg.Risk.MaxPositionSize)
	assert.Equal(t, 10000, cfg.Tape.MaxTapeSize)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.Redis.Enabled)

	require.Len(t, cfg.Symbols, 2)
	assert.Equal(t, 500.0, cfg.Symbols[0].BaseSize)
	assert.Equal(t, 1000.0, cfg.Symbols[1].BaseSize)
	assert.Equal(t, "session-1", cfg.Symbols[0].SessionID)
}

func TestParse_FactoryConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	fc := cfg.FactoryConfig()
	require.Len(t, fc.Experts, 2)
	assert.Equal(t, "trend", fc.Experts[0].ID)
	assert.Equal(t, 1.0, fc.Experts[0].RegimeAffinity[regime.Bull])
	assert.Equal(t, 0.2, fc.Experts[0].RegimeBonus[regime.Bull])
}

func TestParse_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"empty", ``},
		{"no symbols", `
experts:
  - id: trend
    feature_weights: [1, 0, 0, 0, 0, 0]
`},
		{"bad log level", `
app:
  log_level: loud
experts:
  - id: trend
    feature_weights: [1, 0, 0, 0, 0, 0]
symbols:
  - symbol: BTC-USD
`},
		{"feature weight mismatch", `
experts:
  - id: trend
    feature_weights: [1, 0]
symbols:
  - symbol: BTC-USD
`},
		{"tau grid missing decision quantiles", `
estimator:
  taus: [0.1, 0.9]
experts:
  - id: trend
    feature_weights: [1, 0, 0, 0, 0, 0]
symbols:
  - symbol: BTC-USD
`},
		{"malformed yaml", `experts: [`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", cfg.Symbols[0].Symbol)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
