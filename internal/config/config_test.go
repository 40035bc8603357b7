package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.9, cfg.Lifecycle.HighWaterMark)
	assert.Equal(t, 0.95, cfg.Classifier.CacheHitScore)
	assert.Equal(t, 1.3, cfg.Routing.TokenWordRatio)

	// Every model tier must have a memory requirement and a cost rate.
	for _, tier := range []string{"mini", "small", "medium", "large", "max"} {
		assert.Contains(t, cfg.Routing.TierMemoryGB, tier)
		assert.Contains(t, cfg.Routing.CostPer1KTokens, tier)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "inferd", cfg.Name)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("lifecycle:\n  max_memory_gb: 64\n  high_water_mark: 0.8\nclassifier:\n  cache_max_entries: 16\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64.0, cfg.Lifecycle.MaxMemoryGB)
	assert.Equal(t, 0.8, cfg.Lifecycle.HighWaterMark)
	assert.Equal(t, 16, cfg.Classifier.CacheMaxEntries)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.15, cfg.Verification.StructuralPenalty)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INFERD_MAX_MEMORY_GB", "48")
	t.Setenv("INFERD_HIGH_WATER_MARK", "0.75")
	t.Setenv("INFERD_DEBUG", "true")
	t.Setenv("INFERD_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 48.0, cfg.Lifecycle.MaxMemoryGB)
	assert.Equal(t, 0.75, cfg.Lifecycle.HighWaterMark)
	assert.True(t, cfg.Logging.DebugMode)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("INFERD_MAX_MEMORY_GB", "not-a-number")
	t.Setenv("INFERD_HIGH_WATER_MARK", "7.0") // out of range

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 32.0, cfg.Lifecycle.MaxMemoryGB)
	assert.Equal(t, 0.9, cfg.Lifecycle.HighWaterMark)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lifecycle.ReservedMarginGB = cfg.Lifecycle.MaxMemoryGB
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Verification.RejectRiskScore = 0.1 // below review threshold
	assert.Error(t, cfg.Validate())
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("garbage", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("-2s", time.Minute))
}
