package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file, layering it over defaults and
// applying environment overrides last. A missing file is not an error: the
// defaults plus environment are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides maps INFERD_* environment variables onto config fields.
// Only operationally relevant knobs are exposed; everything else is file-only.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("INFERD_MAX_MEMORY_GB"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Lifecycle.MaxMemoryGB = f
		}
	}
	if v := os.Getenv("INFERD_HIGH_WATER_MARK"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
			c.Lifecycle.HighWaterMark = f
		}
	}
	if v := os.Getenv("INFERD_CATALOG_PATH"); v != "" {
		c.Lifecycle.CatalogPath = v
	}
	if v := os.Getenv("INFERD_DATABASE_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("INFERD_PROBE_URL"); v != "" {
		c.Capability.ProbeURL = v
	}
	if v := os.Getenv("INFERD_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("INFERD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks cross-field consistency that YAML parsing cannot express.
func (c *Config) Validate() error {
	if c.Lifecycle.MaxMemoryGB <= 0 {
		return fmt.Errorf("lifecycle.max_memory_gb must be positive, got %v", c.Lifecycle.MaxMemoryGB)
	}
	if c.Lifecycle.ReservedMarginGB < 0 || c.Lifecycle.ReservedMarginGB >= c.Lifecycle.MaxMemoryGB {
		return fmt.Errorf("lifecycle.reserved_margin_gb %v out of range for max %v",
			c.Lifecycle.ReservedMarginGB, c.Lifecycle.MaxMemoryGB)
	}
	if c.Lifecycle.HighWaterMark <= 0 || c.Lifecycle.HighWaterMark > 1 {
		return fmt.Errorf("lifecycle.high_water_mark must be in (0,1], got %v", c.Lifecycle.HighWaterMark)
	}
	if c.Routing.TokenWordRatio <= 0 {
		return fmt.Errorf("routing.token_word_ratio must be positive, got %v", c.Routing.TokenWordRatio)
	}
	if c.Verification.RejectRiskScore < c.Verification.ReviewRiskScore {
		return fmt.Errorf("verification.reject_risk_score %v below review threshold %v",
			c.Verification.RejectRiskScore, c.Verification.ReviewRiskScore)
	}
	return nil
}
