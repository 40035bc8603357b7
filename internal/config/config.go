// Package config holds all inferd configuration. Numeric thresholds that
// drive routing, eviction, and verification are deliberately config fields
// with defaults rather than constants buried in component logic, so they can
// be tuned per deployment.
package config

import "time"

// Config holds all inferd configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Classifier   ClassifierConfig   `yaml:"classifier"`
	Capability   CapabilityConfig   `yaml:"capability"`
	Routing      RoutingConfig      `yaml:"routing"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Verification VerificationConfig `yaml:"verification"`
	Store        StoreConfig        `yaml:"store"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ClassifierConfig configures complexity classification.
type ClassifierConfig struct {
	CacheTTL        string  `yaml:"cache_ttl"`         // classification cache entry lifetime
	CacheMaxEntries int     `yaml:"cache_max_entries"` // bounded; oldest evicted beyond this
	CacheHitScore   float64 `yaml:"cache_hit_score"`   // confidence returned on a cache hit

	ShortRequestWords int     `yaml:"short_request_words"` // below this, demote one tier
	LongRequestWords  int     `yaml:"long_request_words"`  // above this, promote one tier
	DemoteFactor      float64 `yaml:"demote_factor"`
	PromoteFactor     float64 `yaml:"promote_factor"`
}

// CapabilityConfig configures the resource monitor.
type CapabilityConfig struct {
	SnapshotTTL  string `yaml:"snapshot_ttl"`  // snapshot cache lifetime
	ProbeTimeout string `yaml:"probe_timeout"` // hard bound on network probes
	ProbeURL     string `yaml:"probe_url"`
	ProbesPerMin int    `yaml:"probes_per_min"` // rate limit on live network probes
}

// RoutingConfig configures the router's decision tables and estimators.
type RoutingConfig struct {
	LowBatteryPercent    float64 `yaml:"low_battery_percent"`
	ExpertMinRAMGB       float64 `yaml:"expert_min_ram_gb"`
	CriticalUpgradeRAMGB float64 `yaml:"critical_upgrade_ram_gb"` // free RAM considered "ample"

	// TierMemoryGB maps model tier name -> memory requirement.
	TierMemoryGB map[string]float64 `yaml:"tier_memory_gb"`

	// Latency model: base per mode + per-token per mode, scaled by tier.
	BaseLatencyMs     map[string]int     `yaml:"base_latency_ms"`
	PerTokenLatencyMs map[string]float64 `yaml:"per_token_latency_ms"`
	TierLatencyFactor float64            `yaml:"tier_latency_factor"`

	// CostPer1KTokens maps model tier name -> currency units per 1000 tokens.
	CostPer1KTokens map[string]float64 `yaml:"cost_per_1k_tokens"`
	TokenWordRatio  float64            `yaml:"token_word_ratio"`
}

// LifecycleConfig configures the model lifecycle manager.
type LifecycleConfig struct {
	MaxMemoryGB      float64 `yaml:"max_memory_gb"`
	ReservedMarginGB float64 `yaml:"reserved_margin_gb"`
	HighWaterMark    float64 `yaml:"high_water_mark"`

	// Modules with priority at/above this are never evicted or unloaded.
	NonEvictablePriority int `yaml:"non_evictable_priority"`

	CatalogPath string `yaml:"catalog_path"`

	// Predictive preloading.
	PreloadQueueSize  int     `yaml:"preload_queue_size"`
	PreloadWorkers    int     `yaml:"preload_workers"`
	PreloadConfidence float64 `yaml:"preload_confidence"`
	HistoryWindow     int     `yaml:"history_window"`
}

// VerificationConfig configures the verification engine.
type VerificationConfig struct {
	StructuralPenalty  float64 `yaml:"structural_penalty"`
	PlausibilityFloor  float64 `yaml:"plausibility_floor"` // max combined plausibility penalty
	RepetitionRatio    float64 `yaml:"repetition_ratio"`
	SecurityWeight     float64 `yaml:"security_weight"`
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
	CritiqueBaseline   float64 `yaml:"critique_baseline"`
	CritiqueBound      float64 `yaml:"critique_bound"`
	HistoryBlend       float64 `yaml:"history_blend"` // weight of historical tool accuracy
	RejectRiskScore    float64 `yaml:"reject_risk_score"`
	ReviewRiskScore    float64 `yaml:"review_risk_score"`
}

// StoreConfig configures the audit/event store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "inferd",
		Version: "0.3.0",

		Classifier: ClassifierConfig{
			CacheTTL:          "720h", // 30 days
			CacheMaxEntries:   1024,
			CacheHitScore:     0.95,
			ShortRequestWords: 5,
			LongRequestWords:  50,
			DemoteFactor:      0.8,
			PromoteFactor:     0.9,
		},

		Capability: CapabilityConfig{
			SnapshotTTL:  "5s",
			ProbeTimeout: "2s",
			ProbeURL:     "https://connectivity.inferd.dev/generate_204",
			ProbesPerMin: 12,
		},

		Routing: RoutingConfig{
			LowBatteryPercent:    20,
			ExpertMinRAMGB:       26,
			CriticalUpgradeRAMGB: 30,
			TierMemoryGB: map[string]float64{
				"mini":   1,
				"small":  4,
				"medium": 8,
				"large":  16,
				"max":    26,
			},
			BaseLatencyMs: map[string]int{
				"offline_local":      400,
				"hybrid_local_first": 250,
				"hybrid_cloud_first": 180,
				"cloud_only":         120,
			},
			PerTokenLatencyMs: map[string]float64{
				"offline_local":      18,
				"hybrid_local_first": 12,
				"hybrid_cloud_first": 8,
				"cloud_only":         5,
			},
			TierLatencyFactor: 0.2,
			CostPer1KTokens: map[string]float64{
				"mini":   0.0001,
				"small":  0.0005,
				"medium": 0.002,
				"large":  0.008,
				"max":    0.024,
			},
			TokenWordRatio: 1.3,
		},

		Lifecycle: LifecycleConfig{
			MaxMemoryGB:          32,
			ReservedMarginGB:     2,
			HighWaterMark:        0.9,
			NonEvictablePriority: 90,
			CatalogPath:          "catalog/modules.yaml",
			PreloadQueueSize:     64,
			PreloadWorkers:       2,
			PreloadConfidence:    0.35,
			HistoryWindow:        20,
		},

		Verification: VerificationConfig{
			StructuralPenalty:  0.15,
			PlausibilityFloor:  0.5,
			RepetitionRatio:    0.3,
			SecurityWeight:     0.3,
			ConsensusThreshold: 0.7,
			CritiqueBaseline:   0.05,
			CritiqueBound:      0.15,
			HistoryBlend:       0.3,
			RejectRiskScore:    0.5,
			ReviewRiskScore:    0.2,
		},

		Store: StoreConfig{
			DatabasePath: "data/inferd.db",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// ParseDuration parses a duration field, returning fallback on empty or
// malformed values. Config durations are strings so YAML stays readable.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
