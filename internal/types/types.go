// Package types provides shared type definitions used across inferd packages.
// This package exists to break import cycles between classify, capability,
// routing, and core. Types in this package should be foundational data
// structures with no complex dependencies.
package types

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COMPLEXITY AND RISK TIERS
// =============================================================================

// ComplexityTier is an ordered classification of a request's reasoning
// difficulty. The ordering is total and used for numeric comparisons
// ("one tier lower", "EXPERT or above").
type ComplexityTier int

const (
	ComplexityTrivial ComplexityTier = iota
	ComplexitySimple
	ComplexityModerate
	ComplexityComplex
	ComplexityExpert
)

func (c ComplexityTier) String() string {
	switch c {
	case ComplexityTrivial:
		return "trivial"
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	case ComplexityExpert:
		return "expert"
	default:
		return "unknown"
	}
}

// Clamp bounds the tier to the valid range after arithmetic adjustments.
func (c ComplexityTier) Clamp() ComplexityTier {
	if c < ComplexityTrivial {
		return ComplexityTrivial
	}
	if c > ComplexityExpert {
		return ComplexityExpert
	}
	return c
}

// RiskTier is an ordered classification of a request's security sensitivity.
type RiskTier int

const (
	RiskStandard RiskTier = iota
	RiskElevated
	RiskCritical
)

func (r RiskTier) String() string {
	switch r {
	case RiskStandard:
		return "standard"
	case RiskElevated:
		return "elevated"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// =============================================================================
// EXECUTION MODES AND MODEL TIERS
// =============================================================================

// ExecutionMode describes where/how a request is serviced.
type ExecutionMode string

const (
	ModeOfflineLocal     ExecutionMode = "offline_local"
	ModeHybridLocalFirst ExecutionMode = "hybrid_local_first"
	ModeHybridCloudFirst ExecutionMode = "hybrid_cloud_first"
	ModeCloudOnly        ExecutionMode = "cloud_only"
)

// AllExecutionModes lists every mode, useful for property-style tests.
func AllExecutionModes() []ExecutionMode {
	return []ExecutionMode{ModeOfflineLocal, ModeHybridLocalFirst, ModeHybridCloudFirst, ModeCloudOnly}
}

// ModelTier is a size/capability class of inference model. Ordering matters:
// higher tiers have larger memory footprints and higher capability.
type ModelTier int

const (
	ModelTierMini ModelTier = iota + 1
	ModelTierSmall
	ModelTierMedium
	ModelTierLarge
	ModelTierMax
)

func (m ModelTier) String() string {
	switch m {
	case ModelTierMini:
		return "mini"
	case ModelTierSmall:
		return "small"
	case ModelTierMedium:
		return "medium"
	case ModelTierLarge:
		return "large"
	case ModelTierMax:
		return "max"
	default:
		return "unknown"
	}
}

// AllModelTiers returns tiers ordered smallest to largest.
func AllModelTiers() []ModelTier {
	return []ModelTier{ModelTierMini, ModelTierSmall, ModelTierMedium, ModelTierLarge, ModelTierMax}
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is an immutable description of one incoming inference request.
// Created per incoming call; never mutated.
type Request struct {
	ID           string
	Text         string
	Operation    string
	FileHints    []string
	ModeOverride *ExecutionMode
	CreatedAt    time.Time
}

// NewRequest builds a Request with a fresh ID and timestamp.
func NewRequest(operation, text string, hints []string) Request {
	return Request{
		ID:        uuid.NewString(),
		Text:      text,
		Operation: operation,
		FileHints: hints,
		CreatedAt: time.Now(),
	}
}

// WithOverride returns a copy of the request carrying an explicit
// caller-specified execution mode.
func (r Request) WithOverride(mode ExecutionMode) Request {
	r.ModeOverride = &mode
	return r
}

// =============================================================================
// CAPABILITY SNAPSHOT
// =============================================================================

// CapabilitySnapshot is a point-in-time view of host capability. Immutable
// once captured; the monitor replaces whole snapshots, never mutates fields.
type CapabilitySnapshot struct {
	CPUCores       int
	CPUUtilization float64 // 0.0-1.0
	RAMTotalGB     float64
	RAMFreeGB      float64

	AcceleratorPresent bool
	AcceleratorTotalGB float64
	AcceleratorFreeGB  float64

	// BatteryPercent is nil on hosts without a battery.
	BatteryPercent *float64

	NetworkAvailable   bool
	NetworkMetered     bool
	NetworkLatency     time.Duration
	NetworkBandwidthMB float64

	CapturedAt time.Time
}

// =============================================================================
// ROUTING DECISION
// =============================================================================

// RoutingDecision is the Router's immutable output for one request. A retried
// request gets a new decision; decisions are never updated in place.
type RoutingDecision struct {
	ID         string
	RequestID  string
	Mode       ExecutionMode
	ModelTier  ModelTier
	Complexity ComplexityTier
	Risk       RiskTier

	Confidence       float64
	EstimatedLatency time.Duration
	EstimatedCost    float64

	// FallbackChain never contains Mode and never repeats an entry.
	FallbackChain []ExecutionMode

	// Reasoning is a descriptive key-value snapshot of every input that fed
	// the decision. It carries no control-flow weight.
	Reasoning map[string]string

	CreatedAt time.Time
}

// NewDecisionID returns a fresh decision identifier.
func NewDecisionID() string {
	return uuid.NewString()
}
