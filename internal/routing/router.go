// Package routing combines classification output and a capability snapshot
// into a RoutingDecision: execution mode, model tier, ordered fallback chain,
// and cost/latency estimates.
package routing

import (
	"context"
	"fmt"
	"time"

	"inferd/internal/config"
	"inferd/internal/logging"
	"inferd/internal/types"
)

// Classifier is the classification surface the router consumes.
type Classifier interface {
	Classify(text string, fileHints []string) (types.ComplexityTier, float64)
	AssessRisk(operation, text string) types.RiskTier
}

// Monitor supplies capability snapshots.
type Monitor interface {
	Capture(ctx context.Context) types.CapabilitySnapshot
}

// Router produces routing decisions. Stateless beyond its dependencies'
// caches, so instances are cheap and safe for concurrent use.
type Router struct {
	cfg        config.RoutingConfig
	classifier Classifier
	monitor    Monitor
}

// New creates a Router.
func New(cfg config.RoutingConfig, classifier Classifier, monitor Monitor) *Router {
	return &Router{cfg: cfg, classifier: classifier, monitor: monitor}
}

// routeInputs gathers everything a mode rule may consult.
type routeInputs struct {
	complexity types.ComplexityTier
	risk       types.RiskTier
	snap       types.CapabilitySnapshot
}

// modeRule is one row of the ordered mode decision table. The first rule
// whose predicate holds decides the mode; later rules never run.
type modeRule struct {
	name string
	when func(r *Router, in routeInputs) bool
	mode types.ExecutionMode
}

var modeRules = []modeRule{
	{
		name: "no_network",
		when: func(r *Router, in routeInputs) bool { return !in.snap.NetworkAvailable },
		mode: types.ModeOfflineLocal,
	},
	{
		name: "low_battery",
		when: func(r *Router, in routeInputs) bool {
			return in.snap.BatteryPercent != nil && *in.snap.BatteryPercent < r.cfg.LowBatteryPercent
		},
		mode: types.ModeHybridLocalFirst,
	},
	{
		name: "metered_network",
		when: func(r *Router, in routeInputs) bool { return in.snap.NetworkMetered },
		mode: types.ModeHybridLocalFirst,
	},
	{
		name: "critical_no_accelerator",
		when: func(r *Router, in routeInputs) bool {
			return in.risk == types.RiskCritical && !in.snap.AcceleratorPresent
		},
		mode: types.ModeCloudOnly,
	},
	{
		name: "expert_underprovisioned",
		when: func(r *Router, in routeInputs) bool {
			return in.complexity == types.ComplexityExpert &&
				(in.snap.RAMFreeGB < r.cfg.ExpertMinRAMGB || !in.snap.AcceleratorPresent)
		},
		mode: types.ModeCloudOnly,
	},
	{
		name: "expert",
		when: func(r *Router, in routeInputs) bool { return in.complexity == types.ComplexityExpert },
		mode: types.ModeHybridLocalFirst,
	},
	{
		name: "default",
		when: func(r *Router, in routeInputs) bool { return true },
		mode: types.ModeHybridLocalFirst,
	},
}

// tierForComplexity is the fixed complexity -> model tier table.
var tierForComplexity = map[types.ComplexityTier]types.ModelTier{
	types.ComplexityTrivial:  types.ModelTierMini,
	types.ComplexitySimple:   types.ModelTierSmall,
	types.ComplexityModerate: types.ModelTierMedium,
	types.ComplexityComplex:  types.ModelTierLarge,
	types.ComplexityExpert:   types.ModelTierMax,
}

// Route produces a decision for the request. Missing optional capability
// inputs (battery, accelerator) are valid states, never errors; Route only
// fails on a cancelled context.
func (r *Router) Route(ctx context.Context, req types.Request) (*types.RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("route %s: %w", req.ID, err)
	}

	complexity, confidence := r.classifier.Classify(req.Text, req.FileHints)
	risk := r.classifier.AssessRisk(req.Operation, req.Text)
	snap := r.monitor.Capture(ctx)

	in := routeInputs{complexity: complexity, risk: risk, snap: snap}

	mode, ruleName := r.decideMode(req, in)
	tier, tierReason := r.selectTier(in)
	chain := r.fallbackChain(mode, snap.NetworkAvailable)

	tokens := estimateTokens(req.Text, r.cfg.TokenWordRatio)
	latency := r.estimateLatency(mode, tier, tokens)
	cost := r.estimateCost(mode, tier, tokens)

	decision := &types.RoutingDecision{
		ID:         types.NewDecisionID(),
		RequestID:  req.ID,
		Mode:       mode,
		ModelTier:  tier,
		Complexity: complexity,
		Risk:       risk,

		Confidence:       confidence,
		EstimatedLatency: latency,
		EstimatedCost:    cost,
		FallbackChain:    chain,

		Reasoning: map[string]string{
			"mode_rule":           ruleName,
			"tier_adjustment":     tierReason,
			"complexity":          complexity.String(),
			"risk":                risk.String(),
			"confidence":          fmt.Sprintf("%.2f", confidence),
			"network_available":   fmt.Sprintf("%v", snap.NetworkAvailable),
			"network_metered":     fmt.Sprintf("%v", snap.NetworkMetered),
			"accelerator_present": fmt.Sprintf("%v", snap.AcceleratorPresent),
			"ram_free_gb":         fmt.Sprintf("%.1f", snap.RAMFreeGB),
			"battery_percent":     batteryString(snap.BatteryPercent),
			"token_estimate":      fmt.Sprintf("%.0f", tokens),
			"override":            overrideString(req.ModeOverride),
		},

		CreatedAt: time.Now(),
	}

	logging.Routing("decided request=%s mode=%s tier=%s rule=%s confidence=%.2f",
		req.ID, mode, tier, ruleName, confidence)
	logging.AuditRoute(req.ID, string(mode), tier.String(), confidence)

	return decision, nil
}

// decideMode applies the override, then the ordered rule table.
func (r *Router) decideMode(req types.Request, in routeInputs) (types.ExecutionMode, string) {
	if req.ModeOverride != nil {
		// Explicit caller intent always wins; no further mode logic runs.
		return *req.ModeOverride, "override"
	}
	for _, rule := range modeRules {
		if rule.when(r, in) {
			return rule.mode, rule.name
		}
	}
	// Unreachable: the table ends with an always-true default.
	return types.ModeHybridLocalFirst, "default"
}

// selectTier maps complexity through the fixed table, downgrades until the
// tier fits free RAM, then upgrades to the top tier for CRITICAL work when
// RAM is ample. Returns the tier plus a reasoning tag.
func (r *Router) selectTier(in routeInputs) (types.ModelTier, string) {
	tier := tierForComplexity[in.complexity]
	reason := "table"

	if !r.tierFits(tier, in.snap.RAMFreeGB) {
		fitted := types.ModelTierMini
		for _, t := range types.AllModelTiers() {
			if t <= tier && r.tierFits(t, in.snap.RAMFreeGB) && t > fitted {
				fitted = t
			}
		}
		tier = fitted
		reason = "ram_downgrade"
	}

	if in.risk == types.RiskCritical && in.snap.RAMFreeGB >= r.cfg.CriticalUpgradeRAMGB {
		tier = types.ModelTierMax
		reason = "critical_upgrade"
	}
	return tier, reason
}

func (r *Router) tierFits(tier types.ModelTier, ramFreeGB float64) bool {
	need, ok := r.cfg.TierMemoryGB[tier.String()]
	if !ok {
		return false
	}
	return need <= ramFreeGB
}

// fallbackChain returns the ordered degradation path for a mode. The chain
// never contains the mode itself and never repeats an entry; OFFLINE_LOCAL
// is terminal.
func (r *Router) fallbackChain(mode types.ExecutionMode, networkAvailable bool) []types.ExecutionMode {
	switch mode {
	case types.ModeCloudOnly:
		if networkAvailable {
			return []types.ExecutionMode{types.ModeHybridCloudFirst, types.ModeHybridLocalFirst}
		}
		return []types.ExecutionMode{types.ModeOfflineLocal}
	case types.ModeHybridCloudFirst:
		return []types.ExecutionMode{types.ModeHybridLocalFirst, types.ModeOfflineLocal}
	case types.ModeHybridLocalFirst:
		return []types.ExecutionMode{types.ModeOfflineLocal}
	default:
		return nil
	}
}

// estimateTokens is a fixed word-count proxy, not a measured tokenization.
func estimateTokens(text string, ratio float64) float64 {
	words := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
	}
	return float64(words) * ratio
}

func (r *Router) estimateLatency(mode types.ExecutionMode, tier types.ModelTier, tokens float64) time.Duration {
	base := float64(r.cfg.BaseLatencyMs[string(mode)])
	perToken := r.cfg.PerTokenLatencyMs[string(mode)]
	tierScale := 1 + r.cfg.TierLatencyFactor*float64(tier-1)
	ms := base + tokens*perToken*tierScale
	return time.Duration(ms * float64(time.Millisecond))
}

func (r *Router) estimateCost(mode types.ExecutionMode, tier types.ModelTier, tokens float64) float64 {
	if mode == types.ModeOfflineLocal {
		return 0
	}
	return r.cfg.CostPer1KTokens[tier.String()] * tokens / 1000
}

func batteryString(pct *float64) string {
	if pct == nil {
		return "none"
	}
	return fmt.Sprintf("%.0f", *pct)
}

func overrideString(mode *types.ExecutionMode) string {
	if mode == nil {
		return ""
	}
	return string(*mode)
}
