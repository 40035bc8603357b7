// Package verification scores model output quality before it reaches the
// caller. Independent layers each contribute a signed confidence delta on a
// base of 1.0; the clamped aggregate drives an advisory recommendation.
package verification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"inferd/internal/config"
	"inferd/internal/logging"
	"inferd/internal/types"
)

// Recommendation is advisory only; the caller decides what to do with it.
type Recommendation string

const (
	RecommendAccept Recommendation = "accept"
	RecommendReview Recommendation = "review"
	RecommendReject Recommendation = "reject"
)

// ConfidenceTier buckets the aggregate confidence for consumers that only
// need a coarse reading.
type ConfidenceTier string

const (
	TierVeryLow  ConfidenceTier = "very_low"
	TierLow      ConfidenceTier = "low"
	TierModerate ConfidenceTier = "moderate"
	TierHigh     ConfidenceTier = "high"
	TierVeryHigh ConfidenceTier = "very_high"
)

// tierFor maps a clamped confidence onto its tier.
func tierFor(confidence float64) ConfidenceTier {
	switch {
	case confidence < 0.2:
		return TierVeryLow
	case confidence < 0.4:
		return TierLow
	case confidence < 0.6:
		return TierModerate
	case confidence < 0.85:
		return TierHigh
	default:
		return TierVeryHigh
	}
}

// Severity tags a security issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is one finding from a verification layer.
type Issue struct {
	Layer         string   `json:"layer"`
	Message       string   `json:"message"`
	Severity      Severity `json:"severity,omitempty"`
	AutoPatchable bool     `json:"auto_patchable,omitempty"`
}

// PeerValue is one independent result for the same question, used by the
// cross-reference layer. Exactly one of Categorical/Numeric is meaningful.
type PeerValue struct {
	Source      string
	Categorical string
	Numeric     *float64
}

// ToolResult reports one tool execution that produced part of the output.
type ToolResult struct {
	Tool    string
	Success bool
}

// Input is everything the engine may consult for one verification.
type Input struct {
	RequestID string
	Content   string
	Risk      types.RiskTier

	// Schema enables the structural layer when non-nil.
	Schema *Schema

	// Peers enables the cross-reference layer when it has 2+ entries.
	Peers []PeerValue

	// ToolResults enables the historical accuracy blend.
	ToolResults []ToolResult
}

// LayerResult summarizes one layer's contribution. A layer that failed
// internally records the error and a zero delta.
type LayerResult struct {
	Delta  float64 `json:"delta"`
	Issues int     `json:"issues"`
	Error  string  `json:"error,omitempty"`
}

// Result is the engine's verdict.
type Result struct {
	Verified       bool                   `json:"verified"`
	Confidence     float64                `json:"confidence"`
	ConfidenceTier ConfidenceTier         `json:"confidence_tier"`
	Recommendation Recommendation         `json:"recommendation"`
	Issues         []Issue                `json:"issues,omitempty"`
	Layers         map[string]LayerResult `json:"layers"`
	CreatedAt      time.Time              `json:"created_at"`

	SecurityRisk      float64 `json:"security_risk"`
	ConsensusReached  bool    `json:"consensus_reached"`
	LayersRun         int     `json:"layers_run"`
	HistoricalBlended bool    `json:"historical_blended"`
}

// layerOutcome is what each layer reports back.
type layerOutcome struct {
	name      string
	delta     float64
	issues    []Issue
	riskScore float64 // security layer only
	agreement float64 // cross-reference layer only
	ran       bool
	err       error
}

// Engine runs the verification layers. Safe for concurrent use.
type Engine struct {
	cfg     config.VerificationConfig
	scanner Scanner

	mu      sync.Mutex
	history map[string]*toolAccuracy
}

// toolAccuracy is a running success ratio for one tool.
type toolAccuracy struct {
	successes int
	total     int
}

func (a *toolAccuracy) ratio() float64 {
	if a.total == 0 {
		return 1
	}
	return float64(a.successes) / float64(a.total)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithScanner installs an external security scanning backend in place of
// the builtin pattern scanner.
func WithScanner(s Scanner) Option { return func(e *Engine) { e.scanner = s } }

// NewEngine creates an Engine with the builtin scanner.
func NewEngine(cfg config.VerificationConfig, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		scanner: builtinScanner{},
		history: make(map[string]*toolAccuracy),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify runs all applicable layers in parallel and aggregates their deltas.
// A layer failure is isolated: it surfaces as an issue, never as a Verify
// error and never as a confidence penalty of its own.
func (e *Engine) Verify(ctx context.Context, in Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("verify %s: %w", in.RequestID, err)
	}

	layers := []struct {
		name    string
		applies bool
		run     func(context.Context, Input) layerOutcome
	}{
		{"structural", in.Schema != nil, e.structuralLayer},
		{"plausibility", true, e.plausibilityLayer},
		{"security", in.Risk >= types.RiskElevated || looksLikeCode(in.Content), e.securityLayer},
		{"cross_reference", len(in.Peers) >= 2, e.crossReferenceLayer},
		{"critique", true, e.critiqueLayer},
	}

	outcomes := make([]layerOutcome, len(layers))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range layers {
		if !l.applies {
			continue
		}
		i, l := i, l
		g.Go(func() error {
			outcomes[i] = l.run(gctx, in)
			outcomes[i].name = l.name
			outcomes[i].ran = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := e.aggregate(in, outcomes)

	logging.Verification("request=%s confidence=%.2f recommendation=%s issues=%d",
		in.RequestID, result.Confidence, result.Recommendation, len(result.Issues))
	logging.AuditVerify(in.RequestID, result.Verified, result.Confidence, string(result.Recommendation))
	return result, nil
}

// aggregate folds layer outcomes into the final result.
func (e *Engine) aggregate(in Input, outcomes []layerOutcome) *Result {
	confidence := 1.0
	result := &Result{
		ConsensusReached: true,
		Layers:           make(map[string]LayerResult),
		CreatedAt:        time.Now().UTC(),
	}

	for _, o := range outcomes {
		if !o.ran {
			continue
		}
		result.LayersRun++

		if o.err != nil {
			result.Layers[o.name] = LayerResult{Error: o.err.Error()}
			result.Issues = append(result.Issues, Issue{
				Layer:   o.name,
				Message: fmt.Sprintf("layer failed: %v", o.err),
			})
			logging.VerificationWarn("layer %s failed: %v", o.name, o.err)
			continue
		}

		confidence += o.delta
		result.Layers[o.name] = LayerResult{Delta: o.delta, Issues: len(o.issues)}
		result.Issues = append(result.Issues, o.issues...)

		switch o.name {
		case "security":
			result.SecurityRisk = o.riskScore
		case "cross_reference":
			result.ConsensusReached = o.agreement >= e.cfg.ConsensusThreshold
		}
	}

	// Clamp the layer aggregate before blending so history mixes against a
	// well-formed confidence.
	confidence = clamp01(confidence)

	if len(in.ToolResults) > 0 {
		confidence = e.blendHistory(in.ToolResults, confidence)
		result.HistoricalBlended = true
	}

	result.Confidence = clamp01(confidence)
	result.ConfidenceTier = tierFor(result.Confidence)
	result.Recommendation = e.recommend(result)
	result.Verified = result.Recommendation == RecommendAccept
	return result
}

// blendHistory mixes the current confidence with the historical success
// ratio of the tools involved, then records this run's outcomes.
func (e *Engine) blendHistory(results []ToolResult, confidence float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	sum := 0.0
	for _, tr := range results {
		acc, ok := e.history[tr.Tool]
		if !ok {
			acc = &toolAccuracy{}
			e.history[tr.Tool] = acc
		}
		sum += acc.ratio()

		acc.total++
		if tr.Success {
			acc.successes++
		}
	}
	historical := sum / float64(len(results))

	blend := e.cfg.HistoryBlend
	return (1-blend)*confidence + blend*historical
}

func (e *Engine) recommend(r *Result) Recommendation {
	switch {
	case r.SecurityRisk > e.cfg.RejectRiskScore:
		return RecommendReject
	case r.SecurityRisk > e.cfg.ReviewRiskScore:
		return RecommendReview
	case !r.ConsensusReached:
		return RecommendReview
	default:
		return RecommendAccept
	}
}

// ToolAccuracy reports the running success ratio for a tool.
func (e *Engine) ToolAccuracy(tool string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if acc, ok := e.history[tool]; ok {
		return acc.ratio()
	}
	return 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
