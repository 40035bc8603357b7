// Package classify turns raw request text and attached-file hints into a
// complexity tier and a risk tier. It is a leaf component: pattern tables in,
// tiers out, with a bounded TTL cache over normalized inputs.
package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"inferd/internal/cache"
	"inferd/internal/config"
	"inferd/internal/logging"
	"inferd/internal/types"
)

// tierRule is one row of the complexity pattern table.
type tierRule struct {
	tier       types.ComplexityTier
	confidence float64
	patterns   []*regexp.Regexp
}

// complexityRules is scanned highest tier first; the first hit wins.
// Defaults live here rather than config because the rule text is code, but
// the surrounding thresholds (length cutoffs, factors) are config-driven.
var complexityRules = []tierRule{
	{
		tier:       types.ComplexityExpert,
		confidence: 0.85,
		patterns: compileAll(
			`(?i)\b(prove|theorem|formal(ly)? verif\w*)\b`,
			`(?i)\b(distributed consensus|byzantine|raft|paxos)\b`,
			`(?i)\b(cryptograph\w*|zero[- ]knowledge)\b`,
			`(?i)\b(compiler|jit|kernel module|lock[- ]free)\b`,
			`(?i)\b(np[- ]hard|complexity class|reinforcement learning)\b`,
		),
	},
	{
		tier:       types.ComplexityComplex,
		confidence: 0.8,
		patterns: compileAll(
			`(?i)\b(architect(ure)?|redesign|refactor)\b`,
			`(?i)\b(optimi[sz]e|performance tun\w*|profil\w*)\b`,
			`(?i)\b(concurren\w*|parallel\w*|race condition)\b`,
			`(?i)\b(microservice|scalab\w*|shard\w*)\b`,
			`(?i)\b(migrat\w*|algorithm)\b`,
		),
	},
	{
		tier:       types.ComplexityModerate,
		confidence: 0.7,
		patterns: compileAll(
			`(?i)\b(implement|build|write|create)\b`,
			`(?i)\b(debug|fix|troubleshoot)\b`,
			`(?i)\b(analy[sz]e|integrate|parse|transform)\b`,
			`(?i)\b(compare|evaluate|review)\b`,
		),
	},
	{
		tier:       types.ComplexitySimple,
		confidence: 0.75,
		patterns: compileAll(
			`(?i)\b(summari[sz]e|list|rename)\b`,
			`(?i)\b(explain|describe|define)\b`,
			`(?i)\b(what is|what are|who is|when did|where is)\b`,
			`(?i)\b(how do i|how to)\b`,
		),
	},
	{
		tier:       types.ComplexityTrivial,
		confidence: 0.9,
		patterns: compileAll(
			`(?i)^\s*(hi|hello|hey|thanks|thank you|ok(ay)?|yes|no)\b`,
			`(?i)\b(ping|status)\s*$`,
		),
	},
}

// hintFloors raises the complexity floor for requests carrying code or
// schema attachments: even a short request over source files needs real
// reasoning.
var hintFloors = map[string]types.ComplexityTier{
	".go": types.ComplexityModerate, ".rs": types.ComplexityModerate,
	".c": types.ComplexityModerate, ".cpp": types.ComplexityModerate,
	".java": types.ComplexityModerate, ".py": types.ComplexityModerate,
	".ts": types.ComplexityModerate, ".js": types.ComplexityModerate,
	".sql": types.ComplexityModerate,
	".csv": types.ComplexitySimple, ".json": types.ComplexitySimple,
	".yaml": types.ComplexitySimple, ".yml": types.ComplexitySimple,
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// cachedClassification is the cache value for one normalized input.
type cachedClassification struct {
	Tier types.ComplexityTier
}

// Classifier classifies request complexity and risk. Each instance owns its
// cache, so multiple routers can run in isolation.
type Classifier struct {
	cfg   config.ClassifierConfig
	cache *cache.TTL[cachedClassification]
	audit AuditSink
}

// AuditSink receives risk-pattern matches for the append-only audit log.
// The store package satisfies this; a nil sink disables persistence.
type AuditSink interface {
	AppendRiskMatch(requestID, operation, tier, pattern string) error
}

// New creates a Classifier with the given configuration.
func New(cfg config.ClassifierConfig, audit AuditSink) *Classifier {
	ttl := config.ParseDuration(cfg.CacheTTL, 720*time.Hour)
	return &Classifier{
		cfg:   cfg,
		cache: cache.NewTTL[cachedClassification](ttl, cfg.CacheMaxEntries),
		audit: audit,
	}
}

// Classify maps request text and file hints to a complexity tier and a
// confidence score. Cache hits return the configured hit score, modeling
// higher trust in repeated inputs.
func (c *Classifier) Classify(text string, fileHints []string) (types.ComplexityTier, float64) {
	key := cacheKey(text, fileHints)
	if hit, ok := c.cache.Get(key); ok {
		logging.ClassifyDebug("cache hit tier=%s", hit.Tier)
		return hit.Tier, c.cfg.CacheHitScore
	}

	tier, confidence := c.classifyUncached(text, fileHints)
	c.cache.Put(key, cachedClassification{Tier: tier})
	return tier, confidence
}

func (c *Classifier) classifyUncached(text string, fileHints []string) (types.ComplexityTier, float64) {
	tier, confidence, matched := scanComplexityRules(text)
	if !matched {
		// Nothing matched: fall back to the middle of the scale. This is a
		// degraded classification, recorded but not an error.
		tier, confidence = types.ComplexityModerate, 0.5
		logging.ClassifyDebug("no pattern match, defaulting to moderate")
	}

	if floor, ok := hintFloor(fileHints); ok && floor > tier {
		logging.ClassifyDebug("file hints raise tier %s -> %s", tier, floor)
		tier = floor
	}

	tier, confidence = c.applyLengthHeuristic(text, tier, confidence)
	return tier, confidence
}

// scanComplexityRules walks the table from EXPERT down to TRIVIAL; the first
// tier with any pattern hit wins.
func scanComplexityRules(text string) (types.ComplexityTier, float64, bool) {
	for _, rule := range complexityRules {
		for _, p := range rule.patterns {
			if p.MatchString(text) {
				return rule.tier, rule.confidence, true
			}
		}
	}
	return 0, 0, false
}

// applyLengthHeuristic demotes very short and promotes very long requests.
// It only moves tiers relative to MODERATE: short requests already below
// MODERATE and long requests already above it are left alone, so extreme
// classifications do not oscillate.
func (c *Classifier) applyLengthHeuristic(text string, tier types.ComplexityTier, confidence float64) (types.ComplexityTier, float64) {
	words := len(strings.Fields(text))

	switch {
	case words < c.cfg.ShortRequestWords && tier >= types.ComplexityModerate:
		tier = (tier - 1).Clamp()
		confidence *= c.cfg.DemoteFactor
	case words > c.cfg.LongRequestWords && tier <= types.ComplexityModerate:
		tier = (tier + 1).Clamp()
		confidence *= c.cfg.PromoteFactor
	}
	return tier, confidence
}

func hintFloor(fileHints []string) (types.ComplexityTier, bool) {
	var floor types.ComplexityTier
	found := false
	for _, h := range fileHints {
		if f, ok := hintFloors[strings.ToLower(h)]; ok && (!found || f > floor) {
			floor, found = f, true
		}
	}
	return floor, found
}

// cacheKey hashes the normalized text plus sorted-ish hints. Normalization
// collapses case and whitespace so trivially reworded repeats still hit.
func cacheKey(text string, fileHints []string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	h := sha256.New()
	h.Write([]byte(normalized))
	for _, hint := range fileHints {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(hint)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats exposes classification cache counters for observability.
func (c *Classifier) CacheStats() cache.Stats {
	return c.cache.Stats()
}
