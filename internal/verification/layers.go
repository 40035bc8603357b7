package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// STRUCTURAL LAYER
// =============================================================================

// Schema describes the expected shape of a JSON output.
type Schema struct {
	Fields []FieldSpec
}

// FieldSpec constrains one field.
type FieldSpec struct {
	Name     string
	Required bool
	Type     string // "number", "string", "bool"
	Min      *float64
	Max      *float64
	Pattern  string // compiled lazily; invalid patterns fail the layer
}

// structuralLayer checks required-field presence and per-field constraints.
// Violations are individual issues but the confidence penalty applies once
// for the whole layer, so verbose schemas are not over-penalized.
func (e *Engine) structuralLayer(_ context.Context, in Input) layerOutcome {
	var doc map[string]any
	if err := json.Unmarshal([]byte(in.Content), &doc); err != nil {
		return layerOutcome{
			delta:  -e.cfg.StructuralPenalty,
			issues: []Issue{{Layer: "structural", Message: "output is not a JSON object"}},
		}
	}

	var issues []Issue
	for _, field := range in.Schema.Fields {
		value, present := doc[field.Name]
		if !present {
			if field.Required {
				issues = append(issues, Issue{
					Layer:   "structural",
					Message: fmt.Sprintf("missing required field %q", field.Name),
				})
			}
			continue
		}
		issues = append(issues, checkField(field, value)...)
	}

	out := layerOutcome{issues: issues}
	if len(issues) > 0 {
		out.delta = -e.cfg.StructuralPenalty
	}
	return out
}

func checkField(field FieldSpec, value any) []Issue {
	var issues []Issue
	flag := func(format string, args ...any) {
		issues = append(issues, Issue{Layer: "structural", Message: fmt.Sprintf(format, args...)})
	}

	switch field.Type {
	case "number":
		num, ok := value.(float64)
		if !ok {
			flag("field %q: expected number, got %T", field.Name, value)
			return issues
		}
		if field.Min != nil && num < *field.Min {
			flag("field %q: %v below minimum %v", field.Name, num, *field.Min)
		}
		if field.Max != nil && num > *field.Max {
			flag("field %q: %v above maximum %v", field.Name, num, *field.Max)
		}
	case "string":
		s, ok := value.(string)
		if !ok {
			flag("field %q: expected string, got %T", field.Name, value)
			return issues
		}
		if field.Pattern != "" {
			re, err := regexp.Compile(field.Pattern)
			if err != nil {
				flag("field %q: invalid pattern %q", field.Name, field.Pattern)
			} else if !re.MatchString(s) {
				flag("field %q: value does not match %q", field.Name, field.Pattern)
			}
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			flag("field %q: expected bool, got %T", field.Name, value)
		}
	}
	return issues
}

// =============================================================================
// PLAUSIBILITY LAYER
// =============================================================================

// numberDomain binds a textual number pattern to its valid range.
type numberDomain struct {
	name    string
	pattern *regexp.Regexp
	min     float64
	max     float64
}

var numberDomains = []numberDomain{
	{"percentage", regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*%`), 0, 100},
	{"probability", regexp.MustCompile(`(?i)probability\b[^.\d-]*(-?\d+(?:\.\d+)?)`), 0, 1},
	{"temperature_c", regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*°?C\b`), -90, 60},
	{"latency_ms", regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*ms\b`), 0, math.MaxFloat64},
	{"currency_usd", regexp.MustCompile(`\$\s*(-\d+(?:\.\d+)?)`), 0, math.MaxFloat64},
}

var hallucinationMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)as an ai (?:language )?model`),
	regexp.MustCompile(`(?i)i (?:do not|don't) have access to`),
	regexp.MustCompile(`(?i)knowledge cutoff`),
	regexp.MustCompile(`(?i)i cannot browse`),
	regexp.MustCompile(`(?i)as of my last (?:update|training)`),
}

// plausibilityLayer runs three independent checks: numeric domain ranges,
// hallucination markers, and token repetition. Each contributes its own
// penalty; the combined delta is floored.
func (e *Engine) plausibilityLayer(_ context.Context, in Input) layerOutcome {
	var issues []Issue
	delta := 0.0

	// Numeric domain ranges.
	rangeHit := false
	for _, domain := range numberDomains {
		for _, match := range domain.pattern.FindAllStringSubmatch(in.Content, -1) {
			v, err := strconv.ParseFloat(match[1], 64)
			if err != nil {
				continue
			}
			if v < domain.min || v > domain.max {
				rangeHit = true
				issues = append(issues, Issue{
					Layer:   "plausibility",
					Message: fmt.Sprintf("%s value %v outside [%v, %v]", domain.name, v, domain.min, domain.max),
				})
			}
		}
	}
	if rangeHit {
		delta -= 0.2
	}

	// Hallucination markers.
	for _, marker := range hallucinationMarkers {
		if loc := marker.FindString(in.Content); loc != "" {
			issues = append(issues, Issue{
				Layer:   "plausibility",
				Message: fmt.Sprintf("hallucination marker: %q", loc),
			})
			delta -= 0.15
			break
		}
	}

	// Repetition: any token above the configured share of all tokens.
	if token, share, ok := dominantToken(in.Content, e.cfg.RepetitionRatio); ok {
		issues = append(issues, Issue{
			Layer:   "plausibility",
			Message: fmt.Sprintf("token %q repeats in %.0f%% of output", token, share*100),
		})
		delta -= 0.15
	}

	if floor := -e.cfg.PlausibilityFloor; delta < floor {
		delta = floor
	}
	return layerOutcome{delta: delta, issues: issues}
}

// dominantToken reports a token exceeding the ratio of total token count.
// Very short outputs are exempt: a two-word answer is trivially repetitive.
func dominantToken(content string, ratio float64) (string, float64, bool) {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) < 10 {
		return "", 0, false
	}
	counts := make(map[string]int)
	for _, f := range fields {
		counts[f]++
	}
	for token, n := range counts {
		if share := float64(n) / float64(len(fields)); share > ratio {
			return token, share, true
		}
	}
	return "", 0, false
}

// =============================================================================
// SECURITY LAYER
// =============================================================================

// ScanMatch is one dangerous construct found by a scanner.
type ScanMatch struct {
	Construct     string
	Severity      Severity
	Weight        float64
	AutoPatchable bool
}

// Scanner finds dangerous constructs in output content. External backends
// can replace the builtin pattern scanner.
type Scanner interface {
	Scan(ctx context.Context, content string) ([]ScanMatch, error)
}

// securityPattern is one row of the builtin scanner's table.
type securityPattern struct {
	construct     string
	pattern       *regexp.Regexp
	severity      Severity
	weight        float64
	autoPatchable bool
}

var securityPatterns = []securityPattern{
	{"dynamic code execution", regexp.MustCompile(`(?i)\b(eval|exec)\s*\(`), SeverityCritical, 0.9, false},
	{"unsafe deserialization", regexp.MustCompile(`(?i)\b(pickle\.loads|yaml\.load\s*\([^)]*\)|unserialize)\b`), SeverityHigh, 0.8, true},
	{"shell invocation", regexp.MustCompile(`(?i)\b(os\.system|subprocess\.|shell_exec|popen)\b`), SeverityHigh, 0.7, false},
	{"hard-coded secret", regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token)\s*[:=]\s*["'][^"']{8,}["']`), SeverityMedium, 0.6, true},
	{"aws access key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), SeverityHigh, 0.8, true},
}

// builtinScanner is the pattern-table fallback Scanner.
type builtinScanner struct{}

func (builtinScanner) Scan(_ context.Context, content string) ([]ScanMatch, error) {
	var matches []ScanMatch
	for _, p := range securityPatterns {
		if p.pattern.MatchString(content) {
			matches = append(matches, ScanMatch{
				Construct:     p.construct,
				Severity:      p.severity,
				Weight:        p.weight,
				AutoPatchable: p.autoPatchable,
			})
		}
	}
	return matches, nil
}

// securityLayer scans for dangerous constructs and converts matched
// severity weights into a risk score in [0,1]. Delta is -risk x weight.
func (e *Engine) securityLayer(ctx context.Context, in Input) layerOutcome {
	matches, err := e.scanner.Scan(ctx, in.Content)
	if err != nil {
		return layerOutcome{err: err}
	}

	risk := 0.0
	issues := make([]Issue, 0, len(matches))
	for _, m := range matches {
		// Independent findings compound without exceeding 1.
		risk = risk + m.Weight*(1-risk)
		issues = append(issues, Issue{
			Layer:         "security",
			Message:       m.Construct,
			Severity:      m.Severity,
			AutoPatchable: m.AutoPatchable,
		})
	}

	return layerOutcome{
		delta:     -risk * e.cfg.SecurityWeight,
		issues:    issues,
		riskScore: risk,
	}
}

var codeMarkers = []*regexp.Regexp{
	regexp.MustCompile("```"),
	regexp.MustCompile(`(?m)^\s*(func|def|class|import|package|#include)\b`),
	regexp.MustCompile(`;\s*$`),
}

// looksLikeCode is the gate for running the security layer on
// standard-risk requests.
func looksLikeCode(content string) bool {
	for _, m := range codeMarkers {
		if m.MatchString(content) {
			return true
		}
	}
	return false
}

// =============================================================================
// CROSS-REFERENCE LAYER
// =============================================================================

// crossReferenceLayer compares independent peer results: majority vote for
// categorical values, 2-sigma outlier detection for numeric ones. Agreement
// below the consensus threshold contributes a delta proportional to the
// shortfall.
func (e *Engine) crossReferenceLayer(_ context.Context, in Input) layerOutcome {
	var issues []Issue

	var categorical []string
	var numeric []float64
	for _, p := range in.Peers {
		if p.Numeric != nil {
			numeric = append(numeric, *p.Numeric)
		} else if p.Categorical != "" {
			categorical = append(categorical, p.Categorical)
		}
	}

	agreements := make([]float64, 0, 2)

	if len(categorical) >= 2 {
		ratio, winner := majorityRatio(categorical)
		agreements = append(agreements, ratio)
		if ratio < 1 {
			issues = append(issues, Issue{
				Layer:   "cross_reference",
				Message: fmt.Sprintf("categorical agreement %.2f (majority %q)", ratio, winner),
			})
		}
	}

	if len(numeric) >= 2 {
		mean, stddev := meanStddev(numeric)
		outliers := 0
		for _, v := range numeric {
			if stddev > 0 && math.Abs(v-mean) > 2*stddev {
				outliers++
				issues = append(issues, Issue{
					Layer:   "cross_reference",
					Message: fmt.Sprintf("numeric outlier %v (mean %.2f, stddev %.2f)", v, mean, stddev),
				})
			}
		}
		agreements = append(agreements, 1-float64(outliers)/float64(len(numeric)))
	}

	if len(agreements) == 0 {
		return layerOutcome{agreement: 1}
	}

	agreement := 0.0
	for _, a := range agreements {
		agreement += a
	}
	agreement /= float64(len(agreements))

	delta := 0.0
	if agreement < e.cfg.ConsensusThreshold {
		delta = -(e.cfg.ConsensusThreshold - agreement)
		issues = append(issues, Issue{
			Layer:   "cross_reference",
			Message: fmt.Sprintf("consensus not reached: agreement %.2f below %.2f", agreement, e.cfg.ConsensusThreshold),
		})
	}

	return layerOutcome{delta: delta, issues: issues, agreement: agreement}
}

func majorityRatio(values []string) (float64, string) {
	counts := make(map[string]int)
	for _, v := range values {
		counts[strings.ToLower(strings.TrimSpace(v))]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestN := "", 0
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return float64(bestN) / float64(len(values)), best
}

func meanStddev(values []float64) (float64, float64) {
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// =============================================================================
// CRITIQUE LAYER
// =============================================================================

var apologeticPattern = regexp.MustCompile(`(?i)\b(sorry|apolog\w+|unfortunately)\b`)
var doubleNegativePattern = regexp.MustCompile(`(?i)\b(not un\w+|can't not|won't never|isn't not)\b`)

// critiqueLayer applies cheap heuristic quality checks, contributing a
// bounded delta around the configured baseline.
func (e *Engine) critiqueLayer(_ context.Context, in Input) layerOutcome {
	var issues []Issue
	delta := e.cfg.CritiqueBaseline

	flag := func(penalty float64, format string, args ...any) {
		delta -= penalty
		issues = append(issues, Issue{Layer: "critique", Message: fmt.Sprintf(format, args...)})
	}

	trimmed := strings.TrimSpace(in.Content)
	if len(trimmed) < 2 {
		flag(0.1, "output is empty or near-empty")
	}
	if len(trimmed) > 50000 {
		flag(0.05, "output exceeds expected length bounds")
	}

	if letters, upper := letterCases(trimmed); letters > 20 && float64(upper)/float64(letters) > 0.7 {
		flag(0.1, "output is mostly upper-case")
	}

	if n := len(apologeticPattern.FindAllString(trimmed, -1)); n > 2 {
		flag(0.05, "excessive apologetic language (%d occurrences)", n)
	}

	if doubleNegativePattern.MatchString(trimmed) {
		flag(0.05, "double negative phrasing")
	}

	if bound := e.cfg.CritiqueBound; delta > bound {
		delta = bound
	} else if delta < -bound {
		delta = -bound
	}
	return layerOutcome{delta: delta, issues: issues}
}

func letterCases(s string) (letters, upper int) {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			letters++
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		}
	}
	return letters, upper
}
