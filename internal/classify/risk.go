package classify

import (
	"regexp"

	"inferd/internal/logging"
	"inferd/internal/types"
)

// riskRule pairs a tier with its pattern table. Categories are checked in
// order: the first category with any match wins, so a request containing
// both a CRITICAL and an ELEVATED primitive is CRITICAL.
type riskRule struct {
	tier     types.RiskTier
	patterns []*regexp.Regexp
}

var riskRules = []riskRule{
	{
		tier: types.RiskCritical,
		patterns: compileAll(
			// Destructive filesystem / database operations
			`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\b`,
			`(?i)\bdrop\s+(table|database|schema)\b`,
			`(?i)\btruncate\s+table\b`,
			`(?i)\bmkfs\b|\bdd\s+if=`,
			`(?i)\bformat\s+[a-z]:`,
			// Arbitrary code execution primitives
			`(?i)\beval\s*\(`,
			`(?i)\bexec\s*\(`,
			`(?i)\b__import__\s*\(`,
			`(?i)\bos\.system\s*\(`,
			`(?i)\bsubprocess\.(run|call|popen)`,
			`(?i)curl\s+[^|]*\|\s*(ba)?sh`,
		),
	},
	{
		tier: types.RiskElevated,
		patterns: compileAll(
			// System / privilege primitives
			`(?i)\bsudo\b|\bchmod\b|\bchown\b`,
			`(?i)\bsystemctl\b|\bservice\s+\w+\s+(stop|restart)\b`,
			// Network primitives
			`(?i)\bnc\s+-|netcat\b|\bnmap\b`,
			`(?i)\bsocket\s*\(`,
			// Sensitive file access
			`(?i)/etc/(passwd|shadow|sudoers)\b`,
			`(?i)\bopen\s*\([^)]*(/etc/|\.ssh/)`,
			`(?i)\.ssh/id_rsa\b`,
		),
	},
}

// AssessRisk scans request text against the ordered risk pattern tables and
// returns the matched tier, defaulting to STANDARD. Every match is appended
// to the audit log; audit failures never affect the returned tier.
func (c *Classifier) AssessRisk(operation, text string) types.RiskTier {
	for _, rule := range riskRules {
		for _, p := range rule.patterns {
			if p.MatchString(text) {
				c.recordRiskMatch(operation, rule.tier, p.String())
				return rule.tier
			}
		}
	}
	return types.RiskStandard
}

// recordRiskMatch emits the match to the file audit log and the persistent
// sink. Both are fire-and-forget.
func (c *Classifier) recordRiskMatch(operation string, tier types.RiskTier, pattern string) {
	logging.AuditRisk(operation, tier.String(), pattern)
	logging.Classify("risk %s matched op=%s pattern=%s", tier, operation, pattern)

	if c.audit != nil {
		if err := c.audit.AppendRiskMatch("", operation, tier.String(), pattern); err != nil {
			logging.Get(logging.CategoryClassify).Warn("risk audit append failed: %v", err)
		}
	}
}
