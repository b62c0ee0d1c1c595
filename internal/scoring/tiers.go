package scoring

import "strings"

// Tier classifies rule categories by remediation difficulty. Configuration
// and rate-limit issues are typically a one-line fix; injection and
// object-level-authorization issues need code changes with blast radius.
type Tier string

const (
	TierEasy   Tier = "easy"
	TierMedium Tier = "medium"
	TierHard   Tier = "hard"
)

var easyPrefixes = []string{
	"config", "rate-limit", "ratelimit", "headers", "tls", "cors", "cache",
}

var hardPrefixes = []string{
	"injection", "sqli", "nosqli", "ssti", "xxe", "bola", "idor", "bfla",
	"mass-assignment", "deserialization", "ssrf",
}

// TierFor maps a rule code to its difficulty tier by category prefix.
// Unrecognized rules land in the medium tier.
func TierFor(ruleID string) Tier {
	r := strings.ToLower(strings.TrimSpace(ruleID))
	for _, p := range easyPrefixes {
		if strings.HasPrefix(r, p) {
			return TierEasy
		}
	}
	for _, p := range hardPrefixes {
		if strings.HasPrefix(r, p) {
			return TierHard
		}
	}
	return TierMedium
}

// PatternMatch returns the known-remediation-pattern term for the fixability
// formula: easy tiers have well-known one-step fixes.
func (t Tier) PatternMatch() float64 {
	switch t {
	case TierEasy:
		return 1.0
	case TierHard:
		return 0.25
	default:
		return 0.6
	}
}

// owaspWeight maps a rule code to the weight of its OWASP API Top 10
// category. Broken authorization leads the list.
func owaspWeight(ruleID string) float64 {
	r := strings.ToLower(strings.TrimSpace(ruleID))
	switch {
	case strings.HasPrefix(r, "bola"), strings.HasPrefix(r, "idor"):
		return 1.0 // API1 broken object level authorization
	case strings.HasPrefix(r, "auth"), strings.HasPrefix(r, "jwt"):
		return 0.9 // API2 broken authentication
	case strings.HasPrefix(r, "bfla"):
		return 0.85 // API5 broken function level authorization
	case strings.HasPrefix(r, "injection"), strings.HasPrefix(r, "sqli"),
		strings.HasPrefix(r, "nosqli"), strings.HasPrefix(r, "ssti"):
		return 0.8
	case strings.HasPrefix(r, "exposure"), strings.HasPrefix(r, "mass-assignment"):
		return 0.7 // API3 excessive data exposure
	case strings.HasPrefix(r, "rate-limit"), strings.HasPrefix(r, "ratelimit"):
		return 0.6 // API4 lack of resources & rate limiting
	case strings.HasPrefix(r, "config"), strings.HasPrefix(r, "headers"),
		strings.HasPrefix(r, "tls"), strings.HasPrefix(r, "cors"):
		return 0.5 // API7 security misconfiguration
	default:
		return 0.4
	}
}
