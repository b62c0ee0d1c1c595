// Package scoring computes the deterministic priority and fixability scores
// used for triage. All weight constants live here and nowhere else; consumers
// that need to display them read the same Weights value the scorer uses.
package scoring

import (
	"fmt"
	"strings"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
)

// PriorityWeights weight the terms of the 0-100 priority score. Each term is
// clamped to [0,1] before weighting, so the output is bounded by construction.
type PriorityWeights struct {
	CVSS           float64 `mapstructure:"cvss"`
	Exploitability float64 `mapstructure:"exploitability"`
	OWASPCategory  float64 `mapstructure:"owasp_category"`
	Exposure       float64 `mapstructure:"exposure"`
	Recency        float64 `mapstructure:"recency"`
	BlastRadius    float64 `mapstructure:"blast_radius"`
}

// FixabilityWeights weight the terms of the 0-10 fixability score.
type FixabilityWeights struct {
	PatternMatch   float64 `mapstructure:"pattern_match"`
	Exploitability float64 `mapstructure:"exploitability"`
	CVSS           float64 `mapstructure:"cvss"`
	BlastRadius    float64 `mapstructure:"blast_radius"`
	Ownership      float64 `mapstructure:"ownership"`
}

type Weights struct {
	Priority   PriorityWeights   `mapstructure:"priority"`
	Fixability FixabilityWeights `mapstructure:"fixability"`
}

func DefaultWeights() Weights {
	return Weights{
		Priority: PriorityWeights{
			CVSS:           0.40,
			Exploitability: 0.25,
			OWASPCategory:  0.15,
			Exposure:       0.10,
			Recency:        0.05,
			BlastRadius:    0.05,
		},
		Fixability: FixabilityWeights{
			PatternMatch:   0.35,
			Exploitability: 0.25,
			CVSS:           0.20,
			BlastRadius:    0.10,
			Ownership:      0.10,
		},
	}
}

// Validate rejects weight sets that could push scores past their documented
// bounds.
func (w Weights) Validate() error {
	p := w.Priority.CVSS + w.Priority.Exploitability + w.Priority.OWASPCategory +
		w.Priority.Exposure + w.Priority.Recency + w.Priority.BlastRadius
	if p <= 0 || p > 1.0001 {
		return fmt.Errorf("priority weights must sum to (0,1], got %.4f", p)
	}
	f := w.Fixability.PatternMatch + w.Fixability.Exploitability + w.Fixability.CVSS +
		w.Fixability.BlastRadius + w.Fixability.Ownership
	if f <= 0 || f > 1.0001 {
		return fmt.Errorf("fixability weights must sum to (0,1], got %.4f", f)
	}
	return nil
}

// PriorityInput carries the raw term values. CVSS is on its native 0-10
// scale; every other term is expected in [0,1] and clamped regardless.
type PriorityInput struct {
	CVSS           float64
	Exploitability float64
	OWASPCategory  float64
	Exposure       float64
	Recency        float64
	BlastRadius    float64
}

type FixabilityInput struct {
	PatternMatch   float64
	Exploitability float64
	CVSS           float64
	BlastRadius    float64
	Ownership      float64
}

// PriorityScore returns the 0-100 priority score.
func (w Weights) PriorityScore(in PriorityInput) float64 {
	return w.priority01(in) * 100
}

func (w Weights) priority01(in PriorityInput) float64 {
	return w.Priority.CVSS*clamp01(in.CVSS/10) +
		w.Priority.Exploitability*clamp01(in.Exploitability) +
		w.Priority.OWASPCategory*clamp01(in.OWASPCategory) +
		w.Priority.Exposure*clamp01(in.Exposure) +
		w.Priority.Recency*clamp01(in.Recency) +
		w.Priority.BlastRadius*clamp01(in.BlastRadius)
}

// FixabilityScore returns the 0-10 fixability score.
func (w Weights) FixabilityScore(in FixabilityInput) float64 {
	s := w.Fixability.PatternMatch*clamp01(in.PatternMatch) +
		w.Fixability.Exploitability*clamp01(in.Exploitability) +
		w.Fixability.CVSS*clamp01(in.CVSS/10) +
		w.Fixability.BlastRadius*clamp01(in.BlastRadius) +
		w.Fixability.Ownership*clamp01(in.Ownership)
	return s * 10
}

// Score derives both scores for a normalized finding. Deterministic: the same
// finding always scores the same.
func (w Weights) Score(f model.Finding) (priority, fixability float64) {
	tier := TierFor(f.RuleID)
	in := PriorityInput{
		CVSS:           f.Score,
		Exploitability: exploitability(f.Severity, tier),
		OWASPCategory:  owaspWeight(f.RuleID),
		Exposure:       exposure(f.Endpoint),
		Recency:        1.0, // freshly observed in the current scan
		BlastRadius:    blastRadius(f.Endpoint, f.Method),
	}
	fin := FixabilityInput{
		PatternMatch:   tier.PatternMatch(),
		Exploitability: in.Exploitability,
		CVSS:           f.Score,
		BlastRadius:    in.BlastRadius,
		Ownership:      ownershipClarity(f.Endpoint),
	}
	return w.PriorityScore(in), w.FixabilityScore(fin)
}

// exploitability folds severity and difficulty tier into a [0,1] indicator:
// severe and easy-to-hit issues rank highest.
func exploitability(sev model.Severity, tier Tier) float64 {
	base := float64(sev.Rank()) / 4
	switch tier {
	case TierEasy:
		return clamp01(base*0.6 + 0.4)
	case TierHard:
		return clamp01(base * 0.8)
	default:
		return clamp01(base*0.7 + 0.2)
	}
}

// exposure estimates how reachable the affected endpoint is. Auth and admin
// routes are assumed gated; everything else is treated as public surface.
func exposure(endpoint string) float64 {
	switch {
	case containsAny(endpoint, "/admin", "/internal", "/debug"):
		return 0.5
	case containsAny(endpoint, "/auth", "/login", "/token"):
		return 0.8
	default:
		return 1.0
	}
}

// blastRadius estimates affected scope: mutating methods and collection
// endpoints reach further than a single read.
func blastRadius(endpoint, method string) float64 {
	r := 0.3
	switch method {
	case "POST", "PUT", "PATCH":
		r += 0.3
	case "DELETE":
		r += 0.4
	}
	if containsAny(endpoint, "{", ":id", "*") {
		r += 0.2
	}
	return clamp01(r)
}

// ownershipClarity is higher for narrowly-scoped routes where the owning team
// is unambiguous.
func ownershipClarity(endpoint string) float64 {
	if containsAny(endpoint, "*", "{") {
		return 0.5
	}
	return 0.8
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

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
