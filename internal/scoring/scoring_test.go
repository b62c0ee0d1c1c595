package scoring

import (
	"math/rand"
	"testing"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
)

func TestDefaultWeightsValidate(t *testing.T) {
	if err := DefaultWeights().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsOverweight(t *testing.T) {
	w := DefaultWeights()
	w.Priority.CVSS = 2.0
	if err := w.Validate(); err == nil {
		t.Fatal("expected error for weights summing past 1")
	}
}

// Random in-range inputs must never push scores past their documented bounds,
// even with out-of-range garbage in individual terms.
func TestScoreBoundsRandomized(t *testing.T) {
	w := DefaultWeights()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		// Deliberately over-range inputs: terms must be clamped.
		in := PriorityInput{
			CVSS:           rng.Float64()*20 - 5,
			Exploitability: rng.Float64()*3 - 1,
			OWASPCategory:  rng.Float64()*3 - 1,
			Exposure:       rng.Float64()*3 - 1,
			Recency:        rng.Float64()*3 - 1,
			BlastRadius:    rng.Float64()*3 - 1,
		}
		if p := w.PriorityScore(in); p < 0 || p > 100 {
			t.Fatalf("priority score %f out of [0,100] for %+v", p, in)
		}
		fin := FixabilityInput{
			PatternMatch:   rng.Float64()*3 - 1,
			Exploitability: rng.Float64()*3 - 1,
			CVSS:           rng.Float64()*20 - 5,
			BlastRadius:    rng.Float64()*3 - 1,
			Ownership:      rng.Float64()*3 - 1,
		}
		if f := w.FixabilityScore(fin); f < 0 || f > 10 {
			t.Fatalf("fixability score %f out of [0,10] for %+v", f, fin)
		}
	}
}

func TestScoreDeterministic(t *testing.T) {
	w := DefaultWeights()
	f := model.Finding{
		RuleID:   "bola-object-read",
		Severity: model.SevCritical,
		Score:    9,
		Endpoint: "/api/users/{id}",
		Method:   "GET",
	}
	p1, x1 := w.Score(f)
	p2, x2 := w.Score(f)
	if p1 != p2 || x1 != x2 {
		t.Fatalf("scoring is not deterministic: (%f,%f) vs (%f,%f)", p1, x1, p2, x2)
	}
	if p1 <= 0 || p1 > 100 {
		t.Fatalf("priority %f out of range", p1)
	}
	if x1 <= 0 || x1 > 10 {
		t.Fatalf("fixability %f out of range", x1)
	}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		rule string
		want Tier
	}{
		{"config-verbose-errors", TierEasy},
		{"rate-limit-missing", TierEasy},
		{"tls-weak-cipher", TierEasy},
		{"injection-sql", TierHard},
		{"bola-object-read", TierHard},
		{"idor-sequential-ids", TierHard},
		{"auth-weak-session", TierMedium},
		{"something-else", TierMedium},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			if got := TierFor(tt.rule); got != tt.want {
				t.Errorf("TierFor(%q) = %s, want %s", tt.rule, got, tt.want)
			}
		})
	}
}

// Easy-tier rules must be more fixable than hard-tier rules at equal severity.
func TestFixabilityFollowsTier(t *testing.T) {
	w := DefaultWeights()
	easy := model.Finding{RuleID: "config-debug-enabled", Severity: model.SevHigh, Score: 7, Endpoint: "/api/x", Method: "GET"}
	hard := model.Finding{RuleID: "injection-sql", Severity: model.SevHigh, Score: 7, Endpoint: "/api/x", Method: "GET"}
	_, fe := w.Score(easy)
	_, fh := w.Score(hard)
	if fe <= fh {
		t.Fatalf("easy-tier fixability %f should exceed hard-tier %f", fe, fh)
	}
}
