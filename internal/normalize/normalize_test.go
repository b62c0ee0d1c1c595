package normalize

import (
	"testing"

	"go.uber.org/zap"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
	"github.com/yourorg/apiscan-orchestrator/internal/scoring"
)

func testNormalizer() *Normalizer {
	return New(scoring.DefaultWeights(), zap.NewNop().Sugar())
}

func TestNormalizeSeverityCoercionAndScoreTable(t *testing.T) {
	tests := []struct {
		name      string
		severity  string
		wantSev   model.Severity
		wantScore float64
	}{
		{"critical", "CRITICAL", model.SevCritical, 9},
		{"high", "High", model.SevHigh, 7},
		{"medium", "moderate", model.SevMedium, 5},
		{"low", "low", model.SevLow, 3},
		{"unknown_defaults_info", "bananas", model.SevInfo, 1},
		{"empty_defaults_info", "", model.SevInfo, 1},
	}
	n := testNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := n.Normalize("scan-1", "prober", []model.RawFinding{
				{RuleID: "r", Endpoint: "/api/x", Method: "GET", Severity: tt.severity},
			})
			if len(out) != 1 {
				t.Fatalf("expected 1 finding, got %d", len(out))
			}
			if out[0].Severity != tt.wantSev {
				t.Errorf("severity = %s, want %s", out[0].Severity, tt.wantSev)
			}
			if out[0].Score != tt.wantScore {
				t.Errorf("score = %f, want %f", out[0].Score, tt.wantScore)
			}
		})
	}
}

func TestNormalizeKeepsEngineScore(t *testing.T) {
	n := testNormalizer()
	score := 8.4
	out := n.Normalize("scan-1", "prober", []model.RawFinding{
		{RuleID: "r", Endpoint: "/api/x", Severity: "high", Score: &score},
	})
	if out[0].Score != 8.4 {
		t.Fatalf("engine-supplied score dropped: got %f", out[0].Score)
	}
}

// A malformed record is skipped; the rest of the batch survives.
func TestNormalizeSkipsMalformed(t *testing.T) {
	n := testNormalizer()
	out := n.Normalize("scan-1", "prober", []model.RawFinding{
		{RuleID: "", Endpoint: "/api/x"},           // no rule
		{RuleID: "r1", Endpoint: ""},               // no endpoint
		{RuleID: "r2", Endpoint: "/api/y"},         // fine, method defaults
		{RuleID: "r3", Endpoint: "/api/z", Method: "POST"},
	})
	if len(out) != 2 {
		t.Fatalf("expected 2 surviving findings, got %d", len(out))
	}
	if out[0].Method != "GET" {
		t.Errorf("missing method should default to GET, got %s", out[0].Method)
	}
	if out[0].Title != "r2" {
		t.Errorf("missing title should default to rule id, got %q", out[0].Title)
	}
}

func TestNormalizeSetsFingerprintAndScores(t *testing.T) {
	n := testNormalizer()
	out := n.Normalize("scan-1", "webscan", []model.RawFinding{
		{RuleID: "bola-read", Endpoint: "/api/users/{id}", Method: "GET", Severity: "critical"},
	})
	f := out[0]
	if f.Fingerprint == "" {
		t.Fatal("fingerprint not set")
	}
	if f.PriorityScore <= 0 || f.PriorityScore > 100 {
		t.Fatalf("priority score %f out of range", f.PriorityScore)
	}
	if f.FixabilityScore <= 0 || f.FixabilityScore > 10 {
		t.Fatalf("fixability score %f out of range", f.FixabilityScore)
	}
}

func TestDedup(t *testing.T) {
	n := testNormalizer()
	raw := model.RawFinding{RuleID: "r", Endpoint: "/api/x", Method: "GET", Severity: "low"}
	rawHigh := raw
	rawHigh.Severity = "high"

	fromProber := n.Normalize("scan-1", "prober", []model.RawFinding{raw, rawHigh, raw})
	fromWeb := n.Normalize("scan-1", "webscan", []model.RawFinding{raw})

	out := Dedup(append(fromProber, fromWeb...))
	if len(out) != 2 {
		t.Fatalf("expected 2 findings after dedup (one per engine), got %d", len(out))
	}
	// The retained prober finding should be the most severe occurrence.
	for _, f := range out {
		if f.EngineName == "prober" && f.Severity != model.SevHigh {
			t.Errorf("dedup kept %s severity, want high", f.Severity)
		}
	}
}
