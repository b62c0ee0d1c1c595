// Package normalize maps engine-specific raw findings onto the canonical
// Finding shape: five-level severity, numeric score, fingerprint, and risk
// scores. A malformed record is dropped and logged, never fatal for the scan.
package normalize

import (
	"go.uber.org/zap"

	"github.com/yourorg/apiscan-orchestrator/internal/fingerprint"
	"github.com/yourorg/apiscan-orchestrator/internal/model"
	"github.com/yourorg/apiscan-orchestrator/internal/scoring"
)

// severityScore is the fallback severity→score table applied when an engine
// supplies no numeric score of its own.
var severityScore = map[model.Severity]float64{
	model.SevCritical: 9,
	model.SevHigh:     7,
	model.SevMedium:   5,
	model.SevLow:      3,
	model.SevInfo:     1,
}

type Normalizer struct {
	weights scoring.Weights
	log     *zap.SugaredLogger
}

func New(weights scoring.Weights, log *zap.SugaredLogger) *Normalizer {
	return &Normalizer{weights: weights, log: log}
}

// Normalize converts one engine's raw findings for a scan. Records missing a
// rule or endpoint cannot be fingerprinted and are skipped.
func (n *Normalizer) Normalize(scanID, engineName string, raws []model.RawFinding) []model.Finding {
	out := make([]model.Finding, 0, len(raws))
	for i, raw := range raws {
		f, ok := n.one(scanID, engineName, raw)
		if !ok {
			n.log.Warnw("skipping malformed finding record",
				"scan_id", scanID, "engine", engineName, "index", i, "rule", raw.RuleID)
			continue
		}
		out = append(out, f)
	}
	return out
}

func (n *Normalizer) one(scanID, engineName string, raw model.RawFinding) (model.Finding, bool) {
	if raw.RuleID == "" || raw.Endpoint == "" {
		return model.Finding{}, false
	}
	sev := model.ParseSeverity(raw.Severity)
	method := raw.Method
	if method == "" {
		method = "GET"
	}
	score := severityScore[sev]
	if raw.Score != nil && *raw.Score >= 0 && *raw.Score <= 10 {
		score = *raw.Score
	}
	title := raw.Title
	if title == "" {
		title = raw.RuleID
	}
	f := model.Finding{
		ScanID:           scanID,
		RuleID:           raw.RuleID,
		Title:            title,
		Severity:         sev,
		Score:            score,
		Endpoint:         raw.Endpoint,
		Method:           method,
		EvidenceRequest:  raw.Request,
		EvidenceResponse: raw.Response,
		EngineName:       engineName,
		CWE:              raw.CWE,
		CVE:              raw.CVE,
		Fingerprint:      fingerprint.Compute(raw.RuleID, raw.Endpoint, method),
	}
	f.PriorityScore, f.FixabilityScore = n.weights.Score(f)
	return f, true
}

// Dedup drops repeated reports of the same fingerprint from a single engine,
// keeping the most severe occurrence. Reports of one fingerprint by different
// engines are retained so attribution stays separate.
func Dedup(findings []model.Finding) []model.Finding {
	type key struct{ engine, fp string }
	best := make(map[key]int, len(findings))
	out := make([]model.Finding, 0, len(findings))
	for _, f := range findings {
		k := key{f.EngineName, f.Fingerprint}
		if i, seen := best[k]; seen {
			if f.Severity.Rank() > out[i].Severity.Rank() {
				out[i] = f
			}
			continue
		}
		best[k] = len(out)
		out = append(out, f)
	}
	return out
}
