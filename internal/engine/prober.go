package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Prober adapts the in-house API prober. The prober understands the shared
// request budget natively: it counts its own probe requests and exits with
// proberBudgetExit when the budget runs out, keeping whatever it found.
type Prober struct {
	timeout time.Duration
}

const proberBudgetExit = 8

func NewProber(opts Options) *Prober {
	return &Prober{timeout: opts.EngineTimeout}
}

func (p *Prober) Name() string { return "prober" }

func (p *Prober) BuildInvocation(scanID string, target TargetSpec) (*Invocation, error) {
	if target.URL == "" {
		return nil, fmt.Errorf("prober: target URL is empty")
	}
	cmd := []string{
		"--target", target.URL,
		"--budget", strconv.Itoa(target.RequestBudget),
		"--out", "/out/prober.json",
	}
	if target.SpecRef != "" {
		cmd = append(cmd, "--spec", target.SpecRef)
	}
	if target.DangerousMode {
		cmd = append(cmd, "--dangerous")
	}
	return &Invocation{
		Engine:         p.Name(),
		ScanID:         scanID,
		Image:          "apiscan/prober:latest",
		Cmd:            cmd,
		MemoryMB:       512,
		CPUs:           1,
		ArtifactFile:   "prober.json",
		Timeout:        p.timeout,
		BudgetStopExit: proberBudgetExit,
	}, nil
}

type proberArtifact struct {
	RequestsUsed    int  `json:"requests_used"`
	BudgetExhausted bool `json:"budget_exhausted"`
	Findings        []struct {
		Rule     string   `json:"rule"`
		Title    string   `json:"title"`
		Severity string   `json:"severity"`
		Score    *float64 `json:"score"`
		Endpoint string   `json:"endpoint"`
		Method   string   `json:"method"`
		Request  string   `json:"request"`
		Response string   `json:"response"`
		CWE      []string `json:"cwe"`
		CVE      string   `json:"cve"`
	} `json:"findings"`
}

func (p *Prober) Parse(artifact []byte) (*Report, error) {
	var doc proberArtifact
	if err := json.Unmarshal(artifact, &doc); err != nil {
		return nil, fmt.Errorf("prober: parse artifact: %w", err)
	}
	rep := &Report{
		RequestsUsed:    doc.RequestsUsed,
		BudgetExhausted: doc.BudgetExhausted,
	}
	for _, f := range doc.Findings {
		raw := rawFromParts(f.Rule, f.Title, f.Severity, f.Score, f.Endpoint, f.Method)
		raw.Request = f.Request
		raw.Response = f.Response
		raw.CWE = f.CWE
		raw.CVE = f.CVE
		rep.Findings = append(rep.Findings, raw)
	}
	return rep, nil
}
