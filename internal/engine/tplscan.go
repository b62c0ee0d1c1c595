package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TplScan adapts the template-rule scanner. Its export is an array of
// template match objects, one JSON document per run.
type TplScan struct {
	timeout time.Duration
}

func NewTplScan(opts Options) *TplScan {
	return &TplScan{timeout: opts.EngineTimeout}
}

func (t *TplScan) Name() string { return "tplscan" }

func (t *TplScan) BuildInvocation(scanID string, target TargetSpec) (*Invocation, error) {
	if target.URL == "" {
		return nil, fmt.Errorf("tplscan: target URL is empty")
	}
	cmd := []string{
		"-target", target.URL,
		"-json-export", "/out/tplscan.json",
		"-rate-limit", "50",
	}
	if !target.DangerousMode {
		cmd = append(cmd, "-exclude-tags", "intrusive")
	}
	return &Invocation{
		Engine:         t.Name(),
		ScanID:         scanID,
		Image:          "apiscan/tplscan:latest",
		Cmd:            cmd,
		MemoryMB:       1024,
		CPUs:           1,
		ArtifactFile:   "tplscan.json",
		Timeout:        t.timeout,
		BudgetStopExit: -1,
	}, nil
}

type tplMatch struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name           string `json:"name"`
		Severity       string `json:"severity"`
		Classification struct {
			CWEID []string `json:"cwe-id"`
			CVEID []string `json:"cve-id"`
		} `json:"classification"`
	} `json:"info"`
	MatchedAt string `json:"matched-at"`
	Request   string `json:"request"`
	Response  string `json:"response"`
}

func (t *TplScan) Parse(artifact []byte) (*Report, error) {
	var matches []tplMatch
	if err := json.Unmarshal(artifact, &matches); err != nil {
		return nil, fmt.Errorf("tplscan: parse artifact: %w", err)
	}
	rep := &Report{}
	for _, m := range matches {
		raw := rawFromParts(m.TemplateID, m.Info.Name, m.Info.Severity, nil,
			m.MatchedAt, methodFromRequest(m.Request))
		raw.Request = m.Request
		raw.Response = m.Response
		raw.CWE = m.Info.Classification.CWEID
		if len(m.Info.Classification.CVEID) > 0 {
			raw.CVE = m.Info.Classification.CVEID[0]
		}
		rep.Findings = append(rep.Findings, raw)
	}
	return rep, nil
}

// methodFromRequest pulls the verb off the first line of a raw HTTP request
// dump. Empty or unparseable dumps default to GET.
func methodFromRequest(req string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(req), "\n")
	verb, _, ok := strings.Cut(line, " ")
	if !ok {
		return ""
	}
	switch v := strings.ToUpper(verb); v {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS", "TRACE":
		return v
	}
	return ""
}
