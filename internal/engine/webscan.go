package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
)

// WebScan adapts a generic web vulnerability scanner. The scanner has no
// budget protocol of its own, so the shared budget is passed as a hard
// request cap on the command line.
type WebScan struct {
	timeout time.Duration
}

func NewWebScan(opts Options) *WebScan {
	return &WebScan{timeout: opts.EngineTimeout}
}

func (w *WebScan) Name() string { return "webscan" }

func (w *WebScan) BuildInvocation(scanID string, target TargetSpec) (*Invocation, error) {
	if target.URL == "" {
		return nil, fmt.Errorf("webscan: target URL is empty")
	}
	cmd := []string{
		"-target", target.URL,
		"-max-requests", strconv.Itoa(target.RequestBudget),
		"-json", "/out/webscan.json",
	}
	if target.DangerousMode {
		cmd = append(cmd, "-active")
	}
	return &Invocation{
		Engine:       w.Name(),
		ScanID:       scanID,
		Image:        "apiscan/webscan:latest",
		Cmd:          cmd,
		MemoryMB:     2048,
		CPUs:         2,
		CapAdd:       []string{"NET_RAW"}, // raw sockets for service probes
		ArtifactFile: "webscan.json",
		Timeout:      w.timeout,
		// No graceful budget-stop exit code.
		BudgetStopExit: -1,
	}, nil
}

type webscanArtifact struct {
	Stats struct {
		RequestsSent int `json:"requests_sent"`
	} `json:"stats"`
	Site []struct {
		Alerts []struct {
			Alert    string `json:"alert"`
			Risk     string `json:"risk"`
			URI      string `json:"uri"`
			Method   string `json:"method"`
			Evidence string `json:"evidence"`
			CWEID    string `json:"cweid"`
			PluginID string `json:"pluginid"`
		} `json:"alerts"`
	} `json:"site"`
}

func (w *WebScan) Parse(artifact []byte) (*Report, error) {
	var doc webscanArtifact
	if err := json.Unmarshal(artifact, &doc); err != nil {
		return nil, fmt.Errorf("webscan: parse artifact: %w", err)
	}
	rep := &Report{RequestsUsed: doc.Stats.RequestsSent}
	for _, site := range doc.Site {
		for _, a := range site.Alerts {
			rule := a.PluginID
			if rule == "" {
				rule = a.Alert
			}
			raw := rawFromParts(rule, a.Alert, a.Risk, nil, a.URI, a.Method)
			raw.Response = a.Evidence
			if a.CWEID != "" && a.CWEID != "-1" {
				raw.CWE = []string{"CWE-" + a.CWEID}
			}
			rep.Findings = append(rep.Findings, raw)
		}
	}
	return rep, nil
}

// rawFromParts assembles a RawFinding, defaulting the optional fields:
// missing severity becomes info downstream, missing method becomes GET.
func rawFromParts(rule, title, severity string, score *float64, endpoint, method string) model.RawFinding {
	if method == "" {
		method = "GET"
	}
	if title == "" {
		title = rule
	}
	return model.RawFinding{
		RuleID:   rule,
		Title:    title,
		Severity: severity,
		Score:    score,
		Endpoint: endpoint,
		Method:   method,
	}
}
