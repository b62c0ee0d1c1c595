package model

import (
	"strings"
	"time"
)

type Severity string

const (
	SevCritical Severity = "critical"
	SevHigh     Severity = "high"
	SevMedium   Severity = "medium"
	SevLow      Severity = "low"
	SevInfo     Severity = "info"
)

// Severities lists all levels from most to least severe.
var Severities = []Severity{SevCritical, SevHigh, SevMedium, SevLow, SevInfo}

// Rank returns the ordinal position of a severity: critical=4 down to info=0.
// Unknown values rank as info.
func (s Severity) Rank() int {
	switch s {
	case SevCritical:
		return 4
	case SevHigh:
		return 3
	case SevMedium:
		return 2
	case SevLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity coerces an engine-supplied severity string onto the five-level
// scale. Anything unrecognized maps to info rather than failing the record.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "crit":
		return SevCritical
	case "high":
		return SevHigh
	case "medium", "moderate", "med":
		return SevMedium
	case "low", "minor":
		return SevLow
	default:
		return SevInfo
	}
}

type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
	StatusCancelled ScanStatus = "cancelled"
)

// Terminal reports whether a status is final. A scan never leaves a terminal
// state.
func (s ScanStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Scan is one invocation of the orchestrator against a target. Status is
// owned exclusively by the coordinator.
type Scan struct {
	ID             string         `json:"scan_id"`
	TargetURL      string         `json:"target_url"`
	Engines        []string       `json:"engines"`
	RequestBudget  int            `json:"request_budget"`
	DangerousMode  bool           `json:"dangerous_mode"`
	Status         ScanStatus     `json:"status"`
	Truncated      bool           `json:"truncated"`
	TotalFindings  int            `json:"total_findings"`
	SeverityCounts SeverityCounts `json:"severity_counts"`
	ArtifactBucket string         `json:"artifact_bucket,omitempty"`
	ArtifactPrefix string         `json:"artifact_prefix,omitempty"`
	ErrorMsg       string         `json:"error,omitempty"`
	Deleted        bool           `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

func (c *SeverityCounts) Add(s Severity) {
	switch s {
	case SevCritical:
		c.Critical++
	case SevHigh:
		c.High++
	case SevMedium:
		c.Medium++
	case SevLow:
		c.Low++
	default:
		c.Info++
	}
}

func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

// RawFinding is what an engine adapter emits from its parse step. Fields are
// whatever the engine happened to report; normalization fills the gaps.
type RawFinding struct {
	RuleID   string   `json:"rule"`
	Title    string   `json:"title"`
	Severity string   `json:"severity"`
	Score    *float64 `json:"score,omitempty"`
	Endpoint string   `json:"endpoint"`
	Method   string   `json:"method"`
	Request  string   `json:"request,omitempty"`
	Response string   `json:"response,omitempty"`
	CWE      []string `json:"cwe,omitempty"`
	CVE      string   `json:"cve,omitempty"`
}

// Finding is the canonical normalized vulnerability observation. Immutable
// once persisted.
type Finding struct {
	ID               int64     `json:"id,omitempty"`
	ScanID           string    `json:"scan_id"`
	RuleID           string    `json:"rule"`
	Title            string    `json:"title"`
	Severity         Severity  `json:"severity"`
	Score            float64   `json:"score"`
	Endpoint         string    `json:"endpoint"`
	Method           string    `json:"method"`
	EvidenceRequest  string    `json:"evidence_request,omitempty"`
	EvidenceResponse string    `json:"evidence_response,omitempty"`
	EngineName       string    `json:"engine"`
	CWE              []string  `json:"cwe,omitempty"`
	CVE              string    `json:"cve,omitempty"`
	Fingerprint      string    `json:"fingerprint"`
	PriorityScore    float64   `json:"priority_score"`
	FixabilityScore  float64   `json:"fixability_score"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}

// Comparison is the cached diff between two scans, keyed by the ordered
// (current, previous) pair. The fingerprint sets partition the union of both
// scans' fingerprints.
type Comparison struct {
	ScanID         string    `json:"scan_id"`
	PreviousScanID string    `json:"previous_scan_id"`
	New            []string  `json:"new"`
	Resolved       []string  `json:"resolved"`
	Regressed      []string  `json:"regressed"`
	Unchanged      []string  `json:"unchanged"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

type ComparisonCounts struct {
	New       int `json:"new"`
	Resolved  int `json:"resolved"`
	Regressed int `json:"regressed"`
	Unchanged int `json:"unchanged"`
}

func (c *Comparison) Counts() ComparisonCounts {
	return ComparisonCounts{
		New:       len(c.New),
		Resolved:  len(c.Resolved),
		Regressed: len(c.Regressed),
		Unchanged: len(c.Unchanged),
	}
}

// TrendPoint is one calendar day of aggregated findings for a target.
type TrendPoint struct {
	Day            time.Time      `json:"day"`
	Scans          int            `json:"scans"`
	TotalFindings  int            `json:"total_findings"`
	SeverityCounts SeverityCounts `json:"severity_counts"`
}

type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendWorsening TrendDirection = "worsening"
	TrendStable    TrendDirection = "stable"
)

type TrendReport struct {
	TargetURL      string         `json:"target_url"`
	Days           int            `json:"days"`
	Points         []TrendPoint   `json:"points"`
	Direction      TrendDirection `json:"direction"`
	MeanFirstHalf  float64        `json:"mean_first_half"`
	MeanSecondHalf float64        `json:"mean_second_half"`
}
