// Package engine defines the scanner engine adapter contract and the static
// registry of available engines. Adapters declare how an engine is invoked
// and how its raw output parses into RawFindings; they never execute anything
// themselves, that is the runtime gateway's job.
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
)

// TargetSpec describes what an engine should scan.
type TargetSpec struct {
	URL           string
	SpecRef       string
	DangerousMode bool
	// RequestBudget is the number of probe requests remaining in the shared
	// scan budget at dispatch time.
	RequestBudget int
}

// Invocation is the execution spec an adapter hands to the runtime gateway.
// Resource ceilings and privilege restrictions are declared here so the
// gateway can enforce them uniformly.
type Invocation struct {
	Engine string
	ScanID string

	Image string
	Cmd   []string
	Env   []string

	MemoryMB int
	CPUs     float64
	// CapAdd lists the few capabilities the engine genuinely needs; the
	// gateway drops everything else and forbids privilege escalation.
	CapAdd []string

	// ArtifactDir is a scan-scoped host directory mounted into the unit.
	// Concurrent scans never share one.
	ArtifactDir string
	// ArtifactFile is the report path inside ArtifactDir the engine writes.
	ArtifactFile string

	Timeout time.Duration

	// BudgetStopExit is the engine's exit code for a graceful budget-
	// exhaustion stop, classified as success. -1 if the engine has no such
	// protocol.
	BudgetStopExit int
}

// Report is the parsed output of one engine run.
type Report struct {
	Findings        []model.RawFinding
	RequestsUsed    int
	BudgetExhausted bool
}

// Engine is implemented once per scanner engine type.
type Engine interface {
	// Name is the stable identifier used for attribution and registry lookup.
	Name() string
	// BuildInvocation produces the execution spec for one scan.
	BuildInvocation(scanID string, target TargetSpec) (*Invocation, error)
	// Parse turns the raw artifact into engine-specific finding records.
	// Missing optional fields default rather than failing; individual
	// malformed records are skipped.
	Parse(artifact []byte) (*Report, error)
}

// Registry maps engine names to adapters. Built once at process start;
// unknown engines are simply absent.
type Registry struct {
	engines map[string]Engine
}

func NewRegistry(engines ...Engine) (*Registry, error) {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		if e.Name() == "" {
			return nil, fmt.Errorf("engine with empty name")
		}
		if _, dup := r.engines[e.Name()]; dup {
			return nil, fmt.Errorf("duplicate engine %q", e.Name())
		}
		r.engines[e.Name()] = e
	}
	return r, nil
}

// Default builds the registry of all compiled-in engines.
func Default(opts Options) (*Registry, error) {
	return NewRegistry(
		NewProber(opts),
		NewWebScan(opts),
		NewTplScan(opts),
	)
}

// Options carries deployment-level knobs shared by all adapters.
type Options struct {
	// EngineTimeout caps one engine's wall-clock run.
	EngineTimeout time.Duration
}

func (r *Registry) Lookup(name string) (Engine, error) {
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", name)
	}
	return e, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.engines[name]
	return ok
}

// Names returns all registered engine names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
