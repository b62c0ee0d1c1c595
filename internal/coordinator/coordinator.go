// Package coordinator owns the scan lifecycle: it validates requests,
// dispatches engine adapters concurrently through the runtime gateway, tracks
// the shared request budget, aggregates terminal status, and triggers
// normalization and persistence exactly once per scan.
//
// Single-writer discipline: only the coordinator ever flips a scan's status,
// so concurrently-completing engine tasks cannot race on it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/apiscan-orchestrator/internal/engine"
	"github.com/yourorg/apiscan-orchestrator/internal/model"
	"github.com/yourorg/apiscan-orchestrator/internal/normalize"
	"github.com/yourorg/apiscan-orchestrator/internal/runtime"
)

// Store is the slice of persistence the coordinator needs.
type Store interface {
	CreateScan(ctx context.Context, scan *model.Scan) error
	MarkRunning(ctx context.Context, scanID string, startedAt time.Time) error
	CompleteScan(ctx context.Context, scan *model.Scan, findings []model.Finding) error
	GetScan(ctx context.Context, scanID string) (*model.Scan, error)
	FailOrphanedRunning(ctx context.Context, reason string) ([]string, error)
}

// ArtifactStore uploads raw engine reports. Optional: a nil store means raw
// artifacts are discarded with the scratch dir.
type ArtifactStore interface {
	Bucket() string
	Prefix(scanID string) string
	UploadReport(ctx context.Context, scanID, engineName, filePath string) (string, error)
}

type Options struct {
	DefaultBudget int
	ScanTimeout   time.Duration
	ScratchDir    string
}

type Coordinator struct {
	store      Store
	gw         runtime.Gateway
	registry   *engine.Registry
	normalizer *normalize.Normalizer
	artifacts  ArtifactStore
	opts       Options
	log        *zap.SugaredLogger

	mu   sync.Mutex
	live map[string]*liveScan
}

// liveScan is the in-process record for a scan not yet durably committed.
// The durable store is the single source of truth for terminal scans; this
// map is reconciled against it on read.
type liveScan struct {
	scan      model.Scan
	findings  []model.Finding
	cancel    context.CancelFunc
	cancelled bool
	kept      bool // persistence failed; this copy stays authoritative
	done      chan struct{}
}

func New(store Store, gw runtime.Gateway, registry *engine.Registry,
	normalizer *normalize.Normalizer, artifacts ArtifactStore,
	opts Options, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{
		store:      store,
		gw:         gw,
		registry:   registry,
		normalizer: normalizer,
		artifacts:  artifacts,
		opts:       opts,
		log:        log,
		live:       make(map[string]*liveScan),
	}
}

// ScanRequest is what the intake layer supplies.
type ScanRequest struct {
	TargetURL     string   `json:"target_url"`
	Engines       []string `json:"engines"`
	RequestBudget int      `json:"request_budget"`
	DangerousMode bool     `json:"dangerous_mode"`
	SpecRef       string   `json:"spec_ref,omitempty"`
}

// StartScan validates the request, persists the pending row and dispatches
// the scan in the background. The returned record reflects the pending state.
func (c *Coordinator) StartScan(ctx context.Context, req ScanRequest) (*model.Scan, error) {
	if err := c.validate(&req); err != nil {
		return nil, err
	}

	engines := append([]string(nil), req.Engines...)
	sort.Strings(engines)

	scan := model.Scan{
		ID:            uuid.NewString(),
		TargetURL:     req.TargetURL,
		Engines:       engines,
		RequestBudget: req.RequestBudget,
		DangerousMode: req.DangerousMode,
		Status:        model.StatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	if err := c.store.CreateScan(ctx, &scan); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), c.opts.ScanTimeout)
	ls := &liveScan{scan: scan, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.live[scan.ID] = ls
	c.mu.Unlock()

	go c.run(runCtx, ls, req)

	out := scan
	return &out, nil
}

func (c *Coordinator) validate(req *ScanRequest) error {
	u, err := url.ParseRequestURI(req.TargetURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return validationf("target_url %q is not a valid http(s) URL", req.TargetURL)
	}
	if len(req.Engines) == 0 {
		return validationf("at least one engine is required")
	}
	for _, name := range req.Engines {
		if !c.registry.Has(name) {
			return validationf("unknown engine %q (available: %s)",
				name, strings.Join(c.registry.Names(), ", "))
		}
	}
	if req.RequestBudget == 0 {
		req.RequestBudget = c.opts.DefaultBudget
	}
	if req.RequestBudget < 0 {
		return validationf("request_budget must be positive, got %d", req.RequestBudget)
	}
	return nil
}

type engineResult struct {
	engine    string
	ok        bool
	raws      []model.RawFinding
	exhausted bool
	timedOut  bool
	err       error
}

func (c *Coordinator) run(ctx context.Context, ls *liveScan, req ScanRequest) {
	defer ls.cancel()
	scan := &ls.scan

	now := time.Now().UTC()
	c.setStatus(ls, model.StatusRunning, &now)
	if err := c.store.MarkRunning(ctx, scan.ID, now); err != nil {
		c.log.Warnw("mark running failed", "scan_id", scan.ID, "error", err)
	}

	scratch := filepath.Join(c.opts.ScratchDir, scan.ID)
	_ = os.MkdirAll(scratch, 0o755)
	defer os.RemoveAll(scratch)

	bud := newBudget(scan.RequestBudget)
	results := make([]engineResult, len(scan.Engines))
	var wg sync.WaitGroup
	for i, name := range scan.Engines {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = c.runEngine(ctx, scan, req, name, bud, scratch)
		}(i, name)
	}
	wg.Wait()

	c.finish(ctx, ls, results)
}

func (c *Coordinator) runEngine(ctx context.Context, scan *model.Scan, req ScanRequest,
	name string, bud *budget, scratch string) engineResult {

	res := engineResult{engine: name}

	eng, err := c.registry.Lookup(name)
	if err != nil {
		res.err = err
		return res
	}

	remaining := bud.left()
	if remaining == 0 {
		// Budget drained before this engine could start: a graceful
		// early stop with nothing found, not a failure.
		res.ok = true
		res.exhausted = true
		return res
	}

	inv, err := eng.BuildInvocation(scan.ID, engine.TargetSpec{
		URL:           scan.TargetURL,
		SpecRef:       req.SpecRef,
		DangerousMode: scan.DangerousMode,
		RequestBudget: remaining,
	})
	if err != nil {
		res.err = &EngineExecutionError{Engine: name, Err: err}
		return res
	}
	inv.ArtifactDir = filepath.Join(scratch, name)
	if err := os.MkdirAll(inv.ArtifactDir, 0o755); err != nil {
		res.err = &EngineExecutionError{Engine: name, Err: err}
		return res
	}

	// Start failures are retried once, then reported as a per-engine failure.
	var run *runtime.Result
	err = retry(ctx, 2, time.Second, func() error {
		r, rerr := c.gw.Run(ctx, inv)
		if rerr != nil {
			return rerr
		}
		run = r
		return nil
	})
	if err != nil {
		res.err = &EngineExecutionError{Engine: name, Err: err}
		return res
	}
	if run.TimedOut {
		res.timedOut = true
		res.err = &EngineExecutionError{Engine: name, Err: errors.New("timed out")}
		return res
	}

	budgetStop := inv.BudgetStopExit >= 0 && run.ExitCode == inv.BudgetStopExit
	if run.ExitCode != 0 && !budgetStop {
		res.err = &EngineExecutionError{Engine: name,
			Err: fmt.Errorf("exit %d: %s", run.ExitCode, firstLine(run.Output))}
		return res
	}

	artifactPath := filepath.Join(inv.ArtifactDir, inv.ArtifactFile)
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		res.err = &EngineExecutionError{Engine: name, Err: err}
		return res
	}
	rep, err := eng.Parse(data)
	if err != nil {
		res.err = &EngineExecutionError{Engine: name, Err: err}
		return res
	}

	drained := bud.consume(rep.RequestsUsed)

	res.ok = true
	res.raws = rep.Findings
	res.exhausted = rep.BudgetExhausted || budgetStop || drained

	if c.artifacts != nil {
		if _, err := c.artifacts.UploadReport(ctx, scan.ID, name, artifactPath); err != nil {
			c.log.Warnw("artifact upload failed", "scan_id", scan.ID, "engine", name, "error", err)
		}
	}
	return res
}

// finish aggregates engine results into the terminal state and persists the
// scan and its findings exactly once. Engines that produced results before a
// cancellation are still normalized; the rest are skipped.
func (c *Coordinator) finish(ctx context.Context, ls *liveScan, results []engineResult) {
	scan := &ls.scan

	var findings []model.Finding
	var anyOK, truncated bool
	var failures []string
	for _, r := range results {
		if r.err != nil {
			c.log.Warnw("engine failed", "scan_id", scan.ID, "engine", r.engine,
				"timed_out", r.timedOut, "error", r.err)
			failures = append(failures, r.err.Error())
			continue
		}
		if !r.ok {
			continue
		}
		anyOK = true
		if r.exhausted {
			truncated = true
		}
		findings = append(findings, c.normalizer.Normalize(scan.ID, r.engine, r.raws)...)
	}
	findings = normalize.Dedup(findings)

	var counts model.SeverityCounts
	for _, f := range findings {
		counts.Add(f.Severity)
	}

	status := model.StatusCompleted
	switch {
	case c.wasCancelled(scan.ID) || errors.Is(ctx.Err(), context.Canceled):
		status = model.StatusCancelled
	case !anyOK:
		status = model.StatusFailed
	}

	done := time.Now().UTC()
	c.mu.Lock()
	scan.Status = status
	scan.Truncated = truncated
	scan.TotalFindings = len(findings)
	scan.SeverityCounts = counts
	scan.CompletedAt = &done
	if status == model.StatusFailed {
		scan.ErrorMsg = strings.Join(failures, "; ")
	}
	if c.artifacts != nil && len(results) > 0 {
		scan.ArtifactBucket = c.artifacts.Bucket()
		scan.ArtifactPrefix = c.artifacts.Prefix(scan.ID)
	}
	ls.findings = findings
	c.mu.Unlock()

	// Persist with a fresh context: the scan context may already be
	// cancelled, and the result must still be committed.
	dbCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.store.CompleteScan(dbCtx, scan, findings); err != nil {
		// The live copy stays authoritative for this scan; historical
		// comparison and trend features degrade until the store recovers.
		c.log.Errorw("persisting scan failed, serving from memory",
			"scan_id", scan.ID, "error", err)
		c.mu.Lock()
		ls.kept = true
		c.mu.Unlock()
		close(ls.done)
		return
	}

	c.mu.Lock()
	delete(c.live, scan.ID)
	c.mu.Unlock()
	close(ls.done)

	c.log.Infow("scan finished", "scan_id", scan.ID, "status", status,
		"findings", len(findings), "truncated", truncated)
}

func (c *Coordinator) setStatus(ls *liveScan, st model.ScanStatus, startedAt *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls.scan.Status = st
	if startedAt != nil {
		ls.scan.StartedAt = startedAt
	}
}

func (c *Coordinator) wasCancelled(scanID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.live[scanID]
	return ok && ls.cancelled
}

// Cancel transitions an in-flight scan to cancelled and terminates its
// execution units. Terminal scans cannot be cancelled.
func (c *Coordinator) Cancel(ctx context.Context, scanID string) error {
	c.mu.Lock()
	ls, ok := c.live[scanID]
	if ok && !ls.scan.Status.Terminal() {
		ls.cancelled = true
		ls.cancel()
		c.mu.Unlock()
		if err := c.gw.Stop(ctx, scanID); err != nil {
			c.log.Warnw("stopping scan containers failed", "scan_id", scanID, "error", err)
		}
		return nil
	}
	c.mu.Unlock()

	scan, err := c.store.GetScan(ctx, scanID)
	if err != nil {
		return err
	}
	return validationf("scan %s is already %s", scan.ID, scan.Status)
}

// GetScan reconciles the in-process table against the durable store: a scan
// not yet committed is served from memory, everything else from the store.
func (c *Coordinator) GetScan(ctx context.Context, scanID string) (*model.Scan, error) {
	c.mu.Lock()
	if ls, ok := c.live[scanID]; ok {
		out := ls.scan
		c.mu.Unlock()
		return &out, nil
	}
	c.mu.Unlock()
	return c.store.GetScan(ctx, scanID)
}

// LiveFindings returns the in-memory findings of a scan whose persistence
// failed. The second return is false when the store is authoritative.
func (c *Coordinator) LiveFindings(scanID string) ([]model.Finding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.live[scanID]
	if !ok || !ls.kept {
		return nil, false
	}
	return append([]model.Finding(nil), ls.findings...), true
}

// Wait blocks until the scan reaches a terminal state or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, scanID string) error {
	c.mu.Lock()
	ls, ok := c.live[scanID]
	c.mu.Unlock()
	if !ok {
		return nil // already terminal and committed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ls.done:
		return nil
	}
}

// RecoverOrphans fails scans left pending or running by a previous process.
// Called once at startup, before any new scan is accepted.
func (c *Coordinator) RecoverOrphans(ctx context.Context) {
	ids, err := c.store.FailOrphanedRunning(ctx, "orchestrator restarted mid-scan")
	if err != nil {
		c.log.Warnw("orphan recovery failed", "error", err)
		return
	}
	if len(ids) > 0 {
		c.log.Infow("failed orphaned scans from previous run", "count", len(ids))
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
