package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/apiscan-orchestrator/internal/engine"
	"github.com/yourorg/apiscan-orchestrator/internal/model"
	"github.com/yourorg/apiscan-orchestrator/internal/normalize"
	"github.com/yourorg/apiscan-orchestrator/internal/runtime"
	"github.com/yourorg/apiscan-orchestrator/internal/scoring"
)

type fakeStore struct {
	mu          sync.Mutex
	scans       map[string]model.Scan
	findings    map[string][]model.Finding
	completeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scans:    make(map[string]model.Scan),
		findings: make(map[string][]model.Finding),
	}
}

func (f *fakeStore) CreateScan(_ context.Context, scan *model.Scan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.scans[scan.ID]; dup {
		return errors.New("duplicate scan id")
	}
	f.scans[scan.ID] = *scan
	return nil
}

func (f *fakeStore) MarkRunning(_ context.Context, scanID string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc := f.scans[scanID]
	sc.Status = model.StatusRunning
	sc.StartedAt = &startedAt
	f.scans[scanID] = sc
	return nil
}

func (f *fakeStore) CompleteScan(_ context.Context, scan *model.Scan, findings []model.Finding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.scans[scan.ID] = *scan
	f.findings[scan.ID] = findings
	return nil
}

func (f *fakeStore) GetScan(_ context.Context, scanID string) (*model.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.scans[scanID]
	if !ok {
		return nil, errors.New("not found")
	}
	out := sc
	return &out, nil
}

func (f *fakeStore) FailOrphanedRunning(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

type fakeEngine struct {
	name string
	rep  *engine.Report
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) BuildInvocation(scanID string, target engine.TargetSpec) (*engine.Invocation, error) {
	return &engine.Invocation{
		Engine:         e.name,
		ScanID:         scanID,
		Image:          "test/" + e.name,
		ArtifactFile:   e.name + ".json",
		Timeout:        time.Minute,
		BudgetStopExit: -1,
	}, nil
}

func (e *fakeEngine) Parse(_ []byte) (*engine.Report, error) {
	return e.rep, nil
}

type fakeGateway struct {
	mu       sync.Mutex
	exits    map[string]int
	startErr map[string]bool
	block    map[string]bool
	stopped  int
}

func (g *fakeGateway) Run(ctx context.Context, inv *engine.Invocation) (*runtime.Result, error) {
	g.mu.Lock()
	startErr := g.startErr[inv.Engine]
	block := g.block[inv.Engine]
	exit := g.exits[inv.Engine]
	g.mu.Unlock()

	if startErr {
		return nil, errors.New("unit failed to start")
	}
	if block {
		<-ctx.Done()
		return &runtime.Result{ExitCode: -1}, nil
	}
	path := filepath.Join(inv.ArtifactDir, inv.ArtifactFile)
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		return nil, err
	}
	return &runtime.Result{ExitCode: exit}, nil
}

func (g *fakeGateway) Stop(_ context.Context, _ string) error {
	g.mu.Lock()
	g.stopped++
	g.mu.Unlock()
	return nil
}

func (g *fakeGateway) Ping(_ context.Context) error { return nil }

func raws(endpoints ...string) []model.RawFinding {
	out := make([]model.RawFinding, len(endpoints))
	for i, e := range endpoints {
		out[i] = model.RawFinding{RuleID: "rule-" + e, Endpoint: e, Method: "GET", Severity: "high"}
	}
	return out
}

func newTestCoordinator(t *testing.T, store Store, gw runtime.Gateway, engines ...engine.Engine) *Coordinator {
	t.Helper()
	reg, err := engine.NewRegistry(engines...)
	if err != nil {
		t.Fatal(err)
	}
	norm := normalize.New(scoring.DefaultWeights(), zap.NewNop().Sugar())
	return New(store, gw, reg, norm, nil, Options{
		DefaultBudget: 1000,
		ScanTimeout:   time.Minute,
		ScratchDir:    t.TempDir(),
	}, zap.NewNop().Sugar())
}

func TestStartScanValidation(t *testing.T) {
	coord := newTestCoordinator(t, newFakeStore(), &fakeGateway{},
		&fakeEngine{name: "prober", rep: &engine.Report{}})

	tests := []struct {
		name string
		req  ScanRequest
	}{
		{"bad_url", ScanRequest{TargetURL: "not-a-url", Engines: []string{"prober"}}},
		{"ftp_url", ScanRequest{TargetURL: "ftp://x.example.com", Engines: []string{"prober"}}},
		{"no_engines", ScanRequest{TargetURL: "https://x.example.com"}},
		{"unknown_engine", ScanRequest{TargetURL: "https://x.example.com", Engines: []string{"nmap"}}},
		{"negative_budget", ScanRequest{TargetURL: "https://x.example.com", Engines: []string{"prober"}, RequestBudget: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coord.StartScan(context.Background(), tt.req)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestStartScanAppliesDefaultBudget(t *testing.T) {
	coord := newTestCoordinator(t, newFakeStore(), &fakeGateway{},
		&fakeEngine{name: "prober", rep: &engine.Report{}})
	scan, err := coord.StartScan(context.Background(), ScanRequest{
		TargetURL: "https://api.example.com", Engines: []string{"prober"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if scan.RequestBudget != 1000 {
		t.Fatalf("budget = %d, want default 1000", scan.RequestBudget)
	}
	_ = coord.Wait(context.Background(), scan.ID)
}

// Budget exhaustion mid-scan with at least one engine producing results must
// yield completed, never failed: prober stops early at 200/400 requests with
// 3 findings, webscan finishes normally with 5.
func TestBudgetExhaustionStillCompletes(t *testing.T) {
	store := newFakeStore()
	coord := newTestCoordinator(t, store, &fakeGateway{},
		&fakeEngine{name: "prober", rep: &engine.Report{
			Findings:        raws("/api/a", "/api/b", "/api/c"),
			RequestsUsed:    200,
			BudgetExhausted: true,
		}},
		&fakeEngine{name: "webscan", rep: &engine.Report{
			Findings:     raws("/api/d", "/api/e", "/api/f", "/api/g", "/api/h"),
			RequestsUsed: 150,
		}},
	)

	scan, err := coord.StartScan(context.Background(), ScanRequest{
		TargetURL:     "https://api.example.com",
		Engines:       []string{"prober", "webscan"},
		RequestBudget: 400,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Wait(context.Background(), scan.ID); err != nil {
		t.Fatal(err)
	}

	final, err := coord.GetScan(context.Background(), scan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.TotalFindings != 8 {
		t.Fatalf("total findings = %d, want 8", final.TotalFindings)
	}
	if !final.Truncated {
		t.Fatal("scan should carry the truncated flag")
	}
	if got := final.SeverityCounts.Total(); got != final.TotalFindings {
		t.Fatalf("severity counts sum %d != total %d", got, final.TotalFindings)
	}
	if len(store.findings[scan.ID]) != 8 {
		t.Fatalf("persisted %d findings, want 8", len(store.findings[scan.ID]))
	}
}

func TestAllEnginesFailedFailsScan(t *testing.T) {
	gw := &fakeGateway{exits: map[string]int{"prober": 2, "webscan": 3}}
	coord := newTestCoordinator(t, newFakeStore(), gw,
		&fakeEngine{name: "prober", rep: &engine.Report{}},
		&fakeEngine{name: "webscan", rep: &engine.Report{}},
	)
	scan, err := coord.StartScan(context.Background(), ScanRequest{
		TargetURL: "https://api.example.com", Engines: []string{"prober", "webscan"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Wait(context.Background(), scan.ID); err != nil {
		t.Fatal(err)
	}
	final, _ := coord.GetScan(context.Background(), scan.ID)
	if final.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorMsg == "" {
		t.Fatal("failed scan should record the engine errors")
	}
}

// A single engine failure is isolated; siblings still complete the scan.
func TestOneEngineFailureStillCompletes(t *testing.T) {
	gw := &fakeGateway{exits: map[string]int{"prober": 2}}
	coord := newTestCoordinator(t, newFakeStore(), gw,
		&fakeEngine{name: "prober", rep: &engine.Report{}},
		&fakeEngine{name: "webscan", rep: &engine.Report{Findings: raws("/api/a", "/api/b")}},
	)
	scan, err := coord.StartScan(context.Background(), ScanRequest{
		TargetURL: "https://api.example.com", Engines: []string{"prober", "webscan"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Wait(context.Background(), scan.ID); err != nil {
		t.Fatal(err)
	}
	final, _ := coord.GetScan(context.Background(), scan.ID)
	if final.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.TotalFindings != 2 {
		t.Fatalf("total findings = %d, want 2", final.TotalFindings)
	}
}

func TestCancelTransitionsToCancelled(t *testing.T) {
	gw := &fakeGateway{block: map[string]bool{"prober": true}}
	coord := newTestCoordinator(t, newFakeStore(), gw,
		&fakeEngine{name: "prober", rep: &engine.Report{}})
	scan, err := coord.StartScan(context.Background(), ScanRequest{
		TargetURL: "https://api.example.com", Engines: []string{"prober"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Wait until the scan is actually running before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, err := coord.GetScan(context.Background(), scan.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Status == model.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("scan never reached running, stuck at %s", cur.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := coord.Cancel(context.Background(), scan.ID); err != nil {
		t.Fatal(err)
	}
	if err := coord.Wait(context.Background(), scan.ID); err != nil {
		t.Fatal(err)
	}

	final, _ := coord.GetScan(context.Background(), scan.ID)
	if final.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	gw.mu.Lock()
	stopped := gw.stopped
	gw.mu.Unlock()
	if stopped == 0 {
		t.Fatal("cancel should stop the scan's execution units")
	}

	// Cancelling a terminal scan is rejected.
	if err := coord.Cancel(context.Background(), scan.ID); err == nil {
		t.Fatal("expected error cancelling a terminal scan")
	}
}

// When the store is down the live result stays authoritative and is still
// served from process memory.
func TestPersistenceFailureServesLiveResult(t *testing.T) {
	store := newFakeStore()
	store.completeErr = errors.New("store unavailable")
	coord := newTestCoordinator(t, store, &fakeGateway{},
		&fakeEngine{name: "prober", rep: &engine.Report{Findings: raws("/api/a")}})

	scan, err := coord.StartScan(context.Background(), ScanRequest{
		TargetURL: "https://api.example.com", Engines: []string{"prober"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := coord.Wait(context.Background(), scan.ID); err != nil {
		t.Fatal(err)
	}

	final, err := coord.GetScan(context.Background(), scan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed despite persistence failure", final.Status)
	}
	findings, live := coord.LiveFindings(scan.ID)
	if !live || len(findings) != 1 {
		t.Fatalf("expected 1 live finding, got %d (live=%v)", len(findings), live)
	}
}

func TestBudgetCounter(t *testing.T) {
	b := newBudget(100)
	if b.left() != 100 {
		t.Fatalf("left = %d, want 100", b.left())
	}
	if b.consume(40) {
		t.Fatal("budget should not be exhausted at 60 remaining")
	}
	if !b.consume(80) {
		t.Fatal("over-consuming must report exhaustion")
	}
	if b.left() != 0 {
		t.Fatalf("left = %d, want floor of 0", b.left())
	}
	if !b.consume(1) {
		t.Fatal("consuming from an empty budget stays exhausted")
	}
}
