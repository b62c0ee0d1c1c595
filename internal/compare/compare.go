// Package compare diffs two historical scans by fingerprint set. Results are
// cached per ordered (current, previous) pair and never invalidated: source
// scans are immutable once terminal.
package compare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
)

// ErrSelfCompare rejects comparing a scan against itself.
var ErrSelfCompare = errors.New("cannot compare a scan against itself")

// ErrNotTerminal rejects comparing a scan that is still in flight. The
// never-invalidate cache is only sound once both finding sets are frozen.
var ErrNotTerminal = errors.New("scan has not reached a terminal state")

type Store interface {
	GetScan(ctx context.Context, scanID string) (*model.Scan, error)
	FindingSeverityMap(ctx context.Context, scanID string) (map[string]model.Severity, error)
	GetComparison(ctx context.Context, scanID, previousScanID string) (*model.Comparison, error)
	SaveComparison(ctx context.Context, c *model.Comparison) error
}

type Comparator struct {
	store Store
}

func New(store Store) *Comparator {
	return &Comparator{store: store}
}

// Compare returns the cached diff for (current, previous), computing and
// caching it on first request.
func (c *Comparator) Compare(ctx context.Context, scanID, previousScanID string) (*model.Comparison, error) {
	if scanID == previousScanID {
		return nil, ErrSelfCompare
	}

	if cached, err := c.store.GetComparison(ctx, scanID, previousScanID); err == nil {
		return cached, nil
	}

	// Both scans must exist and be terminal: an in-flight scan's finding set
	// is still growing, and a diff taken now would be cached forever.
	curScan, err := c.store.GetScan(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("current scan: %w", err)
	}
	if !curScan.Status.Terminal() {
		return nil, fmt.Errorf("current scan %s is %s: %w", scanID, curScan.Status, ErrNotTerminal)
	}
	prevScan, err := c.store.GetScan(ctx, previousScanID)
	if err != nil {
		return nil, fmt.Errorf("previous scan: %w", err)
	}
	if !prevScan.Status.Terminal() {
		return nil, fmt.Errorf("previous scan %s is %s: %w", previousScanID, prevScan.Status, ErrNotTerminal)
	}

	cur, err := c.store.FindingSeverityMap(ctx, scanID)
	if err != nil {
		return nil, err
	}
	prev, err := c.store.FindingSeverityMap(ctx, previousScanID)
	if err != nil {
		return nil, err
	}

	cmp := Diff(cur, prev)
	cmp.ScanID = scanID
	cmp.PreviousScanID = previousScanID
	cmp.CreatedAt = time.Now().UTC()

	if err := c.store.SaveComparison(ctx, cmp); err != nil {
		// The diff is still valid; only the cache write failed.
		return cmp, nil
	}
	return cmp, nil
}

// Diff partitions the union of both scans' fingerprints:
//
//	new       = current \ previous
//	resolved  = previous \ current
//	regressed = intersection where current severity outranks previous
//	unchanged = intersection minus regressed
func Diff(cur, prev map[string]model.Severity) *model.Comparison {
	cmp := &model.Comparison{
		New:       []string{},
		Resolved:  []string{},
		Regressed: []string{},
		Unchanged: []string{},
	}
	for fp, sev := range cur {
		prevSev, inPrev := prev[fp]
		switch {
		case !inPrev:
			cmp.New = append(cmp.New, fp)
		case sev.Rank() > prevSev.Rank():
			cmp.Regressed = append(cmp.Regressed, fp)
		default:
			cmp.Unchanged = append(cmp.Unchanged, fp)
		}
	}
	for fp := range prev {
		if _, inCur := cur[fp]; !inCur {
			cmp.Resolved = append(cmp.Resolved, fp)
		}
	}
	sort.Strings(cmp.New)
	sort.Strings(cmp.Resolved)
	sort.Strings(cmp.Regressed)
	sort.Strings(cmp.Unchanged)
	return cmp
}
