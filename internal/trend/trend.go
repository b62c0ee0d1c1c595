// Package trend rolls up historical scans into per-day time series and
// classifies the overall direction for a target.
package trend

import (
	"context"
	"time"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
)

// epsilon is the band, in mean findings per day, within which the two window
// halves count as stable.
const epsilon = 0.5

type Store interface {
	ScansByDay(ctx context.Context, targetURL string, since time.Time) ([]model.TrendPoint, error)
}

type Aggregator struct {
	store Store
}

func New(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Report aggregates completed scans for a target over the lookback window.
func (a *Aggregator) Report(ctx context.Context, targetURL string, days int) (*model.TrendReport, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days).Truncate(24 * time.Hour)
	points, err := a.store.ScansByDay(ctx, targetURL, since)
	if err != nil {
		return nil, err
	}
	rep := Summarize(points, since, days)
	rep.TargetURL = targetURL
	return rep, nil
}

// Summarize computes direction by comparing the mean daily total of the first
// half of the window against the second half. Halves are split on the window's
// time midpoint, not the point count, so sparse scan-days land in the half
// they actually occurred in.
func Summarize(points []model.TrendPoint, since time.Time, days int) *model.TrendReport {
	rep := &model.TrendReport{
		Days:      days,
		Points:    points,
		Direction: model.TrendStable,
	}
	if len(points) < 2 {
		return rep
	}

	mid := since.Add(time.Duration(days) * 12 * time.Hour)
	var first, second []model.TrendPoint
	for _, p := range points {
		if p.Day.Before(mid) {
			first = append(first, p)
		} else {
			second = append(second, p)
		}
	}
	rep.MeanFirstHalf = meanTotal(first)
	rep.MeanSecondHalf = meanTotal(second)

	switch {
	case rep.MeanSecondHalf < rep.MeanFirstHalf-epsilon:
		rep.Direction = model.TrendImproving
	case rep.MeanSecondHalf > rep.MeanFirstHalf+epsilon:
		rep.Direction = model.TrendWorsening
	}
	return rep
}

func meanTotal(points []model.TrendPoint) float64 {
	if len(points) == 0 {
		return 0
	}
	var sum int
	for _, p := range points {
		sum += p.TotalFindings
	}
	return float64(sum) / float64(len(points))
}
