package trend

import (
	"testing"
	"time"

	"github.com/yourorg/apiscan-orchestrator/internal/model"
)

var windowStart = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func points(totals ...int) []model.TrendPoint {
	out := make([]model.TrendPoint, len(totals))
	for i, n := range totals {
		out[i] = model.TrendPoint{Day: windowStart.AddDate(0, 0, i), Scans: 1, TotalFindings: n}
	}
	return out
}

func TestSummarizeDirection(t *testing.T) {
	tests := []struct {
		name   string
		totals []int
		want   model.TrendDirection
	}{
		{"strictly_decreasing_improves", []int{30, 28, 25, 20, 15, 10, 5, 2}, model.TrendImproving},
		{"strictly_increasing_worsens", []int{2, 5, 10, 15, 20, 25, 28, 30}, model.TrendWorsening},
		{"flat_is_stable", []int{10, 10, 10, 10}, model.TrendStable},
		{"within_epsilon_is_stable", []int{10, 10, 10, 10, 10, 10, 10, 11}, model.TrendStable},
		{"single_point_is_stable", []int{42}, model.TrendStable},
		{"no_points_is_stable", nil, model.TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			days := len(tt.totals)
			if days == 0 {
				days = 30
			}
			rep := Summarize(points(tt.totals...), windowStart, days)
			if rep.Direction != tt.want {
				t.Errorf("direction = %s (means %.2f/%.2f), want %s",
					rep.Direction, rep.MeanFirstHalf, rep.MeanSecondHalf, tt.want)
			}
		})
	}
}

// A 30-day window with strictly decreasing daily totals must classify as
// improving.
func TestThirtyDayImprovement(t *testing.T) {
	totals := make([]int, 30)
	for i := range totals {
		totals[i] = 60 - 2*i
	}
	rep := Summarize(points(totals...), windowStart, 30)
	if rep.Direction != model.TrendImproving {
		t.Fatalf("direction = %s, want improving", rep.Direction)
	}
	if rep.MeanFirstHalf <= rep.MeanSecondHalf {
		t.Fatalf("first-half mean %.2f should exceed second-half %.2f",
			rep.MeanFirstHalf, rep.MeanSecondHalf)
	}
}

// Scan-days land in the half they occurred in, not the half their index falls
// into: with scans on days 1, 2, and 28 of a 30-day window, the first two
// belong to the first half even though they are a majority of the points.
func TestSummarizeSparseWindow(t *testing.T) {
	pts := []model.TrendPoint{
		{Day: windowStart, Scans: 1, TotalFindings: 30},
		{Day: windowStart.AddDate(0, 0, 1), Scans: 1, TotalFindings: 20},
		{Day: windowStart.AddDate(0, 0, 27), Scans: 1, TotalFindings: 2},
	}
	rep := Summarize(pts, windowStart, 30)
	if rep.MeanFirstHalf != 25 || rep.MeanSecondHalf != 2 {
		t.Fatalf("means = %.2f/%.2f, want 25/2", rep.MeanFirstHalf, rep.MeanSecondHalf)
	}
	if rep.Direction != model.TrendImproving {
		t.Fatalf("direction = %s, want improving", rep.Direction)
	}

	// A cluster of late scan-days belongs entirely to the second half.
	late := []model.TrendPoint{
		{Day: windowStart.AddDate(0, 0, 16), Scans: 1, TotalFindings: 10},
		{Day: windowStart.AddDate(0, 0, 20), Scans: 1, TotalFindings: 4},
		{Day: windowStart.AddDate(0, 0, 28), Scans: 1, TotalFindings: 4},
	}
	rep = Summarize(late, windowStart, 30)
	if rep.MeanFirstHalf != 0 {
		t.Fatalf("first-half mean = %.2f, want 0 (no early scans)", rep.MeanFirstHalf)
	}
	if rep.Direction != model.TrendWorsening {
		t.Fatalf("direction = %s, want worsening", rep.Direction)
	}
}
