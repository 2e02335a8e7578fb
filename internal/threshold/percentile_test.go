package threshold_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"cellqc/internal/services"
	"cellqc/internal/testsupport"
	"cellqc/internal/threshold"
)

func TestPercentileLinearInterpolation(t *testing.T) {
	cases := []struct {
		values []float64
		p      float64
		want   float64
	}{
		{[]float64{1, 2, 3, 4}, 0.5, 2.5},
		{[]float64{4, 1, 3, 2}, 0.25, 1.75},
		{[]float64{10}, 0.95, 10},
		{[]float64{1, 2, 3, 4, 5}, 1, 5},
		{[]float64{1, 2, 3, 4, 5}, 0, 1},
		{[]float64{1, math.NaN(), 3}, 0.5, 2},
		{[]float64{1, 2, 3, math.Inf(1)}, 1, 3},
		{[]float64{math.Inf(-1), 2, 4}, 0, 2},
	}
	for _, tc := range cases {
		got, err := threshold.Percentile(tc.values, tc.p)
		if err != nil {
			t.Fatalf("Percentile(%v, %v) returned error: %v", tc.values, tc.p, err)
		}
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("Percentile(%v, %v) = %v, want %v", tc.values, tc.p, got, tc.want)
		}
	}
}

func TestPercentileErrors(t *testing.T) {
	if _, err := threshold.Percentile([]float64{1}, 1.5); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := threshold.Percentile([]float64{math.NaN()}, 0.5); !errors.Is(err, services.ErrEmptyMatrix) {
		t.Fatalf("expected empty matrix error, got %v", err)
	}
}

func TestPercentileCutoffUniformKeepsRoundedShare(t *testing.T) {
	for _, n := range []int{100, 1000, 2500} {
		for _, p := range []float64{0.9, 0.95, 0.99} {
			table := testsupport.MetricTable(t, "control", "percent_mt", testsupport.Sequence(n))
			res, err := threshold.PercentileCutoff{Percentile: p}.Apply(context.Background(), table, "percent_mt")
			if err != nil {
				t.Fatalf("Apply returned error: %v", err)
			}
			want := int(math.Round(float64(n) * p))
			if got := res.Kept(); got < want-1 || got > want+1 {
				t.Fatalf("n=%d p=%v: kept %d, want %d±1", n, p, got, want)
			}
			if res.FallbackUsed {
				t.Fatal("percentile policy must never report fallback")
			}
		}
	}
}

func TestPercentileCutoffIsPerCohort(t *testing.T) {
	low := testsupport.MetricTable(t, "control", "m", testsupport.Sequence(100))
	high := testsupport.MetricTable(t, "depleted", "m", testsupport.NormalQuantiles(100, 500, 10))
	policy := threshold.PercentileCutoff{Percentile: 0.95}

	a, err := policy.Apply(context.Background(), low, "m")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	b, err := policy.Apply(context.Background(), high, "m")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if a.Cutoff == b.Cutoff {
		t.Fatal("expected independent cutoffs for independent cohorts")
	}
	if a.Kept() != b.Kept() {
		t.Fatalf("expected same kept share, got %d vs %d", a.Kept(), b.Kept())
	}
}

func TestPercentileCutoffDiscardsNaN(t *testing.T) {
	table := testsupport.MetricTable(t, "control", "m", []float64{1, 2, math.NaN(), 3})
	res, err := threshold.PercentileCutoff{Percentile: 1}.Apply(context.Background(), table, "m")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Tags[2] != threshold.TagDiscard {
		t.Fatalf("expected NaN cell discarded, got %v", res.Tags)
	}
	if res.Kept() != 3 {
		t.Fatalf("expected 3 kept, got %d", res.Kept())
	}
}

func TestPercentileCutoffIgnoresInfiniteValues(t *testing.T) {
	values := append(testsupport.Sequence(99), math.Inf(1), math.Inf(1))
	table := testsupport.MetricTable(t, "control", "percent_mt", values)

	res, err := threshold.PercentileCutoff{Percentile: 1}.Apply(context.Background(), table, "percent_mt")
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if res.Cutoff != 99 {
		t.Fatalf("cutoff = %v, want 99", res.Cutoff)
	}
	if res.Kept() != 99 {
		t.Fatalf("expected the 99 finite cells kept, got %d", res.Kept())
	}
	if res.Tags[99] != threshold.TagDiscard || res.Tags[100] != threshold.TagDiscard {
		t.Fatalf("expected infinite cells discarded, got %v", res.Tags[99:])
	}
}
