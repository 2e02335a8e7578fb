package stage_test

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"cellqc/internal/celltable"
	"cellqc/internal/config"
	"cellqc/internal/metric"
	"cellqc/internal/services"
	"cellqc/internal/stage"
	"cellqc/internal/testsupport"
	"cellqc/internal/threshold"
)

func doubletTable(t *testing.T, n int, doublets map[int]bool) *celltable.Table {
	t.Helper()
	table, err := celltable.New("control", testsupport.CellIDs("control", n))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	labels := make([]string, n)
	for i := range labels {
		labels[i] = "Singlet"
		if doublets[i] {
			labels[i] = "Doublet"
		}
	}
	table, err = table.AddColumn("doublet", celltable.CategoricalColumn(labels))
	if err != nil {
		t.Fatalf("AddColumn: %v", err)
	}
	return table
}

func TestFilterRemovesExactlyExternalDoublets(t *testing.T) {
	doublets := make(map[int]bool)
	for i := 0; len(doublets) < 42; i += 23 {
		doublets[i%1000] = true
	}
	table := doubletTable(t, 1000, doublets)

	out, err := stage.Filter(table, "doublet", " singlet ")
	if err != nil {
		t.Fatalf("Filter returned error: %v", err)
	}
	if out.Before != 1000 || out.After != 958 {
		t.Fatalf("unexpected counts: before=%d after=%d", out.Before, out.After)
	}
	if len(out.Removed) != 42 {
		t.Fatalf("expected 42 removed, got %d", len(out.Removed))
	}
	ids := table.IDs()
	for _, id := range out.Removed {
		idx, ok := table.Index(id)
		if !ok || !doublets[idx] {
			t.Fatalf("removed %s was not tagged doublet", id)
		}
		if ids[idx] != id {
			t.Fatalf("index mismatch for %s", id)
		}
	}
	if table.RowCount() != 1000 {
		t.Fatal("filter mutated its input")
	}
}

func TestFilterConservesCells(t *testing.T) {
	for _, n := range []int{1, 10, 257} {
		doublets := map[int]bool{0: true, n / 2: true}
		table := doubletTable(t, n, doublets)
		out, err := stage.Filter(table, "doublet", "singlet")
		if err != nil {
			t.Fatalf("Filter: %v", err)
		}
		if out.After+len(out.Removed) != out.Before {
			t.Fatalf("n=%d: after %d + removed %d != before %d", n, out.After, len(out.Removed), out.Before)
		}
	}
}

func TestFilterMissingTagColumn(t *testing.T) {
	table := doubletTable(t, 3, nil)
	if _, err := stage.Filter(table, "scrublet", "singlet"); !errors.Is(err, services.ErrMissingColumn) {
		t.Fatalf("expected missing column error, got %v", err)
	}
}

func TestFingerprintTracksParametersOnly(t *testing.T) {
	base := stage.Stage{
		Name:      "mitochondrial",
		Metric:    metric.FractionOfSubset{Features: metric.FeatureMatcher{Pattern: regexp.MustCompile("^MT-")}},
		Column:    "percent_mt",
		Policy:    threshold.ModelWithFallback{FallbackPercentile: 0.95, Timeout: time.Second},
		TagColumn: "percent_mt_qc",
		KeepValue: "keep",
	}
	rebuilt := base
	rebuilt.Metric = metric.FractionOfSubset{Features: metric.FeatureMatcher{Pattern: regexp.MustCompile("^MT-")}}
	if base.Fingerprint() != rebuilt.Fingerprint() {
		t.Fatal("equal parameters produced different fingerprints")
	}

	changed := base
	changed.Policy = threshold.ModelWithFallback{FallbackPercentile: 0.99, Timeout: time.Second}
	if base.Fingerprint() == changed.Fingerprint() {
		t.Fatal("different fallback percentile produced the same fingerprint")
	}
}

func TestValidateRejectsIncompleteStages(t *testing.T) {
	cases := map[string]stage.Stage{
		"no name":       {Column: "x", TagColumn: "t", KeepValue: "keep"},
		"no work":       {Name: "noop"},
		"policy no tag": {Name: "x", Column: "x", Policy: threshold.PercentileCutoff{Percentile: 0.9}},
		"tag no keep":   {Name: "x", TagColumn: "doublet"},
		"metric no col": {Name: "x", Metric: metric.ScoreDifference{Minuend: "a", Subtrahend: "b"}},
	}
	for name, s := range cases {
		if err := s.Validate(); !errors.Is(err, services.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestLabelAndNames(t *testing.T) {
	s := stage.Stage{Name: "min_features", Column: "n_features", Policy: threshold.FixedCutoff{Cutoff: 200, Direction: threshold.KeepAbove}, TagColumn: "n_features_qc", KeepValue: "keep"}
	if got := s.Label(); got != "Min Features" {
		t.Fatalf("unexpected label %q", got)
	}
	if s.MetricName() != "n_features" {
		t.Fatalf("unexpected metric name %q", s.MetricName())
	}
	if got := (stage.Stage{Name: "doublets", TagColumn: "doublet", KeepValue: "singlet"}).PolicyName(); got != "external" {
		t.Fatalf("unexpected policy name %q", got)
	}
	if got := (stage.Stage{Name: "cc", Annotate: []string{"cell_cycle"}}).PolicyName(); got != "none" {
		t.Fatalf("unexpected policy name %q", got)
	}
}

func TestFromConfigBuildsSampleStages(t *testing.T) {
	cutoff := 200.0
	cfg := config.Default()
	cfg.Run.ModelTimeoutSeconds = 7
	cfg.Stages = []config.Stage{
		{Name: "min_features", Column: "n_features", Policy: config.PolicyFixed, Cutoff: &cutoff, Direction: "lower", TagColumn: "n_features_qc", KeepValue: "keep"},
		{Name: "mito", Metric: config.MetricFractionOfSubset, Column: "percent_mt", Pattern: "^mt-", CaseInsensitive: true, Policy: config.PolicyModel, FallbackPercentile: 0.95, TagColumn: "percent_mt_qc", KeepValue: "keep"},
		{Name: "cycle", Metric: config.MetricScoreDifference, Column: "cc_difference", Inputs: []string{"s_score", "g2m_score"}},
	}

	stages, err := stage.FromConfig(&cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	fixed, ok := stages[0].Policy.(threshold.FixedCutoff)
	if !ok || fixed.Direction != threshold.KeepAbove || fixed.Cutoff != 200 {
		t.Fatalf("unexpected fixed policy: %#v", stages[0].Policy)
	}
	if stages[0].Metric != nil {
		t.Fatal("expected no calculator for a column threshold")
	}
	model, ok := stages[1].Policy.(threshold.ModelWithFallback)
	if !ok || model.Timeout != 7*time.Second {
		t.Fatalf("unexpected model policy: %#v", stages[1].Policy)
	}
	frac, ok := stages[1].Metric.(metric.FractionOfSubset)
	if !ok || !frac.Features.Match("MT-CO1") {
		t.Fatalf("expected case-insensitive pattern matcher, got %#v", stages[1].Metric)
	}
	if stages[2].Filters() {
		t.Fatal("expected annotate-only stage")
	}
}
