package audit_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"cellqc/internal/audit"
	"cellqc/internal/services"
)

func entry(cohort, stage string, before int, removed ...string) audit.Entry {
	return audit.Entry{
		Cohort:      cohort,
		Stage:       stage,
		Metric:      "percent_mt",
		Policy:      "percentile(p=0.95)",
		Cutoff:      audit.CutoffValue(12.5),
		Before:      before,
		After:       before - len(removed),
		RemovedIDs:  removed,
		Fingerprint: "fp-" + stage,
	}
}

func TestAppendKeepsPerCohortOrder(t *testing.T) {
	log := audit.NewLog()
	for _, e := range []audit.Entry{
		entry("control", "min_features", 10, "c1"),
		entry("depleted", "min_features", 8),
		entry("control", "mitochondrial", 9, "c2", "c3"),
	} {
		if err := log.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got := log.EntriesFor("control")
	if len(got) != 2 || got[0].Stage != "min_features" || got[1].Stage != "mitochondrial" {
		t.Fatalf("unexpected control entries: %+v", got)
	}
	if log.TotalRemoved("control") != 3 || log.TotalRemoved("depleted") != 0 {
		t.Fatalf("unexpected totals: %d/%d", log.TotalRemoved("control"), log.TotalRemoved("depleted"))
	}
	if diff := cmp.Diff([]string{"control", "depleted"}, log.Cohorts()); diff != "" {
		t.Fatalf("cohorts mismatch (-want +got):\n%s", diff)
	}
	if got[0].RecordedAt.IsZero() {
		t.Fatal("expected RecordedAt to be stamped")
	}
}

func TestEntriesAreImmutableCopies(t *testing.T) {
	log := audit.NewLog()
	removed := []string{"a", "b"}
	e := entry("control", "doublets", 5, removed...)
	if err := log.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	removed[0] = "mutated"
	*e.Cutoff = 99

	got := log.EntriesFor("control")
	if got[0].RemovedIDs[0] != "a" || *got[0].Cutoff != 12.5 {
		t.Fatalf("caller mutation leaked into log: %+v", got[0])
	}
	got[0].RemovedIDs[1] = "changed"
	if log.EntriesFor("control")[0].RemovedIDs[1] != "b" {
		t.Fatal("reader mutation leaked into log")
	}
}

func TestAppendRejectsInconsistentCounts(t *testing.T) {
	log := audit.NewLog()
	bad := entry("control", "x", 10, "a")
	bad.After = 10
	if err := log.Append(bad); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if log.Len() != 0 {
		t.Fatal("rejected entry was recorded")
	}
}

func TestConcurrentAppendsDoNotInterleaveCohorts(t *testing.T) {
	log := audit.NewLog()
	var wg sync.WaitGroup
	for _, cohort := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(cohort string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := log.Append(entry(cohort, fmt.Sprintf("stage-%02d", i), 1)); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(cohort)
	}
	wg.Wait()

	for _, cohort := range log.Cohorts() {
		entries := log.EntriesFor(cohort)
		if len(entries) != 50 {
			t.Fatalf("cohort %s has %d entries", cohort, len(entries))
		}
		for i, e := range entries {
			if e.Stage != fmt.Sprintf("stage-%02d", i) || e.Cohort != cohort {
				t.Fatalf("cohort %s entry %d out of order: %+v", cohort, i, e)
			}
		}
	}
}

func TestEqualAndDiffIgnoreTimestamps(t *testing.T) {
	left, right := audit.NewLog(), audit.NewLog()
	a := entry("control", "mitochondrial", 100, "x", "y")
	b := a
	b.RecordedAt = time.Now().Add(time.Hour)
	if err := left.Append(a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := right.Append(b); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !left.Equal(right) {
		t.Fatalf("expected equal logs, diff: %v", audit.Diff(left, right))
	}

	c := entry("control", "doublets", 98, "z")
	if err := right.Append(c); err != nil {
		t.Fatalf("Append: %v", err)
	}
	want := []audit.Difference{{Cohort: "control", Stage: "doublets", Field: "entry", Left: "absent", Right: "present"}}
	if diff := cmp.Diff(want, audit.Diff(left, right)); diff != "" {
		t.Fatalf("diff mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffReportsChangedFields(t *testing.T) {
	left, right := audit.NewLog(), audit.NewLog()
	a := entry("depleted", "mitochondrial", 100, "x")
	b := entry("depleted", "mitochondrial", 100, "x", "y")
	b.Cutoff = audit.CutoffValue(10)
	b.FallbackUsed = true
	if err := left.Append(a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := right.Append(b); err != nil {
		t.Fatalf("Append: %v", err)
	}

	fields := make([]string, 0)
	for _, d := range audit.Diff(left, right) {
		fields = append(fields, d.Field)
	}
	want := []string{"cutoff", "fallback_used", "after", "removed_ids"}
	if diff := cmp.Diff(want, fields, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("changed fields mismatch (-want +got):\n%s", diff)
	}
}

func TestFromEntriesRoundTrip(t *testing.T) {
	src := audit.NewLog()
	for _, e := range []audit.Entry{entry("control", "a", 3, "1"), entry("depleted", "a", 2)} {
		if err := src.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	rebuilt, err := audit.FromEntries(src.Entries())
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	if diff := cmp.Diff(src.Entries(), rebuilt.Entries()); diff != "" {
		t.Fatalf("rebuilt log mismatch (-want +got):\n%s", diff)
	}
}

func TestCutoffValueDropsNonFinite(t *testing.T) {
	if audit.CutoffValue(1.5) == nil {
		t.Fatal("expected finite cutoff kept")
	}
	for _, v := range []float64{nan(), inf()} {
		if audit.CutoffValue(v) != nil {
			t.Fatalf("expected %v dropped", v)
		}
	}
}
