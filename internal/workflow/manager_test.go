package workflow_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"cellqc/internal/annotate"
	"cellqc/internal/audit"
	"cellqc/internal/config"
	"cellqc/internal/services"
	"cellqc/internal/stage"
	"cellqc/internal/testsupport"
	"cellqc/internal/threshold"
	"cellqc/internal/workflow"
)

func percentileStage() stage.Stage {
	return stage.Stage{
		Name:      "mitochondrial",
		Column:    "percent_mt",
		Policy:    threshold.PercentileCutoff{Percentile: 0.95},
		TagColumn: "percent_mt_qc",
		KeepValue: threshold.TagKeep,
	}
}

func twoCohorts(t *testing.T) []workflow.Cohort {
	t.Helper()
	return []workflow.Cohort{
		{Name: "control", Table: testsupport.MetricTable(t, "control", "percent_mt", testsupport.Sequence(1000))},
		{Name: "depleted", Table: testsupport.MetricTable(t, "depleted", "percent_mt", testsupport.NormalQuantiles(1000, 8, 2))},
	}
}

func newManager(t *testing.T, stages []stage.Stage, opts ...workflow.ManagerOption) *workflow.Manager {
	t.Helper()
	m, err := workflow.NewManager(stages, nil, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestRunTwoCohortsWithoutDrift(t *testing.T) {
	m := newManager(t, []stage.Stage{percentileStage()})
	log, results, err := m.Run(context.Background(), twoCohorts(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := workflow.VerifyConsistency(log); err != nil {
		t.Fatalf("VerifyConsistency: %v", err)
	}
	if diff := cmp.Diff([]string{"control", "depleted"}, log.Cohorts()); diff != "" {
		t.Fatalf("cohorts mismatch (-want +got):\n%s", diff)
	}
	for _, res := range results {
		if !res.Succeeded() || res.StagesCompleted != 1 {
			t.Fatalf("cohort %s did not complete: %+v", res.Cohort, res)
		}
		if res.Final < 949 || res.Final > 951 {
			t.Fatalf("cohort %s kept %d cells, want 949..951", res.Cohort, res.Final)
		}
		entries := log.EntriesFor(res.Cohort)
		if len(entries) != 1 || entries[0].Cohort != res.Cohort {
			t.Fatalf("cohort %s has entries %+v", res.Cohort, entries)
		}
		if log.TotalRemoved(res.Cohort) != res.Initial-res.Final {
			t.Fatalf("cohort %s audit removed %d, table lost %d", res.Cohort, log.TotalRemoved(res.Cohort), res.Initial-res.Final)
		}
	}
	control := log.EntriesFor("control")[0]
	depleted := log.EntriesFor("depleted")[0]
	if control.Fingerprint != depleted.Fingerprint {
		t.Fatal("same stage produced different fingerprints for different data")
	}
	if *control.Cutoff == *depleted.Cutoff {
		t.Fatal("different data should produce different cutoffs")
	}
}

func TestRunParallelMatchesSequential(t *testing.T) {
	defer goleak.VerifyNone(t)

	stages := []stage.Stage{percentileStage()}
	sequentialLog, _, err := newManager(t, stages).Run(context.Background(), twoCohorts(t))
	if err != nil {
		t.Fatalf("sequential Run: %v", err)
	}
	parallel := newManager(t, stages, workflow.WithParallelism(4))
	if parallel.Parallelism() != 4 {
		t.Fatalf("parallelism = %d", parallel.Parallelism())
	}
	parallelLog, results, err := parallel.Run(context.Background(), twoCohorts(t))
	if err != nil {
		t.Fatalf("parallel Run: %v", err)
	}
	if !sequentialLog.Equal(parallelLog) {
		t.Fatalf("parallel log differs:\n%v", audit.Diff(sequentialLog, parallelLog))
	}
	if results[0].Cohort != "control" || results[1].Cohort != "depleted" {
		t.Fatalf("results out of input order: %s, %s", results[0].Cohort, results[1].Cohort)
	}
	if id, lastErr := parallel.LastRun(); id == "" || lastErr != nil {
		t.Fatalf("LastRun = %q, %v", id, lastErr)
	}
}

func TestRunFailsFastWithPartialLog(t *testing.T) {
	broken := stage.Stage{
		Name:      "ribosomal",
		Column:    "percent_ribo",
		Policy:    threshold.PercentileCutoff{Percentile: 0.99},
		TagColumn: "percent_ribo_qc",
		KeepValue: threshold.TagKeep,
	}
	m := newManager(t, []stage.Stage{percentileStage(), broken})
	log, results, err := m.Run(context.Background(), twoCohorts(t))
	if !errors.Is(err, services.ErrStageAborted) || !errors.Is(err, services.ErrMissingColumn) {
		t.Fatalf("expected aborted stage with missing column, got %v", err)
	}
	if log.Len() != 1 || len(log.EntriesFor("control")) != 1 {
		t.Fatalf("expected the control entry before the failure, got %d entries", log.Len())
	}
	if results[0].FailedStage != "ribosomal" || results[0].StagesCompleted != 1 {
		t.Fatalf("unexpected control result: %+v", results[0])
	}
	if results[0].Table.RowCount() != results[0].Final {
		t.Fatal("failed cohort should keep the last consistent table")
	}
	if !errors.Is(results[1].Err, context.Canceled) || results[1].StagesCompleted != 0 {
		t.Fatalf("second cohort should be skipped, got %+v", results[1])
	}
}

func TestRunParallelFailFastWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	broken := stage.Stage{Name: "doublets", TagColumn: "doublet", KeepValue: "singlet"}
	m := newManager(t, []stage.Stage{percentileStage(), broken}, workflow.WithParallelism(2))
	log, results, err := m.Run(context.Background(), twoCohorts(t))
	if !errors.Is(err, services.ErrStageAborted) {
		t.Fatalf("expected aborted stage, got %v", err)
	}
	if log.Len() == 0 || log.Len() > 2 {
		t.Fatalf("unexpected partial log size %d", log.Len())
	}
	for _, res := range results {
		if res.Succeeded() {
			t.Fatalf("cohort %s should not succeed", res.Cohort)
		}
	}
}

func TestRunExternalDoubletFile(t *testing.T) {
	table := testsupport.MetricTable(t, "control", "n_counts", testsupport.Sequence(1000))
	ids := table.IDs()
	doublets := make([]int, 0, 42)
	for i := 0; i < 42; i++ {
		doublets = append(doublets, i*23+5)
	}
	path := filepath.Join(t.TempDir(), "doublets.csv")
	testsupport.WriteTagFile(t, path, ids, testsupport.DoubletCalls(len(ids), doublets...))

	reg, err := annotate.FromCohort(config.Cohort{Name: "control", Annotations: map[string]string{"doublet": path}})
	if err != nil {
		t.Fatalf("FromCohort: %v", err)
	}
	m := newManager(t, []stage.Stage{{Name: "doublets", Annotate: []string{"doublet"}, TagColumn: "doublet", KeepValue: "singlet"}})
	log, results, err := m.Run(context.Background(), []workflow.Cohort{{Name: "control", Table: table, Annotators: reg}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Final != 958 {
		t.Fatalf("kept %d cells, want 958", results[0].Final)
	}
	want := make([]string, 0, len(doublets))
	for _, i := range doublets {
		want = append(want, ids[i])
	}
	entry := log.EntriesFor("control")[0]
	if diff := cmp.Diff(want, entry.RemovedIDs); diff != "" {
		t.Fatalf("removed ids mismatch (-want +got):\n%s", diff)
	}
	if entry.Policy != "external" {
		t.Fatalf("policy = %q, want external", entry.Policy)
	}
}

func TestRunRejectsBadCohorts(t *testing.T) {
	m := newManager(t, []stage.Stage{percentileStage()})
	table := testsupport.MetricTable(t, "control", "percent_mt", testsupport.Sequence(10))
	cases := map[string][]workflow.Cohort{
		"empty":      nil,
		"duplicate":  {{Name: "control", Table: table}, {Name: "CONTROL", Table: table}},
		"no table":   {{Name: "control"}},
		"wrong name": {{Name: "depleted", Table: table}},
	}
	for name, cohorts := range cases {
		t.Run(name, func(t *testing.T) {
			log, _, err := m.Run(context.Background(), cohorts)
			if err == nil {
				t.Fatal("expected error")
			}
			if log == nil || log.Len() != 0 {
				t.Fatal("expected an empty log")
			}
		})
	}
}

func TestNewManagerValidatesStages(t *testing.T) {
	if _, err := workflow.NewManager(nil, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for empty list, got %v", err)
	}
	dup := []stage.Stage{percentileStage(), percentileStage()}
	if _, err := workflow.NewManager(dup, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for duplicate stage, got %v", err)
	}
	m := newManager(t, []stage.Stage{percentileStage()})
	stages := m.Stages()
	stages[0].Name = "mutated"
	if m.Stages()[0].Name != "mitochondrial" {
		t.Fatal("Stages should return a copy")
	}
}

func TestVerifyConsistencyDetectsDrift(t *testing.T) {
	entries := []audit.Entry{
		{Cohort: "control", Stage: "mitochondrial", Before: 1, After: 1, Fingerprint: "aaaa"},
		{Cohort: "depleted", Stage: "mitochondrial", Before: 1, After: 1, Fingerprint: "bbbb"},
	}
	log, err := audit.FromEntries(entries)
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	if err := workflow.VerifyConsistency(log); !errors.Is(err, services.ErrParameterDrift) {
		t.Fatalf("expected drift, got %v", err)
	}
}
