package auditstore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"cellqc/internal/audit"
	"cellqc/internal/auditstore"
	"cellqc/internal/testsupport"
)

func sampleLog(t *testing.T) *audit.Log {
	t.Helper()
	cutoff := 12.5
	log, err := audit.FromEntries([]audit.Entry{
		{
			Cohort: "control", Stage: "mitochondrial", Metric: "fraction_of_subset(prefix=MT-)", Policy: "model_with_fallback",
			Cutoff: &cutoff, FallbackUsed: true, FallbackReason: "components not separated", TagColumn: "percent_mt_qc",
			Before: 4, After: 2, RemovedIDs: []string{"c2", "c4"}, Fingerprint: "aaaa",
		},
		{
			Cohort: "control", Stage: "doublets", Metric: "doublet", Policy: "external", TagColumn: "doublet",
			Before: 2, After: 2, RemovedIDs: []string{}, Fingerprint: "bbbb",
		},
		{
			Cohort: "depleted", Stage: "mitochondrial", Metric: "fraction_of_subset(prefix=MT-)", Policy: "model_with_fallback",
			Cutoff: &cutoff, TagColumn: "percent_mt_qc", Before: 3, After: 3, RemovedIDs: []string{}, Fingerprint: "aaaa",
		},
	})
	if err != nil {
		t.Fatalf("FromEntries: %v", err)
	}
	return log
}

func TestSaveAndLoadRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	log := sampleLog(t)
	run := auditstore.Run{
		ID:         "3f2a9c10-0000-4000-8000-000000000001",
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		ConfigPath: "/etc/cellqc.toml",
	}
	if err := store.SaveRun(ctx, run, log); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	loaded, loadedLog, err := store.LoadRun(ctx, "3f2a")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if loaded.Status != auditstore.StatusCompleted || loaded.Cohorts != 2 || loaded.Entries != 3 {
		t.Fatalf("unexpected run summary: %+v", loaded)
	}
	if loaded.Duration() != 90*time.Second {
		t.Fatalf("duration = %v", loaded.Duration())
	}
	if !log.Equal(loadedLog) {
		t.Fatalf("reloaded log differs: %v", audit.Diff(log, loadedLog))
	}
	if got := loadedLog.EntriesFor("control")[1].Cutoff; got != nil {
		t.Fatalf("nil cutoff should survive the round trip, got %v", *got)
	}

	if err := store.SaveRun(ctx, run, log); err == nil {
		t.Fatal("expected duplicate run id to fail")
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		run := auditstore.Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute), Status: auditstore.StatusAborted}
		if err := store.SaveRun(ctx, run, audit.NewLog()); err != nil {
			t.Fatalf("SaveRun %s: %v", id, err)
		}
	}
	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("unexpected order: %+v", runs)
	}
	latest, _, err := store.LatestRun(ctx)
	if err != nil || latest.ID != "run-c" {
		t.Fatalf("LatestRun = %+v, %v", latest, err)
	}

	if _, _, err := store.LoadRun(ctx, "run-"); !errors.Is(err, auditstore.ErrAmbiguousRun) {
		t.Fatalf("expected ambiguous prefix, got %v", err)
	}
	if _, _, err := store.LoadRun(ctx, "missing"); !errors.Is(err, auditstore.ErrRunNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteRun(ctx, "run-a"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if all, _ := store.ListRuns(ctx, 0); len(all) != 2 {
		t.Fatalf("expected 2 runs after delete, got %d", len(all))
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	store.Close()

	db, err := sql.Open("sqlite", cfg.AuditDBPath())
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	db.Close()

	if _, err := auditstore.Open(cfg); !errors.Is(err, auditstore.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}
