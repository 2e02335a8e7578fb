package telemetry_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cellqc/internal/audit"
	"cellqc/internal/services"
	"cellqc/internal/telemetry"
)

func TestObserveStage(t *testing.T) {
	r := telemetry.NewRecorder()
	r.ObserveStage(audit.Entry{
		Cohort:       "control",
		Stage:        "mitochondrial",
		Before:       1000,
		After:        950,
		RemovedIDs:   make([]string, 50),
		FallbackUsed: true,
	}, 2*time.Second)
	r.ObserveStage(audit.Entry{Cohort: "control", Stage: "mitochondrial", Before: 10, After: 8, RemovedIDs: make([]string, 2)}, time.Second)

	if got := testutil.ToFloat64(r.CellsRemoved.WithLabelValues("control", "mitochondrial")); got != 52 {
		t.Fatalf("cells removed = %v, want 52", got)
	}
	if got := testutil.ToFloat64(r.CellsRetained.WithLabelValues("control")); got != 8 {
		t.Fatalf("cells retained = %v, want 8", got)
	}
	if got := testutil.ToFloat64(r.Fallbacks.WithLabelValues("control", "mitochondrial")); got != 1 {
		t.Fatalf("fallbacks = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.StageDuration); got != 1 {
		t.Fatalf("stage duration series = %d, want 1", got)
	}
}

func TestObserveFailureLabelsKind(t *testing.T) {
	r := telemetry.NewRecorder()
	r.ObserveFailure("control", "ribosomal", fmt.Errorf("wrapped: %w", services.ErrMissingColumn))
	if got := testutil.ToFloat64(r.StageFailures.WithLabelValues("control", "ribosomal", "missing_column")); got != 1 {
		t.Fatalf("failures = %v, want 1", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := telemetry.NewRecorder()
	r.ObserveStage(audit.Entry{Cohort: "control", Stage: "doublets", Before: 3, After: 2, RemovedIDs: []string{"a"}}, time.Millisecond)
	r.MarkFinished(time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "textfile", "cellqc.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`cellqc_cells_removed_total{cohort="control",stage="doublets"} 1`,
		`cellqc_last_run_timestamp_seconds 1.7e+09`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("textfile missing %q:\n%s", want, text)
		}
	}
	var nilRecorder *telemetry.Recorder
	if err := nilRecorder.WriteTextfile(path); err != nil {
		t.Fatalf("nil recorder should be a no-op: %v", err)
	}
}
