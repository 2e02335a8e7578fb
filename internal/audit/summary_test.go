package audit_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cellqc/internal/audit"
)

func nan() float64 { return math.NaN() }
func inf() float64 { return math.Inf(-1) }

func TestSummarize(t *testing.T) {
	log := audit.NewLog()
	first := entry("control", "min_features", 1000, "a", "b")
	second := entry("control", "mitochondrial", 998, "c")
	second.FallbackUsed = true
	for _, e := range []audit.Entry{first, second} {
		if err := log.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	want := []audit.CohortSummary{{Cohort: "control", Stages: 2, Initial: 1000, Final: 997, Removed: 3, Fallbacks: 1}}
	if diff := cmp.Diff(want, audit.Summarize(log)); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectAnomalies(t *testing.T) {
	log := audit.NewLog()
	heavy := entry("control", "mitochondrial", 4, "a", "b", "c")
	emptied := entry("depleted", "mitochondrial", 2, "x", "y")
	emptied.Fingerprint = "other"
	fallback := entry("depleted", "ribosomal", 0)
	fallback.FallbackUsed = true
	fallback.FallbackReason = "components not separated"
	for _, e := range []audit.Entry{heavy, emptied, fallback} {
		if err := log.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got := audit.DetectAnomalies(log)
	categories := map[string]int{}
	for _, a := range got {
		categories[a.Severity+"/"+a.Category]++
	}
	want := map[string]int{
		"warning/removal":  1,
		"critical/removal": 1,
		"warning/fallback": 1,
		"critical/drift":   1,
	}
	if diff := cmp.Diff(want, categories); diff != "" {
		t.Fatalf("anomaly mismatch (-want +got):\n%s", diff)
	}
}
