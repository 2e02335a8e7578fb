package testsupport

import (
	"fmt"
	"math"
	"testing"

	"cellqc/internal/celltable"
)

// NormalQuantiles returns n evenly spaced quantiles of N(mean, sd), a
// deterministic stand-in for a normal sample.
func NormalQuantiles(n int, mean, sd float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		p := (float64(i) + 0.5) / float64(n)
		out[i] = mean + sd*math.Sqrt2*math.Erfinv(2*p-1)
	}
	return out
}

// Sequence returns 1..n as floats.
func Sequence(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

// CellIDs returns n barcodes with the given prefix.
func CellIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%04d", prefix, i)
	}
	return ids
}

// MetricTable builds a table for cohort with a single numeric column.
func MetricTable(t testing.TB, cohort, column string, values []float64) *celltable.Table {
	t.Helper()
	table, err := celltable.New(cohort, CellIDs(cohort, len(values)))
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	table, err = table.AddColumn(column, celltable.NumericColumn(values))
	if err != nil {
		t.Fatalf("add column %s: %v", column, err)
	}
	return table
}
