package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// WriteFile writes content to path, creating parent directories.
func WriteFile(t testing.TB, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteDenseMatrix writes a features × cells CSV count matrix. counts is
// indexed [feature][cell].
func WriteDenseMatrix(t testing.TB, path string, features, cells []string, counts [][]float64) {
	t.Helper()

	var b strings.Builder
	b.WriteString("feature")
	for _, c := range cells {
		b.WriteString(",")
		b.WriteString(c)
	}
	b.WriteString("\n")
	for f, name := range features {
		b.WriteString(name)
		for c := range cells {
			fmt.Fprintf(&b, ",%g", counts[f][c])
		}
		b.WriteString("\n")
	}
	WriteFile(t, path, b.String())
}

// WriteTagFile writes a cell_id,value file with a header row.
func WriteTagFile(t testing.TB, path string, ids, values []string) {
	t.Helper()

	if len(ids) != len(values) {
		t.Fatalf("tag file %s: %d ids for %d values", path, len(ids), len(values))
	}
	var b strings.Builder
	b.WriteString("cell_id,value\n")
	for i, id := range ids {
		fmt.Fprintf(&b, "%s,%s\n", id, values[i])
	}
	WriteFile(t, path, b.String())
}

// DoubletCalls labels every cell singlet except the listed indices.
func DoubletCalls(n int, doublets ...int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "singlet"
	}
	for _, i := range doublets {
		out[i] = "doublet"
	}
	return out
}
