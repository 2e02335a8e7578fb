package annotate_test

import (
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cellqc/internal/annotate"
	"cellqc/internal/celltable"
	"cellqc/internal/config"
	"cellqc/internal/services"
	"cellqc/internal/testsupport"
)

type stubClusterer struct{ labels []string }

func (s stubClusterer) Cluster(context.Context, string, *celltable.Table) ([]string, error) {
	return s.labels, nil
}

type stubClassifier struct {
	calls  int
	params annotate.DoubletParams
	labels []string
}

func (s *stubClassifier) Classify(_ context.Context, _ string, _ *celltable.Table, _ string, params annotate.DoubletParams) ([]string, error) {
	s.calls++
	s.params = params
	return s.labels, nil
}

type stubScorer struct{ s, g2m []float64 }

func (s stubScorer) Score(context.Context, string, *celltable.Table, annotate.Signatures) ([]float64, []float64, error) {
	return s.s, s.g2m, nil
}

func baseTable(t *testing.T, n int) *celltable.Table {
	t.Helper()
	return testsupport.MetricTable(t, "control", "n_counts", testsupport.Sequence(n))
}

func TestClusterAnnotatorWritesLabels(t *testing.T) {
	table := baseTable(t, 3)
	out, err := annotate.ClusterAnnotator{Clusterer: stubClusterer{labels: []string{"0", "1", "0"}}}.Annotate(context.Background(), table)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	labels, err := out.Labels(annotate.ColumnCluster)
	if err != nil {
		t.Fatalf("Labels: %v", err)
	}
	if diff := cmp.Diff([]string{"0", "1", "0"}, labels); diff != "" {
		t.Fatalf("cluster labels mismatch (-want +got):\n%s", diff)
	}
	if table.HasColumn(annotate.ColumnCluster) {
		t.Fatal("input table was modified")
	}
}

func TestClusterAnnotatorRejectsShortOutput(t *testing.T) {
	_, err := annotate.ClusterAnnotator{Clusterer: stubClusterer{labels: []string{"0"}}}.Annotate(context.Background(), baseTable(t, 3))
	if !errors.Is(err, services.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestDoubletAnnotatorPassesParams(t *testing.T) {
	table := baseTable(t, 2)
	table, err := table.AddColumn(annotate.ColumnCluster, celltable.CategoricalColumn([]string{"a", "b"}))
	if err != nil {
		t.Fatalf("AddColumn: %v", err)
	}
	classifier := &stubClassifier{labels: []string{"singlet", "doublet"}}
	params := annotate.DoubletParams{ExpectedRate: 0.08, TopFeatures: 2000, Dims: 30}
	annotator := annotate.DoubletAnnotator{Classifier: classifier, ClusterColumn: annotate.ColumnCluster, Params: params}

	out, err := annotator.Annotate(context.Background(), table)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if classifier.calls != 1 || classifier.params != params {
		t.Fatalf("classifier called %d times with %+v", classifier.calls, classifier.params)
	}
	labels, _ := out.Labels(annotate.ColumnDoublet)
	if diff := cmp.Diff([]string{"singlet", "doublet"}, labels); diff != "" {
		t.Fatalf("doublet labels mismatch (-want +got):\n%s", diff)
	}

	missing := annotate.DoubletAnnotator{Classifier: classifier, ClusterColumn: "leiden"}
	if _, err := missing.Annotate(context.Background(), table); !errors.Is(err, services.ErrMissingColumn) {
		t.Fatalf("expected missing column, got %v", err)
	}
	if classifier.calls != 1 {
		t.Fatal("classifier should not run when the cluster column is missing")
	}
}

func TestCellCycleAnnotatorDerivesPhase(t *testing.T) {
	scorer := stubScorer{s: []float64{-0.2, 0.4, 0.1, 0.3}, g2m: []float64{-0.1, 0.1, 0.5, 0.3}}
	annotator := annotate.CellCycleAnnotator{
		Scorer:     scorer,
		Signatures: annotate.Signatures{S: []string{"MCM5"}, G2M: []string{"TOP2A"}},
	}
	out, err := annotator.Annotate(context.Background(), baseTable(t, 4))
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	phases, _ := out.Labels(annotate.ColumnPhase)
	want := []string{annotate.PhaseG1, annotate.PhaseS, annotate.PhaseG2M, annotate.PhaseS}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Fatalf("phase mismatch (-want +got):\n%s", diff)
	}
	s, _ := out.Numeric(annotate.ColumnSScore)
	if diff := cmp.Diff(scorer.s, s); diff != "" {
		t.Fatalf("s score mismatch (-want +got):\n%s", diff)
	}

	if _, err := (annotate.CellCycleAnnotator{Scorer: scorer}).Annotate(context.Background(), baseTable(t, 4)); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without signatures, got %v", err)
	}
}

func writeGzip(t *testing.T, path, content string) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	gz := gzip.NewWriter(file)
	if _, err := gz.Write([]byte(content)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
}

func TestTagFileCategoricalAndNumeric(t *testing.T) {
	dir := t.TempDir()
	table := baseTable(t, 3)
	ids := table.IDs()

	categorical := filepath.Join(dir, "doublet.csv.gz")
	writeGzip(t, categorical, "cell_id,value\n"+
		ids[0]+",singlet\n"+
		ids[1]+",doublet\n"+
		"filtered-earlier,doublet\n"+
		ids[2]+",singlet\n")

	out, err := annotate.TagFile{Column: "doublet", Path: categorical}.Annotate(context.Background(), table)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	col, _ := out.Column("doublet")
	if col.Kind() != celltable.Categorical {
		t.Fatalf("expected categorical column, got %v", col.Kind())
	}
	if diff := cmp.Diff([]string{"singlet", "doublet", "singlet"}, col.Labels()); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}

	numeric := filepath.Join(dir, "score.tsv")
	content := strings.Join([]string{ids[2] + "\t0.5", ids[0] + "\t1.5", ids[1] + "\t-2"}, "\n") + "\n"
	if err := os.WriteFile(numeric, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err = annotate.TagFile{Column: "score", Path: numeric}.Annotate(context.Background(), table)
	if err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	values, err := out.Numeric("score")
	if err != nil {
		t.Fatalf("Numeric: %v", err)
	}
	if diff := cmp.Diff([]float64{1.5, -2, 0.5}, values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestTagFileRequiresEveryCell(t *testing.T) {
	table := baseTable(t, 2)
	path := filepath.Join(t.TempDir(), "tags.csv")
	if err := os.WriteFile(path, []byte(table.IDs()[0]+",keep\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := annotate.TagFile{Column: "tag", Path: path}.Annotate(context.Background(), table)
	if !errors.Is(err, services.ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
}

func TestRegistryApplyAndLookup(t *testing.T) {
	dir := t.TempDir()
	table := baseTable(t, 2)
	path := filepath.Join(dir, "doublet.csv")
	ids := table.IDs()
	if err := os.WriteFile(path, []byte(ids[0]+",singlet\n"+ids[1]+",doublet\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := annotate.FromCohort(config.Cohort{Name: "control", Annotations: map[string]string{"doublet": path}})
	if err != nil {
		t.Fatalf("FromCohort: %v", err)
	}
	if err := reg.Register(annotate.ClusterAnnotator{Clusterer: stubClusterer{labels: []string{"0", "1"}}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if diff := cmp.Diff([]string{"cluster", "doublet"}, reg.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
	if _, ok := reg.Lookup("DOUBLET"); !ok {
		t.Fatal("lookup should ignore case")
	}
	if err := reg.Register(annotate.TagFile{Column: "Doublet", Path: path}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}

	out, err := reg.Apply(context.Background(), table, []string{"cluster", "doublet"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff([]string{"n_counts", "cluster", "doublet"}, out.ColumnNames()); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
	if _, err := reg.Apply(context.Background(), table, []string{"missing"}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown annotator, got %v", err)
	}
}
