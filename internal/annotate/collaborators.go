package annotate

import (
	"context"
	"fmt"
	"strings"

	"cellqc/internal/celltable"
	"cellqc/internal/services"
)

// Clusterer assigns a cluster label to every cell of a cohort.
type Clusterer interface {
	Cluster(ctx context.Context, cohort string, t *celltable.Table) ([]string, error)
}

// DoubletParams tunes an external doublet classifier.
type DoubletParams struct {
	ExpectedRate float64
	TopFeatures  int
	Dims         int
}

// DoubletClassifier labels each cell singlet or doublet.
type DoubletClassifier interface {
	Classify(ctx context.Context, cohort string, t *celltable.Table, clusterColumn string, params DoubletParams) ([]string, error)
}

// Signatures holds the S-phase and G2/M feature sets used for cell-cycle scoring.
type Signatures struct {
	S   []string
	G2M []string
}

// CellCycleScorer produces per-cell S and G2/M signature scores.
type CellCycleScorer interface {
	Score(ctx context.Context, cohort string, t *celltable.Table, sig Signatures) (s, g2m []float64, err error)
}

// Default column names written by the collaborator adapters.
const (
	ColumnCluster = "cluster"
	ColumnDoublet = "doublet"
	ColumnSScore  = "s_score"
	ColumnG2M     = "g2m_score"
	ColumnPhase   = "phase"
)

// Cell-cycle phase labels.
const (
	PhaseG1  = "G1"
	PhaseS   = "S"
	PhaseG2M = "G2M"
)

// ClusterAnnotator writes Clusterer output as a categorical column.
type ClusterAnnotator struct {
	Label     string
	Clusterer Clusterer
	Column    string
}

func (a ClusterAnnotator) Name() string { return nameOr(a.Label, "cluster") }

func (a ClusterAnnotator) Annotate(ctx context.Context, t *celltable.Table) (*celltable.Table, error) {
	if a.Clusterer == nil {
		return nil, fmt.Errorf("%w: cluster annotator has no clusterer", services.ErrConfiguration)
	}
	labels, err := a.Clusterer.Cluster(ctx, t.Cohort(), t)
	if err != nil {
		return nil, err
	}
	if err := checkLength("clusterer", len(labels), t); err != nil {
		return nil, err
	}
	return t.AddColumn(nameOr(a.Column, ColumnCluster), celltable.CategoricalColumn(labels))
}

// DoubletAnnotator writes DoubletClassifier output as a categorical column.
type DoubletAnnotator struct {
	Label         string
	Classifier    DoubletClassifier
	ClusterColumn string
	Column        string
	Params        DoubletParams
}

func (a DoubletAnnotator) Name() string { return nameOr(a.Label, "doublet") }

func (a DoubletAnnotator) Annotate(ctx context.Context, t *celltable.Table) (*celltable.Table, error) {
	if a.Classifier == nil {
		return nil, fmt.Errorf("%w: doublet annotator has no classifier", services.ErrConfiguration)
	}
	if a.Params.ExpectedRate < 0 || a.Params.ExpectedRate >= 1 {
		return nil, fmt.Errorf("%w: expected doublet rate %g outside [0,1)", services.ErrConfiguration, a.Params.ExpectedRate)
	}
	if a.ClusterColumn != "" && !t.HasColumn(a.ClusterColumn) {
		return nil, fmt.Errorf("%w: %s", services.ErrMissingColumn, a.ClusterColumn)
	}
	labels, err := a.Classifier.Classify(ctx, t.Cohort(), t, a.ClusterColumn, a.Params)
	if err != nil {
		return nil, err
	}
	if err := checkLength("doublet classifier", len(labels), t); err != nil {
		return nil, err
	}
	return t.AddColumn(nameOr(a.Column, ColumnDoublet), celltable.CategoricalColumn(labels))
}

// CellCycleAnnotator writes S and G2/M scores plus the derived phase.
type CellCycleAnnotator struct {
	Label      string
	Scorer     CellCycleScorer
	Signatures Signatures
}

func (a CellCycleAnnotator) Name() string { return nameOr(a.Label, "cell_cycle") }

func (a CellCycleAnnotator) Annotate(ctx context.Context, t *celltable.Table) (*celltable.Table, error) {
	if a.Scorer == nil {
		return nil, fmt.Errorf("%w: cell-cycle annotator has no scorer", services.ErrConfiguration)
	}
	if len(a.Signatures.S) == 0 || len(a.Signatures.G2M) == 0 {
		return nil, fmt.Errorf("%w: cell-cycle signatures must list S and G2M features", services.ErrConfiguration)
	}
	s, g2m, err := a.Scorer.Score(ctx, t.Cohort(), t, a.Signatures)
	if err != nil {
		return nil, err
	}
	if err := checkLength("cell-cycle scorer (S)", len(s), t); err != nil {
		return nil, err
	}
	if err := checkLength("cell-cycle scorer (G2M)", len(g2m), t); err != nil {
		return nil, err
	}
	phases := make([]string, len(s))
	for i := range s {
		phases[i] = Phase(s[i], g2m[i])
	}
	out, err := t.AddColumn(ColumnSScore, celltable.NumericColumn(s))
	if err != nil {
		return nil, err
	}
	if out, err = out.AddColumn(ColumnG2M, celltable.NumericColumn(g2m)); err != nil {
		return nil, err
	}
	return out.AddColumn(ColumnPhase, celltable.CategoricalColumn(phases))
}

// Phase assigns G1 when neither score is positive, otherwise the phase with
// the larger score. Ties go to S.
func Phase(s, g2m float64) string {
	switch {
	case !(s > 0) && !(g2m > 0):
		return PhaseG1
	case g2m > s:
		return PhaseG2M
	default:
		return PhaseS
	}
}

func nameOr(name, fallback string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return fallback
}
