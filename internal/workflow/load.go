package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"cellqc/internal/annotate"
	"cellqc/internal/celltable"
	"cellqc/internal/config"
	"cellqc/internal/countmatrix"
	"cellqc/internal/logging"
)

// LoadCohorts reads every configured cohort's count matrix and builds its
// initial cell table and annotator registry. Matrices load concurrently up to
// the configured parallelism.
func LoadCohorts(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]Cohort, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := 1
	if cfg.Run.ParallelCohorts && cfg.Run.MaxParallel > 1 {
		limit = cfg.Run.MaxParallel
	}
	cohorts := make([]Cohort, len(cfg.Cohorts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, decl := range cfg.Cohorts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cohort, err := loadCohort(decl)
			if err != nil {
				return fmt.Errorf("load cohort %s: %w", decl.Name, err)
			}
			logger.Info(
				"cohort loaded",
				logging.String(logging.FieldCohort, decl.Name),
				logging.String(logging.FieldEventType, "cohort_loaded"),
				logging.Int("cells_before", cohort.Table.RowCount()),
				logging.Int("feature_count", cohort.Matrix.NumFeatures()),
				logging.String("matrix_path", decl.Matrix),
			)
			cohorts[i] = cohort
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cohorts, nil
}

func loadCohort(decl config.Cohort) (Cohort, error) {
	matrix, err := countmatrix.Load(decl.Matrix, decl.Format)
	if err != nil {
		return Cohort{}, err
	}
	table, err := celltable.FromMatrix(decl.Name, matrix)
	if err != nil {
		return Cohort{}, err
	}
	registry, err := annotate.FromCohort(decl)
	if err != nil {
		return Cohort{}, err
	}
	return Cohort{Name: decl.Name, Table: table, Matrix: matrix, Annotators: registry}, nil
}
