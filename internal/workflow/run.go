package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cellqc/internal/audit"
	"cellqc/internal/logging"
	"cellqc/internal/services"
	"cellqc/internal/stageexec"
)

// Run applies the stage list to every cohort. The audit log is always
// returned, including when err is non-nil, and results has one element per
// cohort in input order.
func (m *Manager) Run(ctx context.Context, cohorts []Cohort) (*audit.Log, []CohortResult, error) {
	log := audit.NewLog()
	if err := validateCohorts(cohorts); err != nil {
		return log, nil, err
	}

	runID, ok := services.RunIDFromContext(ctx)
	if !ok {
		runID = uuid.NewString()
		ctx = services.WithRunID(ctx, runID)
	}
	logger := logging.WithContext(ctx, m.logger)

	started := time.Now()
	logger.Info(
		"pipeline started",
		logging.String(logging.FieldEventType, "run_start"),
		logging.Int("cohort_count", len(cohorts)),
		logging.Int("stage_count", len(m.stages)),
		logging.Int("max_parallel", m.maxParallel),
	)

	results := make([]CohortResult, len(cohorts))
	var runErr error
	if m.maxParallel > 1 && len(cohorts) > 1 {
		runErr = m.runParallel(ctx, log, cohorts, results)
	} else {
		runErr = m.runSequential(ctx, log, cohorts, results)
	}
	m.setLastRun(runID, runErr)

	if runErr != nil {
		logger.Error(
			"pipeline aborted",
			logging.String(logging.FieldEventType, "run_aborted"),
			logging.String(logging.FieldErrorHint, "fix the failing stage and rerun; the partial audit log was kept"),
			logging.Int("entries_recorded", log.Len()),
			logging.Duration("run_duration", elapsedSince(started)),
			logging.Error(runErr),
		)
		return log, results, runErr
	}

	logger.Info(
		"pipeline completed",
		logging.String(logging.FieldEventType, "run_complete"),
		logging.Int("entries_recorded", log.Len()),
		logging.Duration("run_duration", elapsedSince(started)),
	)
	return log, results, nil
}

func (m *Manager) runSequential(ctx context.Context, log *audit.Log, cohorts []Cohort, results []CohortResult) error {
	for i, cohort := range cohorts {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(cohorts); j++ {
				results[j] = skipped(cohorts[j], err)
			}
			return err
		}
		results[i] = m.runCohort(ctx, log, cohort)
		if err := results[i].Err; err != nil {
			for j := i + 1; j < len(cohorts); j++ {
				results[j] = skipped(cohorts[j], context.Canceled)
			}
			return err
		}
	}
	return nil
}

func (m *Manager) runParallel(ctx context.Context, log *audit.Log, cohorts []Cohort, results []CohortResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.maxParallel)
	for i, cohort := range cohorts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = skipped(cohort, err)
				return nil
			}
			results[i] = m.runCohort(gctx, log, cohort)
			return results[i].Err
		})
	}
	err := g.Wait()
	if err == nil {
		// A canceled parent can leave every cohort skipped without an error.
		err = ctx.Err()
	}
	return err
}

func (m *Manager) runCohort(ctx context.Context, log *audit.Log, cohort Cohort) CohortResult {
	ctx = services.WithCohort(ctx, cohort.Name)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, m.logger)

	started := time.Now()
	table := cohort.Table
	result := CohortResult{Cohort: cohort.Name, Table: table, Initial: table.RowCount(), Final: table.RowCount()}

	for _, st := range m.stages {
		res, err := stageexec.Run(ctx, table, stageexec.Options{
			Logger:     m.logger,
			Observer:   m.observer,
			Annotators: cohort.Annotators,
			Matrix:     cohort.Matrix,
			Stage:      st,
		})
		if err != nil {
			result.FailedStage = st.Name
			result.Err = err
			break
		}
		if err := log.Append(res.Entry); err != nil {
			result.FailedStage = st.Name
			result.Err = services.Wrap(services.ErrStageAborted, st.Name, "audit", "cohort "+cohort.Name, err)
			break
		}
		table = res.Table
		result.Table = table
		result.Final = table.RowCount()
		result.StagesCompleted++
	}
	result.Duration = elapsedSince(started)
	logCohortResult(logger, result)
	return result
}

func logCohortResult(logger *slog.Logger, result CohortResult) {
	attrs := []logging.Attr{
		logging.Int("cells_before", result.Initial),
		logging.Int("cells_after", result.Final),
		logging.Int("cells_removed", result.Initial-result.Final),
		logging.Int("stages_completed", result.StagesCompleted),
		logging.Duration("cohort_duration", result.Duration),
	}
	if result.Err == nil {
		attrs = append(attrs, logging.String(logging.FieldEventType, "cohort_complete"))
		logger.Info("cohort completed", logging.Args(attrs...)...)
		return
	}
	if errors.Is(result.Err, context.Canceled) {
		attrs = append(attrs, logging.String(logging.FieldEventType, "cohort_canceled"))
		logger.Warn("cohort canceled", logging.Args(attrs...)...)
		return
	}
	attrs = append(attrs,
		logging.String("failed_stage", result.FailedStage),
		logging.String("error_message", result.Err.Error()),
		logging.Alert("cohort_failure"),
	)
	logging.ErrorWithContext(logger, "cohort failed", "cohort_failure", attrs...)
}

func skipped(cohort Cohort, err error) CohortResult {
	rows := 0
	if cohort.Table != nil {
		rows = cohort.Table.RowCount()
	}
	return CohortResult{Cohort: cohort.Name, Table: cohort.Table, Initial: rows, Final: rows, Err: err}
}

func validateCohorts(cohorts []Cohort) error {
	if len(cohorts) == 0 {
		return fmt.Errorf("%w: at least one cohort is required", services.ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(cohorts))
	for _, c := range cohorts {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return fmt.Errorf("%w: cohort name is required", services.ErrConfiguration)
		}
		if c.Table == nil {
			return fmt.Errorf("%w: cohort %s has no cell table", services.ErrValidation, name)
		}
		if c.Table.Cohort() != name {
			return fmt.Errorf("%w: cohort %s was given the table of %s", services.ErrValidation, name, c.Table.Cohort())
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: cohort %s listed twice", services.ErrConfiguration, name)
		}
		seen[key] = struct{}{}
	}
	return nil
}
