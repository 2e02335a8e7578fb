package stageexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cellqc/internal/annotate"
	"cellqc/internal/audit"
	"cellqc/internal/celltable"
	"cellqc/internal/countmatrix"
	"cellqc/internal/logging"
	"cellqc/internal/services"
	"cellqc/internal/stage"
)

// Observer receives per-stage outcomes, typically for metrics.
type Observer interface {
	ObserveStage(entry audit.Entry, elapsed time.Duration)
	ObserveFailure(cohort, stage string, err error)
}

// Options controls a single stage execution against one cohort.
type Options struct {
	Logger     *slog.Logger
	Observer   Observer
	Annotators *annotate.Registry
	Matrix     *countmatrix.Matrix
	Stage      stage.Stage
}

// Result carries the filtered table and the audit entry describing how it
// was produced.
type Result struct {
	Table *celltable.Table
	Entry audit.Entry
}

// Run applies one stage to table: annotators, then the metric, then the
// policy, then the filter. The input table is never modified; on failure the
// caller keeps it as the last good state.
func Run(ctx context.Context, table *celltable.Table, opts Options) (Result, error) {
	if table == nil {
		return Result{}, fmt.Errorf("%w: cell table is required", services.ErrValidation)
	}
	st := opts.Stage
	cohort := table.Cohort()

	stageCtx := services.WithStage(services.WithCohort(ctx, cohort), st.Name)
	stageLogger := logging.WithContext(stageCtx, opts.Logger)

	stageLogger.Info(
		"stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("metric", st.MetricName()),
		logging.String("policy", st.PolicyName()),
		logging.Int("cells_before", table.RowCount()),
		logging.String("fingerprint", st.Fingerprint()),
	)

	started := time.Now()
	result, err := execute(stageCtx, stageLogger, table, opts)
	if err != nil {
		return Result{}, handleFailure(stageLogger, opts.Observer, cohort, st, err)
	}
	elapsed := time.Since(started)

	entry := result.Entry
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("metric", entry.Metric),
		logging.String("policy", entry.Policy),
		logging.String("cutoff", audit.FormatCutoff(entry.Cutoff)),
		logging.Int("cells_before", entry.Before),
		logging.Int("cells_after", entry.After),
		logging.Int("cells_removed", entry.Removed()),
		logging.Float64("removed_percent", entry.RemovedFraction()*100),
		logging.Duration("stage_duration", elapsed),
	}
	if entry.TagColumn != "" {
		attrs = append(attrs, logging.String("tag_column", entry.TagColumn))
	}
	if entry.FallbackUsed {
		attrs = append(attrs,
			logging.Bool("fallback_used", true),
			logging.String("fallback_reason", entry.FallbackReason),
		)
	}
	stageLogger.Info("stage completed", logging.Args(attrs...)...)
	if entry.FallbackUsed {
		logging.WarnWithContext(stageLogger, "threshold model fell back to percentile", "threshold_fallback",
			logging.String("fallback_reason", entry.FallbackReason),
			logging.String(logging.FieldErrorHint, "inspect the metric distribution for this cohort"),
			logging.String(logging.FieldImpact, "cutoff derived from the fallback percentile"),
		)
	}
	if opts.Observer != nil {
		opts.Observer.ObserveStage(entry, elapsed)
	}
	return result, nil
}

func execute(ctx context.Context, logger *slog.Logger, table *celltable.Table, opts Options) (Result, error) {
	st := opts.Stage
	if err := st.Validate(); err != nil {
		return Result{}, err
	}
	before := table.RowCount()
	current := table

	if len(st.Annotate) > 0 {
		annotated, err := opts.Annotators.Apply(ctx, current, st.Annotate)
		if err != nil {
			return Result{}, err
		}
		current = annotated
	}

	if st.Metric != nil {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		col, err := st.Metric.Compute(current, opts.Matrix)
		if err != nil {
			return Result{}, fmt.Errorf("compute %s: %w", st.Metric.Name(), err)
		}
		if current, err = current.AddColumn(st.Column, col); err != nil {
			return Result{}, err
		}
		logger.Debug("metric computed", logging.String("metric", st.Metric.Name()), logging.String("column", st.Column))
	}

	entry := audit.Entry{
		Cohort:      table.Cohort(),
		Stage:       st.Name,
		Metric:      st.MetricName(),
		Policy:      st.PolicyName(),
		TagColumn:   st.TagColumn,
		Before:      before,
		After:       before,
		RemovedIDs:  []string{},
		Fingerprint: st.Fingerprint(),
	}

	if st.Policy != nil {
		res, err := st.Policy.Apply(ctx, current, st.Column)
		if err != nil {
			return Result{}, fmt.Errorf("apply %s policy: %w", st.Policy.Name(), err)
		}
		if current, err = current.AddColumn(st.TagColumn, celltable.CategoricalColumn(res.Tags)); err != nil {
			return Result{}, err
		}
		entry.Policy = res.Policy
		entry.Cutoff = audit.CutoffValue(res.Cutoff)
		entry.FallbackUsed = res.FallbackUsed
		entry.FallbackReason = res.FallbackReason
		if res.Fit != nil {
			logger.Debug("mixture model fitted",
				logging.Int("fit_iterations", res.Fit.Iterations),
				logging.Float64("fit_separation", res.Fit.Separation),
			)
		}
	}

	if !st.Filters() {
		return Result{Table: current, Entry: entry}, nil
	}
	outcome, err := stage.Filter(current, st.TagColumn, st.KeepValue)
	if err != nil {
		return Result{}, err
	}
	entry.Before = outcome.Before
	entry.After = outcome.After
	entry.RemovedIDs = outcome.Removed
	return Result{Table: outcome.Table, Entry: entry}, nil
}

func handleFailure(logger *slog.Logger, observer Observer, cohort string, st stage.Stage, stageErr error) error {
	message := strings.TrimSpace(stageErr.Error())
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String("error_kind", services.Kind(stageErr)),
		logging.String("error_message", message),
		logging.Error(stageErr),
	}
	if services.Structural(stageErr) {
		attrs = append(attrs, logging.String(logging.FieldErrorHint, "check the stage declaration and column names in the config"))
	}
	logging.ErrorWithContext(logger, "stage failed", "stage_failure", attrs...)
	if observer != nil {
		observer.ObserveFailure(cohort, st.Name, stageErr)
	}
	if errors.Is(stageErr, context.Canceled) || errors.Is(stageErr, context.DeadlineExceeded) {
		return stageErr
	}
	return services.Wrap(services.ErrStageAborted, st.Name, "run", "cohort "+cohort, stageErr)
}
