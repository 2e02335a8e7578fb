package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"cellqc/internal/audit"
	"cellqc/internal/auditstore"
	"cellqc/internal/config"
	"cellqc/internal/logging"
	"cellqc/internal/runlock"
	"cellqc/internal/services"
	"cellqc/internal/telemetry"
	"cellqc/internal/workflow"
)

type runOptions struct {
	cohorts []string
	noSave  bool
	wait    time.Duration
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply the configured QC stages to every cohort",
		Long: `Loads every configured cohort, applies the declared stage list to each
one, and records an audit entry per stage and cohort. The first stage
failure aborts the run; the partial audit log is still saved.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, ctx, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.cohorts, "cohort", nil, "Only run the named cohorts (repeatable)")
	cmd.Flags().BoolVar(&opts.noSave, "no-save", false, "Do not persist the run to the audit database")
	cmd.Flags().DurationVar(&opts.wait, "wait", 0, "Wait up to this long for a concurrent run to finish")
	return cmd
}

func runPipeline(cmd *cobra.Command, ctx *commandContext, opts runOptions) error {
	signalCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err = selectCohorts(cfg, opts.cohorts)
	if err != nil {
		return err
	}
	logger, err := ctx.logger()
	if err != nil {
		return err
	}
	logger = logging.NewComponentLogger(logger, "cli")
	logging.PruneLogDir(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays)

	lock, err := acquireLock(signalCtx, cfg, opts.wait)
	if err != nil {
		return err
	}
	defer lock.Release()

	recorder := telemetry.NewRecorder()
	manager, err := workflow.NewManagerFromConfig(cfg, logger, workflow.WithObserver(recorder))
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	runCtx := services.WithRunID(signalCtx, runID)
	runLogger := logging.WithContext(runCtx, logger)
	run := auditstore.Run{ID: runID, StartedAt: time.Now().UTC(), ConfigPath: ctx.configPath}

	log := audit.NewLog()
	var results []workflow.CohortResult
	cohorts, runErr := workflow.LoadCohorts(runCtx, cfg, logger)
	if runErr == nil {
		log, results, runErr = manager.Run(runCtx, cohorts)
	}

	run.Status = auditstore.StatusCompleted
	if runErr != nil {
		run.Status = auditstore.StatusAborted
		run.Error = runErr.Error()
	} else if driftErr := workflow.VerifyConsistency(log); driftErr != nil {
		run.Status = auditstore.StatusDrift
		run.Error = driftErr.Error()
		logging.WarnWithContext(runLogger, "parameter drift between cohorts", "parameter_drift",
			logging.String(logging.FieldErrorHint, "every cohort must receive the same stage list"),
			logging.String(logging.FieldImpact, "cohorts were filtered by different rules"),
			logging.Error(driftErr),
		)
		if cfg.Run.FailOnDrift {
			runErr = driftErr
		}
	}
	reportAnomalies(runLogger, log)

	run.FinishedAt = time.Now().UTC()
	recorder.MarkFinished(run.FinishedAt)
	persistCtx := context.WithoutCancel(runCtx)
	if !opts.noSave {
		if err := ctx.withStore(func(store *auditstore.Store) error {
			return store.SaveRun(persistCtx, run, log)
		}); err != nil {
			runLogger.Error("failed to persist run", logging.Error(err),
				logging.String(logging.FieldEventType, "run_persist_failed"),
				logging.String(logging.FieldErrorHint, "check the state directory"),
			)
			if runErr == nil {
				runErr = err
			}
		}
	}
	if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logging.WarnWithContext(runLogger, "metrics textfile not written", "metrics_write_failed",
			logging.String("metrics_path", cfg.Metrics.Textfile),
			logging.Error(err),
		)
	}

	if !errors.Is(runErr, context.Canceled) {
		printRunSummary(cmd, run, log, results)
	}
	return runErr
}

func selectCohorts(cfg *config.Config, names []string) (*config.Config, error) {
	if len(names) == 0 {
		return cfg, nil
	}
	selected := make([]config.Cohort, 0, len(names))
	for _, name := range names {
		cohort, ok := cfg.Cohort(name)
		if !ok {
			return nil, fmt.Errorf("%w: no cohort named %q", services.ErrConfiguration, name)
		}
		selected = append(selected, cohort)
	}
	narrowed := *cfg
	narrowed.Cohorts = selected
	return &narrowed, nil
}

func acquireLock(ctx context.Context, cfg *config.Config, wait time.Duration) (*runlock.Lock, error) {
	if wait <= 0 {
		return runlock.Acquire(cfg.LockPath())
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return runlock.Wait(waitCtx, cfg.LockPath(), 0)
}

func reportAnomalies(logger *slog.Logger, log *audit.Log) {
	for _, a := range audit.DetectAnomalies(log) {
		if a.Category == "drift" {
			continue
		}
		logging.WarnWithContext(logger, a.Message, "audit_anomaly",
			logging.String(logging.FieldCohort, a.Cohort),
			logging.String(logging.FieldStage, a.Stage),
			logging.String("severity", a.Severity),
			logging.String("category", a.Category),
			logging.String(logging.FieldImpact, "review the audit log before using this cohort"),
		)
	}
}

func printRunSummary(cmd *cobra.Command, run auditstore.Run, log *audit.Log, results []workflow.CohortResult) {
	out := cmd.OutOrStdout()
	fallbacks := map[string]int{}
	for _, s := range audit.Summarize(log) {
		fallbacks[s.Cohort] = s.Fallbacks
	}
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		status := "ok"
		switch {
		case res.Err == nil:
		case errors.Is(res.Err, context.Canceled):
			status = "skipped"
		default:
			status = "failed at " + res.FailedStage
		}
		rows = append(rows, []string{
			res.Cohort,
			strconv.Itoa(res.Initial),
			strconv.Itoa(res.Final),
			strconv.Itoa(res.Initial - res.Final),
			strconv.Itoa(fallbacks[res.Cohort]),
			status,
		})
	}
	if len(rows) > 0 {
		writeRows(out,
			[]string{"Cohort", "Cells", "Kept", "Removed", "Fallbacks", "Status"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
		)
	}
	fmt.Fprintf(out, "Run %s %s (%s)\n", shortID(run.ID), run.Status, strings.TrimSpace(run.Duration().Round(time.Millisecond).String()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
