package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cellqc/internal/audit"
	"cellqc/internal/auditstore"
)

func newAuditCommand(ctx *commandContext) *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect persisted runs and their audit logs",
	}
	auditCmd.AddCommand(newAuditListCommand(ctx))
	auditCmd.AddCommand(newAuditShowCommand(ctx))
	auditCmd.AddCommand(newAuditDiffCommand(ctx))
	auditCmd.AddCommand(newAuditExportCommand(ctx))
	auditCmd.AddCommand(newAuditDeleteCommand(ctx))
	return auditCmd
}

func newAuditListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *auditstore.Store) error {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(runs) == 0 {
					fmt.Fprintln(out, "No runs recorded")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, run := range runs {
					rows = append(rows, []string{
						shortID(run.ID),
						run.StartedAt.Local().Format("2006-01-02 15:04:05"),
						run.Duration().Round(time.Millisecond).String(),
						string(run.Status),
						strconv.Itoa(run.Cohorts),
						strconv.Itoa(run.Entries),
					})
				}
				writeRows(out,
					[]string{"Run", "Started", "Duration", "Status", "Cohorts", "Entries"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight},
				)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list (0 for all)")
	return cmd
}

func newAuditShowCommand(ctx *commandContext) *cobra.Command {
	var cohort string
	var showRemoved bool
	cmd := &cobra.Command{
		Use:   "show [run]",
		Short: "Show per-stage removals for a run (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *auditstore.Store) error {
				run, log, err := loadRunArg(cmd.Context(), store, args)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Run %s  %s  %s\n", run.ID, run.Status, run.StartedAt.Local().Format(time.RFC3339))
				if run.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", run.Error)
				}

				entries := log.Entries()
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					if cohort != "" && !strings.EqualFold(e.Cohort, cohort) {
						continue
					}
					rows = append(rows, []string{
						e.Cohort,
						e.Stage,
						e.Policy,
						audit.FormatCutoff(e.Cutoff),
						yesNo(e.FallbackUsed),
						strconv.Itoa(e.Before),
						strconv.Itoa(e.After),
						strconv.Itoa(e.Removed()),
						fmt.Sprintf("%.1f%%", e.RemovedFraction()*100),
					})
				}
				writeRows(out,
					[]string{"Cohort", "Stage", "Policy", "Cutoff", "Fallback", "Before", "After", "Removed", "Removed %"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight, alignRight},
				)

				for _, a := range audit.DetectAnomalies(log) {
					scope := a.Cohort
					if a.Stage != "" {
						scope = strings.TrimPrefix(scope+"/"+a.Stage, "/")
					}
					fmt.Fprintf(out, "%s [%s] %s: %s\n", strings.ToUpper(a.Severity), a.Category, scope, a.Message)
				}

				if showRemoved {
					for _, e := range entries {
						if (cohort != "" && !strings.EqualFold(e.Cohort, cohort)) || e.Removed() == 0 {
							continue
						}
						fmt.Fprintf(out, "%s/%s removed: %s\n", e.Cohort, e.Stage, strings.Join(e.RemovedIDs, ","))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cohort, "cohort", "", "Only show one cohort")
	cmd.Flags().BoolVar(&showRemoved, "removed", false, "List removed cell identifiers")
	return cmd
}

func newAuditDiffCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <run-a> <run-b>",
		Short: "Compare the audit logs of two runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *auditstore.Store) error {
				left, leftLog, err := loadRunArg(cmd.Context(), store, args[:1])
				if err != nil {
					return err
				}
				right, rightLog, err := loadRunArg(cmd.Context(), store, args[1:])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				diffs := audit.Diff(leftLog, rightLog)
				if len(diffs) == 0 {
					fmt.Fprintf(out, "Runs %s and %s recorded identical audit logs\n", shortID(left.ID), shortID(right.ID))
					return nil
				}
				rows := make([][]string, 0, len(diffs))
				for _, d := range diffs {
					rows = append(rows, []string{d.Cohort, d.Stage, d.Field, d.Left, d.Right})
				}
				writeRows(out,
					[]string{"Cohort", "Stage", "Field", shortID(left.ID), shortID(right.ID)},
					rows,
					nil,
				)
				fmt.Fprintf(out, "%d differences\n", len(diffs))
				return nil
			})
		},
	}
}

// exportDocument is the serialized form of one run.
type exportDocument struct {
	Run       auditstore.Run        `json:"run" yaml:"run"`
	Summary   []audit.CohortSummary `json:"summary" yaml:"summary"`
	Anomalies []audit.Anomaly       `json:"anomalies" yaml:"anomalies"`
	Entries   []audit.Entry         `json:"entries" yaml:"entries"`
}

func newAuditExportCommand(ctx *commandContext) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export [run]",
		Short: "Export a run's audit log as JSON or YAML (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *auditstore.Store) error {
				run, log, err := loadRunArg(cmd.Context(), store, args)
				if err != nil {
					return err
				}
				anomalies := audit.DetectAnomalies(log)
				if anomalies == nil {
					anomalies = []audit.Anomaly{}
				}
				return writeFormatted(cmd, format, exportDocument{
					Run:       run,
					Summary:   audit.Summarize(log),
					Anomalies: anomalies,
					Entries:   log.Entries(),
				})
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or yaml")
	return cmd
}

func newAuditDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run>",
		Short: "Delete a persisted run and its audit entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *auditstore.Store) error {
				run, _, err := store.LoadRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if err := store.DeleteRun(cmd.Context(), run.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %s\n", shortID(run.ID))
				return nil
			})
		},
	}
}

func loadRunArg(ctx context.Context, store *auditstore.Store, args []string) (auditstore.Run, *audit.Log, error) {
	if len(args) == 0 || strings.EqualFold(strings.TrimSpace(args[0]), "latest") {
		run, log, err := store.LatestRun(ctx)
		if err != nil {
			return auditstore.Run{}, nil, fmt.Errorf("load latest run: %w", err)
		}
		return run, log, nil
	}
	return store.LoadRun(ctx, args[0])
}
