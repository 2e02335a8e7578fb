package auditstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cellqc/internal/audit"
)

// Status is the final state of a persisted run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusDrift     Status = "drift"
)

// ErrRunNotFound is returned when no run matches an identifier.
var ErrRunNotFound = errors.New("run not found")

// ErrAmbiguousRun is returned when an identifier prefix matches several runs.
var ErrAmbiguousRun = errors.New("ambiguous run identifier")

// Run is the persisted summary of one pipeline invocation.
type Run struct {
	ID         string    `json:"id" yaml:"id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
	ConfigPath string    `json:"config_path,omitempty" yaml:"config_path,omitempty"`
	Status     Status    `json:"status" yaml:"status"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	Cohorts    int       `json:"cohorts" yaml:"cohorts"`
	Entries    int       `json:"entries" yaml:"entries"`
}

// Duration returns the wall time of the run.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

const runColumns = "id, started_at, finished_at, config_path, status, error_message, cohort_count, entry_count"

// SaveRun stores run and every entry of log in one transaction. Saving an
// existing run ID fails.
func (s *Store) SaveRun(ctx context.Context, run Run, log *audit.Log) error {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	if run.Status == "" {
		run.Status = StatusCompleted
	}
	var entries []audit.Entry
	if log != nil {
		entries = log.Entries()
		run.Cohorts = len(log.Cohorts())
	}
	run.Entries = len(entries)

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO runs ("+runColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			run.ID,
			formatTime(run.StartedAt),
			nullableTime(run.FinishedAt),
			nullableString(run.ConfigPath),
			string(run.Status),
			nullableString(run.Error),
			run.Cohorts,
			run.Entries,
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO entries (
			run_id, seq, cohort, stage, metric, policy, cutoff, fallback_used, fallback_reason,
			tag_column, cells_before, cells_after, removed_ids_json, fingerprint, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare entry insert: %w", err)
		}
		defer stmt.Close()

		for seq, e := range entries {
			removed, err := json.Marshal(e.RemovedIDs)
			if err != nil {
				return fmt.Errorf("encode removed ids: %w", err)
			}
			var cutoff any
			if e.Cutoff != nil {
				cutoff = *e.Cutoff
			}
			if _, err := stmt.ExecContext(ctx,
				run.ID, seq, e.Cohort, e.Stage,
				nullableString(e.Metric), nullableString(e.Policy), cutoff,
				boolToInt(e.FallbackUsed), nullableString(e.FallbackReason),
				nullableString(e.TagColumn), e.Before, e.After,
				string(removed), e.Fingerprint, formatTime(e.RecordedAt),
			); err != nil {
				return fmt.Errorf("insert entry %s/%s: %w", e.Cohort, e.Stage, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit run: %w", err)
		}
		return nil
	})
}

// LoadRun returns the run whose ID equals or starts with id, along with its
// audit log.
func (s *Store) LoadRun(ctx context.Context, id string) (Run, *audit.Log, error) {
	ctx = ensureContext(ctx)
	run, err := s.resolveRun(ctx, id)
	if err != nil {
		return Run{}, nil, err
	}
	log, err := s.loadEntries(ctx, run.ID)
	if err != nil {
		return Run{}, nil, err
	}
	return run, log, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (Run, *audit.Log, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return Run{}, nil, err
	}
	if len(runs) == 0 {
		return Run{}, nil, ErrRunNotFound
	}
	return s.LoadRun(ctx, runs[0].ID)
}

// ListRuns returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC, id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its entries.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

func (s *Store) resolveRun(ctx context.Context, id string) (Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Run{}, fmt.Errorf("%w: empty identifier", ErrRunNotFound)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs WHERE id = ? OR id LIKE ? ESCAPE '\\' ORDER BY id LIMIT 3",
		id, escapeLike(id)+"%",
	)
	if err != nil {
		return Run{}, fmt.Errorf("lookup run: %w", err)
	}
	defer rows.Close()

	var matches []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return Run{}, err
		}
		if run.ID == id {
			return run, nil
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}
	switch len(matches) {
	case 0:
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return Run{}, fmt.Errorf("%w: %s matches %s and others", ErrAmbiguousRun, id, matches[0].ID)
	}
}

func (s *Store) loadEntries(ctx context.Context, runID string) (*audit.Log, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		cohort, stage, metric, policy, cutoff, fallback_used, fallback_reason,
		tag_column, cells_before, cells_after, removed_ids_json, fingerprint, recorded_at
		FROM entries WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e              audit.Entry
			metric         sql.NullString
			policy         sql.NullString
			cutoff         sql.NullFloat64
			fallback       int
			fallbackReason sql.NullString
			tagColumn      sql.NullString
			removedJSON    string
			recordedRaw    string
		)
		if err := rows.Scan(
			&e.Cohort, &e.Stage, &metric, &policy, &cutoff, &fallback, &fallbackReason,
			&tagColumn, &e.Before, &e.After, &removedJSON, &e.Fingerprint, &recordedRaw,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Metric = metric.String
		e.Policy = policy.String
		if cutoff.Valid {
			v := cutoff.Float64
			e.Cutoff = &v
		}
		e.FallbackUsed = fallback != 0
		e.FallbackReason = fallbackReason.String
		e.TagColumn = tagColumn.String
		if err := json.Unmarshal([]byte(removedJSON), &e.RemovedIDs); err != nil {
			return nil, fmt.Errorf("decode removed ids for %s/%s: %w", e.Cohort, e.Stage, err)
		}
		if recorded, err := parseTimeString(recordedRaw); err == nil {
			e.RecordedAt = recorded
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return audit.FromEntries(entries)
}
