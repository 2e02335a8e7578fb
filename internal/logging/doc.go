// Package logging builds the slog loggers used by cellqc.
//
// A run logs to the terminal (console or JSON, per logging.format) and, when a
// log directory is configured, to a daily JSON file that PruneLogDir trims
// after logging.retention_days. WithContext stamps run_id, cohort, stage and
// correlation_id from a context so stage executors never pass them by hand.
// NewNop is for tests.
package logging
