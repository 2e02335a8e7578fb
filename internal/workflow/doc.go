// Package workflow runs the declared QC stage list over every cohort.
//
// The Manager owns an immutable stage list and applies it, in order, to each
// cohort's cell table through stageexec.Run. Cohorts never share tables, so
// they may run sequentially or in parallel (bounded by max_parallel) without
// coordination beyond the audit log, which keeps entries per cohort. The first
// unrecoverable stage error cancels the run; whatever the audit log holds at
// that point is returned with the error.
//
// After a run, VerifyConsistency confirms that every cohort recorded the same
// parameter fingerprint for each stage. Differences in data never change a
// fingerprint, so a mismatch always means two cohorts saw different stage
// declarations.
package workflow
