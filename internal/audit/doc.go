// Package audit records every cell removal made by a pipeline run.
//
// A Log holds one append-only entry list per cohort. Appends from concurrently
// running cohorts never interleave within a cohort, and entries are immutable
// once appended: readers receive copies. Summaries and anomaly detection over
// a log live here too so the CLI and the store render the same view.
package audit
