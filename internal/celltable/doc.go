// Package celltable implements the per-cohort cell table: one row per cell,
// one column per metric or tag.
//
// Tables are immutable values. Every operation that changes shape or content
// returns a new Table and leaves the receiver untouched, so a failed stage
// can never leave a cohort half-mutated and two cohorts never alias each
// other's data.
package celltable
