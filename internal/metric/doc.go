// Package metric computes derived per-cell QC columns.
//
// Calculators are pure: given the same table state and count matrix they
// return the same column regardless of which cohort ran first. Degenerate
// denominators (a cell with zero counts, a library of one read) follow an
// explicit Degenerate policy instead of producing Inf or crashing.
package metric
