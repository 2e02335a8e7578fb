// Package stage declares QC stages and implements the filter step they end
// with.
//
// A Stage names optional annotators, an optional metric calculator with its
// output column, an optional threshold policy, and the tag column plus keep
// value the filter compares against. Stages are plain values: the
// orchestrator hands the same slice to every cohort and uses Fingerprint to
// prove no cohort saw different parameters.
package stage
