// Package threshold turns a numeric metric column into a keep/discard tag
// column.
//
// Three policies are provided: FixedCutoff, PercentileCutoff, and
// ModelWithFallback. Every policy reports the cutoff it actually applied,
// including derived ones, so audit entries can be reproduced from the log
// alone. Cells whose metric is NaN are always tagged discard.
//
// Fixed and percentile cutoffs keep metric <= cutoff. A converged model
// reports the smallest value it discards and keeps metric < cutoff; the
// cutoff is +Inf, recorded in the audit log as no cutoff, when the model
// discards nothing.
//
// Percentiles ignore NaN and infinite values and use linear interpolation
// between order statistics (h = (n-1)p), the default of R's quantile type 7
// and numpy's "linear" method.
package threshold
