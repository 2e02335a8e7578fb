package metric

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"cellqc/internal/celltable"
	"cellqc/internal/countmatrix"
	"cellqc/internal/services"
)

// Calculator derives one column from a table and, optionally, its raw matrix.
type Calculator interface {
	Name() string
	Compute(t *celltable.Table, m *countmatrix.Matrix) (celltable.Column, error)
}

// Degenerate selects what a calculator does when a cell's denominator is
// unusable.
type Degenerate string

const (
	// DegenerateSentinel writes NaN for the cell. Threshold policies always
	// tag NaN cells for removal.
	DegenerateSentinel Degenerate = "sentinel"
	// DegenerateError fails the calculation.
	DegenerateError Degenerate = "error"
)

// ParseDegenerate maps a config value to a Degenerate policy.
func ParseDegenerate(value string) (Degenerate, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(DegenerateSentinel):
		return DegenerateSentinel, nil
	case string(DegenerateError):
		return DegenerateError, nil
	default:
		return "", fmt.Errorf("%w: unknown degenerate policy %q", services.ErrConfiguration, value)
	}
}

// FeatureMatcher selects the features counted by FractionOfSubset.
type FeatureMatcher struct {
	Prefix          string
	Pattern         *regexp.Regexp
	Names           []string
	CaseInsensitive bool
}

// Describe renders the matcher for audit fingerprints.
func (fm FeatureMatcher) Describe() string {
	parts := make([]string, 0, 3)
	if fm.Prefix != "" {
		parts = append(parts, "prefix="+fm.Prefix)
	}
	if fm.Pattern != nil {
		parts = append(parts, "pattern="+fm.Pattern.String())
	}
	if len(fm.Names) > 0 {
		parts = append(parts, "names="+strings.Join(fm.Names, ","))
	}
	if fm.CaseInsensitive {
		parts = append(parts, "ci")
	}
	return strings.Join(parts, ";")
}

func (fm FeatureMatcher) empty() bool {
	return fm.Prefix == "" && fm.Pattern == nil && len(fm.Names) == 0
}

// Match reports whether a feature name is selected.
func (fm FeatureMatcher) Match(name string) bool {
	candidate := name
	if fm.CaseInsensitive {
		candidate = strings.ToUpper(name)
	}
	if fm.Prefix != "" {
		prefix := fm.Prefix
		if fm.CaseInsensitive {
			prefix = strings.ToUpper(prefix)
		}
		if strings.HasPrefix(candidate, prefix) {
			return true
		}
	}
	if fm.Pattern != nil && fm.Pattern.MatchString(name) {
		return true
	}
	for _, n := range fm.Names {
		if n == name || (fm.CaseInsensitive && strings.EqualFold(n, name)) {
			return true
		}
	}
	return false
}

// FractionOfSubset is the percentage of a cell's counts falling in the
// matched feature set, e.g. mitochondrial or ribosomal genes.
type FractionOfSubset struct {
	Features   FeatureMatcher
	Degenerate Degenerate
}

func (f FractionOfSubset) Name() string {
	return "fraction_of_subset(" + f.Features.Describe() + ")"
}

func (f FractionOfSubset) Compute(t *celltable.Table, m *countmatrix.Matrix) (celltable.Column, error) {
	if m == nil {
		return celltable.Column{}, fmt.Errorf("%w: %s needs the raw count matrix", services.ErrEmptyMatrix, f.Name())
	}
	if f.Features.empty() {
		return celltable.Column{}, fmt.Errorf("%w: %s has no feature selector", services.ErrConfiguration, f.Name())
	}
	mask := m.FeatureMask(f.Features.Match)
	ids := t.IDs()
	values := make([]float64, len(ids))
	for i, id := range ids {
		total, ok := m.Total(id)
		if !ok {
			return celltable.Column{}, fmt.Errorf("%w: cell %q of cohort %s absent from count matrix", services.ErrShapeMismatch, id, t.Cohort())
		}
		if total <= 0 {
			if f.Degenerate == DegenerateError {
				return celltable.Column{}, fmt.Errorf("%w: cell %q has zero total counts", services.ErrEmptyMatrix, id)
			}
			values[i] = math.NaN()
			continue
		}
		subset, _ := m.SubsetSum(id, mask)
		values[i] = subset / total * 100
	}
	return celltable.NumericColumn(values), nil
}

// LogRatioComplexity is log10(features)/log10(counts), the novelty score of
// a cell's library.
type LogRatioComplexity struct {
	FeaturesColumn string
	CountsColumn   string
	Degenerate     Degenerate
}

func (c LogRatioComplexity) columns() (string, string) {
	features, counts := c.FeaturesColumn, c.CountsColumn
	if features == "" {
		features = celltable.ColumnFeatures
	}
	if counts == "" {
		counts = celltable.ColumnCounts
	}
	return features, counts
}

func (c LogRatioComplexity) Name() string {
	features, counts := c.columns()
	return fmt.Sprintf("log_ratio_complexity(%s/%s)", features, counts)
}

func (c LogRatioComplexity) Compute(t *celltable.Table, _ *countmatrix.Matrix) (celltable.Column, error) {
	featuresName, countsName := c.columns()
	features, err := t.Numeric(featuresName)
	if err != nil {
		return celltable.Column{}, err
	}
	counts, err := t.Numeric(countsName)
	if err != nil {
		return celltable.Column{}, err
	}
	ids := t.IDs()
	values := make([]float64, len(counts))
	for i := range counts {
		if counts[i] <= 1 || features[i] <= 0 {
			if c.Degenerate == DegenerateError {
				return celltable.Column{}, fmt.Errorf("%w: cell %q has %v counts and %v features", services.ErrDomain, ids[i], counts[i], features[i])
			}
			values[i] = math.NaN()
			continue
		}
		values[i] = math.Log10(features[i]) / math.Log10(counts[i])
	}
	return celltable.NumericColumn(values), nil
}

// ScoreDifference subtracts one numeric column from another.
type ScoreDifference struct {
	Minuend    string
	Subtrahend string
}

func (d ScoreDifference) Name() string {
	return fmt.Sprintf("score_difference(%s-%s)", d.Minuend, d.Subtrahend)
}

func (d ScoreDifference) Compute(t *celltable.Table, _ *countmatrix.Matrix) (celltable.Column, error) {
	a, err := t.Numeric(d.Minuend)
	if err != nil {
		return celltable.Column{}, err
	}
	b, err := t.Numeric(d.Subtrahend)
	if err != nil {
		return celltable.Column{}, err
	}
	values := make([]float64, len(a))
	for i := range a {
		values[i] = a[i] - b[i]
	}
	return celltable.NumericColumn(values), nil
}
