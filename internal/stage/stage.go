package stage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"cellqc/internal/metric"
	"cellqc/internal/services"
	"cellqc/internal/threshold"
)

// Stage is one metric → threshold → tag → filter step.
type Stage struct {
	Name string
	// Annotate lists annotators, resolved per cohort, that run before the
	// metric. They add externally produced columns such as doublet calls.
	Annotate []string
	// Metric is optional; when nil the policy thresholds Column as it is.
	Metric metric.Calculator
	Column string
	Policy threshold.Policy
	// TagColumn is written by Policy when one is set, otherwise it must be
	// supplied by an annotator. Empty means the stage only annotates.
	TagColumn string
	KeepValue string
}

// Filters reports whether the stage ends with a filter.
func (s Stage) Filters() bool {
	return strings.TrimSpace(s.TagColumn) != ""
}

// Validate checks the declaration without looking at any data.
func (s Stage) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: stage name is required", services.ErrConfiguration)
	}
	if s.Metric != nil && strings.TrimSpace(s.Column) == "" {
		return fmt.Errorf("%w: stage %q computes %s without an output column", services.ErrConfiguration, s.Name, s.Metric.Name())
	}
	if s.Policy != nil {
		if strings.TrimSpace(s.Column) == "" {
			return fmt.Errorf("%w: stage %q has a policy but no column to threshold", services.ErrConfiguration, s.Name)
		}
		if !s.Filters() {
			return fmt.Errorf("%w: stage %q has a policy but no tag column", services.ErrConfiguration, s.Name)
		}
	}
	if s.Filters() && strings.TrimSpace(s.KeepValue) == "" {
		return fmt.Errorf("%w: stage %q filters on %q without a keep value", services.ErrConfiguration, s.Name, s.TagColumn)
	}
	if s.Metric == nil && s.Policy == nil && !s.Filters() && len(s.Annotate) == 0 {
		return fmt.Errorf("%w: stage %q does nothing", services.ErrConfiguration, s.Name)
	}
	return nil
}

// MetricName returns the calculator name, or the thresholded column when the
// stage has no calculator.
func (s Stage) MetricName() string {
	if s.Metric != nil {
		return s.Metric.Name()
	}
	if s.Column != "" {
		return s.Column
	}
	return s.TagColumn
}

// PolicyName returns the policy name, "external" for a stage filtering an
// annotator's column, or "none" for annotate-only stages.
func (s Stage) PolicyName() string {
	switch {
	case s.Policy != nil:
		return s.Policy.Name()
	case s.Filters():
		return "external"
	default:
		return "none"
	}
}

// Label returns a display name such as "Min Features".
func (s Stage) Label() string {
	words := strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(s.Name))
	return cases.Title(language.English).String(words)
}

// Fingerprint hashes every declared parameter. Two cohorts that received the
// same Stage value always produce the same fingerprint; data never affects it.
func (s Stage) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "name=%s\n", s.Name)
	fmt.Fprintf(&b, "annotate=%s\n", strings.Join(s.Annotate, ","))
	if s.Metric != nil {
		fmt.Fprintf(&b, "metric=%T%+v\n", s.Metric, s.Metric)
	}
	fmt.Fprintf(&b, "column=%s\n", s.Column)
	if s.Policy != nil {
		fmt.Fprintf(&b, "policy=%T%+v\n", s.Policy, s.Policy)
	}
	fmt.Fprintf(&b, "tag=%s keep=%s\n", s.TagColumn, strings.ToLower(strings.TrimSpace(s.KeepValue)))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
