package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"cellqc/internal/services"
)

// Validate ensures the configuration is usable. Every failure wraps
// services.ErrConfiguration.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.validateLogging,
		c.validateRun,
		c.validateCohorts,
		c.validateStages,
	} {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %w", services.ErrConfiguration, err)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateRun() error {
	if c.Run.MaxParallel < 1 {
		return errors.New("run.max_parallel must be >= 1")
	}
	if c.Run.ModelTimeoutSeconds < 0 {
		return errors.New("run.model_timeout_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateCohorts() error {
	seen := make(map[string]struct{}, len(c.Cohorts))
	for i, cohort := range c.Cohorts {
		if cohort.Name == "" {
			return fmt.Errorf("cohorts[%d].name must be set", i)
		}
		key := strings.ToLower(cohort.Name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("cohort %q declared twice", cohort.Name)
		}
		seen[key] = struct{}{}
		if cohort.Matrix == "" {
			return fmt.Errorf("cohorts[%s].matrix must be set", cohort.Name)
		}
		switch cohort.Format {
		case "", "10x", "dense":
		default:
			return fmt.Errorf("cohorts[%s].format %q must be 10x or dense", cohort.Name, cohort.Format)
		}
		for name, path := range cohort.Annotations {
			if name == "" || path == "" {
				return fmt.Errorf("cohorts[%s].annotations entries need a name and a path", cohort.Name)
			}
		}
	}
	return nil
}

func (c *Config) validateStages() error {
	seen := make(map[string]struct{}, len(c.Stages))
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages[%d].name must be set", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("stage %q declared twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if err := s.validate(c.Cohorts); err != nil {
			return fmt.Errorf("stage %q: %w", s.Name, err)
		}
	}
	return nil
}

func (s Stage) validate(cohorts []Cohort) error {
	if s.Metric == "" && s.Policy == "" && s.TagColumn == "" && len(s.Annotate) == 0 {
		return errors.New("stage does nothing; declare a metric, policy, tag_column, or annotate")
	}
	switch s.Degenerate {
	case "", "sentinel", "nan", "error":
	default:
		return fmt.Errorf("degenerate %q must be sentinel or error", s.Degenerate)
	}
	if err := s.validateMetric(); err != nil {
		return err
	}
	if err := s.validatePolicy(); err != nil {
		return err
	}
	if s.TagColumn != "" && s.KeepValue == "" {
		return errors.New("keep_value must be set when tag_column is declared")
	}
	for _, name := range s.Annotate {
		for _, cohort := range cohorts {
			if _, ok := cohort.Annotations[name]; !ok {
				return fmt.Errorf("annotator %q has no source in cohort %q", name, cohort.Name)
			}
		}
	}
	return nil
}

func (s Stage) validateMetric() error {
	switch s.Metric {
	case "":
		return nil
	case MetricFractionOfSubset:
		selectors := 0
		if s.Prefix != "" {
			selectors++
		}
		if s.Pattern != "" {
			if _, err := regexp.Compile(s.Pattern); err != nil {
				return fmt.Errorf("pattern: %w", err)
			}
			selectors++
		}
		if len(s.Features) > 0 {
			selectors++
		}
		if selectors != 1 {
			return errors.New("fraction_of_subset needs exactly one of prefix, pattern, or features")
		}
	case MetricLogRatioComplexity:
		if len(s.Inputs) != 0 && len(s.Inputs) != 2 {
			return errors.New("log_ratio_complexity inputs must be [features_column, counts_column]")
		}
	case MetricScoreDifference:
		if len(s.Inputs) != 2 {
			return errors.New("score_difference inputs must be [minuend, subtrahend]")
		}
	default:
		return fmt.Errorf("unknown metric %q", s.Metric)
	}
	return nil
}

func (s Stage) validatePolicy() error {
	if s.Policy == "" {
		return nil
	}
	if s.Column == "" {
		return errors.New("policy needs a metric or an explicit column to threshold")
	}
	switch s.Direction {
	case "", "upper", "lower", "max", "min", "below", "above":
	default:
		return fmt.Errorf("direction %q must be upper or lower", s.Direction)
	}
	switch s.Policy {
	case PolicyFixed:
		if s.Cutoff == nil {
			return errors.New("fixed policy needs cutoff")
		}
	case PolicyPercentile:
		if s.Percentile <= 0 || s.Percentile > 1 {
			return fmt.Errorf("percentile %v must be in (0, 1]", s.Percentile)
		}
	case PolicyModel:
		if s.FallbackPercentile <= 0 || s.FallbackPercentile > 1 {
			return fmt.Errorf("fallback_percentile %v must be in (0, 1]", s.FallbackPercentile)
		}
		if s.PosteriorCutoff < 0 || s.PosteriorCutoff > 1 {
			return fmt.Errorf("posterior_cutoff %v must be in [0, 1]", s.PosteriorCutoff)
		}
		if s.MaxIterations < 0 || s.MinSeparation < 0 || s.MinWeight < 0 || s.MinWeight >= 0.5 {
			return errors.New("max_iterations, min_separation and min_weight must be non-negative (min_weight < 0.5)")
		}
	default:
		return fmt.Errorf("unknown policy %q", s.Policy)
	}
	return nil
}
