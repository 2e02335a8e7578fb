package config

import (
	"fmt"
	"os"
	"strings"
)

// Canonical metric and policy names accepted in [[stages]].
const (
	MetricFractionOfSubset   = "fraction_of_subset"
	MetricLogRatioComplexity = "log_ratio_complexity"
	MetricScoreDifference    = "score_difference"

	PolicyFixed      = "fixed"
	PolicyPercentile = "percentile"
	PolicyModel      = "model"
)

var metricAliases = map[string]string{
	"fraction":             MetricFractionOfSubset,
	"fraction_of_subset":   MetricFractionOfSubset,
	"percent":              MetricFractionOfSubset,
	"log_ratio":            MetricLogRatioComplexity,
	"log_ratio_complexity": MetricLogRatioComplexity,
	"complexity":           MetricLogRatioComplexity,
	"difference":           MetricScoreDifference,
	"score_difference":     MetricScoreDifference,
}

var policyAliases = map[string]string{
	"fixed":               PolicyFixed,
	"fixed_cutoff":        PolicyFixed,
	"percentile":          PolicyPercentile,
	"percentile_cutoff":   PolicyPercentile,
	"model":               PolicyModel,
	"mixture":             PolicyModel,
	"model_with_fallback": PolicyModel,
}

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeRun()
	if err := c.normalizeCohorts(); err != nil {
		return err
	}
	c.normalizeStages()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("CELLQC_STATE_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.StateDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	var err error
	if c.Paths.StateDir, err = expandPath(strings.TrimSpace(c.Paths.StateDir)); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Metrics.Textfile = strings.TrimSpace(c.Metrics.Textfile); c.Metrics.Textfile != "" {
		if c.Metrics.Textfile, err = expandPath(c.Metrics.Textfile); err != nil {
			return fmt.Errorf("metrics.textfile: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	if value, ok := os.LookupEnv("CELLQC_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeRun() {
	if c.Run.MaxParallel <= 0 {
		c.Run.MaxParallel = defaultMaxParallel
	}
	if !c.Run.ParallelCohorts {
		c.Run.MaxParallel = 1
	}
}

func (c *Config) normalizeCohorts() error {
	for i := range c.Cohorts {
		cohort := &c.Cohorts[i]
		cohort.Name = strings.TrimSpace(cohort.Name)
		cohort.Format = strings.ToLower(strings.TrimSpace(cohort.Format))
		if cohort.Matrix = strings.TrimSpace(cohort.Matrix); cohort.Matrix != "" {
			expanded, err := expandPath(cohort.Matrix)
			if err != nil {
				return fmt.Errorf("cohorts[%s].matrix: %w", cohort.Name, err)
			}
			cohort.Matrix = expanded
		}
		if len(cohort.Annotations) == 0 {
			continue
		}
		normalized := make(map[string]string, len(cohort.Annotations))
		for name, path := range cohort.Annotations {
			expanded, err := expandPath(strings.TrimSpace(path))
			if err != nil {
				return fmt.Errorf("cohorts[%s].annotations.%s: %w", cohort.Name, name, err)
			}
			normalized[strings.TrimSpace(name)] = expanded
		}
		cohort.Annotations = normalized
	}
	return nil
}

func (c *Config) normalizeStages() {
	for i := range c.Stages {
		s := &c.Stages[i]
		s.Name = strings.TrimSpace(s.Name)
		s.Metric = canonical(s.Metric, metricAliases)
		s.Policy = canonical(s.Policy, policyAliases)
		s.Column = strings.TrimSpace(s.Column)
		s.Prefix = strings.TrimSpace(s.Prefix)
		s.Pattern = strings.TrimSpace(s.Pattern)
		s.Direction = strings.ToLower(strings.TrimSpace(s.Direction))
		s.Degenerate = strings.ToLower(strings.TrimSpace(s.Degenerate))
		s.TagColumn = strings.TrimSpace(s.TagColumn)
		s.KeepValue = strings.TrimSpace(s.KeepValue)
		s.Inputs = trimAll(s.Inputs)
		s.Features = trimAll(s.Features)
		s.Annotate = trimAll(s.Annotate)

		if s.Metric != "" && s.Column == "" {
			s.Column = s.Name
		}
		if s.Policy != "" {
			if s.TagColumn == "" {
				s.TagColumn = s.Column + "_qc"
			}
			if s.KeepValue == "" {
				s.KeepValue = defaultKeepValue
			}
		}
		if s.Policy == PolicyModel && s.FallbackPercentile == 0 {
			s.FallbackPercentile = defaultFallbackPercentile
		}
	}
}

// canonical maps aliases to their canonical spelling and leaves unknown
// values lowercased so validation can report them.
func canonical(value string, aliases map[string]string) string {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_")
	if mapped, ok := aliases[key]; ok {
		return mapped
	}
	return key
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
