package stage

import (
	"fmt"
	"regexp"
	"time"

	"cellqc/internal/config"
	"cellqc/internal/metric"
	"cellqc/internal/services"
	"cellqc/internal/threshold"
)

// FromConfig builds the ordered stage list declared in cfg.
func FromConfig(cfg *config.Config) ([]Stage, error) {
	timeout := time.Duration(cfg.Run.ModelTimeoutSeconds) * time.Second
	stages := make([]Stage, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		s, err := Build(sc, timeout)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// Build converts one [[stages]] declaration.
func Build(sc config.Stage, modelTimeout time.Duration) (Stage, error) {
	calc, err := buildMetric(sc)
	if err != nil {
		return Stage{}, fmt.Errorf("stage %q: %w", sc.Name, err)
	}
	policy, err := buildPolicy(sc, modelTimeout)
	if err != nil {
		return Stage{}, fmt.Errorf("stage %q: %w", sc.Name, err)
	}
	s := Stage{
		Name:      sc.Name,
		Annotate:  append([]string(nil), sc.Annotate...),
		Metric:    calc,
		Column:    sc.Column,
		Policy:    policy,
		TagColumn: sc.TagColumn,
		KeepValue: sc.KeepValue,
	}
	if err := s.Validate(); err != nil {
		return Stage{}, err
	}
	return s, nil
}

func buildMetric(sc config.Stage) (metric.Calculator, error) {
	degenerate, err := metric.ParseDegenerate(normalizeDegenerate(sc.Degenerate))
	if err != nil {
		return nil, err
	}
	switch sc.Metric {
	case "":
		return nil, nil
	case config.MetricFractionOfSubset:
		matcher := metric.FeatureMatcher{
			Prefix:          sc.Prefix,
			Names:           append([]string(nil), sc.Features...),
			CaseInsensitive: sc.CaseInsensitive,
		}
		if sc.Pattern != "" {
			pattern := sc.Pattern
			if sc.CaseInsensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern: %w", services.ErrConfiguration, err)
			}
			matcher.Pattern = re
		}
		return metric.FractionOfSubset{Features: matcher, Degenerate: degenerate}, nil
	case config.MetricLogRatioComplexity:
		calc := metric.LogRatioComplexity{Degenerate: degenerate}
		if len(sc.Inputs) == 2 {
			calc.FeaturesColumn, calc.CountsColumn = sc.Inputs[0], sc.Inputs[1]
		}
		return calc, nil
	case config.MetricScoreDifference:
		if len(sc.Inputs) != 2 {
			return nil, fmt.Errorf("%w: score_difference needs two inputs", services.ErrConfiguration)
		}
		return metric.ScoreDifference{Minuend: sc.Inputs[0], Subtrahend: sc.Inputs[1]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown metric %q", services.ErrConfiguration, sc.Metric)
	}
}

func buildPolicy(sc config.Stage, modelTimeout time.Duration) (threshold.Policy, error) {
	switch sc.Policy {
	case "":
		return nil, nil
	case config.PolicyFixed:
		if sc.Cutoff == nil {
			return nil, fmt.Errorf("%w: fixed policy needs cutoff", services.ErrConfiguration)
		}
		direction, err := threshold.ParseDirection(sc.Direction)
		if err != nil {
			return nil, err
		}
		return threshold.FixedCutoff{Cutoff: *sc.Cutoff, Direction: direction}, nil
	case config.PolicyPercentile:
		return threshold.PercentileCutoff{Percentile: sc.Percentile}, nil
	case config.PolicyModel:
		return threshold.ModelWithFallback{
			PosteriorCutoff:    sc.PosteriorCutoff,
			FallbackPercentile: sc.FallbackPercentile,
			Timeout:            modelTimeout,
			Fit: threshold.FitOptions{
				MaxIterations: sc.MaxIterations,
				MinWeight:     sc.MinWeight,
				MinSeparation: sc.MinSeparation,
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", services.ErrConfiguration, sc.Policy)
	}
}

func normalizeDegenerate(value string) string {
	if value == "nan" {
		return string(metric.DegenerateSentinel)
	}
	return value
}

