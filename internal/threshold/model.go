package threshold

import (
	"context"
	"fmt"
	"math"
	"time"

	"cellqc/internal/celltable"
	"cellqc/internal/services"
)

const defaultPosteriorCutoff = 0.75

// ModelWithFallback separates healthy and compromised cells with a
// two-component mixture. When the fit fails for any data-dependent reason it
// applies PercentileCutoff at FallbackPercentile and flags the result.
type ModelWithFallback struct {
	// PosteriorCutoff is the P(compromised) at or above which a cell is
	// discarded. Cells at or below the healthy mean are always kept.
	PosteriorCutoff    float64
	FallbackPercentile float64
	Timeout            time.Duration
	Fit                FitOptions
}

func (p ModelWithFallback) Name() string {
	return fmt.Sprintf("model(posterior=%g,fallback_p=%g)", p.posteriorCutoff(), p.FallbackPercentile)
}

func (p ModelWithFallback) posteriorCutoff() float64 {
	if p.PosteriorCutoff <= 0 || p.PosteriorCutoff > 1 {
		return defaultPosteriorCutoff
	}
	return p.PosteriorCutoff
}

func (p ModelWithFallback) Apply(ctx context.Context, t *celltable.Table, column string) (Result, error) {
	values, err := t.Numeric(column)
	if err != nil {
		return Result{}, err
	}
	if math.IsNaN(p.FallbackPercentile) || p.FallbackPercentile <= 0 || p.FallbackPercentile > 1 {
		return Result{}, fmt.Errorf("%w: fallback percentile %v outside (0, 1]", services.ErrConfiguration, p.FallbackPercentile)
	}

	fitCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		fitCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	fit, fitErr := FitMixture(fitCtx, values, p.Fit)
	if fitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("mixture fit interrupted: %w", ctxErr)
		}
		fallback, err := PercentileCutoff{Percentile: p.FallbackPercentile}.Apply(ctx, t, column)
		if err != nil {
			return Result{}, err
		}
		fallback.Policy = p.Name()
		fallback.FallbackUsed = true
		fallback.FallbackReason = fitErr.Error()
		return fallback, nil
	}

	tags, cutoff := tagByPosterior(values, fit, p.posteriorCutoff())
	return Result{
		Policy: p.Name(),
		Tags:   tags,
		Cutoff: cutoff,
		Fit:    fit,
	}, nil
}

// tagByPosterior discards every cell from the smallest finite value above the
// healthy mean whose posterior reaches posterior. That value is the cutoff and
// cells are kept when metric < cutoff. The cutoff is +Inf when no value
// qualifies. NaN and infinite values are always discarded.
func tagByPosterior(values []float64, fit *Fit, posterior float64) ([]string, float64) {
	cutoff := math.Inf(1)
	for _, v := range finiteSorted(values) {
		if v > fit.Means[0] && fit.Posterior(v) >= posterior {
			cutoff = v
			break
		}
	}
	tags := make([]string, len(values))
	for i, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v < cutoff {
			tags[i] = TagKeep
		} else {
			tags[i] = TagDiscard
		}
	}
	return tags, cutoff
}
