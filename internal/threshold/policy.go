package threshold

import (
	"context"
	"fmt"
	"math"
	"strings"

	"cellqc/internal/celltable"
	"cellqc/internal/services"
)

// Tag values written by every policy.
const (
	TagKeep    = "keep"
	TagDiscard = "discard"
)

// Policy derives a cutoff for a metric column and tags every cell.
type Policy interface {
	Name() string
	Apply(ctx context.Context, t *celltable.Table, column string) (Result, error)
}

// Result is the outcome of one policy application.
type Result struct {
	Policy         string
	Tags           []string
	Cutoff         float64
	FallbackUsed   bool
	FallbackReason string
	Fit            *Fit
}

// Kept counts cells tagged keep.
func (r Result) Kept() int {
	n := 0
	for _, tag := range r.Tags {
		if tag == TagKeep {
			n++
		}
	}
	return n
}

// Direction selects which side of the cutoff is kept.
type Direction string

const (
	// KeepBelow keeps metric <= cutoff.
	KeepBelow Direction = "upper"
	// KeepAbove keeps metric >= cutoff.
	KeepAbove Direction = "lower"
)

// ParseDirection maps a config value to a Direction.
func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "upper", "max", "below":
		return KeepBelow, nil
	case "lower", "min", "above":
		return KeepAbove, nil
	default:
		return "", fmt.Errorf("%w: unknown cutoff direction %q", services.ErrConfiguration, value)
	}
}

func (d Direction) keeps(value, cutoff float64) bool {
	if math.IsNaN(value) {
		return false
	}
	if d == KeepAbove {
		return value >= cutoff
	}
	return value <= cutoff
}

func tagByCutoff(values []float64, cutoff float64, dir Direction) []string {
	tags := make([]string, len(values))
	for i, v := range values {
		if dir.keeps(v, cutoff) {
			tags[i] = TagKeep
		} else {
			tags[i] = TagDiscard
		}
	}
	return tags
}

// FixedCutoff keeps cells on the configured side of a constant cutoff.
type FixedCutoff struct {
	Cutoff    float64
	Direction Direction
}

func (p FixedCutoff) Name() string {
	return fmt.Sprintf("fixed(cutoff=%g,%s)", p.Cutoff, p.direction())
}

func (p FixedCutoff) direction() Direction {
	if p.Direction == "" {
		return KeepBelow
	}
	return p.Direction
}

func (p FixedCutoff) Apply(_ context.Context, t *celltable.Table, column string) (Result, error) {
	values, err := t.Numeric(column)
	if err != nil {
		return Result{}, err
	}
	if math.IsNaN(p.Cutoff) {
		return Result{}, fmt.Errorf("%w: fixed cutoff is NaN", services.ErrConfiguration)
	}
	return Result{
		Policy: p.Name(),
		Tags:   tagByCutoff(values, p.Cutoff, p.direction()),
		Cutoff: p.Cutoff,
	}, nil
}

// PercentileCutoff keeps cells at or below the given percentile of the
// current cohort's distribution. Cohorts are never pooled.
type PercentileCutoff struct {
	Percentile float64
}

func (p PercentileCutoff) Name() string {
	return fmt.Sprintf("percentile(p=%g)", p.Percentile)
}

func (p PercentileCutoff) Apply(_ context.Context, t *celltable.Table, column string) (Result, error) {
	values, err := t.Numeric(column)
	if err != nil {
		return Result{}, err
	}
	cutoff, err := Percentile(values, p.Percentile)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Policy: p.Name(),
		Tags:   tagByCutoff(values, cutoff, KeepBelow),
		Cutoff: cutoff,
	}, nil
}
