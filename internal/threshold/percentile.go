package threshold

import (
	"fmt"
	"math"
	"sort"

	"cellqc/internal/services"
)

// Percentile returns the p-quantile (0 <= p <= 1) of the finite values by
// linear interpolation between order statistics.
func Percentile(values []float64, p float64) (float64, error) {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: percentile %v outside [0, 1]", services.ErrConfiguration, p)
	}
	sorted := finiteSorted(values)
	if len(sorted) == 0 {
		return 0, fmt.Errorf("%w: no finite values to derive a percentile from", services.ErrEmptyMatrix)
	}
	return quantileSorted(sorted, p), nil
}

func quantileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * p
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func finiteSorted(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}
