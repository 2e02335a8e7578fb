package threshold

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cellqc/internal/services"
)

const (
	defaultMaxIterations = 1000
	defaultTolerance     = 1e-9
	defaultMinWeight     = 0.01
	defaultMinSeparation = 2.0
	defaultMaxValley     = 0.5
	minFitValues         = 10
	kmeansIterations     = 100
	minHistogramBins     = 10
	maxHistogramBins     = 50
)

// FitOptions bounds the EM fit.
type FitOptions struct {
	MaxIterations int
	// Tolerance is the relative log-likelihood change treated as converged.
	Tolerance float64
	// MinWeight is the smallest mixing weight either component may carry.
	MinWeight float64
	// MinSeparation is the smallest acceptable Ashman's D between components.
	MinSeparation float64
	// MaxValleyRatio is the largest acceptable ratio between the emptiest
	// histogram bin between the two means and the lower of the two peaks.
	MaxValleyRatio float64
}

func (o FitOptions) withDefaults() FitOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = defaultMaxIterations
	}
	if o.Tolerance <= 0 {
		o.Tolerance = defaultTolerance
	}
	if o.MinWeight <= 0 {
		o.MinWeight = defaultMinWeight
	}
	if o.MinSeparation <= 0 {
		o.MinSeparation = defaultMinSeparation
	}
	if o.MaxValleyRatio <= 0 || o.MaxValleyRatio > 1 {
		o.MaxValleyRatio = defaultMaxValley
	}
	return o
}

// Fit describes a converged two-component Gaussian mixture. Index 0 is the
// healthy (lower mean) component, index 1 the compromised one.
type Fit struct {
	Means         [2]float64
	SDs           [2]float64
	Weights       [2]float64
	Iterations    int
	LogLikelihood float64
	Separation    float64
	// ValleyRatio is the smoothed histogram density between the means
	// relative to the lower peak. Values near 1 mean there is no dip.
	ValleyRatio float64
}

// Posterior returns P(compromised | x).
func (f *Fit) Posterior(x float64) float64 {
	l0 := math.Log(f.Weights[0]) + logNormal(x, f.Means[0], f.SDs[0])
	l1 := math.Log(f.Weights[1]) + logNormal(x, f.Means[1], f.SDs[1])
	m := math.Max(l0, l1)
	return math.Exp(l1-m) / (math.Exp(l0-m) + math.Exp(l1-m))
}

// FitMixture fits a two-component 1-D Gaussian mixture by expectation
// maximisation, initialised from a 2-means split seeded at the extremes.
// Every failure wraps services.ErrModelFit; a context deadline additionally
// wraps services.ErrTimeout.
func FitMixture(ctx context.Context, values []float64, opts FitOptions) (*Fit, error) {
	opts = opts.withDefaults()
	x := finiteSorted(values)
	if len(x) < minFitValues {
		return nil, fmt.Errorf("%w: %d finite values, need at least %d", services.ErrModelFit, len(x), minFitValues)
	}
	if x[0] == x[len(x)-1] {
		return nil, fmt.Errorf("%w: metric is constant", services.ErrModelFit)
	}
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	mu, sigma2, weight, err := kmeansInit(x)
	if err != nil {
		return nil, err
	}
	floor := varianceFloor(x)

	n := float64(len(x))
	resp := make([]float64, len(x))
	prevLL := math.Inf(-1)
	converged := false
	iter := 0
	var ll float64
	for iter = 1; iter <= opts.MaxIterations; iter++ {
		if err := checkContext(ctx); err != nil {
			return nil, err
		}

		// E-step
		ll = 0
		for i, v := range x {
			l0 := math.Log(weight[0]) + logNormal(v, mu[0], math.Sqrt(sigma2[0]))
			l1 := math.Log(weight[1]) + logNormal(v, mu[1], math.Sqrt(sigma2[1]))
			m := math.Max(l0, l1)
			total := m + math.Log(math.Exp(l0-m)+math.Exp(l1-m))
			resp[i] = math.Exp(l1 - total)
			ll += total
		}
		if math.IsNaN(ll) || math.IsInf(ll, 0) {
			return nil, fmt.Errorf("%w: log-likelihood diverged at iteration %d", services.ErrModelFit, iter)
		}

		// M-step
		var r1, s0, s1 float64
		for i, v := range x {
			r1 += resp[i]
			s0 += (1 - resp[i]) * v
			s1 += resp[i] * v
		}
		r0 := n - r1
		if r0 <= 0 || r1 <= 0 {
			return nil, fmt.Errorf("%w: component collapsed at iteration %d", services.ErrModelFit, iter)
		}
		mu[0], mu[1] = s0/r0, s1/r1
		var v0, v1 float64
		for i, v := range x {
			d0, d1 := v-mu[0], v-mu[1]
			v0 += (1 - resp[i]) * d0 * d0
			v1 += resp[i] * d1 * d1
		}
		sigma2[0], sigma2[1] = v0/r0, v1/r1
		weight[0], weight[1] = r0/n, r1/n
		if sigma2[0] < floor || sigma2[1] < floor {
			return nil, fmt.Errorf("%w: degenerate component variance at iteration %d", services.ErrModelFit, iter)
		}

		if math.Abs(ll-prevLL) <= opts.Tolerance*(1+math.Abs(ll)) {
			converged = true
			break
		}
		prevLL = ll
	}
	if !converged {
		return nil, fmt.Errorf("%w: no convergence after %d iterations", services.ErrModelFit, opts.MaxIterations)
	}

	if mu[1] < mu[0] {
		mu[0], mu[1] = mu[1], mu[0]
		sigma2[0], sigma2[1] = sigma2[1], sigma2[0]
		weight[0], weight[1] = weight[1], weight[0]
	}
	fit := &Fit{
		Means:         mu,
		SDs:           [2]float64{math.Sqrt(sigma2[0]), math.Sqrt(sigma2[1])},
		Weights:       weight,
		Iterations:    iter,
		LogLikelihood: ll,
		Separation:    math.Abs(mu[1]-mu[0]) / math.Sqrt((sigma2[0]+sigma2[1])/2),
	}
	if math.Min(weight[0], weight[1]) < opts.MinWeight {
		return nil, fmt.Errorf("%w: minor component weight %.4f below %.4f", services.ErrModelFit, math.Min(weight[0], weight[1]), opts.MinWeight)
	}
	if fit.Separation < opts.MinSeparation {
		return nil, fmt.Errorf("%w: components not separated (D=%.3f < %.3f)", services.ErrModelFit, fit.Separation, opts.MinSeparation)
	}
	// Two populations must also show a dip in the empirical density between
	// the means; a flat distribution split in half passes the D check alone.
	fit.ValleyRatio = valleyRatio(x, mu[0], mu[1])
	if fit.ValleyRatio > opts.MaxValleyRatio {
		return nil, fmt.Errorf("%w: no density valley between components (valley ratio %.3f > %.3f)", services.ErrModelFit, fit.ValleyRatio, opts.MaxValleyRatio)
	}
	return fit, nil
}

// valleyRatio bins sorted x into a histogram, smooths it with a three-bin
// moving average, and returns the lowest bin with a centre between lo and hi
// divided by the smaller of the highest bins on either side of their
// midpoint. It returns 1 when no bin centre falls between lo and hi.
func valleyRatio(x []float64, lo, hi float64) float64 {
	n := len(x)
	bins := int(math.Ceil(math.Sqrt(float64(n))))
	bins = min(max(bins, minHistogramBins), maxHistogramBins)
	start, width := x[0], (x[n-1]-x[0])/float64(bins)
	if width <= 0 {
		return 1
	}
	counts := make([]float64, bins)
	for _, v := range x {
		counts[min(int((v-start)/width), bins-1)]++
	}
	smooth := make([]float64, bins)
	for i := range counts {
		var sum, k float64
		for j := max(i-1, 0); j <= min(i+1, bins-1); j++ {
			sum += counts[j]
			k++
		}
		smooth[i] = sum / k
	}

	mid := (lo + hi) / 2
	valley := math.Inf(1)
	var peakLow, peakHigh float64
	for i, h := range smooth {
		centre := start + (float64(i)+0.5)*width
		if centre > lo && centre < hi {
			valley = math.Min(valley, h)
		}
		if centre <= mid {
			peakLow = math.Max(peakLow, h)
		} else {
			peakHigh = math.Max(peakHigh, h)
		}
	}
	peak := math.Min(peakLow, peakHigh)
	if math.IsInf(valley, 1) || peak <= 0 {
		return 1
	}
	return valley / peak
}

// checkContext also honours a passed deadline before the timer goroutine has
// cancelled the context.
func checkContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w: %w", services.ErrModelFit, services.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %w", services.ErrModelFit, err)
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %w: %w", services.ErrModelFit, services.ErrTimeout, context.DeadlineExceeded)
	}
	return nil
}

func kmeansInit(x []float64) (mu, sigma2, weight [2]float64, err error) {
	c := [2]float64{x[0], x[len(x)-1]}
	split := 0
	for iter := 0; iter < kmeansIterations; iter++ {
		mid := (c[0] + c[1]) / 2
		next := 0
		for next < len(x) && x[next] <= mid {
			next++
		}
		if next == 0 || next == len(x) {
			return mu, sigma2, weight, fmt.Errorf("%w: initial split left an empty cluster", services.ErrModelFit)
		}
		c[0] = mean(x[:next])
		c[1] = mean(x[next:])
		if next == split {
			break
		}
		split = next
	}
	floor := varianceFloor(x)
	groups := [2][]float64{x[:split], x[split:]}
	for k, g := range groups {
		mu[k] = mean(g)
		sigma2[k] = math.Max(variance(g, mu[k]), floor*10)
		weight[k] = float64(len(g)) / float64(len(x))
	}
	return mu, sigma2, weight, nil
}

func varianceFloor(x []float64) float64 {
	m := mean(x)
	return 1e-10 * (1 + variance(x, m))
}

func mean(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v
	}
	return s / float64(len(x))
}

func variance(x []float64, m float64) float64 {
	var s float64
	for _, v := range x {
		d := v - m
		s += d * d
	}
	return s / float64(len(x))
}

func logNormal(x, mu, sd float64) float64 {
	z := (x - mu) / sd
	return -0.5*z*z - math.Log(sd) - 0.5*math.Log(2*math.Pi)
}
