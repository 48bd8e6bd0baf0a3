// Package stats implements the counting statistics used by acquisition
// sessions: summary statistics with Poisson substitution, display rounding,
// decay correction and detection limits.
package stats

import (
	"math"

	"golang.org/x/exp/constraints"
)

// LowCountThreshold is the mean rate (CPM) below which Gaussian spread is
// replaced by the Poisson estimate sqrt(|mean|).
const LowCountThreshold = 20.0

// Number is any value a mean can be taken over.
type Number interface {
	constraints.Integer | constraints.Float
}

// Summary holds the sample size, mean and standard deviation of a series.
type Summary struct {
	N      int
	Mean   float64
	StdDev float64
}

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean[T Number](xs []T) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	return sum / float64(len(xs))
}

// StdDev returns the sample standard deviation of xs (N-1 denominator).
// A single observation carries no spread information, so the Poisson
// estimate sqrt(|mean|) is returned instead of zero.
func StdDev(xs []float64) float64 {
	switch len(xs) {
	case 0:
		return 0
	case 1:
		return math.Sqrt(math.Abs(xs[0]))
	}

	mean := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// CountingStdDev is StdDev with the low-count override: whenever |mean| is
// below threshold the Poisson estimate sqrt(|mean|) is used regardless of N.
func CountingStdDev(xs []float64, threshold float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := Mean(xs)
	if math.Abs(mean) < threshold {
		return math.Sqrt(math.Abs(mean))
	}
	return StdDev(xs)
}

// Summarize computes a Summary using StdDev.
func Summarize(xs []float64) Summary {
	return Summary{
		N:      len(xs),
		Mean:   Mean(xs),
		StdDev: StdDev(xs),
	}
}

// SummarizeCounting computes a Summary using CountingStdDev.
func SummarizeCounting(xs []float64, threshold float64) Summary {
	return Summary{
		N:      len(xs),
		Mean:   Mean(xs),
		StdDev: CountingStdDev(xs, threshold),
	}
}

// Finite returns x, or sentinel when x is NaN or infinite.
func Finite(x, sentinel float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return sentinel
	}
	return x
}
