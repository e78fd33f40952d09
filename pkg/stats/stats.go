// Package stats holds the numeric helpers used to turn raw probe samples into
// reportable figures. Every function is pure and never substitutes a default
// for missing data: callers branch on the returned error.
package stats

import (
	"errors"
	"math"
	"slices"
)

var (
	ErrEmptyInput       = errors.New("stats: empty input")
	ErrInsufficientData = errors.New("stats: at least two values required")
	ErrPercentileRange  = errors.New("stats: percentile must be within [0, 1]")
)

// Mean returns the arithmetic average of xs.
func Mean(xs []float64) (float64, error) {
	if len(xs) == 0 {
		return 0, ErrEmptyInput
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs)), nil
}

// Median returns the middle value of xs, or the mean of the two middle values
// when len(xs) is even. The input is not modified.
func Median(xs []float64) (float64, error) {
	if len(xs) == 0 {
		return 0, ErrEmptyInput
	}
	s := sortedCopy(xs)
	n := len(s)
	if n%2 == 1 {
		return s[n/2], nil
	}
	return midpoint(s[n/2-1], s[n/2]), nil
}

// Percentile returns the p-th percentile of xs (0 <= p <= 1) using linear
// interpolation between the closest order statistics.
func Percentile(xs []float64, p float64) (float64, error) {
	if len(xs) == 0 {
		return 0, ErrEmptyInput
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, ErrPercentileRange
	}
	s := sortedCopy(xs)
	if len(s) == 1 {
		return s[0], nil
	}

	pos := float64(len(s)-1) * p
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo], nil
	}
	frac := pos - float64(lo)
	return clamp(s[lo]+frac*(s[hi]-s[lo]), s[lo], s[hi]), nil
}

// Jitter returns the mean absolute difference between consecutive samples,
// taken in input order.
func Jitter(xs []float64) (float64, error) {
	if len(xs) < 2 {
		return 0, ErrInsufficientData
	}
	diffs := make([]float64, 0, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		diffs = append(diffs, math.Abs(xs[i]-xs[i-1]))
	}
	return Mean(diffs)
}

// Min returns the smallest value of xs.
func Min(xs []float64) (float64, error) {
	if len(xs) == 0 {
		return 0, ErrEmptyInput
	}
	return sortedCopy(xs)[0], nil
}

// Max returns the largest value of xs. NaN sorts last and wins.
func Max(xs []float64) (float64, error) {
	if len(xs) == 0 {
		return 0, ErrEmptyInput
	}
	s := sortedCopy(xs)
	return s[len(s)-1], nil
}

func sortedCopy(xs []float64) []float64 {
	s := slices.Clone(xs)
	slices.SortFunc(s, compareTotal)
	return s
}

// compareTotal orders NaN after every number (including +Inf) so sorting is
// deterministic regardless of where NaNs appear in the input.
func compareTotal(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// midpoint halves before adding so huge operands cannot overflow.
func midpoint(a, b float64) float64 {
	return clamp(a/2+b/2, a, b)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
