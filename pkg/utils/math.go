package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// ClampFloat64 clamps a float64 value between min and max
func ClampFloat64(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// SameFloat reports whether two values are equal, treating NaN as equal to NaN.
func SameFloat(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// OrderedPair returns (a, b) sorted ascending.
func OrderedPair(a, b float64) [2]float64 {
	if a > b {
		return [2]float64{b, a}
	}
	return [2]float64{a, b}
}

// Extrema returns the minimum and maximum of values.
// Both are NaN when values is empty or contains a NaN.
func Extrema(values []float64) (min, max float64) {
	if len(values) == 0 || floats.HasNaN(values) {
		return math.NaN(), math.NaN()
	}
	return floats.Min(values), floats.Max(values)
}

// Mean returns the arithmetic mean of values, 0 for an empty slice.
// A NaN anywhere yields NaN.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Sum(values) / float64(len(values))
}

// WorstOf returns the largest value, starting from 0. A NaN anywhere yields NaN.
func WorstOf(values []float64) float64 {
	if floats.HasNaN(values) {
		return math.NaN()
	}
	worst := 0.0
	for _, v := range values {
		if v > worst {
			worst = v
		}
	}
	return worst
}

// NaNSlice returns a slice of n NaN values.
func NaNSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// Round rounds a float64 to the specified number of decimal places
func Round(value float64, decimals int) float64 {
	multiplier := math.Pow(10, float64(decimals))
	return math.Round(value*multiplier) / multiplier
}
