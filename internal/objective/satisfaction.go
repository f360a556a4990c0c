package objective

import "math"

// ViolationWeightDecay is the weight ratio between successive bound violations
const ViolationWeightDecay = 0.25

// InverseSquareSatisfaction maps a deviation x to (0, 1]: 1 at x = 0, one half
// at x = tolerance. NaN gives 0.
func InverseSquareSatisfaction(x, tolerance float64) float64 {
	if math.IsNaN(x) || math.IsNaN(tolerance) {
		return 0
	}
	if tolerance <= 0 {
		if x == 0 {
			return 1
		}
		return 0
	}
	r := x / tolerance
	return 1 / (1 + r*r)
}

// WeightedSum sums values with weights 1, 0.25, 0.0625, ... in the given order
func WeightedSum(values []float64) float64 {
	sum, weight := 0.0, 1.0
	for _, v := range values {
		sum += weight * v
		weight *= ViolationWeightDecay
	}
	return sum
}
