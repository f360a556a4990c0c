package utils

import (
	"math"
	"testing"
)

func TestClampFloat64(t *testing.T) {
	tests := []struct {
		value, min, max, expected float64
	}{
		{5, 0, 10, 5},
		{-1, 0, 10, 0},
		{11, 0, 10, 10},
	}

	for _, tt := range tests {
		if got := ClampFloat64(tt.value, tt.min, tt.max); got != tt.expected {
			t.Errorf("ClampFloat64(%v, %v, %v) = %v, expected %v", tt.value, tt.min, tt.max, got, tt.expected)
		}
	}
}

func TestSameFloat(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		a, b     float64
		expected bool
	}{
		{1, 1, true},
		{1, 2, false},
		{nan, nan, true},
		{nan, 1, false},
		{1, nan, false},
	}

	for _, tt := range tests {
		if got := SameFloat(tt.a, tt.b); got != tt.expected {
			t.Errorf("SameFloat(%v, %v) = %v, expected %v", tt.a, tt.b, got, tt.expected)
		}
	}
}

func TestOrderedPair(t *testing.T) {
	if got := OrderedPair(3, -2); got != [2]float64{-2, 3} {
		t.Errorf("OrderedPair(3, -2) = %v", got)
	}
	if got := OrderedPair(-2, 3); got != [2]float64{-2, 3} {
		t.Errorf("OrderedPair(-2, 3) = %v", got)
	}
}

func TestExtrema(t *testing.T) {
	min, max := Extrema([]float64{3, -1, 7})
	if min != -1 || max != 7 {
		t.Errorf("Extrema = (%v, %v), expected (-1, 7)", min, max)
	}

	min, max = Extrema([]float64{3, math.NaN(), 7})
	if !math.IsNaN(min) || !math.IsNaN(max) {
		t.Errorf("Extrema with NaN = (%v, %v), expected NaN", min, max)
	}

	min, max = Extrema(nil)
	if !math.IsNaN(min) || !math.IsNaN(max) {
		t.Errorf("Extrema(nil) = (%v, %v), expected NaN", min, max)
	}
}

func TestMeanAndWorst(t *testing.T) {
	if got := Mean(nil); got != 0 {
		t.Errorf("Mean(nil) = %v, expected 0", got)
	}
	if got := Mean([]float64{0.1, 0.3}); math.Abs(got-0.2) > 1e-12 {
		t.Errorf("Mean = %v, expected 0.2", got)
	}
	if got := Mean([]float64{1, math.NaN()}); !math.IsNaN(got) {
		t.Errorf("Mean with NaN = %v, expected NaN", got)
	}
	if got := WorstOf([]float64{0.1, 0.4, 0.2}); got != 0.4 {
		t.Errorf("WorstOf = %v, expected 0.4", got)
	}
	if got := WorstOf(nil); got != 0 {
		t.Errorf("WorstOf(nil) = %v, expected 0", got)
	}
}

func TestNaNSlice(t *testing.T) {
	s := NaNSlice(3)
	if len(s) != 3 {
		t.Fatalf("len = %d, expected 3", len(s))
	}
	for i, v := range s {
		if !math.IsNaN(v) {
			t.Errorf("s[%d] = %v, expected NaN", i, v)
		}
	}
}

func TestRound(t *testing.T) {
	if got := Round(3.14159, 2); got != 3.14 {
		t.Errorf("Round(3.14159, 2) = %v, expected 3.14", got)
	}
}
