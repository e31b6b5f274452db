package stats

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Returns (mean, variance) of the given samples.
func MeanVar[T constraints.Float | constraints.Integer](samples []T) (float64, float64) {
	mean := Mean(samples)
	variance := Variance(samples, mean)
	return mean, variance
}

// Returns the mean of the given samples, or zero if there are none.
func Mean[T constraints.Float | constraints.Integer](samples []T) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		sum += float64(v)
	}
	return sum / float64(len(samples))
}

// Returns the population variance of the given samples.
func Variance[T constraints.Float | constraints.Integer](samples []T, mean float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range samples {
		diff := float64(v) - mean
		sum += diff * diff
	}
	return sum / float64(len(samples))
}

// Summary describes the distribution of a set of samples
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	ArgMax int     `json:"argmax"` // Index of the first sample equal to Max
}

func Summarize[T constraints.Float | constraints.Integer](samples []T) Summary {
	s := Summary{Count: len(samples)}
	if len(samples) == 0 {
		return s
	}
	mean, variance := MeanVar(samples)
	s.Mean = mean
	s.StdDev = math.Sqrt(variance)
	s.Min = float64(samples[0])
	s.Max = float64(samples[0])
	for i, v := range samples {
		f := float64(v)
		s.Min = min(s.Min, f)
		if f > s.Max {
			s.Max = f
			s.ArgMax = i
		}
	}
	return s
}
