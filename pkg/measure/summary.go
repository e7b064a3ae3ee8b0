package measure

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes the diameters seen over a run.
type Summary struct {
	Count  int
	Errors int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes diameter statistics over samples. Samples carrying an
// error are counted but not included.
func Summarize(samples []Sample) Summary {
	var sum Summary
	diameters := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Err != nil {
			sum.Errors++
			continue
		}
		diameters = append(diameters, s.Diameter)
	}
	sum.Count = len(diameters)
	if sum.Count == 0 {
		return sum
	}

	sum.Min = floats.Min(diameters)
	sum.Max = floats.Max(diameters)
	if sum.Count == 1 {
		sum.Mean = diameters[0]
		return sum
	}
	sum.Mean, sum.StdDev = stat.MeanStdDev(diameters, nil)
	return sum
}

func (s Summary) String() string {
	return fmt.Sprintf("n=%d errors=%d mean=%.3f sd=%.4f min=%.3f max=%.3f",
		s.Count, s.Errors, s.Mean, s.StdDev, s.Min, s.Max)
}
