// Package heartrate computes the summary statistics shown on a heart-rate
// report.
package heartrate

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/aurix/cardio/internal/domain/recording"
)

// Summary is the statistics block of a heart-rate analysis. Min, Max and
// Mean are nil when the series is empty.
type Summary struct {
	Min            *float64 `json:"min"`
	Max            *float64 `json:"max"`
	Mean           *float64 `json:"mean"`
	TotalCount     int      `json:"total_count"`
	ThresholdCount int      `json:"threshold_count"`
	LoadPercent    float64  `json:"load_percent"`
	ThresholdBPM   float64  `json:"threshold_bpm"`
}

// HasData reports whether the summary was computed from at least one sample.
func (s Summary) HasData() bool {
	return s.TotalCount > 0
}

// Summarize computes min, max and mean of series and the share of samples
// strictly above thresholdBPM. The result does not depend on row order.
func Summarize(series recording.Series, thresholdBPM float64) Summary {
	sum := Summary{
		TotalCount:   len(series),
		ThresholdBPM: thresholdBPM,
	}
	if len(series) == 0 {
		return sum
	}

	// Sorting fixes the summation order so permuted inputs give
	// bit-identical means.
	values := series.Values()
	sort.Float64s(values)

	min := floats.Min(values)
	max := floats.Max(values)
	mean := stat.Mean(values, nil)
	sum.Min, sum.Max, sum.Mean = &min, &max, &mean

	for _, v := range values {
		if v > thresholdBPM {
			sum.ThresholdCount++
		}
	}
	sum.LoadPercent = 100 * float64(sum.ThresholdCount) / float64(sum.TotalCount)
	return sum
}
