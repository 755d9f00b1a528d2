// Package utils provides numeric helpers shared across the analysis packages.
package utils

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// SortedCopy returns an ascending copy of values.
func SortedCopy(values []float64) []float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted
}

// Percentile returns the pth percentile (0-100) of ascending sorted values
// using linear interpolation between the closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Mean calculates the arithmetic mean. Zero for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// FormatPct renders a fraction as a percentage string, e.g. 0.055 -> "5.5%".
func FormatPct(pct float64) string {
	return decimal.NewFromFloat(pct*100).Round(1).String() + "%"
}
