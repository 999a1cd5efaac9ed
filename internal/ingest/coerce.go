package ingest

import (
	"math"
	"strconv"
	"strings"
)

// ToFloat converts a raw spreadsheet cell to a float. Both "." and ","
// decimal separators are accepted; anything else fails the cell, not the
// row.
func ToFloat(s string) (float64, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, false
	}
	trimmed = strings.ReplaceAll(trimmed, ",", ".")
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Round rounds to a fixed number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
