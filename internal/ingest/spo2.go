package ingest

import (
	"time"
)

// spo2Precision is the rounding applied to the daily mean saturation.
const spo2Precision = 3

// SpO2Accumulator folds one or more per-minute SpO2 exports into a single
// daily mean. Files are added independently; the accumulator is shared so
// multiple uploads of the same day combine into one average.
type SpO2Accumulator struct {
	sums      map[time.Time]float64
	counts    map[time.Time]int
	TotalRows int
	ErrorRows int
}

func NewSpO2Accumulator() *SpO2Accumulator {
	return &SpO2Accumulator{
		sums:   make(map[time.Time]float64),
		counts: make(map[time.Time]int),
	}
}

// ResolveSpO2Columns locates the temporal column and the saturation value
// column. The value column is matched by substring (vendor names vary);
// with no match the first non-temporal column is used.
func ResolveSpO2Columns(headers, lower []string) (dateCol, valueCol string, ok bool) {
	dateCol, ok = ResolveColumn(headers, lower, "time", "timestamp", "datetime", "date", "fecha")
	if !ok {
		return "", "", false
	}
	valueCol, found := ResolveSubstringColumn(headers, lower, "spo2", "oxigen", "oxígeno", "oxygen", "saturation")
	if !found && len(headers) >= 2 {
		for _, h := range headers {
			if h != dateCol {
				valueCol = h
				found = true
				break
			}
		}
	}
	if !found {
		return "", "", false
	}
	return dateCol, valueCol, true
}

// AddRows folds one file's rows into the accumulator. Rows with a bad
// timestamp or a non-numeric value are counted as errors and skipped.
func (a *SpO2Accumulator) AddRows(rows []Row, dateCol, valueCol string) {
	for _, row := range rows {
		a.TotalRows++
		ts, ok := ParseAnyTime(row[dateCol])
		if !ok {
			a.ErrorRows++
			continue
		}
		v, ok := ToFloat(row[valueCol])
		if !ok {
			a.ErrorRows++
			continue
		}
		day := DayBucket(ts)
		a.sums[day] += v
		a.counts[day]++
	}
}

// Result emits one {spo2_avg} feature record per day with at least one
// valid sample, plus that day's sample count.
func (a *SpO2Accumulator) Result() (map[time.Time]Features, map[time.Time]int) {
	days := make(map[time.Time]Features, len(a.sums))
	samples := make(map[time.Time]int, len(a.counts))
	for day, cnt := range a.counts {
		if cnt <= 0 {
			continue
		}
		days[day] = Features{"spo2_avg": Round(a.sums[day]/float64(cnt), spo2Precision)}
		samples[day] = cnt
	}
	return days, samples
}
