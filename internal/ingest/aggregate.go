package ingest

import (
	"sort"
	"time"
)

// DailyMeanResult is the output of the generic per-day mean fold plus the
// skipped-row accounting the import summary reports.
type DailyMeanResult struct {
	Days        map[time.Time]Features
	Samples     map[time.Time]int
	TotalRows   int
	ErrorRows   int
	KeptColumns []string
}

type sumCount struct {
	sum   float64
	count int
}

// AggregateDailyMean folds a row stream into one mean-feature record per
// calendar day. Rows whose timestamp cell is empty or unparseable are
// counted in ErrorRows and skipped; non-numeric cells are skipped per
// column without failing the row. The fold is a commutative sum/count
// accumulation, so the result does not depend on row order.
func AggregateDailyMean(headers []string, rows []Row, dateCol string, exclude map[string]bool, precision int) DailyMeanResult {
	result := DailyMeanResult{
		Days:    make(map[time.Time]Features),
		Samples: make(map[time.Time]int),
	}

	sums := make(map[time.Time]map[string]*sumCount)
	kept := make(map[string]struct{})

	for _, row := range rows {
		result.TotalRows++
		ts, ok := ParseAnyTime(row[dateCol])
		if !ok {
			result.ErrorRows++
			continue
		}
		day := DayBucket(ts)
		if sums[day] == nil {
			sums[day] = make(map[string]*sumCount)
		}
		result.Samples[day]++

		for _, col := range headers {
			if col == dateCol || exclude[col] {
				continue
			}
			v, ok := ToFloat(row[col])
			if !ok {
				continue
			}
			key := CollapseKey(col)
			sc := sums[day][key]
			if sc == nil {
				sc = &sumCount{}
				sums[day][key] = sc
			}
			sc.sum += v
			sc.count++
			kept[key] = struct{}{}
		}
	}

	for day, cols := range sums {
		feats := make(Features, len(cols))
		for key, sc := range cols {
			if sc.count > 0 {
				feats[key] = Round(sc.sum/float64(sc.count), precision)
			}
		}
		result.Days[day] = feats
	}

	result.KeptColumns = make([]string, 0, len(kept))
	for key := range kept {
		result.KeptColumns = append(result.KeptColumns, key)
	}
	sort.Strings(result.KeptColumns)
	return result
}
