package ingest

import (
	"time"
)

// Unit heuristics for UserExercise exports. Preserved exactly for
// behavioral compatibility even though values near the thresholds are
// genuinely ambiguous: a "distance" of 80 meters is read as 80 km.
const (
	distanceMetersThreshold  = 100   // above: value is meters, convert to km
	durationMillisThreshold  = 10000 // above: value is milliseconds
	durationSecondsThreshold = 300   // above: value is seconds
)

// ExerciseStats carries the row accounting for a UserExercise import,
// including how many rows had no parseable timestamp at all and were
// attributed to the import time.
type ExerciseStats struct {
	TotalRows       int
	FallbackNowRows int
}

type exerciseDayState struct {
	sums      Features
	hrSum     float64
	hrCount   int
	hrMaxSum  float64
	hrMaxCnt  int
	samples   int
}

// AggregateUserExerciseDaily folds a per-exercise-session export into one
// record per day using fixed per-feature semantics: steps, calories,
// distance, MET-minutes, active minutes and duration are summed; average
// and max heart rate are averaged. Distance and duration values are unit
// normalized first. now is the last-resort bucket timestamp for rows
// with no parseable date.
func AggregateUserExerciseDaily(headers []string, rows []Row, now time.Time) (map[time.Time]Features, ExerciseStats) {
	lower := NormalizeHeaders(headers)
	pick := func(cands ...string) string {
		col, _ := ResolveColumn(headers, lower, cands...)
		return col
	}

	colStart := pick("starttime", "start_time", "inicio", "datetime", "time", "date")
	colEnd := pick("endtime", "end_time", "fin", "exercise_end")
	colSteps := pick("steps", "stepcount", "total_steps")
	colCal := pick("calories", "energy", "kcal", "energykcal")
	colDist := pick("distance", "distance_km", "distancia", "distance_m")
	colAvgHR := pick("avghr", "averageheartrate", "avg_hr", "hr_avg")
	colMaxHR := pick("maxhr", "maxheartrate", "hr_max")
	colMet := pick("metminutes", "met_min", "metmins")
	colActM := pick("minutesactive", "active_minutes", "mvpa_minutes", "mins_active")
	colDur := pick("duration", "durationsec", "duration_ms")

	agg := make(map[time.Time]*exerciseDayState)
	stats := ExerciseStats{}

	for _, row := range rows {
		stats.TotalRows++

		var ts time.Time
		parsed := false
		if colStart != "" && row[colStart] != "" {
			ts, parsed = ParseAnyTime(row[colStart])
		}
		if !parsed {
			raw := row[colEnd]
			if raw == "" {
				raw = row[colStart]
			}
			if raw == "" {
				raw = row[colDur]
			}
			ts, parsed = ParseAnyTime(raw)
			if !parsed {
				ts = now
				stats.FallbackNowRows++
			}
		}

		day := DayBucket(ts)
		st := agg[day]
		if st == nil {
			st = &exerciseDayState{sums: Features{
				"steps":          0,
				"calories_kcal":  0,
				"distance_km":    0,
				"met_minutes":    0,
				"active_minutes": 0,
				"duration_min":   0,
			}}
			agg[day] = st
		}
		st.samples++

		addSum := func(col, key string) {
			if col == "" {
				return
			}
			if v, ok := ToFloat(row[col]); ok {
				st.sums[key] += v
			}
		}
		addSum(colSteps, "steps")
		addSum(colCal, "calories_kcal")
		addSum(colMet, "met_minutes")
		addSum(colActM, "active_minutes")

		if colDist != "" {
			if v, ok := ToFloat(row[colDist]); ok {
				if v > distanceMetersThreshold {
					v /= 1000.0
				}
				st.sums["distance_km"] += v
			}
		}

		durMin, hasDur := resolveDurationMinutes(row, colDur, colStart, colEnd)
		if hasDur {
			if durMin < 0 {
				durMin = 0
			}
			st.sums["duration_min"] += durMin
		}

		if colAvgHR != "" {
			if v, ok := ToFloat(row[colAvgHR]); ok {
				st.hrSum += v
				st.hrCount++
			}
		}
		if colMaxHR != "" {
			if v, ok := ToFloat(row[colMaxHR]); ok {
				st.hrMaxSum += v
				st.hrMaxCnt++
			}
		}
	}

	out := make(map[time.Time]Features, len(agg))
	for day, st := range agg {
		feats := make(Features, len(st.sums)+3)
		for k, v := range st.sums {
			feats[k] = v
		}
		if st.hrCount > 0 {
			feats["avg_hr"] = Round(st.hrSum/float64(st.hrCount), 3)
		}
		if st.hrMaxCnt > 0 {
			feats["max_hr"] = Round(st.hrMaxSum/float64(st.hrMaxCnt), 3)
		}
		feats["samples"] = float64(st.samples)
		out[day] = feats
	}
	return out, stats
}

// resolveDurationMinutes prefers an explicit duration column, unit
// normalized (ms, then seconds, else already minutes); with none present
// it falls back to end time minus start time.
func resolveDurationMinutes(row Row, colDur, colStart, colEnd string) (float64, bool) {
	if colDur != "" && row[colDur] != "" {
		if v, ok := ToFloat(row[colDur]); ok {
			switch {
			case v > durationMillisThreshold:
				return v / 60000.0, true
			case v > durationSecondsThreshold:
				return v / 60.0, true
			default:
				return v, true
			}
		}
	}
	if colStart != "" && colEnd != "" && row[colStart] != "" && row[colEnd] != "" {
		if secs, ok := SecondsBetween(row[colStart], row[colEnd]); ok {
			return secs / 60.0, true
		}
	}
	return 0, false
}
