package ingest

// userExerciseHeaderThreshold is how many known UserExercise header
// keywords must be present before a CSV is classified as a UserExercise
// export. This is a fuzzy classifier, not schema validation: ambiguous
// exports can be misclassified either way.
const userExerciseHeaderThreshold = 2

var userExerciseKeywords = []string{
	"exerciseid", "starttime", "exercise_end", "activityname",
	"steps", "calories", "distance", "avghr", "averageheartrate",
	"maxhr", "maxheartrate",
	"minutesactive", "active_minutes", "mvpa_minutes",
	"metminutes", "met_min", "metmins",
	"duration", "durationsec", "duration_ms",
}

// UserExerciseHeaderHits counts how many known UserExercise keywords
// appear among the normalized headers.
func UserExerciseHeaderHits(lower []string) int {
	present := make(map[string]struct{}, len(lower))
	for _, h := range lower {
		present[h] = struct{}{}
	}
	hits := 0
	for _, k := range userExerciseKeywords {
		if _, ok := present[k]; ok {
			hits++
		}
	}
	return hits
}

// IsUserExerciseHeaders reports whether the headers look like a
// per-exercise-session wearable export.
func IsUserExerciseHeaders(lower []string) bool {
	return UserExerciseHeaderHits(lower) >= userExerciseHeaderThreshold
}
