package server

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func fetchMeasurement(t *testing.T, sub, metricType string, ts time.Time) (value int, source, advice string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := testPool.QueryRow(ctx, `
		SELECT value, source, advice FROM measurement
		WHERE user_sub = $1 AND metric_type = $2 AND ts = $3`,
		sub, metricType, ts.UTC()).Scan(&value, &source, &advice)
	if err != nil {
		t.Fatalf("fetch measurement: %v", err)
	}
	return value, source, advice
}

func TestScoreOneLatestRecord(t *testing.T) {
	resetDatabase(t)
	mock := &MockLLMClient{Responses: []map[string]any{
		{"score": float64(4), "advice": "duerme un poco más"},
	}}
	router := newTestApp(t, mock).Router()

	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	seedRawRecord(t, "user-score", "sleep", day, "2024-05-10",
		map[string]any{"Sleep Duration": "6.1"}, "csv")

	rec := performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv", "user-score",
		map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if asNumber(t, body["score"]) != 4 {
		t.Fatalf("score = %v", body["score"])
	}
	if body["advice"] != "duerme un poco más" {
		t.Fatalf("advice = %v", body["advice"])
	}
	if body["ts_str"] != "2024-05-10" {
		t.Fatalf("ts_str = %v", body["ts_str"])
	}
	if mock.Calls != 1 {
		t.Fatalf("llm calls = %d", mock.Calls)
	}

	value, source, advice := fetchMeasurement(t, "user-score", "sleep", day)
	if value != 4 || source != "ai_from_csv" || advice != "duerme un poco más" {
		t.Fatalf("stored measurement = %d/%s/%s", value, source, advice)
	}
}

func TestScoreOneDedupServesCache(t *testing.T) {
	resetDatabase(t)
	mock := &MockLLMClient{Responses: []map[string]any{
		{"score": float64(2), "advice": "estresado"},
	}}
	router := newTestApp(t, mock).Router()

	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	seedRawRecord(t, "user-dedup", "stress", day, "2024-05-10T00:00:00",
		map[string]any{"stress_level": 80.0}, "ceda_csv_daily_mean")

	rec := performRequest(t, router, http.MethodPost, "/api/ai/score/stress/from_csv", "user-dedup",
		map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d; body=%s", rec.Code, rec.Body.String())
	}

	// Identical body inside the cache window: no second model call.
	rec = performRequest(t, router, http.MethodPost, "/api/ai/score/stress/from_csv", "user-dedup",
		map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("cached call status = %d; body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["cached"] != true {
		t.Fatalf("expected cached=true, got %v", body)
	}
	if asNumber(t, body["score"]) != 2 {
		t.Fatalf("cached score = %v", body["score"])
	}
	if mock.Calls != 1 {
		t.Fatalf("llm calls = %d, cache should have absorbed the repeat", mock.Calls)
	}
}

func TestScoreOneCooldown(t *testing.T) {
	resetDatabase(t)
	mock := &MockLLMClient{Responses: []map[string]any{
		{"score": float64(3), "advice": "ok"},
	}}
	app := newTestApp(t, mock)
	router := app.Router()

	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	seedRawRecord(t, "user-cool", "sleep", day, "2024-05-10",
		map[string]any{"Sleep Duration": "8"}, "csv")

	rec := performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv", "user-cool",
		map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d", rec.Code)
	}

	// Different body, so the cache misses and the cooldown applies.
	rec = performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv", "user-cool",
		map[string]any{"ts_str": "2024-05-10"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429; body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	retryAfter := asNumber(t, body["retry_after"])
	if retryAfter < 1 || retryAfter > float64(baseTestConfig.AICooldownSeconds) {
		t.Fatalf("retry_after = %v", retryAfter)
	}

	// Once the window passes the same request goes through.
	app.now = func() time.Time {
		return time.Now().UTC().Add(time.Duration(baseTestConfig.AICooldownSeconds+1) * time.Second)
	}
	rec = performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv", "user-cool",
		map[string]any{"ts_str": "2024-05-10"})
	if rec.Code != http.StatusOK {
		t.Fatalf("post-cooldown status = %d; body=%s", rec.Code, rec.Body.String())
	}
}

func TestScoreOneNeutralFallback(t *testing.T) {
	resetDatabase(t)
	mock := &MockLLMClient{
		Responses: []map[string]any{{"score": float64(99)}},
	}
	router := newTestApp(t, mock).Router()

	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	seedRawRecord(t, "user-fb", "activity", day, "2024-05-10T00:00:00",
		map[string]any{"steps": 200.0}, "activity_userexercise_daily")

	rec := performRequest(t, router, http.MethodPost, "/api/ai/score/activity/from_csv", "user-fb",
		map[string]any{})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if asNumber(t, body["score"]) != 3 {
		t.Fatalf("out-of-range score must fall back to 3, got %v", body["score"])
	}
	if body["advice"] != neutralAdvice {
		t.Fatalf("advice = %v", body["advice"])
	}
}

func TestScoreOneRecordSelection(t *testing.T) {
	resetDatabase(t)
	router := newTestApp(t, &MockLLMClient{Responses: []map[string]any{
		{"score": float64(4), "advice": "x"},
	}}).Router()

	rec := performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv", "user-sel",
		map[string]any{"ts_str": "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown ts_str = %d, want 404", rec.Code)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv", "user-sel",
		map[string]any{"ts": "garbage"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ts = %d, want 400", rec.Code)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv", "user-sel",
		map[string]any{"ts": "2024-05-10T12:00:00Z"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no data for day = %d, want 404", rec.Code)
	}

	rec = performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv", "user-sel",
		map[string]any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no imports yet = %d, want 404", rec.Code)
	}
}

func TestScoreBulk(t *testing.T) {
	resetDatabase(t)
	mock := &MockLLMClient{Responses: []map[string]any{
		{"score": float64(2), "advice": "día flojo"},
		{"score": float64(5), "advice": "gran día"},
	}}
	router := newTestApp(t, mock).Router()

	day1 := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)
	seedRawRecord(t, "user-bulk", "stress", day1, "2024-05-10T00:00:00",
		map[string]any{"stress_level": 70.0}, "ceda_csv_daily_mean")
	seedRawRecord(t, "user-bulk", "stress", day2, "2024-05-11T00:00:00",
		map[string]any{"stress_level": 20.0}, "ceda_csv_daily_mean")

	rec := performRequest(t, router, http.MethodPost, "/api/ai/score/stress/from_csv/bulk_llm", "user-bulk", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body=%s", rec.Code, rec.Body.String())
	}
	summary := summaryOf(t, decodeJSONMap(t, rec))
	if asNumber(t, summary["total_rows"]) != 2 || asNumber(t, summary["written_measurements"]) != 2 {
		t.Fatalf("summary = %v", summary)
	}
	if asNumber(t, summary["llm_errors"]) != 0 {
		t.Fatalf("llm_errors = %v", summary["llm_errors"])
	}

	// Rows are scored oldest first, so responses land in ts order.
	v1, source, _ := fetchMeasurement(t, "user-bulk", "stress", day1)
	v2, _, _ := fetchMeasurement(t, "user-bulk", "stress", day2)
	if v1 != 2 || v2 != 5 {
		t.Fatalf("values = %d/%d", v1, v2)
	}
	if source != "ai_from_csv_bulk_llm" {
		t.Fatalf("source = %s", source)
	}
}

func TestScoreBulkCountsLLMErrors(t *testing.T) {
	resetDatabase(t)
	mock := &MockLLMClient{
		Responses: []map[string]any{
			{"score": float64(4), "advice": "bien"},
			{"score": float64(4), "advice": "bien"},
		},
		Errs: []error{nil, ErrInvalidResponse},
	}
	router := newTestApp(t, mock).Router()

	day1 := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)
	seedRawRecord(t, "user-bulk2", "sleep", day1, "2024-05-10", map[string]any{"d": "7"}, "csv")
	seedRawRecord(t, "user-bulk2", "sleep", day2, "2024-05-11", map[string]any{"d": "5"}, "csv")

	rec := performRequest(t, router, http.MethodPost, "/api/ai/score/sleep/from_csv/bulk_llm", "user-bulk2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body=%s", rec.Code, rec.Body.String())
	}
	summary := summaryOf(t, decodeJSONMap(t, rec))
	if asNumber(t, summary["llm_errors"]) != 1 {
		t.Fatalf("llm_errors = %v", summary["llm_errors"])
	}
	// The failed row still gets the neutral fallback measurement.
	if asNumber(t, summary["written_measurements"]) != 2 {
		t.Fatalf("written = %v", summary["written_measurements"])
	}
	v2, _, advice := fetchMeasurement(t, "user-bulk2", "sleep", day2)
	if v2 != 3 || advice != neutralAdvice {
		t.Fatalf("fallback row = %d/%s", v2, advice)
	}
}

func TestSimulateMetric(t *testing.T) {
	resetDatabase(t)
	mock := &MockLLMClient{Responses: []map[string]any{
		{"interventions": []any{map[string]any{
			"title":       "Duerme antes",
			"description": "Acuéstate 30 minutos antes",
			"category":    "sueño",
			"effort":      float64(1),
		}}},
		{"after_score": float64(5), "rationale": "la rutina mejora el descanso"},
	}}
	router := newTestApp(t, mock).Router()

	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	seedMeasurement(t, "user-sim", "sleep", day, 4, "base")
	seedRawRecord(t, "user-sim", "sleep", day, "2024-05-10",
		map[string]any{"Sleep Duration": "6.5"}, "csv")

	rec := performRequest(t, router, http.MethodPost, "/api/ai/simulate/sleep", "user-sim", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["forecast_mode"] != "absolute_ts" {
		t.Fatalf("forecast_mode = %v", body["forecast_mode"])
	}
	if body["start_ts"] != "2024-05-10T00:00:00Z" || body["end_ts"] != "2024-05-10T00:00:00Z" {
		t.Fatalf("start/end = %v/%v", body["start_ts"], body["end_ts"])
	}
	forecast := body["forecast"].([]any)
	if len(forecast) != 1 {
		t.Fatalf("forecast length = %d", len(forecast))
	}
	entry := forecast[0].(map[string]any)
	if asNumber(t, entry["base"]) != 4 || asNumber(t, entry["value"]) != 5 || asNumber(t, entry["delta"]) != 1 {
		t.Fatalf("entry = %v", entry)
	}
	interventions := entry["interventions"].([]any)
	if len(interventions) != 3 {
		t.Fatalf("interventions padded to 3, got %d", len(interventions))
	}
	first := interventions[0].(map[string]any)
	if first["title"] != "Duerme antes" {
		t.Fatalf("first intervention = %v", first)
	}
	pad := interventions[2].(map[string]any)
	if pad["title"] != "Ajuste breve" || pad["category"] != "general" {
		t.Fatalf("padding intervention = %v", pad)
	}
	if mock.Calls != 2 {
		t.Fatalf("llm calls = %d (interventions + simulate)", mock.Calls)
	}
}

func TestSimulateMetricNoHistory(t *testing.T) {
	resetDatabase(t)
	router := newTestApp(t, nil).Router()

	rec := performRequest(t, router, http.MethodPost, "/api/ai/simulate/sleep", "user-sim-empty", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSimulationsLatestByDateAndDelete(t *testing.T) {
	resetDatabase(t)
	mock := &MockLLMClient{Responses: []map[string]any{
		{"interventions": []any{}},
		{"after_score": float64(3), "rationale": "se mantiene"},
	}}
	router := newTestApp(t, mock).Router()

	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	seedMeasurement(t, "user-sims", "stress", day, 3, "base")

	rec := performRequest(t, router, http.MethodPost, "/api/ai/simulate/stress", "user-sims", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("simulate status = %d; body=%s", rec.Code, rec.Body.String())
	}

	rec = performRequest(t, router, http.MethodGet, "/api/simulations/latest", "user-sims", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("latest without metric = %d, want 400", rec.Code)
	}

	rec = performRequest(t, router, http.MethodGet, "/api/simulations/latest?metric=stress", "user-sims", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("latest status = %d; body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["metric"] != "stress" {
		t.Fatalf("metric = %v", body["metric"])
	}
	if len(body["forecast"].([]any)) != 1 {
		t.Fatalf("forecast = %v", body["forecast"])
	}

	rec = performRequest(t, router, http.MethodGet,
		"/api/simulations/by_date?metric=stress&date=2024-05-10", "user-sims", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("by_date status = %d; body=%s", rec.Code, rec.Body.String())
	}
	body = decodeJSONMap(t, rec)
	if asNumber(t, body["sim"]) != 3 || asNumber(t, body["base"]) != 3 || asNumber(t, body["delta"]) != 0 {
		t.Fatalf("by_date entry = %v", body)
	}
	if body["rationale"] != "se mantiene" {
		t.Fatalf("rationale = %v", body["rationale"])
	}

	rec = performRequest(t, router, http.MethodGet,
		"/api/simulations/by_date?metric=stress&date=2024-06-01", "user-sims", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no entry for date = %d, want 404", rec.Code)
	}

	rec = performRequest(t, router, http.MethodDelete, "/api/simulations?metric=stress", "user-sims", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if asNumber(t, decodeJSONMap(t, rec)["deleted"]) != 1 {
		t.Fatalf("deleted count wrong")
	}

	rec = performRequest(t, router, http.MethodGet, "/api/simulations/latest?metric=stress", "user-sims", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("latest after delete = %d, want 404", rec.Code)
	}
}
