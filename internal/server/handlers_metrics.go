package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"vitaltwin/backend/internal/ingest"
)

type measurementRecord struct {
	Value    int
	TS       time.Time
	Advice   *string
	Source   *string
	ScoredAt *time.Time
}

func (a *App) metricsSeries(c *gin.Context) {
	claims, _ := claimsFromContext(c)
	metricType := c.Query("type")
	if metricType == "" {
		writeError(c, http.StatusBadRequest, "Falta type")
		return
	}

	fromStr := c.Query("from")
	toStr := c.Query("to")

	var tFrom, tTo time.Time
	if fromStr != "" && toStr != "" {
		parsedFrom, okFrom := ingest.ParseAnyTime(fromStr)
		parsedTo, okTo := ingest.ParseAnyTime(toStr)
		if !okFrom || !okTo || !parsedFrom.Before(parsedTo) {
			writeError(c, http.StatusBadRequest, "Parámetros from/to inválidos")
			return
		}
		tFrom, tTo = parsedFrom, parsedTo
	} else {
		minutes := parseIntDefault(c.Query("minutes"), 60)
		tTo = a.now().UTC()
		tFrom = tTo.Add(-time.Duration(minutes) * time.Minute)
	}

	rows, err := a.db.Query(c.Request.Context(), `
		SELECT ts, value FROM measurement
		WHERE user_sub = $1 AND metric_type = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC`,
		claims.Sub, metricType, tFrom, tTo)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo leer la serie")
		return
	}
	defer rows.Close()

	points := []gin.H{}
	for rows.Next() {
		var ts time.Time
		var value int
		if err := rows.Scan(&ts, &value); err != nil {
			writeError(c, http.StatusInternalServerError, "No se pudo leer la serie")
			return
		}
		points = append(points, gin.H{"t": ts.UTC().Format(time.RFC3339), "v": value})
	}
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo leer la serie")
		return
	}

	writeOK(c, gin.H{
		"points": points,
		"from_":  tFrom.UTC().Format(time.RFC3339),
		"to_":    tTo.UTC().Format(time.RFC3339),
	})
}

func (a *App) metricsDetail(c *gin.Context) {
	claims, _ := claimsFromContext(c)
	metricType := c.Query("type")
	tsStr := c.Query("ts")
	if metricType == "" || tsStr == "" {
		writeError(c, http.StatusBadRequest, "Faltan parámetros type y ts")
		return
	}
	ts, ok := ingest.ParseAnyTime(tsStr)
	if !ok {
		writeError(c, http.StatusBadRequest, "ts inválido")
		return
	}

	ctx := c.Request.Context()
	meas, err := a.findMeasurementAt(ctx, claims.Sub, metricType, ts)
	if err != nil {
		if isNoRows(err) {
			writeError(c, http.StatusNotFound, "No existe medición en ese instante")
			return
		}
		writeError(c, http.StatusInternalServerError, "No se pudo leer la medición")
		return
	}

	features := a.rawFeaturesAt(ctx, claims.Sub, metricType, ts)
	a.overlaySpO2(ctx, claims.Sub, ts, features)

	writeMeasurementDetail(c, meas, features)
}

func (a *App) metricsDetailByDate(c *gin.Context) {
	claims, _ := claimsFromContext(c)
	metricType := c.Query("type")
	dateStr := c.Query("date")
	if metricType == "" || dateStr == "" {
		writeError(c, http.StatusBadRequest, "Faltan parámetros type y date (YYYY-MM-DD)")
		return
	}
	day, ok := ingest.ParseAnyTime(dateStr)
	if !ok {
		writeError(c, http.StatusBadRequest, "date inválido (usa YYYY-MM-DD)")
		return
	}
	start, end := dayRange(day)

	ctx := c.Request.Context()
	meas, err := a.findMeasurementInRange(ctx, claims.Sub, metricType, start, end)
	if err != nil {
		if isNoRows(err) {
			writeError(c, http.StatusNotFound, "No existe medición para esa fecha")
			return
		}
		writeError(c, http.StatusInternalServerError, "No se pudo leer la medición")
		return
	}

	features := a.rawFeaturesInRange(ctx, claims.Sub, metricType, start, end)
	a.overlaySpO2(ctx, claims.Sub, meas.TS, features)

	writeMeasurementDetail(c, meas, features)
}

func writeMeasurementDetail(c *gin.Context, meas *measurementRecord, features map[string]any) {
	payload := gin.H{
		"value":    meas.Value,
		"ts":       meas.TS.UTC().Format(time.RFC3339),
		"advice":   meas.Advice,
		"source":   meas.Source,
		"features": features,
	}
	if meas.ScoredAt != nil {
		payload["scored_at"] = meas.ScoredAt.UTC().Format(time.RFC3339)
	} else {
		payload["scored_at"] = nil
	}
	writeOK(c, payload)
}

func (a *App) findMeasurementAt(ctx context.Context, sub, metricType string, ts time.Time) (*measurementRecord, error) {
	row := a.db.QueryRow(ctx, `
		SELECT value, ts, advice, source, scored_at FROM measurement
		WHERE user_sub = $1 AND metric_type = $2 AND ts = $3`,
		sub, metricType, ts)
	var m measurementRecord
	if err := row.Scan(&m.Value, &m.TS, &m.Advice, &m.Source, &m.ScoredAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (a *App) findMeasurementInRange(ctx context.Context, sub, metricType string, start, end time.Time) (*measurementRecord, error) {
	row := a.db.QueryRow(ctx, `
		SELECT value, ts, advice, source, scored_at FROM measurement
		WHERE user_sub = $1 AND metric_type = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC LIMIT 1`,
		sub, metricType, start, end)
	var m measurementRecord
	if err := row.Scan(&m.Value, &m.TS, &m.Advice, &m.Source, &m.ScoredAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// rawFeaturesAt returns the raw day-record features for scoreable
// metrics, or an empty map.
func (a *App) rawFeaturesAt(ctx context.Context, sub, metricType string, ts time.Time) map[string]any {
	features := map[string]any{}
	if metricType != metricSleep && metricType != metricStress && metricType != metricActivity {
		return features
	}
	row := a.db.QueryRow(ctx, `
		SELECT features FROM metric_raw
		WHERE user_sub = $1 AND kind = $2 AND ts = $3`,
		sub, metricType, ts)
	var loaded map[string]any
	if err := row.Scan(&loaded); err == nil && loaded != nil {
		features = loaded
	}
	return features
}

func (a *App) rawFeaturesInRange(ctx context.Context, sub, metricType string, start, end time.Time) map[string]any {
	features := map[string]any{}
	if metricType != metricSleep && metricType != metricStress && metricType != metricActivity {
		return features
	}
	row := a.db.QueryRow(ctx, `
		SELECT features FROM metric_raw
		WHERE user_sub = $1 AND kind = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC LIMIT 1`,
		sub, metricType, start, end)
	var loaded map[string]any
	if err := row.Scan(&loaded); err == nil && loaded != nil {
		features = loaded
	}
	return features
}

// overlaySpO2 merges same-day oxygen-saturation features without
// clobbering keys already present.
func (a *App) overlaySpO2(ctx context.Context, sub string, ts time.Time, features map[string]any) {
	start, end := dayRange(ts)
	row := a.db.QueryRow(ctx, `
		SELECT features FROM metric_raw
		WHERE user_sub = $1 AND kind = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC LIMIT 1`,
		sub, metricSpO2, start, end)
	var spo2 map[string]any
	if err := row.Scan(&spo2); err != nil {
		return
	}
	for k, v := range spo2 {
		if _, exists := features[k]; !exists {
			features[k] = v
		}
	}
}
