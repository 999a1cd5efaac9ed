package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vitaltwin/backend/internal/ingest"
)

type intervention struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Effort      int    `json:"effort"`
}

type forecastEntry struct {
	TS            string         `json:"ts"`
	Value         int            `json:"value"`
	Base          int            `json:"base"`
	Delta         int            `json:"delta"`
	Rationale     string         `json:"rationale"`
	Interventions []intervention `json:"interventions"`
}

type simulationRecord struct {
	ID           uuid.UUID
	Metric       string
	CreatedAt    time.Time
	ForecastMode string
	StartTS      string
	EndTS        string
	Forecast     []forecastEntry
}

var paddingIntervention = intervention{
	Title:       "Ajuste breve",
	Description: "Pequeño ajuste recomendado para este día.",
	Category:    "general",
	Effort:      2,
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// dayInterventions asks the model for three concrete actions for one
// day, sanitizes what comes back and pads the list to exactly three.
func (a *App) dayInterventions(ctx context.Context, metric string, features map[string]any, baseVal int) []intervention {
	var interventions []intervention

	out, err := a.llm.GenerateJSON(ctx, interventionsDayPrompt(metric, features, baseVal),
		GenerationOptions{Temperature: 0.8, TopP: 0.9})
	if err != nil {
		log.Printf("[SIM_ROW] llm day interventions error metric=%s err=%v", metric, err)
	} else if rawList, ok := out["interventions"].([]any); ok {
		for _, item := range rawList {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			title, _ := entry["title"].(string)
			description, _ := entry["description"].(string)
			if title == "" || description == "" {
				continue
			}
			category, _ := entry["category"].(string)
			if category == "" {
				category = "general"
			}
			effort := 2
			if e, ok := numericValue(entry["effort"]); ok && e != 0 {
				effort = int(e)
			}
			interventions = append(interventions, intervention{
				Title:       truncateRunes(title, 200),
				Description: truncateRunes(description, 800),
				Category:    truncateRunes(category, 60),
				Effort:      effort,
			})
		}
	}

	for len(interventions) < 3 {
		interventions = append(interventions, paddingIntervention)
	}
	return interventions
}

// simulatePoint estimates the next-cycle score after applying the day's
// interventions. Falls back to the base score when the model fails.
func (a *App) simulatePoint(ctx context.Context, metric string, features map[string]any, baseVal int, interventions []intervention) (int, string) {
	simVal := baseVal
	rationale := ""

	asMaps := make([]map[string]any, 0, len(interventions))
	for _, it := range interventions {
		asMaps = append(asMaps, map[string]any{
			"title":       it.Title,
			"description": it.Description,
			"category":    it.Category,
			"effort":      it.Effort,
		})
	}

	out, err := a.llm.GenerateJSON(ctx, simulatePointPrompt(metric, features, baseVal, asMaps),
		GenerationOptions{Temperature: 0.6, TopP: 0.9})
	if err != nil {
		log.Printf("[SIM_ROW] llm simulate row error metric=%s err=%v", metric, err)
		return simVal, rationale
	}
	if after, ok := numericValue(out["after_score"]); ok {
		if v := int(after); v >= 1 && v <= 5 {
			simVal = v
		}
	}
	if r, ok := out["rationale"].(string); ok {
		rationale = truncateRunes(r, 300)
	}
	return simVal, rationale
}

func (a *App) simulateMetric(c *gin.Context) {
	claims, _ := claimsFromContext(c)
	metric := strings.ToLower(strings.TrimSpace(c.Param("metric")))
	ctx := c.Request.Context()

	retryAfter, blocked, err := a.checkCooldown(ctx, claims.Sub, "ai.simulate."+metric)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo comprobar el límite de llamadas")
		return
	}
	if blocked {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"ok":          false,
			"error":       "Demasiadas peticiones, espera un momento",
			"retry_after": retryAfter,
		})
		return
	}

	type realRow struct {
		TS    time.Time
		Value int
	}
	rows, err := a.db.Query(ctx, `
		SELECT ts, value FROM measurement
		WHERE user_sub = $1 AND metric_type = $2
		ORDER BY ts ASC`,
		claims.Sub, metric)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo leer el histórico")
		return
	}
	var realRows []realRow
	for rows.Next() {
		var r realRow
		if err := rows.Scan(&r.TS, &r.Value); err != nil {
			rows.Close()
			writeError(c, http.StatusInternalServerError, "No se pudo leer el histórico")
			return
		}
		realRows = append(realRows, r)
	}
	rows.Close()
	if rows.Err() != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo leer el histórico")
		return
	}
	if len(realRows) == 0 {
		writeError(c, http.StatusNotFound, "No hay datos históricos para simular")
		return
	}

	// Raw day-features keyed by instant. Unknown metrics read the stress
	// records so the simulation still has something to reason over.
	rawKind := metric
	switch metric {
	case metricSleep, metricStress, metricActivity:
	default:
		rawKind = metricStress
	}
	featuresByTS := map[string]map[string]any{}
	rawRows, err := a.db.Query(ctx, `
		SELECT ts, features FROM metric_raw
		WHERE user_sub = $1 AND kind = $2`,
		claims.Sub, rawKind)
	if err == nil {
		for rawRows.Next() {
			var ts time.Time
			var feats map[string]any
			if err := rawRows.Scan(&ts, &feats); err != nil {
				continue
			}
			if feats != nil {
				featuresByTS[ts.UTC().Format(time.RFC3339)] = feats
			}
		}
		rawRows.Close()
	}

	forecast := make([]forecastEntry, 0, len(realRows))
	improved, same, worse := 0, 0, 0
	deltaSum := 0

	for _, r := range realRows {
		tsISO := r.TS.UTC().Format(time.RFC3339)
		baseVal := r.Value
		if baseVal == 0 {
			baseVal = 3
		}
		features := featuresByTS[tsISO]
		if features == nil {
			features = map[string]any{}
		}

		interventions := a.dayInterventions(ctx, metric, features, baseVal)
		simVal, rationale := a.simulatePoint(ctx, metric, features, baseVal, interventions)

		delta := simVal - baseVal
		switch {
		case delta > 0:
			improved++
		case delta == 0:
			same++
		default:
			worse++
		}
		deltaSum += delta

		titles := make([]string, 0, len(interventions))
		for _, it := range interventions {
			titles = append(titles, it.Title)
		}
		log.Printf("[SIM_ROW] sub=%s metric=%s ts=%s base=%d -> sim=%d delta=%+d day_interventions=%s reason=%s",
			claims.Sub, metric, tsISO, baseVal, simVal, delta, strings.Join(titles, "; "), rationale)

		forecast = append(forecast, forecastEntry{
			TS:            tsISO,
			Value:         simVal,
			Base:          baseVal,
			Delta:         delta,
			Rationale:     rationale,
			Interventions: interventions,
		})
	}

	avgDelta := float64(deltaSum) / float64(len(forecast))
	log.Printf("[SIM_SUMMARY] sub=%s metric=%s total=%d improved=%d same=%d worse=%d avg_delta=%.2f",
		claims.Sub, metric, len(realRows), improved, same, worse, avgDelta)

	sim := simulationRecord{
		ID:           uuid.New(),
		Metric:       metric,
		CreatedAt:    a.now().UTC(),
		ForecastMode: "absolute_ts",
		StartTS:      realRows[0].TS.UTC().Format(time.RFC3339),
		EndTS:        realRows[len(realRows)-1].TS.UTC().Format(time.RFC3339),
		Forecast:     forecast,
	}

	_, err = a.db.Exec(ctx, `
		INSERT INTO simulation (id, user_sub, metric, created_at, forecast_mode, start_ts, end_ts, forecast)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
		sim.ID, claims.Sub, sim.Metric, sim.CreatedAt, sim.ForecastMode, sim.StartTS, sim.EndTS,
		mustMarshalJSON(sim.Forecast))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo guardar la simulación")
		return
	}

	writeOK(c, simulationPayload(claims.Sub, &sim))
}

func simulationPayload(sub string, sim *simulationRecord) gin.H {
	return gin.H{
		"id":            sim.ID.String(),
		"sub":           sub,
		"metric":        sim.Metric,
		"created_at":    sim.CreatedAt.UTC().Format(time.RFC3339),
		"forecast_mode": sim.ForecastMode,
		"start_ts":      sim.StartTS,
		"end_ts":        sim.EndTS,
		"forecast":      sim.Forecast,
	}
}

func (a *App) latestSimulation(ctx context.Context, sub, metric string) (*simulationRecord, error) {
	row := a.db.QueryRow(ctx, `
		SELECT id, metric, created_at, forecast_mode, start_ts, end_ts, forecast
		FROM simulation
		WHERE user_sub = $1 AND metric = $2
		ORDER BY created_at DESC LIMIT 1`,
		sub, metric)
	var sim simulationRecord
	if err := row.Scan(&sim.ID, &sim.Metric, &sim.CreatedAt, &sim.ForecastMode,
		&sim.StartTS, &sim.EndTS, &sim.Forecast); err != nil {
		return nil, err
	}
	return &sim, nil
}

func (a *App) simulationsLatest(c *gin.Context) {
	claims, _ := claimsFromContext(c)
	metric := c.Query("metric")
	if metric == "" {
		writeError(c, http.StatusBadRequest, "Falta metric")
		return
	}

	sim, err := a.latestSimulation(c.Request.Context(), claims.Sub, metric)
	if err != nil {
		if isNoRows(err) {
			writeError(c, http.StatusNotFound, "No hay simulación")
			return
		}
		writeError(c, http.StatusInternalServerError, "No se pudo leer la simulación")
		return
	}
	writeOK(c, simulationPayload(claims.Sub, sim))
}

func (a *App) simulationsByDate(c *gin.Context) {
	claims, _ := claimsFromContext(c)
	metric := c.Query("metric")
	dateStr := c.Query("date")
	if metric == "" || dateStr == "" {
		writeError(c, http.StatusBadRequest, "Faltan metric y date (YYYY-MM-DD)")
		return
	}
	day, ok := ingest.ParseAnyTime(dateStr)
	if !ok {
		writeError(c, http.StatusBadRequest, "date inválido")
		return
	}
	start, end := dayRange(day)

	sim, err := a.latestSimulation(c.Request.Context(), claims.Sub, metric)
	if err != nil {
		if isNoRows(err) {
			writeError(c, http.StatusNotFound, "No hay simulación")
			return
		}
		writeError(c, http.StatusInternalServerError, "No se pudo leer la simulación")
		return
	}

	var entry *forecastEntry
	for i := range sim.Forecast {
		ts, ok := ingest.ParseAnyTime(sim.Forecast[i].TS)
		if !ok {
			continue
		}
		if !ts.Before(start) && !ts.After(end) {
			entry = &sim.Forecast[i]
			break
		}
	}
	if entry == nil {
		writeError(c, http.StatusNotFound, "No hay simulación para esa fecha")
		return
	}

	writeOK(c, gin.H{
		"ts":            entry.TS,
		"base":          entry.Base,
		"sim":           entry.Value,
		"delta":         entry.Delta,
		"rationale":     entry.Rationale,
		"interventions": entry.Interventions,
		"created_at":    sim.CreatedAt.UTC().Format(time.RFC3339),
		"forecast_mode": sim.ForecastMode,
	})
}

func (a *App) simulationsDelete(c *gin.Context) {
	claims, _ := claimsFromContext(c)
	metric := c.Query("metric")

	var (
		tagQuery string
		args     []any
	)
	if metric != "" {
		tagQuery = `DELETE FROM simulation WHERE user_sub = $1 AND metric = $2`
		args = []any{claims.Sub, metric}
	} else {
		tagQuery = `DELETE FROM simulation WHERE user_sub = $1`
		args = []any{claims.Sub}
	}

	tag, err := a.db.Exec(c.Request.Context(), tagQuery, args...)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "No se pudo borrar")
		return
	}
	writeOK(c, gin.H{"deleted": tag.RowsAffected()})
}
