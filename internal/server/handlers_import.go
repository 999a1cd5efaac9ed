package server

import (
	"context"
	"log"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vitaltwin/backend/internal/ingest"
)

const dayStampLayout = "2006-01-02T15:04:05"

func readMultipartCSV(file *multipart.FileHeader) (headers []string, rows []ingest.Row, err error) {
	src, err := file.Open()
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()
	return ingest.ReadRows(src)
}

// upsertMetricRaw writes one raw day-record. Returns true when the row
// was newly inserted rather than replaced.
func (a *App) upsertMetricRaw(ctx context.Context, sub, kind string, ts time.Time, tsStr string, features any, nSamples int, source string, now time.Time) (bool, error) {
	row := a.db.QueryRow(ctx, `
		INSERT INTO metric_raw (user_sub, kind, ts, ts_str, features, n_samples, source, ingested_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8)
		ON CONFLICT (user_sub, kind, ts) DO UPDATE SET
			ts_str = EXCLUDED.ts_str,
			features = EXCLUDED.features,
			n_samples = EXCLUDED.n_samples,
			source = EXCLUDED.source,
			ingested_at = EXCLUDED.ingested_at
		RETURNING (xmax = 0)`,
		sub, kind, ts, tsStr, mustMarshalJSON(features), nSamples, source, now)
	var inserted bool
	err := row.Scan(&inserted)
	return inserted, err
}

// importSleepCSV keeps every non-temporal column verbatim, one record per
// CSV row keyed by its timestamp.
func (a *App) importSleepCSV(c *gin.Context) {
	claims, _ := claimsFromContext(c)

	file, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "Falta 'file'")
		return
	}
	headers, rows, err := readMultipartCSV(file)
	if err != nil {
		writeError(c, http.StatusBadRequest, "CSV vacío")
		return
	}
	lower := ingest.NormalizeHeaders(headers)
	dateCol, ok := ingest.ResolveColumn(headers, lower, "date", "timestamp", "fecha")
	if !ok {
		writeError(c, http.StatusBadRequest, "CSV: falta columna de fecha (Date / Timestamp / Fecha)")
		return
	}

	keptColumns := make([]string, 0, len(headers))
	for _, h := range headers {
		if h != dateCol {
			keptColumns = append(keptColumns, h)
		}
	}

	type sleepRow struct {
		ts       time.Time
		tsStr    string
		features map[string]string
	}
	var valid []sleepRow
	total, errorRows := 0, 0

	for _, row := range rows {
		total++
		tsStr := strings.TrimSpace(row[dateCol])
		if tsStr == "" {
			errorRows++
			continue
		}
		ts, ok := ingest.ParseAnyTime(tsStr)
		if !ok {
			errorRows++
			continue
		}
		features := map[string]string{}
		for _, h := range headers {
			if h == dateCol {
				continue
			}
			v := strings.TrimSpace(row[h])
			if v == "" {
				continue
			}
			features[ingest.CollapseKey(h)] = v
		}
		valid = append(valid, sleepRow{ts: ts, tsStr: tsStr, features: features})
	}

	if len(valid) == 0 {
		writeError(c, http.StatusBadRequest, "No hay filas válidas")
		return
	}

	ctx := c.Request.Context()
	now := a.now().UTC()
	inserted, updated := 0, 0
	for _, sr := range valid {
		wasInsert, err := a.upsertMetricRaw(ctx, claims.Sub, metricSleep, sr.ts, sr.tsStr, sr.features, 1, "csv", now)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Error en escritura")
			return
		}
		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}

	writeOK(c, gin.H{"summary": gin.H{
		"inserted":     inserted,
		"updated":      updated,
		"errors":       errorRows,
		"total":        total,
		"date_column":  dateCol,
		"kept_columns": keptColumns,
	}})
}

// importStressCSV aggregates per-minute or per-day rows into daily means.
func (a *App) importStressCSV(c *gin.Context) {
	claims, _ := claimsFromContext(c)

	file, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "Falta 'file'")
		return
	}
	headers, rows, err := readMultipartCSV(file)
	if err != nil {
		writeError(c, http.StatusBadRequest, "CSV vacío")
		return
	}
	lower := ingest.NormalizeHeaders(headers)
	dateCol, ok := ingest.ResolveColumn(headers, lower, "time", "timestamp", "datetime", "date", "fecha")
	if !ok {
		writeError(c, http.StatusBadRequest, "CSV: falta columna temporal (time/timestamp/datetime/date/fecha)")
		return
	}

	agg := ingest.AggregateDailyMean(headers, rows, dateCol, nil, 6)

	ctx := c.Request.Context()
	now := a.now().UTC()
	daysWritten := 0
	for day, feats := range agg.Days {
		_, err := a.upsertMetricRaw(ctx, claims.Sub, metricStress, day, day.Format(dayStampLayout),
			feats, agg.Samples[day], "ceda_csv_daily_mean", now)
		if err != nil {
			log.Printf("[STRESS_IMPORT_CEDA] write error sub=%s day=%s err=%v", claims.Sub, day.Format("2006-01-02"), err)
			continue
		}
		daysWritten++
	}

	log.Printf("[STRESS_IMPORT_CEDA] sub=%s rows=%d days=%d errors=%d kept=%s",
		claims.Sub, agg.TotalRows, daysWritten, agg.ErrorRows, strings.Join(agg.KeptColumns, ","))

	if daysWritten == 0 {
		writeError(c, http.StatusBadRequest, "No se pudo generar ningún agregado diario")
		return
	}

	writeOK(c, gin.H{"summary": gin.H{
		"total_rows":      agg.TotalRows,
		"days_aggregated": daysWritten,
		"errors":          agg.ErrorRows,
		"kept_columns":    agg.KeptColumns,
	}})
}

// importActivityCSV routes between the exercise-session aggregator and
// the generic daily mean, depending on what the headers look like.
func (a *App) importActivityCSV(c *gin.Context) {
	claims, _ := claimsFromContext(c)

	file, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "Falta 'file'")
		return
	}
	headers, rows, err := readMultipartCSV(file)
	if err != nil {
		writeError(c, http.StatusBadRequest, "CSV vacío")
		return
	}
	lower := ingest.NormalizeHeaders(headers)

	ctx := c.Request.Context()
	now := a.now().UTC()
	isUserExercise := ingest.IsUserExerciseHeaders(lower)

	var (
		daysWritten int
		totalRows   int
		errorRows   int
		keptColumns []string
	)

	if isUserExercise {
		days, stats := ingest.AggregateUserExerciseDaily(headers, rows, now)
		totalRows = stats.TotalRows
		keptSet := map[string]struct{}{}
		for day, feats := range days {
			for k := range feats {
				keptSet[k] = struct{}{}
			}
			_, err := a.upsertMetricRaw(ctx, claims.Sub, metricActivity, day, day.Format(dayStampLayout),
				feats, int(feats["samples"]), "activity_userexercise_daily", now)
			if err != nil {
				writeError(c, http.StatusInternalServerError, "Error escribiendo agregado diario actividad (UserExercise)")
				return
			}
			daysWritten++
		}
		keptColumns = make([]string, 0, len(keptSet))
		for k := range keptSet {
			keptColumns = append(keptColumns, k)
		}
		sort.Strings(keptColumns)
	} else {
		// Classic temporal column first, exercise end time as fallback.
		dateCol, ok := ingest.ResolveColumn(headers, lower, "time", "timestamp", "datetime", "date", "fecha")
		if !ok {
			dateCol, ok = ingest.ResolveColumn(headers, lower, "endtime", "end_time", "fin", "exercise_end")
		}
		if !ok {
			writeError(c, http.StatusBadRequest, "CSV: falta columna temporal (time/timestamp/datetime/date/fecha) y tampoco hay endtime/end_time/fin")
			return
		}

		agg := ingest.AggregateDailyMean(headers, rows, dateCol, nil, 6)
		totalRows = agg.TotalRows
		errorRows = agg.ErrorRows
		keptColumns = agg.KeptColumns
		for day, feats := range agg.Days {
			_, err := a.upsertMetricRaw(ctx, claims.Sub, metricActivity, day, day.Format(dayStampLayout),
				feats, agg.Samples[day], "activity_csv_daily_mean", now)
			if err != nil {
				writeError(c, http.StatusInternalServerError, "Error en importación genérica de actividad")
				return
			}
			daysWritten++
		}
	}

	log.Printf("[ACTIVITY_IMPORT] sub=%s userexercise=%t days=%d rows=%d kept=%d",
		claims.Sub, isUserExercise, daysWritten, totalRows, len(keptColumns))

	if daysWritten == 0 {
		writeError(c, http.StatusBadRequest, "No se pudo generar ningún agregado diario")
		return
	}

	writeOK(c, gin.H{"summary": gin.H{
		"days_aggregated": daysWritten,
		"total_rows":      totalRows,
		"errors":          errorRows,
		"kept_columns":    keptColumns,
	}})
}

// importSpO2CSV accepts one or many files and folds them into a single
// per-day saturation mean.
func (a *App) importSpO2CSV(c *gin.Context) {
	claims, _ := claimsFromContext(c)

	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, http.StatusBadRequest, "Falta 'files' o 'file'")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		writeError(c, http.StatusBadRequest, "Falta 'files' o 'file'")
		return
	}

	acc := ingest.NewSpO2Accumulator()
	filesCount := 0
	fileErrors := 0

	for _, fh := range files {
		headers, rows, err := readMultipartCSV(fh)
		if err != nil {
			fileErrors++
			continue
		}
		lower := ingest.NormalizeHeaders(headers)
		dateCol, valueCol, ok := ingest.ResolveSpO2Columns(headers, lower)
		if !ok {
			fileErrors++
			continue
		}
		filesCount++
		acc.AddRows(rows, dateCol, valueCol)
	}

	days, samples := acc.Result()

	ctx := c.Request.Context()
	now := a.now().UTC()
	daysWritten := 0
	for day, feats := range days {
		_, err := a.upsertMetricRaw(ctx, claims.Sub, metricSpO2, day, day.Format(dayStampLayout),
			feats, samples[day], "spo2_csv_daily_mean", now)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Error en escritura")
			return
		}
		daysWritten++
	}

	totalErrors := fileErrors + acc.ErrorRows

	log.Printf("[SPO2_IMPORT] sub=%s files=%d days=%d rows=%d errors=%d",
		claims.Sub, filesCount, daysWritten, acc.TotalRows, totalErrors)

	if daysWritten == 0 {
		writeError(c, http.StatusBadRequest, "No se pudo generar ningún agregado diario")
		return
	}

	writeOK(c, gin.H{"summary": gin.H{
		"files":           filesCount,
		"days_aggregated": daysWritten,
		"total_rows":      acc.TotalRows,
		"errors":          totalErrors,
	}})
}
