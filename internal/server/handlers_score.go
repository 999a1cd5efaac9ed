package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vitaltwin/backend/internal/ingest"
)

type rawRecord struct {
	TS       time.Time
	TSStr    *string
	Features map[string]any
}

func (r *rawRecord) tsString() string {
	if r.TSStr == nil {
		return ""
	}
	return *r.TSStr
}

func (r *rawRecord) featureKeys() []string {
	keys := make([]string, 0, len(r.Features))
	for k := range r.Features {
		keys = append(keys, k)
	}
	return keys
}

func scanRawRecord(ctx context.Context, q dbQuerier, query string, args ...any) (*rawRecord, error) {
	var rec rawRecord
	err := q.QueryRow(ctx, query, args...).Scan(&rec.TS, &rec.TSStr, &rec.Features)
	if err != nil {
		return nil, err
	}
	if rec.Features == nil {
		rec.Features = map[string]any{}
	}
	return &rec, nil
}

// selectRawForScoring resolves the day-record a scoring request targets:
// explicit ts_str, then any record on the day of ts, then the most
// recent import.
func (a *App) selectRawForScoring(c *gin.Context, kind string, body map[string]any) (*rawRecord, bool) {
	claims, _ := claimsFromContext(c)
	ctx := c.Request.Context()

	if tsStr, ok := body["ts_str"].(string); ok {
		rec, err := scanRawRecord(ctx, a.db, `
			SELECT ts, ts_str, features FROM metric_raw
			WHERE user_sub = $1 AND kind = $2 AND ts_str = $3
			ORDER BY ts ASC LIMIT 1`,
			claims.Sub, kind, tsStr)
		if err != nil {
			if isNoRows(err) {
				writeError(c, http.StatusNotFound, "No existe un registro con ese ts_str")
			} else {
				writeError(c, http.StatusInternalServerError, "No se pudo leer el registro")
			}
			return nil, false
		}
		return rec, true
	}

	if tsRaw, ok := body["ts"].(string); ok {
		ts, parsed := ingest.ParseAnyTime(tsRaw)
		if !parsed {
			writeError(c, http.StatusBadRequest, "ts inválido")
			return nil, false
		}
		start, end := dayRange(ts)
		rec, err := scanRawRecord(ctx, a.db, `
			SELECT ts, ts_str, features FROM metric_raw
			WHERE user_sub = $1 AND kind = $2 AND ts >= $3 AND ts <= $4
			ORDER BY ts ASC LIMIT 1`,
			claims.Sub, kind, start, end)
		if err != nil {
			if isNoRows(err) {
				writeError(c, http.StatusNotFound, "No hay datos de ese día")
			} else {
				writeError(c, http.StatusInternalServerError, "No se pudo leer el registro")
			}
			return nil, false
		}
		return rec, true
	}

	rec, err := scanRawRecord(ctx, a.db, `
		SELECT ts, ts_str, features FROM metric_raw
		WHERE user_sub = $1 AND kind = $2
		ORDER BY ts DESC LIMIT 1`,
		claims.Sub, kind)
	if err != nil {
		if isNoRows(err) {
			writeError(c, http.StatusNotFound, "No hay datos importados aún")
		} else {
			writeError(c, http.StatusInternalServerError, "No se pudo leer el registro")
		}
		return nil, false
	}
	return rec, true
}

func (a *App) upsertMeasurement(ctx context.Context, sub, metricType string, ts time.Time, value int, source, advice string, scoredAt time.Time) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO measurement (user_sub, metric_type, ts, value, source, advice, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_sub, metric_type, ts) DO UPDATE SET
			value = EXCLUDED.value,
			source = EXCLUDED.source,
			advice = EXCLUDED.advice,
			scored_at = EXCLUDED.scored_at`,
		sub, metricType, ts, value, source, advice, scoredAt)
	return err
}

// generateScore runs one scoring call with the neutral fallback the
// product promises when the model misbehaves.
func (a *App) generateScore(ctx context.Context, prompt string) (score int, advice string, llmErr error) {
	score, advice = 3, neutralAdvice
	out, err := a.llm.GenerateJSON(ctx, prompt, GenerationOptions{Temperature: 0.8, TopP: 0.9})
	if err != nil {
		return score, advice, err
	}
	sc, ok := numericValue(out["score"])
	if !ok || sc < 1 || sc > 5 {
		return score, advice, ErrInvalidResponse
	}
	adv, _ := out["advice"].(string)
	return int(sc), adv, nil
}

func (a *App) scoreOne(metric string) gin.HandlerFunc {
	promptFn := scoringPromptFor(metric)
	operation := "ai.score." + metric

	return func(c *gin.Context) {
		claims, _ := claimsFromContext(c)
		ctx := c.Request.Context()

		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil || body == nil {
			body = map[string]any{}
		}

		rec, ok := a.selectRawForScoring(c, metric, body)
		if !ok {
			return
		}

		// Identical request repeated inside the cache window: serve the
		// stored result without spending another model call.
		requestHash := canonicalRequestHash(operation, body)
		if cached, err := a.lookupCachedScore(ctx, claims.Sub, metric, requestHash); err == nil && cached != nil {
			writeOK(c, gin.H{
				"cached":    true,
				"ts_str":    rec.tsString(),
				"score":     cached.Value,
				"advice":    cached.Advice,
				"used_keys": rec.featureKeys(),
			})
			return
		}

		retryAfter, blocked, err := a.checkCooldown(ctx, claims.Sub, operation)
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

		score, advice, llmErr := a.generateScore(ctx, promptFn(rec.Features))
		if llmErr != nil {
			log.Printf("[AI_SCORE] llm error metric=%s sub=%s err=%v", metric, claims.Sub, llmErr)
		}

		now := a.now().UTC()
		if err := a.upsertMeasurement(ctx, claims.Sub, metric, rec.TS, score, "ai_from_csv", advice, now); err != nil {
			writeError(c, http.StatusInternalServerError, "No se pudo guardar la medición")
			return
		}
		if err := a.storeCachedScore(ctx, claims.Sub, metric, requestHash, score, advice); err != nil {
			log.Printf("[AI_SCORE] cache write error metric=%s sub=%s err=%v", metric, claims.Sub, err)
		}

		log.Printf("[AI_SCORE] metric=%s sub=%s ts=%s ts_str=%s score=%d used_keys=%s advice=%.200s",
			metric, claims.Sub, rec.TS.UTC().Format(time.RFC3339), rec.tsString(),
			score, strings.Join(rec.featureKeys(), ","), advice)

		writeOK(c, gin.H{
			"ts_str":    rec.tsString(),
			"score":     score,
			"advice":    advice,
			"used_keys": rec.featureKeys(),
		})
	}
}

func (a *App) scoreBulk(metric string) gin.HandlerFunc {
	promptFn := scoringPromptFor(metric)
	operation := "ai.score.bulk." + metric

	return func(c *gin.Context) {
		if a.cfg.LLMAPIKey == "" {
			writeError(c, http.StatusBadRequest, "Falta LLM_API_KEY en el servidor para usar la IA")
			return
		}

		claims, _ := claimsFromContext(c)
		ctx := c.Request.Context()

		retryAfter, blocked, err := a.checkCooldown(ctx, claims.Sub, operation)
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

		rows, err := a.db.Query(ctx, `
			SELECT ts, ts_str, features FROM metric_raw
			WHERE user_sub = $1 AND kind = $2
			ORDER BY ts ASC`,
			claims.Sub, metric)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "No se pudieron leer los registros")
			return
		}

		var records []rawRecord
		for rows.Next() {
			var rec rawRecord
			if err := rows.Scan(&rec.TS, &rec.TSStr, &rec.Features); err != nil {
				rows.Close()
				writeError(c, http.StatusInternalServerError, "No se pudieron leer los registros")
				return
			}
			if rec.Features == nil {
				rec.Features = map[string]any{}
			}
			records = append(records, rec)
		}
		rows.Close()
		if rows.Err() != nil {
			writeError(c, http.StatusInternalServerError, "No se pudieron leer los registros")
			return
		}

		total, written, llmErrors := 0, 0, 0
		for i := range records {
			rec := &records[i]
			total++

			score, advice, llmErr := a.generateScore(ctx, promptFn(rec.Features))
			if llmErr != nil {
				llmErrors++
				log.Printf("[AI_SCORE_BULK] llm row error metric=%s sub=%s ts=%s err=%v",
					metric, claims.Sub, rec.TS.UTC().Format(time.RFC3339), llmErr)
			}

			log.Printf("[AI_SCORE_BULK] metric=%s sub=%s ts=%s ts_str=%s score=%d used_keys=%s advice=%.200s",
				metric, claims.Sub, rec.TS.UTC().Format(time.RFC3339), rec.tsString(),
				score, strings.Join(rec.featureKeys(), ","), advice)

			if err := a.upsertMeasurement(ctx, claims.Sub, metric, rec.TS, score, "ai_from_csv_bulk_llm", advice, a.now().UTC()); err != nil {
				log.Printf("[AI_SCORE_BULK] write error metric=%s sub=%s ts=%s err=%v",
					metric, claims.Sub, rec.TS.UTC().Format(time.RFC3339), err)
				continue
			}
			written++
		}

		writeOK(c, gin.H{"summary": gin.H{
			"total_rows":           total,
			"written_measurements": written,
			"llm_errors":           llmErrors,
		}})
	}
}
