package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"
)

// canonicalRequestHash fingerprints a request body for dedup. Map keys
// are marshalled in sorted order, so equal bodies hash equal regardless
// of field order on the wire.
func canonicalRequestHash(operation string, body map[string]any) string {
	payload := map[string]any{"op": operation, "body": body}
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(operation)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// checkCooldown enforces the per-user per-operation minimum spacing.
// When the call is allowed, the window is stamped in the same statement.
func (a *App) checkCooldown(ctx context.Context, sub, operation string) (retryAfter int, blocked bool, err error) {
	now := a.now().UTC()
	cooldown := time.Duration(a.cfg.AICooldownSeconds) * time.Second

	var lastCalled *time.Time
	err = a.db.QueryRow(ctx, `
		SELECT last_called_at FROM ai_call WHERE user_sub = $1 AND operation = $2`,
		sub, operation).Scan(&lastCalled)
	if err != nil && !isNoRows(err) {
		return 0, false, err
	}
	if lastCalled != nil {
		elapsed := now.Sub(*lastCalled)
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return int(math.Ceil(remaining.Seconds())), true, nil
		}
	}

	_, err = a.db.Exec(ctx, `
		INSERT INTO ai_call (user_sub, operation, last_called_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_sub, operation) DO UPDATE SET last_called_at = EXCLUDED.last_called_at`,
		sub, operation, now)
	if err != nil {
		return 0, false, err
	}
	return 0, false, nil
}

type cachedScore struct {
	Value  int
	Advice string
}

func (a *App) lookupCachedScore(ctx context.Context, sub, metricType, requestHash string) (*cachedScore, error) {
	cutoff := a.now().UTC().Add(-time.Duration(a.cfg.AICacheTTLMinutes) * time.Minute)
	var cached cachedScore
	err := a.db.QueryRow(ctx, `
		SELECT value, advice FROM ai_cache
		WHERE user_sub = $1 AND metric_type = $2 AND request_hash = $3 AND created_at > $4
		ORDER BY created_at DESC LIMIT 1`,
		sub, metricType, requestHash, cutoff).Scan(&cached.Value, &cached.Advice)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &cached, nil
}

func (a *App) storeCachedScore(ctx context.Context, sub, metricType, requestHash string, value int, advice string) error {
	_, err := a.db.Exec(ctx, `
		INSERT INTO ai_cache (user_sub, metric_type, request_hash, value, advice, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sub, metricType, requestHash, value, advice, a.now().UTC())
	return err
}
