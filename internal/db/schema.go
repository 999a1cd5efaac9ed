package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaStatements is applied in order at startup. Statements are
// idempotent so repeated boots are safe.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS app_user (
		sub              text PRIMARY KEY,
		email            text,
		name             text,
		picture          text,
		profile          jsonb NOT NULL DEFAULT '{}'::jsonb,
		profile_complete boolean NOT NULL DEFAULT false,
		created_at       timestamptz NOT NULL DEFAULT now(),
		updated_at       timestamptz NOT NULL DEFAULT now(),
		last_login       timestamptz
	)`,
	`CREATE TABLE IF NOT EXISTS metric_raw (
		user_sub    text NOT NULL,
		kind        text NOT NULL,
		ts          timestamptz NOT NULL,
		ts_str      text NOT NULL DEFAULT '',
		features    jsonb NOT NULL DEFAULT '{}'::jsonb,
		n_samples   integer NOT NULL DEFAULT 0,
		source      text NOT NULL DEFAULT '',
		ingested_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (user_sub, kind, ts)
	)`,
	`CREATE INDEX IF NOT EXISTS metric_raw_user_kind_ts_str_idx
		ON metric_raw (user_sub, kind, ts_str)`,
	`CREATE TABLE IF NOT EXISTS measurement (
		user_sub    text NOT NULL,
		metric_type text NOT NULL,
		ts          timestamptz NOT NULL,
		value       integer NOT NULL,
		source      text NOT NULL DEFAULT '',
		advice      text NOT NULL DEFAULT '',
		scored_at   timestamptz,
		PRIMARY KEY (user_sub, metric_type, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS simulation (
		id            uuid PRIMARY KEY,
		user_sub      text NOT NULL,
		metric        text NOT NULL,
		created_at    timestamptz NOT NULL DEFAULT now(),
		forecast_mode text NOT NULL DEFAULT 'absolute_ts',
		start_ts      text NOT NULL DEFAULT '',
		end_ts        text NOT NULL DEFAULT '',
		forecast      jsonb NOT NULL DEFAULT '[]'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS simulation_user_metric_created_idx
		ON simulation (user_sub, metric, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS ai_call (
		user_sub       text NOT NULL,
		operation      text NOT NULL,
		last_called_at timestamptz NOT NULL,
		PRIMARY KEY (user_sub, operation)
	)`,
	`CREATE TABLE IF NOT EXISTS ai_cache (
		user_sub     text NOT NULL,
		metric_type  text NOT NULL,
		request_hash text NOT NULL,
		value        integer NOT NULL,
		advice       text NOT NULL DEFAULT '',
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ai_cache_user_metric_hash_idx
		ON ai_cache (user_sub, metric_type, request_hash)`,
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
