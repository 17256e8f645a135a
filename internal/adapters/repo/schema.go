package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"autoposter/internal/infra/metrics"
)

// Partial unique index по (slot, fingerprint) для живых pending-постов —
// гонка двух создателей разрешается в одну выжившую строку на уровне БД.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
	slot text PRIMARY KEY,
	handle text NOT NULL UNIQUE,
	access_token text NOT NULL,
	active boolean NOT NULL DEFAULT true,
	created_at timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS posts (
	id bigserial PRIMARY KEY,
	slot text NOT NULL REFERENCES accounts(slot),
	text_body text NOT NULL,
	media_refs text[] NOT NULL DEFAULT '{}',
	reply_to_id text NOT NULL DEFAULT '',
	community_id text NOT NULL DEFAULT '',
	publish_at timestamptz NOT NULL,
	status text NOT NULL DEFAULT 'pending',
	fingerprint text,
	external_id text NOT NULL DEFAULT '',
	last_error text NOT NULL DEFAULT '',
	error_kind text NOT NULL DEFAULT '',
	thread_id uuid,
	thread_index int,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS posts_pending_fingerprint_uniq
	ON posts (slot, fingerprint) WHERE status = 'pending' AND fingerprint IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS posts_thread_index_uniq
	ON posts (thread_id, thread_index) WHERE thread_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS posts_due_idx
	ON posts (publish_at, id) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
	scope text NOT NULL,
	key text NOT NULL,
	result jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	expires_at timestamptz NOT NULL,
	PRIMARY KEY (scope, key)
)`,
}

// EnsureSchema создаёт таблицы и индексы, если их ещё нет.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		start := time.Now()
		_, err := pool.Exec(ctx, stmt)
		metrics.ObserveNetworkRequest("postgres", "ensure_schema", "schema", start, err)
		if err != nil {
			return fmt.Errorf("применение схемы: %w", err)
		}
	}
	return nil
}
