package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
	CREATE TABLE IF NOT EXISTS usage_logs (
		id                UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id         TEXT NOT NULL,
		request_id        TEXT NOT NULL,
		mode              TEXT NOT NULL,
		provider          TEXT NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		cost_usd          NUMERIC(18, 6) NOT NULL,
		latency_ms        BIGINT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS usage_logs_tenant_created_idx ON usage_logs (tenant_id, created_at);
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage table when it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate usage_logs: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO usage_logs (tenant_id, request_id, mode, provider, model, prompt_tokens, completion_tokens, cost_usd, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id::text, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.TenantID, log.RequestID, log.Mode, log.Provider, log.Model,
		log.PromptTokens, log.CompletionTokens, log.CostUSD, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id::text, tenant_id, request_id, mode, provider, model, prompt_tokens, completion_tokens, cost_usd::float8, latency_ms, created_at
		FROM usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}

	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*UsageLog, error) {
		var l UsageLog
		err := row.Scan(
			&l.ID, &l.TenantID, &l.RequestID, &l.Mode, &l.Provider, &l.Model,
			&l.PromptTokens, &l.CompletionTokens, &l.CostUSD, &l.LatencyMs, &l.CreatedAt,
		)
		return &l, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)::float8
		FROM usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}
