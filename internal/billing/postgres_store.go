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
	CREATE TABLE IF NOT EXISTS llm_usage_logs (
		id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tenant_id      TEXT NOT NULL,
		request_id     TEXT NOT NULL DEFAULT '',
		call_id        TEXT NOT NULL DEFAULT '',
		operation_type TEXT NOT NULL DEFAULT '',
		subject_type   TEXT NOT NULL DEFAULT '',
		subject_id     TEXT NOT NULL DEFAULT '',
		provider       TEXT NOT NULL,
		model          TEXT NOT NULL,
		input_tokens   INTEGER,
		output_tokens  INTEGER,
		total_tokens   INTEGER NOT NULL DEFAULT 0,
		cached_tokens  INTEGER,
		streaming      BOOLEAN NOT NULL DEFAULT false,
		status         TEXT NOT NULL,
		latency_ms     BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS llm_usage_logs_tenant_created_idx
		ON llm_usage_logs (tenant_id, created_at);
`

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate usage ledger: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO llm_usage_logs (
			tenant_id, request_id, call_id, operation_type, subject_type, subject_id,
			provider, model, input_tokens, output_tokens, total_tokens, cached_tokens,
			streaming, status, latency_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		log.TenantID, log.RequestID, log.CallID, log.OperationType, log.SubjectType, log.SubjectID,
		log.Provider, log.Model, log.InputTokens, log.OutputTokens, log.TotalTokens, log.CachedTokens,
		log.Streaming, log.Status, log.LatencyMs,
	).Scan(&log.ID, &log.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, tenant_id, request_id, call_id, operation_type, subject_type, subject_id,
			provider, model, input_tokens, output_tokens, total_tokens, cached_tokens,
			streaming, status, latency_ms, created_at
		FROM llm_usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		err := rows.Scan(
			&l.ID, &l.TenantID, &l.RequestID, &l.CallID, &l.OperationType, &l.SubjectType, &l.SubjectID,
			&l.Provider, &l.Model, &l.InputTokens, &l.OutputTokens, &l.TotalTokens, &l.CachedTokens,
			&l.Streaming, &l.Status, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTokenTotalsByTenant(ctx context.Context, tenantID string, from, to time.Time) (*TokenTotals, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM llm_usage_logs
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var t TokenTotals
	err := s.db.QueryRow(ctx, query, tenantID, from, to).Scan(
		&t.Calls, &t.InputTokens, &t.OutputTokens, &t.TotalTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get token totals: %w", err)
	}

	return &t, nil
}
