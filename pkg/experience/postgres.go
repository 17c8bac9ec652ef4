package experience

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucid-vigil/vigil/pkg/model"
)

// PostgresLog persists experience records in PostgreSQL.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog connects to databaseURL and creates the records table if
// it does not exist.
func NewPostgresLog(ctx context.Context, databaseURL string) (*PostgresLog, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	l := &PostgresLog{pool: pool}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return l, nil
}

func (l *PostgresLog) migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS experience_records (
			seq            BIGSERIAL PRIMARY KEY,
			id             TEXT NOT NULL UNIQUE,
			task_id        TEXT NOT NULL,
			chain_id       TEXT NOT NULL,
			fingerprint    TEXT NOT NULL,
			action_kind    TEXT NOT NULL,
			target_node_id TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			actor          TEXT NOT NULL DEFAULT '',
			detail         TEXT NOT NULL DEFAULT '',
			recorded_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS experience_records_fingerprint_idx ON experience_records (fingerprint);
	`)
	return err
}

// Append implements Log.
func (l *PostgresLog) Append(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO experience_records (id, task_id, chain_id, fingerprint, action_kind, target_node_id, outcome, actor, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := l.pool.Exec(ctx, query,
		rec.ID,
		rec.TaskID,
		rec.ChainID,
		rec.Fingerprint,
		string(rec.ActionKind),
		rec.TargetNodeID,
		string(rec.Outcome),
		rec.Actor,
		rec.Detail,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert experience record: %w", err)
	}
	return nil
}

// Recent implements Log.
func (l *PostgresLog) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, task_id, chain_id, fingerprint, action_kind, target_node_id, outcome, actor, detail, recorded_at
		FROM experience_records
		ORDER BY seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query experience records: %w", err)
	}
	return collectRecords(rows)
}

// All implements Log.
func (l *PostgresLog) All(ctx context.Context) ([]Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, task_id, chain_id, fingerprint, action_kind, target_node_id, outcome, actor, detail, recorded_at
		FROM experience_records
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query experience records: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		var action, outcome string
		err := row.Scan(&rec.ID, &rec.TaskID, &rec.ChainID, &rec.Fingerprint, &action,
			&rec.TargetNodeID, &outcome, &rec.Actor, &rec.Detail, &rec.RecordedAt)
		rec.ActionKind = model.ActionKind(action)
		rec.Outcome = model.Outcome(outcome)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan experience records: %w", err)
	}
	return records, nil
}

// Close implements Log.
func (l *PostgresLog) Close() error {
	l.pool.Close()
	return nil
}
