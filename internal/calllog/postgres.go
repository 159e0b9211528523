package calllog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_events (
	id         UUID PRIMARY KEY,
	call_id    TEXT NOT NULL,
	event_type TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS call_events_call_id_idx ON call_events (call_id, created_at DESC);
`

// PostgresStore persists call events to Postgres through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect call log database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure call_events schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Append(ctx context.Context, rec Record) error {
	rec = normalize(rec)
	_, err := p.pool.Exec(ctx,
		`INSERT INTO call_events (id, call_id, event_type, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.CallID, string(rec.Type), rec.Detail, rec.At,
	)
	if err != nil {
		return fmt.Errorf("append call event: %w", err)
	}
	return nil
}

func (p *PostgresStore) Recent(ctx context.Context, callID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, call_id, event_type, detail, created_at FROM call_events`
	args := []any{}
	if callID != "" {
		query += ` WHERE call_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, callID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var eventType string
		if err := rows.Scan(&rec.ID, &rec.CallID, &eventType, &rec.Detail, &rec.At); err != nil {
			return nil, fmt.Errorf("scan call event: %w", err)
		}
		rec.Type = EventType(eventType)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}
