package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS result_batches (
    batch_id    UUID PRIMARY KEY,
    kind        TEXT        NOT NULL,
    received_at TIMESTAMPTZ NOT NULL,
    items       INTEGER     NOT NULL,
    payload     JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS result_batches_kind_received_idx
    ON result_batches (kind, received_at);
`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL using the supplied connection string
// and creates the batch table when missing.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases database resources.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) Append(ctx context.Context, batch Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}
	const insert = `
INSERT INTO result_batches (batch_id, kind, received_at, items, payload)
VALUES (@batch_id, @kind, @received_at, @items, @payload);
`
	_, err := p.pool.Exec(ctx, insert, pgx.NamedArgs{
		"batch_id":    batch.ID,
		"kind":        string(batch.Kind),
		"received_at": batch.ReceivedAt.UTC(),
		"items":       batch.Items,
		"payload":     []byte(batch.Payload),
	})
	if err != nil {
		return fmt.Errorf("insert batch %s: %w", batch.ID, err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Count returns the number of stored batches of kind.
func (p *PostgresStore) Count(ctx context.Context, kind Kind) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM result_batches WHERE kind = $1`, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n, nil
}
