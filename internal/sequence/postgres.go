package sequence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCounter shares counters between processes through PostgreSQL.
type PostgresCounter struct {
	Pool *pgxpool.Pool
}

func NewPostgresCounter(ctx context.Context, dsn string) (*PostgresCounter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	c := &PostgresCounter{Pool: pool}
	if err := c.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func (c *PostgresCounter) EnsureSchema(ctx context.Context) error {
	_, err := c.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ticket_sequences (
			prefix TEXT NOT NULL,
			day TEXT NOT NULL,
			value BIGINT NOT NULL,
			PRIMARY KEY (prefix, day)
		)`)
	return err
}

func (c *PostgresCounter) Increment(ctx context.Context, key Key) (int64, error) {
	var next int64
	row := c.Pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (prefix, day, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, day)
		DO UPDATE SET value = ticket_sequences.value + 1
		RETURNING value
	`, key.Prefix, key.Day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (c *PostgresCounter) Close() {
	c.Pool.Close()
}
