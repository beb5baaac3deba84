package sequence

import (
	"context"
	"database/sql"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLCounter keeps counters in the ticket_sequences table. The upsert is a
// single statement, so concurrent callers never read the same value.
type SQLCounter struct {
	Q Querier
}

const upsertSQL = `INSERT INTO ticket_sequences(prefix, day, value) VALUES (?,?,1)
ON CONFLICT(prefix, day) DO UPDATE SET value = ticket_sequences.value + 1
RETURNING value`

func (c SQLCounter) Increment(ctx context.Context, key Key) (int64, error) {
	var v int64
	if err := c.Q.QueryRowContext(ctx, upsertSQL, key.Prefix, key.Day).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}
