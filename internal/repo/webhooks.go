package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// WebhookCursor returns the id of the last event a hook has been given.
// ok is false until the first SaveWebhookCursor for that hook.
func (r Repo) WebhookCursor(ctx context.Context, hook string) (id int64, ok bool, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE hook=?`, hook).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r Repo) SaveWebhookCursor(ctx context.Context, hook string, eventID int64, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(hook) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`, hook, eventID, formatTime(now))
	return err
}
