package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"weighline/internal/domain"
)

const (
	TypeTicketCreated       = "ticket.created"
	TypeTicketTransitioned  = "ticket.transitioned"
	TypeTicketReprioritized = "ticket.reprioritized"
	TypeTicketTransferred   = "ticket.transferred"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is an event before it is stored.
type Record struct {
	Type         string
	SiteID       string
	TicketID     string
	TicketNumber string
	OldStatus    domain.Status
	NewStatus    domain.Status
	ActorID      string
	Payload      EventPayload
}

// Append stores rec inside tx, so the event commits or rolls back with the
// state change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if rec.Payload == nil {
		rec.Payload = EventPayload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,site_id,ticket_id,ticket_number,old_status,new_status,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, rec.Type, rec.SiteID, rec.TicketID, rec.TicketNumber, nullable(string(rec.OldStatus)), string(rec.NewStatus), rec.ActorID, string(data))
	if err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:           id,
		TS:           ts,
		Type:         rec.Type,
		SiteID:       rec.SiteID,
		TicketID:     rec.TicketID,
		TicketNumber: rec.TicketNumber,
		OldStatus:    rec.OldStatus,
		NewStatus:    rec.NewStatus,
		ActorID:      rec.ActorID,
		Payload:      string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
