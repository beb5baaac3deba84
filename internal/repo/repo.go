package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"weighline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx so reads can join a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type scanner interface {
	Scan(dest ...any) error
}

const ticketColumns = `id,number,categories_json,site_id,workflow_id,step_id,status,COALESCE(anomaly_from,''),tier,arrived_at,queue_seq,
called_at,weighed_in_at,loading_started_at,loading_done_at,weighed_out_at,completed_at,
weight_in,weight_out,net_weight,weight_in_manual,weight_out_manual,created_by,COALESCE(called_by,''),COALESCE(notes,''),
COALESCE(transferred_from,''),COALESCE(transferred_to,''),revision,updated_at`

func scanTicket(s scanner) (domain.Ticket, error) {
	var (
		t                                         domain.Ticket
		cats, status, anomaly, tier, arrived, upd string
		called, weighedIn, loadStart, loadDone    sql.NullString
		weighedOut, completed                     sql.NullString
		wIn, wOut, net                            sql.NullString
		inManual, outManual                       int
		seq                                       int64
	)
	err := s.Scan(&t.ID, &t.Number, &cats, &t.SiteID, &t.WorkflowID, &t.StepID, &status, &anomaly, &tier, &arrived, &seq,
		&called, &weighedIn, &loadStart, &loadDone, &weighedOut, &completed,
		&wIn, &wOut, &net, &inManual, &outManual, &t.CreatedBy, &t.CalledBy, &t.Notes,
		&t.TransferredFrom, &t.TransferredTo, &t.Revision, &upd)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(cats), &t.Categories); err != nil {
		return t, fmt.Errorf("ticket %s categories: %w", t.ID, err)
	}
	t.Status = domain.Status(status)
	t.AnomalyFrom = domain.Status(anomaly)
	t.Tier = domain.Tier(tier)
	t.QueueSeq = uint64(seq)
	t.WeightInManual = inManual != 0
	t.WeightOutManual = outManual != 0
	if t.ArrivedAt, err = parseTime(arrived); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(upd); err != nil {
		return t, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{called, &t.CalledAt},
		{weighedIn, &t.WeighedInAt},
		{loadStart, &t.LoadingStartedAt},
		{loadDone, &t.LoadingDoneAt},
		{weighedOut, &t.WeighedOutAt},
		{completed, &t.CompletedAt},
	} {
		if !f.src.Valid {
			continue
		}
		ts, err := parseTime(f.src.String)
		if err != nil {
			return t, err
		}
		*f.dst = &ts
	}
	for _, f := range []struct {
		src sql.NullString
		dst **decimal.Decimal
	}{
		{wIn, &t.WeightIn},
		{wOut, &t.WeightOut},
		{net, &t.NetWeight},
	} {
		if !f.src.Valid {
			continue
		}
		d, err := decimal.NewFromString(f.src.String)
		if err != nil {
			return t, fmt.Errorf("ticket %s weight: %w", t.ID, err)
		}
		*f.dst = &d
	}
	return t, nil
}

func ticketArgs(t domain.Ticket) ([]any, error) {
	cats, err := json.Marshal(t.Categories)
	if err != nil {
		return nil, err
	}
	return []any{
		string(cats), t.SiteID, t.WorkflowID, t.StepID, string(t.Status), nullable(string(t.AnomalyFrom)), string(t.Tier),
		formatTime(t.ArrivedAt), int64(t.QueueSeq),
		optTime(t.CalledAt), optTime(t.WeighedInAt), optTime(t.LoadingStartedAt), optTime(t.LoadingDoneAt),
		optTime(t.WeighedOutAt), optTime(t.CompletedAt),
		optDecimal(t.WeightIn), optDecimal(t.WeightOut), optDecimal(t.NetWeight),
		boolInt(t.WeightInManual), boolInt(t.WeightOutManual), t.CreatedBy, nullable(t.CalledBy), nullable(t.Notes),
		nullable(t.TransferredFrom), nullable(t.TransferredTo),
	}, nil
}

func (r Repo) InsertTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket) error {
	args, err := ticketArgs(t)
	if err != nil {
		return err
	}
	args = append([]any{t.ID, t.Number}, args...)
	args = append(args, t.Revision, formatTime(t.UpdatedAt))
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tickets(id,number,categories_json,site_id,workflow_id,step_id,status,anomaly_from,tier,arrived_at,queue_seq,
called_at,weighed_in_at,loading_started_at,loading_done_at,weighed_out_at,completed_at,weight_in,weight_out,net_weight,
weight_in_manual,weight_out_manual,created_by,called_by,notes,transferred_from,transferred_to,revision,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

// UpdateTicket writes t if the stored revision still equals expected and
// bumps the revision. It reports false when another writer got there first.
func (r Repo) UpdateTicket(ctx context.Context, tx *sql.Tx, t domain.Ticket, expected int64) (bool, error) {
	args, err := ticketArgs(t)
	if err != nil {
		return false, err
	}
	args = append(args, formatTime(t.UpdatedAt), t.ID, expected)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tickets SET categories_json=?,site_id=?,workflow_id=?,step_id=?,status=?,anomaly_from=?,tier=?,arrived_at=?,queue_seq=?,
called_at=?,weighed_in_at=?,loading_started_at=?,loading_done_at=?,weighed_out_at=?,completed_at=?,weight_in=?,weight_out=?,net_weight=?,
weight_in_manual=?,weight_out_manual=?,created_by=?,called_by=?,notes=?,transferred_from=?,transferred_to=?,
revision=revision+1,updated_at=? WHERE id=? AND revision=?`, args...)
	if err != nil {
		return false, fmt.Errorf("update ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetTicket(ctx context.Context, tx *sql.Tx, id string) (domain.Ticket, error) {
	return scanTicket(r.q(tx).QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id=?`, id))
}

func (r Repo) GetTicketByNumber(ctx context.Context, number string) (domain.Ticket, error) {
	return scanTicket(r.DB.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE number=?`, number))
}

// TicketFilter narrows ListTickets; zero fields match everything.
type TicketFilter struct {
	SiteID string
	// SiteIDs keeps tickets of any of these sites; empty means no restriction.
	SiteIDs    []string
	Status     domain.Status
	WorkflowID string
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListTickets(ctx context.Context, f TicketFilter) ([]domain.Ticket, error) {
	var (
		where []string
		args  []any
	)
	if f.SiteID != "" {
		where = append(where, "site_id=?")
		args = append(args, f.SiteID)
	}
	if len(f.SiteIDs) > 0 {
		where = append(where, "site_id IN (?"+strings.Repeat(",?", len(f.SiteIDs)-1)+")")
		for _, id := range f.SiteIDs {
			args = append(args, id)
		}
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.ActiveOnly {
		where = append(where, "status NOT IN (?,?,?)")
		args = append(args, string(domain.StatusDone), string(domain.StatusCancelled), string(domain.StatusTransferred))
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY arrived_at, queue_seq"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, limit int, cursor int64, siteID, ticketID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,site_id,ticket_id,ticket_number,COALESCE(old_status,''),new_status,actor_id,payload_json FROM events`
	var (
		where []string
		args  []any
	)
	if cursor > 0 {
		where = append(where, "id < ?")
		args = append(args, cursor)
	}
	if siteID != "" {
		where = append(where, "site_id=?")
		args = append(args, siteID)
	}
	if ticketID != "" {
		where = append(where, "ticket_id=?")
		args = append(args, ticketID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with id > afterID in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, sites []string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,site_id,ticket_id,ticket_number,COALESCE(old_status,''),new_status,actor_id,payload_json FROM events WHERE id > ?`
	args := []any{afterID}
	if len(sites) > 0 {
		query += " AND site_id IN (?" + strings.Repeat(",?", len(sites)-1) + ")"
		for _, s := range sites {
			args = append(args, s)
		}
	}
	query += " ORDER BY id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var oldStatus, newStatus string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SiteID, &e.TicketID, &e.TicketNumber, &oldStatus, &newStatus, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.OldStatus = domain.Status(oldStatus)
		e.NewStatus = domain.Status(newStatus)
		res = append(res, e)
	}
	return res, rows.Err()
}

// timeLayout keeps every stored timestamp the same width so that text order
// is time order; RFC3339Nano trims trailing zeros.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime also reads rows written with trimmed fractions.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func optDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
