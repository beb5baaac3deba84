package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"weighline/internal/domain"
	"weighline/internal/engine/auth"
	"weighline/internal/events"
	"weighline/internal/queue"
	"weighline/internal/repo"
	"weighline/internal/sequence"
	"weighline/internal/workflow"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *workflow.Registry
	Board    *queue.Board
	Perms    auth.Permissions
	Scope    auth.Resolver
	Queues   map[string]domain.Queue
	// Counter issues ticket sequence values. Nil means the ticket_sequences
	// table, incremented inside the ticket's own transaction.
	Counter   sequence.Counter
	Location  *time.Location
	IDs       generator.Generator
	Publisher events.Publisher
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Now       func() time.Time

	tickets keyedMutex
	calls   keyedMutex
	mirror  boardSync
}

func New(db *sql.DB, reg *workflow.Registry, perms auth.Permissions) *Engine {
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Registry: reg,
		Board:    queue.NewBoard(),
		Perms:    perms,
		Queues:   map[string]domain.Queue{},
		Location: time.UTC,
		IDs:      generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		Now:      time.Now,
	}
	for _, g := range reg.All() {
		for _, q := range g.Queues() {
			e.Board.AddQueue(q)
		}
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tr := e.Tracer
	if tr == nil {
		tr = otel.Tracer("weighline/engine")
	}
	return tr.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// report logs operator-facing failures; everything else is the caller's to surface.
func (e *Engine) report(ctx context.Context, op string, err error) {
	var cfg workflow.ConfigurationError
	var exhausted sequence.ExhaustedError
	if errors.As(err, &cfg) || errors.As(err, &exhausted) {
		e.log().ErrorContext(ctx, op+" failed", "err", err)
	}
}

func entryFor(t domain.Ticket) queue.Entry {
	return queue.Entry{
		TicketID:  t.ID,
		Number:    t.Number,
		Tier:      t.Tier,
		ArrivedAt: t.ArrivedAt,
		Seq:       t.QueueSeq,
		Status:    t.Status,
	}
}

func (e *Engine) graphFor(t domain.Ticket) (*workflow.Graph, error) {
	if e.Registry == nil {
		return nil, workflow.ConfigurationError{Reason: "no workflows loaded"}
	}
	return e.Registry.Graph(t.WorkflowID)
}

// CreateTicketOptions describe an arriving vehicle.
type CreateTicketOptions struct {
	Categories []string
	SiteID     string
	Tier       domain.Tier
	Notes      string
	Actor      domain.Actor
}

// CreateTicket registers an arrival at the initial step of the workflow
// serving the first category, numbered under that category's prefix.
func (e *Engine) CreateTicket(ctx context.Context, opts CreateTicketOptions) (t domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "engine.CreateTicket", attribute.String("site.id", opts.SiteID))
	defer func() { endSpan(span, err) }()

	if !e.Perms.Has(opts.Actor, auth.PermTicketCreate) {
		return domain.Ticket{}, auth.ForbiddenError{Permission: auth.PermTicketCreate}
	}
	if opts.SiteID == "" {
		opts.SiteID = opts.Actor.SiteID
	}
	if !e.Scope.Allows(opts.Actor, auth.Target{SiteID: opts.SiteID}) {
		return domain.Ticket{}, auth.ForbiddenError{SiteID: opts.SiteID}
	}
	if opts.Tier == "" {
		opts.Tier = domain.TierNormal
	}
	if !opts.Tier.Valid() {
		return domain.Ticket{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, opts.Tier)
	}
	var cats []string
	for _, c := range opts.Categories {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			cats = append(cats, c)
		}
	}
	if len(cats) == 0 {
		return domain.Ticket{}, fmt.Errorf("%w: at least one category required", ErrInvalidInput)
	}
	g, err := e.Registry.ForCategory(opts.SiteID, cats[0])
	if err != nil {
		e.report(ctx, "create ticket", err)
		return domain.Ticket{}, err
	}
	for _, c := range cats[1:] {
		if !g.CoversCategory(c) {
			return domain.Ticket{}, fmt.Errorf("%w: category %s is not served by workflow %s", ErrInvalidInput, c, g.ID())
		}
	}

	done := e.writing()
	defer done()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	t, err = e.newTicket(ctx, tx, g, cats, opts.SiteID, opts.Tier, opts.Notes, opts.Actor.ID)
	if err != nil {
		e.report(ctx, "create ticket", err)
		return domain.Ticket{}, err
	}
	evt, undo, err := e.insert(ctx, tx, g, t, opts.Actor.ID, events.EventPayload{"categories": cats, "tier": string(t.Tier)})
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := commit(tx, undo); err != nil {
		return domain.Ticket{}, err
	}
	e.mirror.advance(evt)
	e.publish(ctx, evt)
	e.log().InfoContext(ctx, "ticket created", "ticket", t.Number, "site", t.SiteID, "workflow", t.WorkflowID, "tier", t.Tier)
	return t, nil
}

func (e *Engine) newTicket(ctx context.Context, tx *sql.Tx, g *workflow.Graph, categories []string, siteID string, tier domain.Tier, notes, actorID string) (domain.Ticket, error) {
	now := e.now()
	counter := e.Counter
	if counter == nil {
		counter = sequence.SQLCounter{Q: tx}
	}
	gen := sequence.Generator{Counter: counter, Location: e.Location}
	number, err := gen.Next(ctx, categories[0], now)
	if err != nil {
		return domain.Ticket{}, err
	}
	seq, err := e.IDs.NextID()
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("queue sequence: %w", err)
	}
	init := g.InitialStep()
	return domain.Ticket{
		ID:         uuid.NewString(),
		Number:     number,
		Categories: categories,
		SiteID:     siteID,
		WorkflowID: g.ID(),
		StepID:     init.ID,
		Status:     domain.StatusWaiting,
		Tier:       tier,
		ArrivedAt:  now,
		QueueSeq:   seq,
		CreatedBy:  actorID,
		Notes:      notes,
		Revision:   1,
		UpdatedAt:  now,
	}, nil
}

// insert stores a new ticket, records its creation and enqueues it at the
// workflow's initial step. The returned func undoes the enqueue.
func (e *Engine) insert(ctx context.Context, tx *sql.Tx, g *workflow.Graph, t domain.Ticket, actorID string, payload events.EventPayload) (domain.Event, func(), error) {
	if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
		return domain.Event{}, nil, err
	}
	payload["workflow_id"] = g.ID()
	evt, err := e.Events.Append(ctx, tx, events.Record{
		Type:         events.TypeTicketCreated,
		SiteID:       t.SiteID,
		TicketID:     t.ID,
		TicketNumber: t.Number,
		NewStatus:    t.Status,
		ActorID:      actorID,
		Payload:      payload,
	})
	if err != nil {
		return domain.Event{}, nil, err
	}
	queueID := g.InitialStep().QueueID
	if queueID == "" {
		return evt, nil, nil
	}
	if err := e.Board.Enqueue(queueID, entryFor(t)); err != nil {
		return domain.Event{}, nil, err
	}
	return evt, func() { _, _ = e.Board.Dequeue(queueID, t.ID) }, nil
}

// apply is the effect runner for a Plan: a revision-checked write, the event
// row, then the queue ownership transfer. The board entry follows the row
// even when another process left it stale. The returned func reverts the
// board if the transaction does not commit.
func (e *Engine) apply(ctx context.Context, tx *sql.Tx, plan Plan) (domain.Ticket, domain.Event, func(), error) {
	ok, err := e.Repo.UpdateTicket(ctx, tx, plan.New, plan.Old.Revision)
	if err != nil {
		return domain.Ticket{}, domain.Event{}, nil, err
	}
	if !ok {
		return domain.Ticket{}, domain.Event{}, nil, ConcurrentModificationError{TicketID: plan.Old.ID, Revision: plan.Old.Revision}
	}
	nt := plan.New
	nt.Revision = plan.Old.Revision + 1
	evt, err := e.Events.Append(ctx, tx, plan.Event)
	if err != nil {
		return domain.Ticket{}, domain.Event{}, nil, err
	}
	if err := e.Board.Place(nt.ID, plan.ToQueue, entryFor(nt)); err != nil {
		return domain.Ticket{}, domain.Event{}, nil, fmt.Errorf("move ticket %s: %w", nt.Number, err)
	}
	undo := func() {
		if err := e.Board.Place(nt.ID, plan.FromQueue, entryFor(plan.Old)); err != nil {
			e.log().Error("queue rollback failed", "ticket", nt.Number, "err", err)
		}
	}
	return nt, evt, undo, nil
}

// commit commits tx, running undo in reverse order when the commit fails.
func commit(tx *sql.Tx, undo ...func()) error {
	if err := tx.Commit(); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			if undo[i] != nil {
				undo[i]()
			}
		}
		return err
	}
	return nil
}

func rollbackAll(undo ...func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		if undo[i] != nil {
			undo[i]()
		}
	}
}

func (e *Engine) publish(ctx context.Context, evts ...domain.Event) {
	if e.Publisher == nil {
		return
	}
	for _, evt := range evts {
		if err := e.Publisher.Publish(ctx, evt); err != nil {
			// The row is already in the events table; webhooks still see it.
			e.log().WarnContext(ctx, "event publish failed", "event_id", evt.ID, "err", err)
		}
	}
}

// Transition moves a ticket to status to on behalf of actor.
func (e *Engine) Transition(ctx context.Context, ticketID string, to domain.Status, actor domain.Actor, p Payload) (domain.Ticket, error) {
	return e.transition(ctx, ticketID, Decision{Target: to, Actor: actor, Payload: p})
}

// ResolveAnomaly returns a ticket to the weighing status its anomaly branched
// from. A weight in p replaces that weighing as a manual override.
func (e *Engine) ResolveAnomaly(ctx context.Context, ticketID string, actor domain.Actor, p Payload) (domain.Ticket, error) {
	return e.transition(ctx, ticketID, Decision{Resolve: true, Actor: actor, Payload: p})
}

func (e *Engine) transition(ctx context.Context, ticketID string, d Decision) (t domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "engine.Transition",
		attribute.String("ticket.id", ticketID),
		attribute.String("ticket.target", string(d.Target)),
		attribute.Bool("ticket.resolve", d.Resolve))
	defer func() { endSpan(span, err) }()

	unlock := e.tickets.Lock(ticketID)
	defer unlock()
	done := e.writing()
	defer done()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTicket(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, err)
	}
	g, err := e.graphFor(cur)
	if err != nil {
		e.report(ctx, "transition", err)
		return domain.Ticket{}, err
	}
	d.Ticket = cur
	d.Graph = g
	d.Guards = e.Registry.Guards()
	d.Perms = e.Perms
	d.Scope = e.Scope
	d.Now = e.now()
	plan, err := Decide(d)
	if err != nil {
		e.report(ctx, "transition", err)
		return domain.Ticket{}, err
	}
	nt, evt, undo, err := e.apply(ctx, tx, plan)
	if err != nil {
		return domain.Ticket{}, err
	}
	if err := commit(tx, undo); err != nil {
		return domain.Ticket{}, err
	}
	e.mirror.advance(evt)
	e.publish(ctx, evt)
	e.log().InfoContext(ctx, "ticket transitioned", "ticket", nt.Number, "from", plan.Old.Status, "to", nt.Status, "actor", d.Actor.ID)
	return nt, nil
}

// CallNext calls the earliest member of queueID still waiting at the queue's
// step and moves it to the status that follows. Calls on one queue are
// serialized, so two callers never receive the same ticket. When another
// process changed the picked ticket first, the board is reloaded and the
// call retried on the new head.
func (e *Engine) CallNext(ctx context.Context, queueID string, actor domain.Actor) (t domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "engine.CallNext", attribute.String("queue.id", queueID))
	defer func() { endSpan(span, err) }()

	g, step, ok := e.Registry.ForQueue(queueID)
	if !ok {
		return domain.Ticket{}, queue.NotFoundError{QueueID: queueID}
	}
	if !e.Perms.Has(actor, auth.PermQueueManage) {
		return domain.Ticket{}, auth.ForbiddenError{Permission: auth.PermQueueManage}
	}
	site := g.Workflow().SiteID
	if !e.Scope.Allows(actor, auth.Target{SiteID: site}) {
		return domain.Ticket{}, auth.ForbiddenError{SiteID: site}
	}
	waiting := step.Statuses[0]
	succ := workflow.Successors(waiting, "")
	if len(succ) == 0 || succ[0] == domain.StatusCancelled {
		err := workflow.ConfigurationError{WorkflowID: g.ID(), Reason: "queue " + queueID + " has nothing to call to"}
		e.report(ctx, "call next", err)
		return domain.Ticket{}, err
	}

	unlock := e.calls.Lock(queueID)
	defer unlock()

	q, err := e.Board.Queue(queueID)
	if err != nil {
		return domain.Ticket{}, err
	}
	for attempt := 0; ; attempt++ {
		if err := e.refresh(ctx); err != nil {
			return domain.Ticket{}, err
		}
		entry, ok := q.First(func(en queue.Entry) bool { return en.Status == waiting })
		if !ok {
			return domain.Ticket{}, ErrQueueEmpty
		}
		span.SetAttributes(attribute.String("ticket.number", entry.Number))
		t, err := e.transition(ctx, entry.TicketID, Decision{Target: succ[0], Actor: actor})
		if err == nil || attempt == callRetries || !staleHead(err) {
			return t, err
		}
		e.log().DebugContext(ctx, "queue head changed elsewhere", "queue", queueID, "ticket", entry.Number, "err", err)
		e.mirror.invalidate()
	}
}

// callRetries bounds how often CallNext moves past a head changed elsewhere.
const callRetries = 3

// TransferResult holds the closed ticket and the one reopened in its place.
type TransferResult struct {
	Old domain.Ticket `json:"old"`
	New domain.Ticket `json:"new"`
}

// TransferCategory closes a ticket as TRANSFÉRÉ and opens a new one under
// prefix at the initial step of the workflow serving it, with a fresh
// arrival. Both happen in one transaction.
func (e *Engine) TransferCategory(ctx context.Context, ticketID, prefix string, actor domain.Actor) (res TransferResult, err error) {
	ctx, span := e.startSpan(ctx, "engine.TransferCategory",
		attribute.String("ticket.id", ticketID),
		attribute.String("category.prefix", prefix))
	defer func() { endSpan(span, err) }()

	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		return TransferResult{}, fmt.Errorf("%w: category prefix required", ErrInvalidInput)
	}

	unlock := e.tickets.Lock(ticketID)
	defer unlock()
	done := e.writing()
	defer done()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransferResult{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTicket(ctx, tx, ticketID)
	if err != nil {
		return TransferResult{}, fmt.Errorf("ticket %s: %w", ticketID, err)
	}
	g, err := e.graphFor(cur)
	if err != nil {
		e.report(ctx, "transfer", err)
		return TransferResult{}, err
	}
	plan, err := Decide(Decision{
		Ticket:   cur,
		Graph:    g,
		Guards:   e.Registry.Guards(),
		Actor:    actor,
		Target:   domain.StatusTransferred,
		Perms:    e.Perms,
		Scope:    e.Scope,
		Now:      e.now(),
		Transfer: true,
	})
	if err != nil {
		return TransferResult{}, err
	}
	if len(cur.Categories) == 1 && cur.Categories[0] == prefix {
		return TransferResult{}, IllegalTransitionError{
			From:    cur.Status,
			To:      domain.StatusTransferred,
			Allowed: workflow.Successors(cur.Status, cur.AnomalyFrom),
			Reason:  "ticket is already in category " + prefix,
		}
	}
	ng, err := e.Registry.ForCategory(cur.SiteID, prefix)
	if err != nil {
		e.report(ctx, "transfer", err)
		return TransferResult{}, err
	}
	nt, err := e.newTicket(ctx, tx, ng, []string{prefix}, cur.SiteID, cur.Tier, cur.Notes, actor.ID)
	if err != nil {
		e.report(ctx, "transfer", err)
		return TransferResult{}, err
	}
	nt.TransferredFrom = cur.ID
	plan.New.TransferredTo = nt.ID
	plan.Event.Type = events.TypeTicketTransferred
	plan.Event.Payload["to_ticket_id"] = nt.ID
	plan.Event.Payload["to_number"] = nt.Number
	plan.Event.Payload["to_category"] = prefix

	old, oldEvt, undoOld, err := e.apply(ctx, tx, plan)
	if err != nil {
		return TransferResult{}, err
	}
	newEvt, undoNew, err := e.insert(ctx, tx, ng, nt, actor.ID, events.EventPayload{
		"categories":       nt.Categories,
		"tier":             string(nt.Tier),
		"transferred_from": cur.Number,
	})
	if err != nil {
		rollbackAll(undoOld)
		return TransferResult{}, err
	}
	if err := commit(tx, undoOld, undoNew); err != nil {
		return TransferResult{}, err
	}
	e.mirror.advance(oldEvt, newEvt)
	e.publish(ctx, oldEvt, newEvt)
	e.log().InfoContext(ctx, "ticket transferred", "from", old.Number, "to", nt.Number, "category", prefix, "actor", actor.ID)
	return TransferResult{Old: old, New: nt}, nil
}

// Reprioritize changes the tier of a ticket; its queue re-keys it stably.
func (e *Engine) Reprioritize(ctx context.Context, ticketID string, tier domain.Tier, actor domain.Actor) (t domain.Ticket, err error) {
	ctx, span := e.startSpan(ctx, "engine.Reprioritize", attribute.String("ticket.id", ticketID), attribute.String("ticket.tier", string(tier)))
	defer func() { endSpan(span, err) }()

	if !tier.Valid() {
		return domain.Ticket{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}
	if !e.Perms.Has(actor, auth.PermQueueManage) {
		return domain.Ticket{}, auth.ForbiddenError{Permission: auth.PermQueueManage}
	}

	unlock := e.tickets.Lock(ticketID)
	defer unlock()
	done := e.writing()
	defer done()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ticket{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTicket(ctx, tx, ticketID)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", ticketID, err)
	}
	if !e.Scope.Allows(actor, auth.Target{SiteID: cur.SiteID}) {
		return domain.Ticket{}, auth.ForbiddenError{SiteID: cur.SiteID}
	}
	if cur.Status.Terminal() {
		return domain.Ticket{}, IllegalTransitionError{From: cur.Status, To: cur.Status, Reason: "ticket is closed"}
	}
	if cur.Tier == tier {
		return cur, nil
	}
	nt := cur
	nt.Tier = tier
	nt.UpdatedAt = e.now()
	ok, err := e.Repo.UpdateTicket(ctx, tx, nt, cur.Revision)
	if err != nil {
		return domain.Ticket{}, err
	}
	if !ok {
		return domain.Ticket{}, ConcurrentModificationError{TicketID: cur.ID, Revision: cur.Revision}
	}
	nt.Revision = cur.Revision + 1
	evt, err := e.Events.Append(ctx, tx, events.Record{
		Type:         events.TypeTicketReprioritized,
		SiteID:       cur.SiteID,
		TicketID:     cur.ID,
		TicketNumber: cur.Number,
		OldStatus:    cur.Status,
		NewStatus:    cur.Status,
		ActorID:      actor.ID,
		Payload:      events.EventPayload{"old_tier": string(cur.Tier), "new_tier": string(tier)},
	})
	if err != nil {
		return domain.Ticket{}, err
	}
	queueID, err := e.queueOf(cur)
	if err != nil {
		e.report(ctx, "reprioritize", err)
		return domain.Ticket{}, err
	}
	if err := e.Board.Place(cur.ID, queueID, entryFor(nt)); err != nil {
		return domain.Ticket{}, err
	}
	undo := func() { _ = e.Board.Place(cur.ID, queueID, entryFor(cur)) }
	if err := commit(tx, undo); err != nil {
		return domain.Ticket{}, err
	}
	e.mirror.advance(evt)
	e.publish(ctx, evt)
	e.log().InfoContext(ctx, "ticket reprioritized", "ticket", nt.Number, "from", cur.Tier, "to", tier, "actor", actor.ID)
	return nt, nil
}

// RebuildBoard reloads the queue board from persisted open tickets and
// returns how many were enqueued.
func (e *Engine) RebuildBoard(ctx context.Context) (int, error) {
	e.mirror.gate.Lock()
	defer e.mirror.gate.Unlock()
	n, err := e.reload(ctx)
	if err != nil {
		return n, err
	}
	e.log().InfoContext(ctx, "queue board rebuilt", "tickets", n, "queues", len(e.Board.QueueIDs()))
	return n, nil
}
