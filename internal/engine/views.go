package engine

import (
	"context"
	"fmt"
	"sort"

	"weighline/internal/domain"
	"weighline/internal/engine/auth"
	"weighline/internal/queue"
	"weighline/internal/repo"
)

func (e *Engine) Ticket(ctx context.Context, id string, actor domain.Actor) (domain.Ticket, error) {
	if !e.Perms.Has(actor, auth.PermTicketRead) {
		return domain.Ticket{}, auth.ForbiddenError{Permission: auth.PermTicketRead}
	}
	t, err := e.Repo.GetTicket(ctx, nil, id)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", id, err)
	}
	if !e.Scope.Allows(actor, auth.Target{SiteID: t.SiteID}) {
		return domain.Ticket{}, auth.ForbiddenError{SiteID: t.SiteID}
	}
	return t, nil
}

func (e *Engine) TicketByNumber(ctx context.Context, number string, actor domain.Actor) (domain.Ticket, error) {
	if !e.Perms.Has(actor, auth.PermTicketRead) {
		return domain.Ticket{}, auth.ForbiddenError{Permission: auth.PermTicketRead}
	}
	t, err := e.Repo.GetTicketByNumber(ctx, number)
	if err != nil {
		return domain.Ticket{}, fmt.Errorf("ticket %s: %w", number, err)
	}
	if !e.Scope.Allows(actor, auth.Target{SiteID: t.SiteID}) {
		return domain.Ticket{}, auth.ForbiddenError{SiteID: t.SiteID}
	}
	return t, nil
}

// Tickets lists tickets matching f that fall inside the actor's scope.
func (e *Engine) Tickets(ctx context.Context, f repo.TicketFilter, actor domain.Actor) ([]domain.Ticket, error) {
	if !e.Perms.Has(actor, auth.PermTicketRead) {
		return nil, auth.ForbiddenError{Permission: auth.PermTicketRead}
	}
	if f.SiteID != "" && !e.Scope.Allows(actor, auth.Target{SiteID: f.SiteID}) {
		return nil, auth.ForbiddenError{SiteID: f.SiteID}
	}
	if f.SiteID == "" && actor.Role != domain.RoleAdministrator {
		// Restrict in SQL so the limit counts visible rows only.
		f.SiteIDs = e.scopedSites(actor)
		if len(f.SiteIDs) == 0 {
			return []domain.Ticket{}, nil
		}
	}
	all, err := e.Repo.ListTickets(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Ticket, 0, len(all))
	for _, t := range all {
		if e.Scope.Allows(actor, auth.Target{SiteID: t.SiteID}) {
			out = append(out, t)
		}
	}
	return out, nil
}

// scopedSites lists the sites with a workflow that the actor's scope covers.
func (e *Engine) scopedSites(actor domain.Actor) []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range e.Registry.All() {
		site := g.Workflow().SiteID
		if seen[site] {
			continue
		}
		seen[site] = true
		if e.Scope.Allows(actor, auth.Target{SiteID: site}) {
			out = append(out, site)
		}
	}
	sort.Strings(out)
	return out
}

type QueueMember struct {
	Position int `json:"position"`
	queue.Entry
}

type QueueView struct {
	Queue    domain.Queue  `json:"queue"`
	StepCode string        `json:"step_code"`
	Members  []QueueMember `json:"members"`
}

func (e *Engine) QueueView(ctx context.Context, queueID string, actor domain.Actor) (QueueView, error) {
	if !e.Perms.Has(actor, auth.PermQueueRead) {
		return QueueView{}, auth.ForbiddenError{Permission: auth.PermQueueRead}
	}
	g, step, ok := e.Registry.ForQueue(queueID)
	if !ok {
		return QueueView{}, queue.NotFoundError{QueueID: queueID}
	}
	site := g.Workflow().SiteID
	if !e.Scope.Allows(actor, auth.Target{SiteID: site}) {
		return QueueView{}, auth.ForbiddenError{SiteID: site}
	}
	if err := e.refresh(ctx); err != nil {
		return QueueView{}, err
	}
	q, err := e.Board.Queue(queueID)
	if err != nil {
		return QueueView{}, err
	}
	meta, ok := e.Queues[queueID]
	if !ok {
		meta = domain.Queue{ID: queueID, Name: queueID, SiteID: site, WorkflowID: g.ID()}
	}
	view := QueueView{Queue: meta, StepCode: step.Code}
	for i, en := range q.Snapshot() {
		view.Members = append(view.Members, QueueMember{Position: i + 1, Entry: en})
	}
	return view, nil
}

// QueueViews returns every queue in the actor's scope, optionally limited to siteID.
func (e *Engine) QueueViews(ctx context.Context, siteID string, actor domain.Actor) ([]QueueView, error) {
	if !e.Perms.Has(actor, auth.PermQueueRead) {
		return nil, auth.ForbiddenError{Permission: auth.PermQueueRead}
	}
	var out []QueueView
	for _, g := range e.Registry.All() {
		site := g.Workflow().SiteID
		if siteID != "" && site != siteID {
			continue
		}
		if !e.Scope.Allows(actor, auth.Target{SiteID: site}) {
			continue
		}
		for _, id := range g.Queues() {
			v, err := e.QueueView(ctx, id, actor)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	return out, nil
}

type TicketPosition struct {
	TicketID string        `json:"ticket_id"`
	Number   string        `json:"number"`
	Status   domain.Status `json:"status"`
	QueueID  string        `json:"queue_id"`
	Position int           `json:"position"`
	Length   int           `json:"length"`
}

// Position reports which queue holds the ticket and its 1-based rank there.
func (e *Engine) Position(ctx context.Context, ticketID string, actor domain.Actor) (TicketPosition, error) {
	t, err := e.Ticket(ctx, ticketID, actor)
	if err != nil {
		return TicketPosition{}, err
	}
	if err := e.refresh(ctx); err != nil {
		return TicketPosition{}, err
	}
	queueID, pos, err := e.Board.Position(t.ID)
	if err != nil {
		return TicketPosition{}, err
	}
	q, err := e.Board.Queue(queueID)
	if err != nil {
		return TicketPosition{}, err
	}
	return TicketPosition{TicketID: t.ID, Number: t.Number, Status: t.Status, QueueID: queueID, Position: pos, Length: q.Len()}, nil
}

// PeekNext returns the head of a queue without calling it.
func (e *Engine) PeekNext(ctx context.Context, queueID string, actor domain.Actor) (queue.Entry, bool, error) {
	if !e.Perms.Has(actor, auth.PermQueueRead) {
		return queue.Entry{}, false, auth.ForbiddenError{Permission: auth.PermQueueRead}
	}
	g, _, ok := e.Registry.ForQueue(queueID)
	if !ok {
		return queue.Entry{}, false, queue.NotFoundError{QueueID: queueID}
	}
	if site := g.Workflow().SiteID; !e.Scope.Allows(actor, auth.Target{SiteID: site}) {
		return queue.Entry{}, false, auth.ForbiddenError{SiteID: site}
	}
	if err := e.refresh(ctx); err != nil {
		return queue.Entry{}, false, err
	}
	q, err := e.Board.Queue(queueID)
	if err != nil {
		return queue.Entry{}, false, err
	}
	head, ok := q.PeekNext()
	return head, ok, nil
}

// Workflows lists the workflow definitions the actor may read.
func (e *Engine) Workflows(actor domain.Actor) ([]domain.Workflow, error) {
	if !e.Perms.Has(actor, auth.PermWorkflowRead) {
		return nil, auth.ForbiddenError{Permission: auth.PermWorkflowRead}
	}
	var out []domain.Workflow
	for _, g := range e.Registry.All() {
		wf := g.Workflow()
		if e.Scope.Allows(actor, auth.Target{SiteID: wf.SiteID}) {
			out = append(out, wf)
		}
	}
	return out, nil
}
