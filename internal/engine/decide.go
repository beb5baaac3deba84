package engine

import (
	"time"

	"weighline/internal/domain"
	"weighline/internal/engine/auth"
	"weighline/internal/events"
	"weighline/internal/workflow"
)

// Payload carries the action fields a transition may record.
type Payload struct {
	Weight string `json:"weight,omitempty"`
	Manual bool   `json:"manual,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

// Decision is everything Decide needs; it performs no I/O.
type Decision struct {
	Ticket  domain.Ticket
	Graph   *workflow.Graph
	Guards  *workflow.Guards
	Actor   domain.Actor
	Target  domain.Status
	Payload Payload
	Perms   auth.Permissions
	Scope   auth.Resolver
	Now     time.Time
	// Resolve targets the status an anomaly branched from; Target is ignored.
	Resolve bool
	// Transfer permits TRANSFÉRÉ, which only TransferCategory may request.
	Transfer bool
}

// Plan describes an accepted transition: the ticket before and after, the
// queue ownership change and the event to record.
type Plan struct {
	Old       domain.Ticket
	New       domain.Ticket
	FromQueue string
	ToQueue   string
	Event     events.Record
}

// RequiredPermission returns the permission an actor needs to move a ticket
// from one status to another.
func RequiredPermission(from, to domain.Status) string {
	switch {
	case to == domain.StatusCalled:
		return auth.PermQueueManage
	case to == domain.StatusWeighingAnomaly:
		return auth.PermTicketAnomaly
	case to == domain.StatusCancelled:
		return auth.PermTicketCancel
	case to == domain.StatusTransferred:
		return auth.PermTicketTransfer
	case from == domain.StatusWeighingAnomaly:
		return auth.PermTicketAnomaly
	case to == domain.StatusDeliveryNote:
		return auth.PermDeliveryNote
	}
	return auth.PermTicketStatus
}

var stageStamp = map[domain.Status]func(t *domain.Ticket) **time.Time{
	domain.StatusCalled:      func(t *domain.Ticket) **time.Time { return &t.CalledAt },
	domain.StatusWeighedIn:   func(t *domain.Ticket) **time.Time { return &t.WeighedInAt },
	domain.StatusLoading:     func(t *domain.Ticket) **time.Time { return &t.LoadingStartedAt },
	domain.StatusLoadingDone: func(t *domain.Ticket) **time.Time { return &t.LoadingDoneAt },
	domain.StatusWeighedOut:  func(t *domain.Ticket) **time.Time { return &t.WeighedOutAt },
	domain.StatusDone:        func(t *domain.Ticket) **time.Time { return &t.CompletedAt },
	domain.StatusCancelled:   func(t *domain.Ticket) **time.Time { return &t.CompletedAt },
	domain.StatusTransferred: func(t *domain.Ticket) **time.Time { return &t.CompletedAt },
}

// Decide validates a transition and computes its effects. Checks run in
// order: permission, site scope, status legality, step adjacency, weights,
// step guard.
func Decide(in Decision) (Plan, error) {
	t := in.Ticket
	from := t.Status
	to := in.Target
	if in.Resolve {
		to = t.AnomalyFrom
	}

	perm := RequiredPermission(from, to)
	if !in.Perms.Has(in.Actor, perm) {
		return Plan{}, auth.ForbiddenError{Permission: perm}
	}
	if !in.Scope.Allows(in.Actor, auth.Target{SiteID: t.SiteID}) {
		return Plan{}, auth.ForbiddenError{SiteID: t.SiteID}
	}

	allowed := workflow.Successors(from, t.AnomalyFrom)
	illegal := func(reason string) error {
		return IllegalTransitionError{From: from, To: to, Allowed: allowed, Reason: reason}
	}
	switch {
	case in.Resolve && from != domain.StatusWeighingAnomaly:
		return Plan{}, illegal("no anomaly to resolve")
	case to == domain.StatusTransferred:
		if !in.Transfer {
			return Plan{}, illegal("use a category transfer")
		}
		if from.Terminal() {
			return Plan{}, illegal("ticket is closed")
		}
	case !workflow.IsSuccessor(from, t.AnomalyFrom, to):
		if from.Terminal() {
			return Plan{}, illegal("ticket is closed")
		}
		return Plan{}, illegal("")
	}

	g := in.Graph
	cur, ok := g.Step(t.StepID)
	if !ok {
		return Plan{}, workflow.ConfigurationError{WorkflowID: g.ID(), Reason: "ticket " + t.Number + " references unknown step " + t.StepID}
	}
	next := cur
	if to != domain.StatusWeighingAnomaly && !to.Exit() {
		s, ok := g.StepForStatus(to)
		if !ok {
			return Plan{}, workflow.ConfigurationError{WorkflowID: g.ID(), Reason: "status " + string(to) + " not mapped to any step"}
		}
		if s.ID != cur.ID {
			following, ok, err := g.NextStep(cur.ID)
			if err != nil {
				return Plan{}, err
			}
			if !ok || following.ID != s.ID {
				return Plan{}, illegal("step " + s.Code + " does not follow " + cur.Code)
			}
		}
		next = s
	}

	nt := t
	nt.Status = to
	nt.StepID = next.ID
	nt.UpdatedAt = in.Now
	if in.Payload.Notes != "" {
		nt.Notes = in.Payload.Notes
	}
	now := in.Now
	switch {
	case to == domain.StatusWeighingAnomaly:
		nt.AnomalyFrom = from
	case from == domain.StatusWeighingAnomaly:
		nt.AnomalyFrom = ""
		if in.Payload.Weight != "" {
			w, err := parseWeight(in.Payload.Weight)
			if err != nil {
				return Plan{}, err
			}
			if err := recordWeight(&nt, g.Direction(), to, w, true); err != nil {
				return Plan{}, err
			}
			*stageStamp[to](&nt) = &now
		}
	case to == domain.StatusWeighedIn || to == domain.StatusWeighedOut:
		w, err := parseWeight(in.Payload.Weight)
		if err != nil {
			return Plan{}, err
		}
		if err := recordWeight(&nt, g.Direction(), to, w, in.Payload.Manual); err != nil {
			return Plan{}, err
		}
	case in.Payload.Weight != "":
		return Plan{}, InvalidWeightError{Value: in.Payload.Weight, Reason: "no weight is recorded at " + string(to)}
	}
	if from != domain.StatusWeighingAnomaly {
		if stamp, ok := stageStamp[to]; ok {
			*stamp(&nt) = &now
		}
	}
	if to == domain.StatusCalled {
		nt.CalledBy = in.Actor.ID
	}
	if to.Exit() {
		nt.CompletedAt = &now
	}

	if next.ID != cur.ID && in.Guards != nil {
		pass, err := in.Guards.Allows(next.Guard, nt)
		if err != nil {
			return Plan{}, workflow.ConfigurationError{WorkflowID: g.ID(), Reason: "step " + next.ID + " guard: " + err.Error()}
		}
		if !pass {
			return Plan{}, illegal("guard of step " + next.Code + " not satisfied: " + next.Guard)
		}
	}

	plan := Plan{Old: t, New: nt}
	if !from.Terminal() {
		plan.FromQueue = cur.QueueID
	}
	if !to.Terminal() {
		plan.ToQueue = next.QueueID
	}
	payload := events.EventPayload{
		"workflow_id": g.ID(),
		"from_step":   cur.Code,
		"to_step":     next.Code,
	}
	if plan.FromQueue != "" {
		payload["from_queue"] = plan.FromQueue
	}
	if plan.ToQueue != "" {
		payload["to_queue"] = plan.ToQueue
	}
	if nt.WeightIn != nil {
		payload["weight_in"] = nt.WeightIn.String()
	}
	if nt.WeightOut != nil {
		payload["weight_out"] = nt.WeightOut.String()
	}
	if nt.NetWeight != nil {
		payload["net_weight"] = nt.NetWeight.String()
	}
	plan.Event = events.Record{
		Type:         events.TypeTicketTransitioned,
		SiteID:       t.SiteID,
		TicketID:     t.ID,
		TicketNumber: t.Number,
		OldStatus:    from,
		NewStatus:    to,
		ActorID:      in.Actor.ID,
		Payload:      payload,
	}
	return plan, nil
}
