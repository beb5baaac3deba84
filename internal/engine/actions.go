package engine

import (
	"context"
	"fmt"
	"sort"

	"weighline/internal/domain"
)

// Action is an inbound request against one ticket.
type Action struct {
	TicketID string
	Name     string
	Payload  Payload
	// Category is the target prefix of transferCategory.
	Category string
}

// ActResult is a transitioned ticket, or both tickets of a transfer.
type ActResult struct {
	Ticket   domain.Ticket   `json:"ticket"`
	Transfer *TransferResult `json:"transfer,omitempty"`
}

const (
	ActionCall              = "call"
	ActionStartSales        = "startSales"
	ActionRecordWeighIn     = "recordWeighIn"
	ActionStartLoading      = "startLoading"
	ActionFinishLoading     = "finishLoading"
	ActionRecordWeighOut    = "recordWeighOut"
	ActionFlagAnomaly       = "flagAnomaly"
	ActionResolveAnomaly    = "resolveAnomaly"
	ActionIssueDeliveryNote = "issueDeliveryNote"
	ActionComplete          = "complete"
	ActionCancel            = "cancel"
	ActionTransferCategory  = "transferCategory"
)

var actionTargets = map[string]domain.Status{
	ActionCall:              domain.StatusCalled,
	ActionStartSales:        domain.StatusSales,
	ActionRecordWeighIn:     domain.StatusWeighedIn,
	ActionStartLoading:      domain.StatusLoading,
	ActionFinishLoading:     domain.StatusLoadingDone,
	ActionRecordWeighOut:    domain.StatusWeighedOut,
	ActionFlagAnomaly:       domain.StatusWeighingAnomaly,
	ActionIssueDeliveryNote: domain.StatusDeliveryNote,
	ActionComplete:          domain.StatusDone,
	ActionCancel:            domain.StatusCancelled,
}

// Actions lists every action name Act accepts.
func Actions() []string {
	out := []string{ActionResolveAnomaly, ActionTransferCategory}
	for name := range actionTargets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Act dispatches a named action.
func (e *Engine) Act(ctx context.Context, actor domain.Actor, a Action) (ActResult, error) {
	switch a.Name {
	case ActionTransferCategory:
		res, err := e.TransferCategory(ctx, a.TicketID, a.Category, actor)
		if err != nil {
			return ActResult{}, err
		}
		return ActResult{Ticket: res.New, Transfer: &res}, nil
	case ActionResolveAnomaly:
		t, err := e.ResolveAnomaly(ctx, a.TicketID, actor, a.Payload)
		return ActResult{Ticket: t}, err
	}
	to, ok := actionTargets[a.Name]
	if !ok {
		return ActResult{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, a.Name)
	}
	t, err := e.Transition(ctx, a.TicketID, to, actor, a.Payload)
	return ActResult{Ticket: t}, err
}
