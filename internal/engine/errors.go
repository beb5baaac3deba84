package engine

import (
	"errors"
	"fmt"
	"strings"

	"weighline/internal/domain"
)

// ErrQueueEmpty is returned by CallNext when no member of the queue can be called.
var ErrQueueEmpty = errors.New("queue empty")

// ErrInvalidInput wraps malformed requests: unknown actions or tiers, missing categories.
var ErrInvalidInput = errors.New("invalid input")

// IllegalTransitionError carries the legal next statuses so callers can guide
// the actor.
type IllegalTransitionError struct {
	From    domain.Status
	To      domain.Status
	Allowed []domain.Status
	Reason  string
}

func (e IllegalTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	msg := fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg + " (allowed: " + strings.Join(allowed, ", ") + ")"
}

type InvalidWeightError struct {
	Value  string
	Reason string
}

func (e InvalidWeightError) Error() string {
	if e.Value == "" {
		return "invalid weight: " + e.Reason
	}
	return fmt.Sprintf("invalid weight %q: %s", e.Value, e.Reason)
}

// ConcurrentModificationError reports a lost optimistic-revision race. The
// caller may re-read the ticket and retry once.
type ConcurrentModificationError struct {
	TicketID string
	Revision int64
}

func (e ConcurrentModificationError) Error() string {
	return fmt.Sprintf("ticket %s changed since revision %d", e.TicketID, e.Revision)
}
