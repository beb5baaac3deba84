package engine

import (
	"context"
	"errors"
	"sync"

	"weighline/internal/domain"
	"weighline/internal/queue"
	"weighline/internal/repo"
	"weighline/internal/workflow"
)

// boardSync tracks how far the board reflects the tickets table. The event
// log id is the watermark: every ticket write appends an event in the same
// transaction, so a MAX(id) other than the watermark means the board may
// miss a write, usually one made by another process.
type boardSync struct {
	// Writers hold gate shared from BeginTx until their board change is
	// committed or undone. Reloads hold it exclusively.
	gate sync.RWMutex

	mu     sync.Mutex
	synced int64
}

func (s *boardSync) watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

func (s *boardSync) set(id int64) {
	s.mu.Lock()
	s.synced = id
	s.mu.Unlock()
}

// advance moves the watermark over committed events that directly follow it.
// A gap is left alone so the next refresh reloads.
func (s *boardSync) advance(evts ...domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range evts {
		if evt.ID == s.synced+1 {
			s.synced = evt.ID
		}
	}
}

func (s *boardSync) invalidate() { s.set(-1) }

// writing marks a board change in flight; the returned func ends it.
func (e *Engine) writing() func() {
	e.mirror.gate.RLock()
	return e.mirror.gate.RUnlock
}

// refresh reloads the board when the event log has moved past the watermark.
func (e *Engine) refresh(ctx context.Context) error {
	latest, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return err
	}
	if latest == e.mirror.watermark() {
		return nil
	}
	e.mirror.gate.Lock()
	defer e.mirror.gate.Unlock()
	n, err := e.reload(ctx)
	if err != nil {
		return err
	}
	e.log().DebugContext(ctx, "queue board resynced", "tickets", n, "event_id", e.mirror.watermark())
	return nil
}

// reload rebuilds every queue from the open tickets. The caller holds the gate.
func (e *Engine) reload(ctx context.Context) (int, error) {
	for _, g := range e.Registry.All() {
		for _, q := range g.Queues() {
			e.Board.AddQueue(q)
		}
	}
	// Read the watermark first: a write landing between the two queries is
	// then picked up again by the next refresh.
	latest, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	tickets, err := e.Repo.ListTickets(ctx, repo.TicketFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	members := make(map[string][]queue.Entry)
	n := 0
	for _, t := range tickets {
		queueID, err := e.queueOf(t)
		if err != nil {
			return 0, err
		}
		if queueID == "" {
			continue
		}
		members[queueID] = append(members[queueID], entryFor(t))
		n++
	}
	if err := e.Board.Replace(members); err != nil {
		return 0, err
	}
	e.mirror.set(latest)
	return n, nil
}

// queueOf returns the queue of the ticket's step, or "" when the step has
// none or the ticket is closed.
func (e *Engine) queueOf(t domain.Ticket) (string, error) {
	if t.Status.Terminal() {
		return "", nil
	}
	g, err := e.graphFor(t)
	if err != nil {
		return "", err
	}
	step, ok := g.Step(t.StepID)
	if !ok {
		return "", workflow.ConfigurationError{WorkflowID: g.ID(), Reason: "ticket " + t.Number + " references unknown step " + t.StepID}
	}
	return step.QueueID, nil
}

// staleHead reports errors CallNext sees when the head it picked was changed
// by another process after the last refresh.
func staleHead(err error) bool {
	var cme ConcurrentModificationError
	var ill IllegalTransitionError
	return errors.As(err, &cme) || errors.As(err, &ill) || errors.Is(err, repo.ErrNotFound)
}
