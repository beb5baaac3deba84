package queue

import (
	"fmt"
	"sync"

	"weighline/internal/domain"
)

// NotFoundError reports a ticket or queue that is not where the caller expected.
type NotFoundError struct {
	QueueID  string
	TicketID string
}

func (e NotFoundError) Error() string {
	if e.TicketID == "" {
		return fmt.Sprintf("queue %s not found", e.QueueID)
	}
	return fmt.Sprintf("ticket %s not in queue %s", e.TicketID, e.QueueID)
}

// DuplicateMembershipError reports a ticket that already sits in a queue.
type DuplicateMembershipError struct {
	TicketID string
	QueueID  string
}

func (e DuplicateMembershipError) Error() string {
	return fmt.Sprintf("ticket %s already in queue %s", e.TicketID, e.QueueID)
}

// Queue is the ordered waiting line of one service point. All methods are
// safe for concurrent use; mutations on one queue are serialized by its lock.
type Queue struct {
	id string

	mu      sync.Mutex
	root    *node
	head    *node
	index   map[string]Entry
	inserts uint64
}

func New(id string) *Queue {
	return &Queue{id: id, index: make(map[string]Entry)}
}

func (q *Queue) ID() string { return q.id }

func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.insertLocked(e)
}

func (q *Queue) insertLocked(e Entry) error {
	if _, ok := q.index[e.TicketID]; ok {
		return DuplicateMembershipError{TicketID: e.TicketID, QueueID: q.id}
	}
	q.inserts++
	q.root = insert(q.root, &node{entry: e, prio: mix(q.inserts ^ e.Seq), size: 1})
	q.index[e.TicketID] = e
	q.head = leftmost(q.root)
	return nil
}

// Dequeue removes the ticket and returns its entry.
func (q *Queue) Dequeue(ticketID string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ticketID)
}

func (q *Queue) removeLocked(ticketID string) (Entry, error) {
	e, ok := q.index[ticketID]
	if !ok {
		return Entry{}, NotFoundError{QueueID: q.id, TicketID: ticketID}
	}
	q.root, _ = remove(q.root, e)
	delete(q.index, ticketID)
	q.head = leftmost(q.root)
	return e, nil
}

// PeekNext returns the head; ok is false on an empty queue.
func (q *Queue) PeekNext() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return Entry{}, false
	}
	return q.head.entry, true
}

// First returns the earliest entry matching pred.
func (q *Queue) First(pred func(Entry) bool) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		found Entry
		ok    bool
	)
	walk(q.root, func(e Entry) bool {
		if pred(e) {
			found, ok = e, true
			return false
		}
		return true
	})
	return found, ok
}

// Position returns the 1-based rank of the ticket.
func (q *Queue) Position(ticketID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[ticketID]
	if !ok {
		return 0, NotFoundError{QueueID: q.id, TicketID: ticketID}
	}
	return rank(q.root, e) + 1, nil
}

// Reprioritize re-keys the ticket under tier. Arrival and seq are kept, so the
// relative order of every other member is unchanged.
func (q *Queue) Reprioritize(ticketID string, tier domain.Tier) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.removeLocked(ticketID)
	if err != nil {
		return Entry{}, err
	}
	e.Tier = tier
	if err := q.insertLocked(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// SetStatus updates the status carried by the entry; it is not part of the key.
func (q *Queue) SetStatus(ticketID string, st domain.Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[ticketID]
	if !ok {
		return NotFoundError{QueueID: q.id, TicketID: ticketID}
	}
	q.root, _ = remove(q.root, e)
	e.Status = st
	q.index[ticketID] = e
	q.inserts++
	q.root = insert(q.root, &node{entry: e, prio: mix(q.inserts ^ e.Seq), size: 1})
	q.head = leftmost(q.root)
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return sizeOf(q.root)
}

// Snapshot returns members in service order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, sizeOf(q.root))
	walk(q.root, func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}
