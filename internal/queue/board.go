package queue

import (
	"sort"
	"sync"

	"weighline/internal/domain"
)

// Board owns every queue and the ticket -> queue membership map, so that a
// ticket is a member of at most one queue at any instant.
type Board struct {
	mu      sync.RWMutex
	queues  map[string]*Queue
	members sync.Map
}

func NewBoard() *Board {
	return &Board{queues: make(map[string]*Queue)}
}

// AddQueue registers id, returning the existing queue if already present.
func (b *Board) AddQueue(id string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[id]; ok {
		return q
	}
	q := New(id)
	b.queues[id] = q
	return q
}

func (b *Board) Queue(id string) (*Queue, error) {
	b.mu.RLock()
	q, ok := b.queues[id]
	b.mu.RUnlock()
	if !ok {
		return nil, NotFoundError{QueueID: id}
	}
	return q, nil
}

func (b *Board) QueueIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Locate returns the queue holding ticketID.
func (b *Board) Locate(ticketID string) (string, bool) {
	v, ok := b.members.Load(ticketID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Enqueue inserts e into queueID, failing if the ticket is a member of any queue.
func (b *Board) Enqueue(queueID string, e Entry) error {
	q, err := b.Queue(queueID)
	if err != nil {
		return err
	}
	if prev, loaded := b.members.LoadOrStore(e.TicketID, queueID); loaded {
		return DuplicateMembershipError{TicketID: e.TicketID, QueueID: prev.(string)}
	}
	if err := q.Enqueue(e); err != nil {
		b.members.CompareAndDelete(e.TicketID, queueID)
		return err
	}
	return nil
}

// Dequeue removes ticketID from queueID.
func (b *Board) Dequeue(queueID, ticketID string) (Entry, error) {
	q, err := b.Queue(queueID)
	if err != nil {
		return Entry{}, err
	}
	e, err := q.Dequeue(ticketID)
	if err != nil {
		return Entry{}, err
	}
	b.members.CompareAndDelete(ticketID, queueID)
	return e, nil
}

// Move transfers ownership of a ticket from one queue to another in a single
// step. Either side may be empty: from == "" means the ticket is not queued,
// to == "" means it leaves every queue. e is the entry to insert into to.
func (b *Board) Move(ticketID, from, to string, e Entry) error {
	if from == to {
		if from == "" {
			return nil
		}
		q, err := b.Queue(from)
		if err != nil {
			return err
		}
		return q.SetStatus(ticketID, e.Status)
	}
	var src, dst *Queue
	var err error
	if from != "" {
		if src, err = b.Queue(from); err != nil {
			return err
		}
	}
	if to != "" {
		if dst, err = b.Queue(to); err != nil {
			return err
		}
	}
	unlock := lockPair(src, dst)
	defer unlock()

	if from == "" {
		if prev, loaded := b.members.LoadOrStore(ticketID, to); loaded {
			return DuplicateMembershipError{TicketID: ticketID, QueueID: prev.(string)}
		}
	} else if cur, ok := b.members.Load(ticketID); !ok || cur.(string) != from {
		return NotFoundError{QueueID: from, TicketID: ticketID}
	}

	var old Entry
	if src != nil {
		if old, err = src.removeLocked(ticketID); err != nil {
			return err
		}
	}
	if dst != nil {
		e.TicketID = ticketID
		if err := dst.insertLocked(e); err != nil {
			if src != nil {
				_ = src.insertLocked(old)
			} else {
				b.members.CompareAndDelete(ticketID, to)
			}
			return err
		}
	}
	switch {
	case from != "" && to != "":
		b.members.CompareAndSwap(ticketID, from, to)
	case from != "":
		b.members.CompareAndDelete(ticketID, from)
	}
	return nil
}

// Place makes to the only queue holding the ticket, wherever the board had it
// before. An empty to removes the ticket from every queue.
func (b *Board) Place(ticketID, to string, e Entry) error {
	from, _ := b.Locate(ticketID)
	if from != to {
		return b.Move(ticketID, from, to, e)
	}
	if to == "" {
		return nil
	}
	q, err := b.Queue(to)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	old, err := q.removeLocked(ticketID)
	if err != nil {
		return err
	}
	e.TicketID = ticketID
	if err := q.insertLocked(e); err != nil {
		_ = q.insertLocked(old)
		return err
	}
	return nil
}

// Replace swaps the content of every queue for members, keyed by queue id.
// Queues missing from members end up empty. Nothing changes on error.
func (b *Board) Replace(members map[string][]Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	owner := make(map[string]string)
	for id, list := range members {
		if _, ok := b.queues[id]; !ok {
			return NotFoundError{QueueID: id}
		}
		for _, e := range list {
			if prev, ok := owner[e.TicketID]; ok {
				return DuplicateMembershipError{TicketID: e.TicketID, QueueID: prev}
			}
			owner[e.TicketID] = id
		}
	}
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		q := b.queues[id]
		q.mu.Lock()
		defer q.mu.Unlock()
		q.root, q.head = nil, nil
		q.index = make(map[string]Entry)
		for _, e := range members[id] {
			if err := q.insertLocked(e); err != nil {
				return err
			}
		}
	}
	b.members.Range(func(k, _ any) bool {
		if _, ok := owner[k.(string)]; !ok {
			b.members.Delete(k)
		}
		return true
	})
	for ticketID, id := range owner {
		b.members.Store(ticketID, id)
	}
	return nil
}

// lockPair locks both queues in id order.
func lockPair(a, b *Queue) func() {
	switch {
	case a == nil && b == nil:
		return func() {}
	case a == nil:
		b.mu.Lock()
		return b.mu.Unlock
	case b == nil:
		a.mu.Lock()
		return a.mu.Unlock
	}
	if b.id < a.id {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// Position returns the queue holding ticketID and the ticket's 1-based rank in it.
func (b *Board) Position(ticketID string) (string, int, error) {
	queueID, ok := b.Locate(ticketID)
	if !ok {
		return "", 0, NotFoundError{TicketID: ticketID}
	}
	q, err := b.Queue(queueID)
	if err != nil {
		return "", 0, err
	}
	pos, err := q.Position(ticketID)
	return queueID, pos, err
}

// Reprioritize re-keys ticketID in whichever queue holds it.
func (b *Board) Reprioritize(ticketID string, tier domain.Tier) (Entry, error) {
	queueID, ok := b.Locate(ticketID)
	if !ok {
		return Entry{}, NotFoundError{TicketID: ticketID}
	}
	q, err := b.Queue(queueID)
	if err != nil {
		return Entry{}, err
	}
	return q.Reprioritize(ticketID, tier)
}

// Memberships counts the queues holding ticketID by scanning all of them.
func (b *Board) Memberships(ticketID string) int {
	n := 0
	for _, id := range b.QueueIDs() {
		q, _ := b.Queue(id)
		q.mu.Lock()
		if _, ok := q.index[ticketID]; ok {
			n++
		}
		q.mu.Unlock()
	}
	return n
}
