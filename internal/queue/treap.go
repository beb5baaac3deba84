package queue

import (
	"time"

	"weighline/internal/domain"
)

// Entry is one ticket reference inside a queue.
type Entry struct {
	TicketID  string        `json:"ticket_id"`
	Number    string        `json:"number"`
	Tier      domain.Tier   `json:"tier"`
	ArrivedAt time.Time     `json:"arrived_at"`
	Seq       uint64        `json:"seq"`
	Status    domain.Status `json:"status"`
}

// less orders entries by (tier rank, arrival, seq). seq makes the key total.
func less(a, b Entry) bool {
	if ra, rb := a.Tier.Rank(), b.Tier.Rank(); ra != rb {
		return ra < rb
	}
	if !a.ArrivedAt.Equal(b.ArrivedAt) {
		return a.ArrivedAt.Before(b.ArrivedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.TicketID < b.TicketID
}

// node of a size-augmented treap; size gives O(log n) rank queries.
type node struct {
	entry       Entry
	prio        uint64
	size        int
	left, right *node
}

func sizeOf(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func (n *node) fix() {
	n.size = 1 + sizeOf(n.left) + sizeOf(n.right)
}

// split partitions t into keys < e and keys >= e.
func split(t *node, e Entry) (*node, *node) {
	if t == nil {
		return nil, nil
	}
	if less(t.entry, e) {
		l, r := split(t.right, e)
		t.right = l
		t.fix()
		return t, r
	}
	l, r := split(t.left, e)
	t.left = r
	t.fix()
	return l, t
}

func merge(a, b *node) *node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if a.prio > b.prio {
		a.right = merge(a.right, b)
		a.fix()
		return a
	}
	b.left = merge(a, b.left)
	b.fix()
	return b
}

func insert(t *node, n *node) *node {
	l, r := split(t, n.entry)
	return merge(merge(l, n), r)
}

// remove deletes the node whose key equals e.
func remove(t *node, e Entry) (*node, bool) {
	if t == nil {
		return nil, false
	}
	switch {
	case less(e, t.entry):
		var ok bool
		t.left, ok = remove(t.left, e)
		t.fix()
		return t, ok
	case less(t.entry, e):
		var ok bool
		t.right, ok = remove(t.right, e)
		t.fix()
		return t, ok
	default:
		return merge(t.left, t.right), true
	}
}

// rank returns the number of keys strictly less than e.
func rank(t *node, e Entry) int {
	r := 0
	for t != nil {
		if less(t.entry, e) {
			r += sizeOf(t.left) + 1
			t = t.right
		} else {
			t = t.left
		}
	}
	return r
}

func leftmost(t *node) *node {
	if t == nil {
		return nil
	}
	for t.left != nil {
		t = t.left
	}
	return t
}

// walk visits entries in order until fn returns false.
func walk(t *node, fn func(Entry) bool) bool {
	if t == nil {
		return true
	}
	if !walk(t.left, fn) {
		return false
	}
	if !fn(t.entry) {
		return false
	}
	return walk(t.right, fn)
}

// mix is splitmix64, used to derive heap priorities from insertion counters.
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
