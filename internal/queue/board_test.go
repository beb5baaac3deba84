package queue

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weighline/internal/domain"
)

func newBoard(ids ...string) *Board {
	b := NewBoard()
	for _, id := range ids {
		b.AddQueue(id)
	}
	return b
}

func TestBoardRejectsSecondMembership(t *testing.T) {
	b := newBoard("a", "b")
	require.NoError(t, b.Enqueue("a", entry("t1", domain.TierNormal, 0)))

	err := b.Enqueue("b", entry("t1", domain.TierNormal, 0))
	var dup DuplicateMembershipError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "a", dup.QueueID)
	assert.Equal(t, 1, b.Memberships("t1"))

	_, err = b.Queue("missing")
	var nf NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestBoardMove(t *testing.T) {
	b := newBoard("a", "b")
	require.NoError(t, b.Enqueue("a", entry("t1", domain.TierNormal, 0)))

	moved := entry("t1", domain.TierNormal, 0)
	moved.Status = domain.StatusCalled
	require.NoError(t, b.Move("t1", "a", "b", moved))
	q, pos, err := b.Position("t1")
	require.NoError(t, err)
	assert.Equal(t, "b", q)
	assert.Equal(t, 1, pos)
	assert.Equal(t, 1, b.Memberships("t1"))

	// wrong source
	err = b.Move("t1", "a", "b", moved)
	var nf NotFoundError
	require.True(t, errors.As(err, &nf))

	// same queue only updates the carried status
	moved.Status = domain.StatusSales
	require.NoError(t, b.Move("t1", "b", "b", moved))
	bq, _ := b.Queue("b")
	head, ok := bq.PeekNext()
	require.True(t, ok)
	assert.Equal(t, domain.StatusSales, head.Status)

	// leave every queue
	require.NoError(t, b.Move("t1", "b", "", Entry{}))
	_, ok = b.Locate("t1")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Memberships("t1"))

	// enter from nowhere
	require.NoError(t, b.Move("t1", "", "a", moved))
	err = b.Move("t1", "", "b", moved)
	var dup DuplicateMembershipError
	assert.True(t, errors.As(err, &dup))
}

func TestBoardReprioritize(t *testing.T) {
	b := newBoard("a")
	require.NoError(t, b.Enqueue("a", entry("n", domain.TierNormal, 0)))
	require.NoError(t, b.Enqueue("a", entry("late", domain.TierNormal, 5)))

	_, err := b.Reprioritize("late", domain.TierCritical)
	require.NoError(t, err)
	_, pos, err := b.Position("late")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	_, err = b.Reprioritize("ghost", domain.TierCritical)
	assert.Error(t, err)
}

func TestBoardConcurrentMovesKeepSingleMembership(t *testing.T) {
	queues := []string{"q1", "q2", "q3", "q4"}
	b := newBoard(queues...)
	const tickets = 40
	for i := 0; i < tickets; i++ {
		require.NoError(t, b.Enqueue("q1", entry(fmt.Sprintf("t%d", i), domain.TierNormal, i)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("t%d", (i*7+w)%tickets)
				from, ok := b.Locate(id)
				if !ok {
					continue
				}
				to := queues[(i+w)%len(queues)]
				// races are expected to fail with typed errors, never to corrupt state
				_ = b.Move(id, from, to, entry(id, domain.TierNormal, 0))
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, id := range queues {
		q, _ := b.Queue(id)
		snap := q.Snapshot()
		for i := 1; i < len(snap); i++ {
			require.False(t, less(snap[i], snap[i-1]), "queue %s out of order", id)
		}
		total += len(snap)
	}
	assert.Equal(t, tickets, total)
	for i := 0; i < tickets; i++ {
		assert.Equal(t, 1, b.Memberships(fmt.Sprintf("t%d", i)))
	}
}

func TestBoardPlaceFollowsTheRow(t *testing.T) {
	b := newBoard("a", "b")
	require.NoError(t, b.Enqueue("a", entry("t1", domain.TierNormal, 0)))
	require.NoError(t, b.Enqueue("a", entry("t2", domain.TierNormal, 1)))

	// unknown to the board: inserted
	require.NoError(t, b.Place("t3", "b", entry("t3", domain.TierNormal, 2)))
	q, _ := b.Locate("t3")
	assert.Equal(t, "b", q)

	// held elsewhere: moved
	require.NoError(t, b.Place("t1", "b", entry("t1", domain.TierNormal, 0)))
	q, pos, err := b.Position("t1")
	require.NoError(t, err)
	assert.Equal(t, "b", q)
	assert.Equal(t, 1, pos)

	// same queue: re-keyed
	require.NoError(t, b.Place("t3", "b", entry("t3", domain.TierCritical, 2)))
	_, pos, err = b.Position("t3")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	// no queue: dropped
	require.NoError(t, b.Place("t2", "", entry("t2", domain.TierNormal, 1)))
	_, ok := b.Locate("t2")
	assert.False(t, ok)
	assert.Zero(t, b.Memberships("t2"))
	require.NoError(t, b.Place("t2", "", entry("t2", domain.TierNormal, 1)))
}

func TestBoardReplace(t *testing.T) {
	b := newBoard("a", "b")
	require.NoError(t, b.Enqueue("a", entry("gone", domain.TierNormal, 0)))
	require.NoError(t, b.Enqueue("a", entry("moved", domain.TierNormal, 1)))

	require.NoError(t, b.Replace(map[string][]Entry{
		"a": {entry("new", domain.TierNormal, 2)},
		"b": {entry("moved", domain.TierNormal, 1)},
	}))
	_, ok := b.Locate("gone")
	assert.False(t, ok)
	q, _ := b.Locate("moved")
	assert.Equal(t, "b", q)
	aq, _ := b.Queue("a")
	require.Equal(t, 1, aq.Len())
	head, _ := aq.PeekNext()
	assert.Equal(t, "new", head.TicketID)
	assert.Equal(t, 1, b.Memberships("moved"))

	err := b.Replace(map[string][]Entry{
		"a": {entry("x", domain.TierNormal, 3)},
		"b": {entry("x", domain.TierNormal, 3)},
	})
	var dup DuplicateMembershipError
	require.True(t, errors.As(err, &dup))
	err = b.Replace(map[string][]Entry{"missing": nil})
	var nf NotFoundError
	require.True(t, errors.As(err, &nf))
	// a failed replace leaves the board as it was
	assert.Equal(t, 1, aq.Len())
	q, _ = b.Locate("moved")
	assert.Equal(t, "b", q)
}
