package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weighline/internal/domain"
	"weighline/internal/engine"
)

// Two Opens on one workspace stand for `serve` and a CLI command running side
// by side.
func openPair(t *testing.T) (*App, *App) {
	t.Helper()
	dir := t.TempDir()
	return openTemp(t, dir), openTemp(t, dir)
}

func createINF(t *testing.T, a *App, tier domain.Tier) domain.Ticket {
	t.Helper()
	tk, err := a.Engine.CreateTicket(context.Background(), engine.CreateTicketOptions{Categories: []string{"INF"}, SiteID: "S1", Tier: tier, Actor: admin})
	require.NoError(t, err)
	return tk
}

func TestTicketCreatedElsewhereIsQueued(t *testing.T) {
	serve, cli := openPair(t)
	ctx := context.Background()
	tk := createINF(t, cli, "")

	pos, err := serve.Engine.Position(ctx, tk.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, "s1-inf-attente", pos.QueueID)
	assert.Equal(t, 1, pos.Position)

	head, ok, err := serve.Engine.PeekNext(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tk.ID, head.TicketID)

	called, err := serve.Engine.CallNext(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, called.ID)
	assert.Equal(t, domain.StatusCalled, called.Status)
}

func TestActOnTicketCreatedElsewhere(t *testing.T) {
	serve, cli := openPair(t)
	ctx := context.Background()
	tk := createINF(t, cli, "")

	res, err := serve.Engine.Act(ctx, admin, engine.Action{TicketID: tk.ID, Name: engine.ActionCall})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCalled, res.Ticket.Status)
	assert.Equal(t, 1, serve.Engine.Board.Memberships(tk.ID))

	pos, err := cli.Engine.Position(ctx, tk.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, "s1-inf-vente", pos.QueueID)

	view, err := cli.Engine.QueueView(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)
	assert.Empty(t, view.Members)
}

func TestTicketClosedElsewhereLeavesQueue(t *testing.T) {
	serve, cli := openPair(t)
	ctx := context.Background()
	first := createINF(t, serve, "")
	second := createINF(t, serve, "")

	_, err := cli.Engine.Act(ctx, admin, engine.Action{TicketID: first.ID, Name: engine.ActionCancel})
	require.NoError(t, err)

	view, err := serve.Engine.QueueView(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)
	require.Len(t, view.Members, 1)
	assert.Equal(t, second.ID, view.Members[0].TicketID)

	called, err := serve.Engine.CallNext(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)
	assert.Equal(t, second.ID, called.ID)

	_, err = serve.Engine.CallNext(ctx, "s1-inf-attente", admin)
	assert.ErrorIs(t, err, engine.ErrQueueEmpty)
}

func TestReprioritizeElsewhereReordersQueue(t *testing.T) {
	serve, cli := openPair(t)
	ctx := context.Background()
	first := createINF(t, serve, "")
	second := createINF(t, serve, "")

	_, err := cli.Engine.Reprioritize(ctx, second.ID, domain.TierCritical, admin)
	require.NoError(t, err)

	head, ok, err := serve.Engine.PeekNext(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.ID, head.TicketID)
	assert.Equal(t, domain.TierCritical, head.Tier)

	pos, err := serve.Engine.Position(ctx, first.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, 2, pos.Position)
}

func TestStaleHeadIsSkippedOnCall(t *testing.T) {
	serve, cli := openPair(t)
	ctx := context.Background()
	first := createINF(t, serve, "")
	second := createINF(t, serve, "")

	_, err := serve.Engine.QueueView(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)
	_, err = cli.Engine.CallNext(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)

	called, err := serve.Engine.CallNext(ctx, "s1-inf-attente", admin)
	require.NoError(t, err)
	assert.Equal(t, second.ID, called.ID)

	got, err := serve.Engine.Ticket(ctx, first.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCalled, got.Status)
}
