package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"weighline/internal/app"
	"weighline/internal/config"
	"weighline/internal/domain"
	"weighline/internal/engine"
)

func TestWebhookCursorSurvivesRestart(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()
	hooks := []config.WebhookConfig{{URL: hook.URL, Events: []string{"ticket.created"}}}
	ctx := context.Background()

	first := NewWebhookDispatcher(srv.App.Repo, hooks, nil)
	first.DispatchOnce(ctx)
	a := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	first.DispatchOnce(ctx)

	// written while no dispatcher runs
	b := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	NewWebhookDispatcher(srv.App.Repo, hooks, nil).DispatchOnce(ctx)

	// a delivery failing right before a restart
	rec.fail(1)
	c := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	NewWebhookDispatcher(srv.App.Repo, hooks, nil).DispatchOnce(ctx)
	NewWebhookDispatcher(srv.App.Repo, hooks, nil).DispatchOnce(ctx)

	bodies, _ := rec.received()
	if len(bodies) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(bodies))
	}
	for i, want := range []string{a.ID, b.ID, c.ID} {
		if bodies[i].TicketID != want {
			t.Fatalf("delivery %d went to %s, want %s", i, bodies[i].TicketID, want)
		}
	}
	cur, ok, err := srv.App.Repo.WebhookCursor(ctx, hooks[0].Key())
	if err != nil || !ok || cur != bodies[2].ID {
		t.Fatalf("stored cursor %d ok=%v err=%v, want %d", cur, ok, err, bodies[2].ID)
	}
}

func TestWebhookCursorInitFailureDoesNotReplay(t *testing.T) {
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Engine.CreateTicket(ctx, engine.CreateTicketOptions{Categories: []string{"INF"}, SiteID: "S1", Actor: adminActor}); err != nil {
		t.Fatalf("create: %v", err)
	}
	a.Close()

	rec := &hookRecorder{}
	hook := httptest.NewServer(rec)
	defer hook.Close()
	hooks := []config.WebhookConfig{{URL: hook.URL}}
	d := NewWebhookDispatcher(a.Repo, hooks, nil)
	d.DispatchOnce(ctx)

	if _, err := d.cursorFor(ctx, hooks[0].Key()); err == nil {
		t.Fatalf("expected cursor init error on a closed database")
	}
	if bodies, _ := rec.received(); len(bodies) != 0 {
		t.Fatalf("history replayed: %d deliveries", len(bodies))
	}
	if len(d.cursors) != 0 {
		t.Fatalf("cursor cached after failed init: %v", d.cursors)
	}
}

func TestIdempotencyKeysOfRepeatedStatusesDiffer(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	eng := srv.App.Engine

	tk, err := eng.CreateTicket(ctx, engine.CreateTicketOptions{Categories: []string{"INF"}, SiteID: "S1", Actor: adminActor})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eng.Reprioritize(ctx, tk.ID, domain.TierUrgent, adminActor); err != nil {
		t.Fatalf("reprioritize: %v", err)
	}
	steps := []engine.Action{
		{Name: engine.ActionCall},
		{Name: engine.ActionStartSales},
		{Name: engine.ActionRecordWeighIn, Payload: engine.Payload{Weight: "10000"}},
		{Name: engine.ActionFlagAnomaly},
		{Name: engine.ActionResolveAnomaly, Payload: engine.Payload{Weight: "10100"}},
	}
	for _, a := range steps {
		a.TicketID = tk.ID
		if _, err := eng.Act(ctx, adminActor, a); err != nil {
			t.Fatalf("%s: %v", a.Name, err)
		}
	}

	evts, err := srv.App.Repo.ListEvents(ctx, 0, 0, "", tk.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]int64{}
	byStatus := map[domain.Status]int{}
	for _, evt := range evts {
		key := IdempotencyKey(evt)
		if prev, dup := seen[key]; dup {
			t.Fatalf("events %d and %d share key %s", prev, evt.ID, key)
		}
		seen[key] = evt.ID
		byStatus[evt.NewStatus]++
	}
	if byStatus[domain.StatusWaiting] != 2 || byStatus[domain.StatusWeighedIn] != 2 {
		t.Fatalf("expected repeated statuses, got %v", byStatus)
	}
}
