package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"weighline/internal/app"
	"weighline/internal/config"
	"weighline/internal/domain"
	"weighline/internal/engine"
)

const testSecret = "test-secret"

var (
	adminActor = domain.Actor{ID: "admin", Role: domain.RoleAdministrator}
	gateS1     = domain.Actor{ID: "guerite-s1", Role: domain.RoleGateAgent, SiteID: "S1", CompanyID: "C1"}
	dockS1     = domain.Actor{ID: "quai-s1", Role: domain.RoleDockAgent, SiteID: "S1", CompanyID: "C1"}
	supS2      = domain.Actor{ID: "sup-s2", Role: domain.RoleSupervisor, SiteID: "S2", CompanyID: "C1"}
)

type testServer struct {
	URL    string
	App    *app.App
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	a, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	handler, err := New(Config{Engine: a.Engine, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		App:    a,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor domain.Actor) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func createTicket(t *testing.T, srv *testServer, actor domain.Actor, body map[string]any) TicketResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tickets", body, bearer(t, actor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create ticket status %d: %s", res.StatusCode, string(data))
	}
	var tk TicketResponse
	if err := json.Unmarshal(data, &tk); err != nil {
		t.Fatalf("unmarshal ticket: %v", err)
	}
	return tk
}

func act(t *testing.T, srv *testServer, actor domain.Actor, ticketID string, body map[string]any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tickets/"+ticketID+"/actions", body, bearer(t, actor))
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tickets", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tickets", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "invalid_credentials" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestTicketLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	tk := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	if tk.Status != domain.StatusWaiting || tk.SiteID != "S1" {
		t.Fatalf("unexpected ticket %+v", tk)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/queues/s1-inf-attente/call", nil, bearer(t, dockS1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("call next status %d: %s", res.StatusCode, string(data))
	}
	var called TicketResponse
	_ = json.Unmarshal(data, &called)
	if called.ID != tk.ID || called.Status != domain.StatusCalled || called.CalledBy != dockS1.ID {
		t.Fatalf("unexpected called ticket %+v", called)
	}

	steps := []struct {
		action string
		weight string
		want   domain.Status
	}{
		{engine.ActionStartSales, "", domain.StatusSales},
		{engine.ActionRecordWeighIn, "14000", domain.StatusWeighedIn},
		{engine.ActionStartLoading, "", domain.StatusLoading},
		{engine.ActionFinishLoading, "", domain.StatusLoadingDone},
		{engine.ActionRecordWeighOut, "38250.5", domain.StatusWeighedOut},
		{engine.ActionIssueDeliveryNote, "", domain.StatusDeliveryNote},
		{engine.ActionComplete, "", domain.StatusDone},
	}
	var last ActionResponse
	for _, step := range steps {
		body := map[string]any{"action": step.action}
		if step.weight != "" {
			body["weight"] = step.weight
		}
		res, data := act(t, srv, gateS1, tk.ID, body)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", step.action, res.StatusCode, string(data))
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal action: %v", err)
		}
		if last.Ticket.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.action, step.want, last.Ticket.Status)
		}
	}
	if last.Ticket.NetWeight != "24250.5" {
		t.Fatalf("expected net 24250.5, got %q", last.Ticket.NetWeight)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/ticket-numbers/"+tk.Number, nil, bearer(t, dockS1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get by number status %d: %s", res.StatusCode, string(data))
	}
}

func TestIllegalTransitionListsAllowedStatuses(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tk := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})

	res, data := act(t, srv, gateS1, tk.ID, map[string]any{"action": engine.ActionStartSales})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "illegal_transition" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
	allowed, _ := env.Error.Details["allowed"].([]any)
	found := false
	for _, s := range allowed {
		if s == string(domain.StatusCalled) {
			found = true
		}
	}
	if !found {
		t.Fatalf("allowed statuses %v should include %s", allowed, domain.StatusCalled)
	}

	res, data = act(t, srv, gateS1, tk.ID, map[string]any{"action": "teleport"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d %s", res.StatusCode, string(data))
	}
}

func TestScopeAndPermissionErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tk := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tickets/"+tk.ID, nil, bearer(t, supS2))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 out of scope, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Details["site_id"] != "S1" {
		t.Fatalf("expected site detail, got %v", env.Error.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tickets", map[string]any{"categories": []string{"INF"}}, bearer(t, dockS1))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for dock agent create, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Details["permission"] != "ticket:create" {
		t.Fatalf("expected permission detail, got %v", env.Error.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tickets/does-not-exist", nil, bearer(t, adminActor))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestInvalidWeightIsUnprocessable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tk := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	for _, action := range []string{engine.ActionCall, engine.ActionStartSales} {
		if res, data := act(t, srv, gateS1, tk.ID, map[string]any{"action": action}); res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", action, res.StatusCode, string(data))
		}
	}
	res, data := act(t, srv, gateS1, tk.ID, map[string]any{"action": engine.ActionRecordWeighIn, "weight": "-12"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_weight" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestQueueViewsAndEmptyCall(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	normal := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	urgent := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}, "tier": "CRITIQUE"})

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/queues/s1-inf-attente", nil, bearer(t, dockS1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	var q QueueResponse
	_ = json.Unmarshal(data, &q)
	if q.Length != 2 || q.Members[0].TicketID != urgent.ID || q.Members[1].TicketID != normal.ID {
		t.Fatalf("unexpected queue order %+v", q.Members)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tickets/"+normal.ID+"/position", nil, bearer(t, dockS1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("position status %d: %s", res.StatusCode, string(data))
	}
	var pos engine.TicketPosition
	_ = json.Unmarshal(data, &pos)
	if pos.Position != 2 || pos.QueueID != "s1-inf-attente" {
		t.Fatalf("unexpected position %+v", pos)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/tickets/"+normal.ID+"/priority", map[string]any{"tier": "CRITIQUE"}, bearer(t, dockS1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("priority status %d: %s", res.StatusCode, string(data))
	}

	for i := 0; i < 2; i++ {
		if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/queues/s1-inf-attente/call", nil, bearer(t, dockS1)); res.StatusCode != http.StatusOK {
			t.Fatalf("call %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/queues/s1-inf-attente/call", nil, bearer(t, dockS1))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on empty queue, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "queue_empty" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}
}

func TestTransferOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tk := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	sup1 := domain.Actor{ID: "sup-s1", Role: domain.RoleSupervisor, SiteID: "S1", CompanyID: "C1"}

	res, data := act(t, srv, sup1, tk.ID, map[string]any{"action": engine.ActionTransferCategory, "category": "ELECT"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transfer status %d: %s", res.StatusCode, string(data))
	}
	var out ActionResponse
	_ = json.Unmarshal(data, &out)
	if out.Transferred == nil || out.Transferred.Status != domain.StatusTransferred {
		t.Fatalf("expected closed original, got %+v", out.Transferred)
	}
	if out.Ticket.Number == tk.Number || out.Ticket.TransferredFrom != tk.ID || out.Ticket.Status != domain.StatusWaiting {
		t.Fatalf("unexpected new ticket %+v", out.Ticket)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rbac/api-keys", map[string]any{
		"actor_id": "pont-bascule-1",
		"role":     "AGENT_GUERITE",
		"site_id":  "S1",
		"name":     "weighbridge terminal",
	}, bearer(t, gateS1))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without rbac:manage, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/rbac/api-keys", map[string]any{
		"actor_id": "pont-bascule-1",
		"role":     "AGENT_GUERITE",
		"site_id":  "S1",
		"name":     "weighbridge terminal",
	}, bearer(t, adminActor))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key app.IssuedKey
	_ = json.Unmarshal(data, &key)

	headers := map[string]string{"X-Api-Key": key.Raw}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "pont-bascule-1" || who.Role != domain.RoleGateAgent || who.Source != "api_key" || len(who.Permissions) == 0 {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, data = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/rbac/api-keys/"+key.ID, nil, bearer(t, adminActor))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, headers)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked key to fail, got %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "sup-s1", "role": "SUPERVISOR", "site_id": "S1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var tok DevLoginResponse
	_ = json.Unmarshal(data, &tok)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/workflows", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("workflows status %d: %s", res.StatusCode, string(data))
	}
	var wfs workflowList
	_ = json.Unmarshal(data, &wfs)
	for _, wf := range wfs.Items {
		if wf.SiteID != "S1" {
			t.Fatalf("supervisor of S1 sees workflow %s of %s", wf.ID, wf.SiteID)
		}
	}
}

func TestEventsPaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for i := 0; i < 3; i++ {
		createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?limit=2", nil, bearer(t, gateS1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?limit=2&cursor="+page.NextCursor, nil, bearer(t, gateS1))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, string(data))
	}
	var next paginatedEvents
	_ = json.Unmarshal(data, &next)
	if len(next.Items) != 1 || next.NextCursor != "" || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("unexpected second page %+v", next)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?site_id=S1", nil, bearer(t, supS2))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for other site events, got %d %s", res.StatusCode, string(data))
	}
}

type hookRecorder struct {
	mu       sync.Mutex
	failNext int
	bodies   []webhookEvent
	keys     []string
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failNext > 0 {
		h.failNext--
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.bodies = append(h.bodies, evt)
	h.keys = append(h.keys, r.Header.Get("X-Weighline-Idempotency-Key"))
}

func (h *hookRecorder) fail(n int) {
	h.mu.Lock()
	h.failNext = n
	h.mu.Unlock()
}

func (h *hookRecorder) received() ([]webhookEvent, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]webhookEvent(nil), h.bodies...), append([]string(nil), h.keys...)
}

func TestWebhookDispatcherRetriesFailedDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	rec := &hookRecorder{failNext: 1}
	hook := httptest.NewServer(rec)
	defer hook.Close()

	d := NewWebhookDispatcher(srv.App.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{"ticket.created"}}}, nil)
	ctx := context.Background()
	d.DispatchOnce(ctx)

	tk := createTicket(t, srv, gateS1, map[string]any{"categories": []string{"INF"}})
	d.DispatchOnce(ctx)
	if bodies, _ := rec.received(); len(bodies) != 0 {
		t.Fatalf("first delivery should have failed")
	}
	d.DispatchOnce(ctx)
	d.DispatchOnce(ctx)
	bodies, keys := rec.received()
	if len(bodies) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(bodies))
	}
	if bodies[0].TicketID != tk.ID || bodies[0].NewStatus != domain.StatusWaiting {
		t.Fatalf("unexpected webhook body %+v", bodies[0])
	}
	if keys[0] != tk.ID+":"+string(domain.StatusWaiting)+":"+strconv.FormatInt(bodies[0].ID, 10) {
		t.Fatalf("unexpected idempotency key %q", keys[0])
	}
}
