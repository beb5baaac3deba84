package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"weighline/internal/app"
	"weighline/internal/domain"
	"weighline/internal/engine"
	"weighline/internal/engine/auth"
	"weighline/internal/queue"
	"weighline/internal/repo"
	"weighline/internal/sequence"
	"weighline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"illegal transition EN_ATTENTE -> EN_VENTE"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"allowed\":[\"APPELÉ\",\"ANNULÉ\"]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var errorLogger = slog.Default()

// New returns an HTTP handler exposing the Weighline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger != nil {
		errorLogger = cfg.Logger
		if cfg.Auth.Logger == nil {
			cfg.Auth.Logger = cfg.Logger
		}
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation is a malformed request, not a domain validation failure.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	e := cfg.Engine
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e.Repo))
	hcfg := huma.DefaultConfig("Weighline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, e)
	registerTickets(group, e)
	registerQueues(group, e)
	registerEvents(group, e)
	registerWorkflows(group, e)
	registerRBAC(group, e)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return otelhttp.NewHandler(router, "weighline.http"), nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		forbidden  auth.ForbiddenError
		illegal    engine.IllegalTransitionError
		weight     engine.InvalidWeightError
		concurrent engine.ConcurrentModificationError
		duplicate  queue.DuplicateMembershipError
		missing    queue.NotFoundError
		exhausted  sequence.ExhaustedError
		cfgErr     workflow.ConfigurationError
	)
	switch {
	case errors.As(err, &forbidden):
		details := map[string]any{}
		if forbidden.Permission != "" {
			details["permission"] = forbidden.Permission
		}
		if forbidden.SiteID != "" {
			details["site_id"] = forbidden.SiteID
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	case errors.As(err, &illegal):
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"from":    illegal.From,
			"to":      illegal.To,
			"allowed": nonNilSlice(illegal.Allowed),
		})
	case errors.As(err, &weight):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_weight", err.Error(), map[string]any{"value": weight.Value})
	case errors.As(err, &concurrent), errors.As(err, &duplicate):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"retryable": true})
	case errors.Is(err, engine.ErrQueueEmpty):
		return newAPIError(http.StatusNotFound, "queue_empty", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound), errors.As(err, &missing):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.As(err, &exhausted):
		return newAPIError(http.StatusInternalServerError, "sequence_exhausted", err.Error(), map[string]any{"prefix": exhausted.Prefix, "day": exhausted.Day})
	case errors.As(err, &cfgErr):
		return newAPIError(http.StatusInternalServerError, "configuration_error", err.Error(), map[string]any{"workflow_id": cfgErr.WorkflowID})
	default:
		errorLogger.Error("request failed", "err", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Weighline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

var defaultErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		perms := p.Actor.Permissions
		if len(perms) == 0 {
			perms = e.Perms.Of(p.Actor.Role)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     p.Actor.ID,
			Role:        p.Actor.Role,
			SiteID:      p.Actor.SiteID,
			CompanyID:   p.Actor.CompanyID,
			Permissions: nonNilSlice(perms),
			Source:      p.Source,
		}}, nil
	})
}

type ticketOutput struct {
	Body TicketResponse `json:"body"`
}

type ticketPath struct {
	TicketID string `path:"ticket_id"`
}

func registerTickets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-ticket",
		Method:        http.MethodPost,
		Path:          "/tickets",
		Summary:       "Register an arriving vehicle",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTicketRequest `json:"body"`
	}) (*ticketOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTicket(ctx, engine.CreateTicketOptions{
			Categories: input.Body.Categories,
			SiteID:     strings.TrimSpace(input.Body.SiteID),
			Tier:       domain.Tier(input.Body.Tier),
			Notes:      input.Body.Notes,
			Actor:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tickets",
		Method:      http.MethodGet,
		Path:        "/tickets",
		Summary:     "List tickets",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		SiteID     string `query:"site_id"`
		Status     string `query:"status"`
		WorkflowID string `query:"workflow_id"`
		Active     bool   `query:"active" doc:"Only tickets not yet in a terminal status"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body ticketList `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Status != "" && !domain.Status(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown status", map[string]any{"status": input.Status})
		}
		items, err := e.Tickets(ctx, repo.TicketFilter{
			SiteID:     input.SiteID,
			Status:     domain.Status(input.Status),
			WorkflowID: input.WorkflowID,
			ActiveOnly: input.Active,
			Limit:      normalizeLimit(input.Limit),
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ticketList `json:"body"`
		}{Body: ticketList{Items: mapTickets(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}",
		Summary:     "Get ticket",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *ticketPath) (*ticketOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Ticket(ctx, input.TicketID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ticket-by-number",
		Method:      http.MethodGet,
		Path:        "/ticket-numbers/{number}",
		Summary:     "Get ticket by its printed number",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Number string `path:"number" example:"INF-20250115-0001"`
	}) (*ticketOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.TicketByNumber(ctx, strings.ToUpper(input.Number), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ticket-action",
		Method:      http.MethodPost,
		Path:        "/tickets/{ticket_id}/actions",
		Summary:     "Apply an action to a ticket",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		TicketID string        `path:"ticket_id"`
		Body     ActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Act(ctx, actor, engine.Action{
			TicketID: input.TicketID,
			Name:     input.Body.Action,
			Payload:  engine.Payload{Weight: input.Body.Weight, Manual: input.Body.Manual, Notes: input.Body.Notes},
			Category: input.Body.Category,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := ActionResponse{Ticket: ticketResponse(res.Ticket)}
		if res.Transfer != nil {
			old := ticketResponse(res.Transfer.Old)
			out.Transferred = &old
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-ticket-priority",
		Method:      http.MethodPut,
		Path:        "/tickets/{ticket_id}/priority",
		Summary:     "Change ticket priority tier",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		TicketID string          `path:"ticket_id"`
		Body     PriorityRequest `json:"body"`
	}) (*ticketOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Reprioritize(ctx, input.TicketID, domain.Tier(input.Body.Tier), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: ticketResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ticket-position",
		Method:      http.MethodGet,
		Path:        "/tickets/{ticket_id}/position",
		Summary:     "Queue position of a ticket",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *ticketPath) (*struct {
		Body engine.TicketPosition `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pos, err := e.Position(ctx, input.TicketID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TicketPosition `json:"body"`
		}{Body: pos}, nil
	})
}

type queuePath struct {
	QueueID string `path:"queue_id"`
}

func registerQueues(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queues",
		Method:      http.MethodGet,
		Path:        "/queues",
		Summary:     "Queues with their ordered members",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		SiteID string `query:"site_id"`
	}) (*struct {
		Body queueList `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		views, err := e.QueueViews(ctx, input.SiteID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := queueList{Items: make([]QueueResponse, 0, len(views))}
		for _, v := range views {
			out.Items = append(out.Items, queueResponse(v))
		}
		return &struct {
			Body queueList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-queue",
		Method:      http.MethodGet,
		Path:        "/queues/{queue_id}",
		Summary:     "Queue snapshot",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *queuePath) (*struct {
		Body QueueResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.QueueView(ctx, input.QueueID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueResponse `json:"body"`
		}{Body: queueResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "peek-queue",
		Method:      http.MethodGet,
		Path:        "/queues/{queue_id}/next",
		Summary:     "Head of a queue, without calling it",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *queuePath) (*struct {
		Body PeekResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		head, ok, err := e.PeekNext(ctx, input.QueueID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := PeekResponse{Empty: !ok}
		if ok {
			m := memberResponse(1, head)
			out.Next = &m
		}
		return &struct {
			Body PeekResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "call-next",
		Method:      http.MethodPost,
		Path:        "/queues/{queue_id}/call",
		Summary:     "Call the next waiting ticket of a queue",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *queuePath) (*ticketOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CallNext(ctx, input.QueueID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &ticketOutput{Body: ticketResponse(t)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Ticket events, newest first",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		SiteID   string `query:"site_id"`
		TicketID string `query:"ticket_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		siteID, err := eventScope(ctx, e, actor, input.SiteID, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, limit+1, cursorID, siteID, input.TicketID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// The cursor is exclusive.
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// eventScope returns the site an event listing is limited to. Only
// administrators may list every site at once.
func eventScope(ctx context.Context, e *engine.Engine, actor domain.Actor, siteID, ticketID string) (string, error) {
	if ticketID != "" {
		t, err := e.Ticket(ctx, ticketID, actor)
		if err != nil {
			return "", err
		}
		return t.SiteID, nil
	}
	if !e.Perms.Has(actor, auth.PermTicketRead) {
		return "", auth.ForbiddenError{Permission: auth.PermTicketRead}
	}
	if siteID == "" {
		if actor.Role == domain.RoleAdministrator {
			return "", nil
		}
		siteID = actor.SiteID
	}
	if !e.Scope.Allows(actor, auth.Target{SiteID: siteID}) {
		return "", auth.ForbiddenError{SiteID: siteID}
	}
	return siteID, nil
}

func registerWorkflows(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "Workflow definitions",
		Errors:      defaultErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body workflowList `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wfs, err := e.Workflows(actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflowList `json:"body"`
		}{Body: workflowList{Items: nonNilSlice(wfs)}}, nil
	})
}

func requirePermission(e *engine.Engine, actor domain.Actor, perm string) error {
	if e.Perms.Has(actor, perm) {
		return nil
	}
	return auth.ForbiddenError{Permission: perm}
}

func registerRBAC(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/rbac/roles",
		Summary:     "Roles and their expanded permissions",
		Errors:      defaultErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []repo.RoleRecord `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(e, actor, auth.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.RoleRecord `json:"body"`
		}{Body: nonNilSlice(roles)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/rbac/api-keys",
		Summary:       "Register an actor and issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body app.IssuedKey `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(e, actor, auth.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		rec := domain.ActorRecord{
			ID:        strings.TrimSpace(input.Body.ActorID),
			Role:      domain.Role(input.Body.Role),
			SiteID:    input.Body.SiteID,
			CompanyID: input.Body.CompanyID,
		}
		if rec.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id required", nil)
		}
		key, err := app.IssueAPIKey(ctx, e.Repo, rec, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body app.IssuedKey `json:"body"`
		}{Body: key}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/rbac/api-keys",
		Summary:     "List API keys",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(e, actor, auth.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/rbac/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(e, actor, auth.PermRBACManage); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := domain.Actor{
			ID:          strings.TrimSpace(input.Body.ActorID),
			Role:        domain.Role(input.Body.Role),
			SiteID:      input.Body.SiteID,
			CompanyID:   input.Body.CompanyID,
			Permissions: input.Body.Permissions,
		}
		if actor.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
