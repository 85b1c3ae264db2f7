// Package server exposes the booking engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"venueline/internal/domain"
	"venueline/internal/engine"
	"venueline/internal/hil"
	"venueline/internal/repo"
	"venueline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"task_not_pending"`
	Message string         `json:"message" example:"task is not pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retryable\":true}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Venueline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Tenants == nil {
		return nil, errors.New("engine not configured")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Venueline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMessages(group, cfg.Engine)
	registerBookings(group, cfg.Engine)
	registerHIL(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, hil.ErrNotPending):
		return newAPIError(http.StatusConflict, "task_not_pending", msg, nil)
	case errors.Is(err, store.ErrInvalidTenant), errors.Is(err, engine.ErrMissingThread):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrTurnTimeout), errors.Is(err, store.ErrLockTimeout):
		return newAPIError(http.StatusServiceUnavailable, "busy", msg, map[string]any{"retryable": true})
	case engine.IsRetryable(err):
		return newAPIError(http.StatusConflict, "conflict", msg, map[string]any{"retryable": true})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Venueline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; and pick a tenant with X-Tenant-Key.
    </p>
  </body>
</html>`, specURL)
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

// TenantHeader selects the tenant a request acts on.
type TenantHeader struct {
	Tenant string `header:"X-Tenant-Key" doc:"Tenant key; defaults to the token's tenant or the configured default"`
}

// IngestRequest is one inbound client message.
type IngestRequest struct {
	MessageID string `json:"message_id,omitempty" doc:"Provider message id, used to drop duplicate deliveries"`
	Body      string `json:"body" minLength:"1"`
	SenderID  string `json:"sender_id,omitempty"`
	ThreadID  string `json:"thread_id" minLength:"1"`
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ingest-message",
		Method:      http.MethodPost,
		Path:        "/messages",
		Summary:     "Process one inbound client message",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		TenantHeader
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body engine.TurnResult `json:"body"`
	}, error) {
		_, tenant, err := authorize(ctx, PermIngest, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ProcessMessage(ctx, domain.InboundMessage{
			MessageID: input.Body.MessageID,
			Body:      input.Body.Body,
			SenderID:  input.Body.SenderID,
			ThreadID:  input.Body.ThreadID,
			TenantKey: tenant,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TurnResult `json:"body"`
		}{Body: res}, nil
	})
}

type bookingList struct {
	Items []domain.Record `json:"items"`
}

func registerBookings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-bookings",
		Method:      http.MethodGet,
		Path:        "/bookings",
		Summary:     "List bookings",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantHeader
		Status string `query:"status" enum:"open,confirmed,cancelled"`
		Stage  int    `query:"stage" minimum:"0" maximum:"7"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body bookingList `json:"body"`
	}, error) {
		_, tenant, err := authorize(ctx, PermBookingsRead, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListBookings(ctx, tenant, repo.BookingFilters{Status: input.Status, Stage: input.Stage, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Record{}
		}
		return &struct {
			Body bookingList `json:"body"`
		}{Body: bookingList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-booking",
		Method:      http.MethodGet,
		Path:        "/bookings/{booking_id}",
		Summary:     "Get a booking record",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantHeader
		BookingID string `path:"booking_id"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		_, tenant, err := authorize(ctx, PermBookingsRead, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetBooking(ctx, tenant, input.BookingID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-thread-booking",
		Method:      http.MethodGet,
		Path:        "/threads/{thread_id}/booking",
		Summary:     "Get the booking of a conversation thread",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantHeader
		ThreadID string `path:"thread_id"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		_, tenant, err := authorize(ctx, PermBookingsRead, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetBookingByThread(ctx, tenant, input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})
}

type taskList struct {
	Items []domain.HILTask `json:"items"`
}

// DecisionRequest carries an operator's approve or reject.
type DecisionRequest struct {
	Note       string `json:"note,omitempty"`
	EditedBody string `json:"edited_body,omitempty" doc:"Replaces the draft body on approval"`
}

func registerHIL(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-hil-tasks",
		Method:      http.MethodGet,
		Path:        "/hil/tasks",
		Summary:     "List pending HIL tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantHeader
	}) (*struct {
		Body taskList `json:"body"`
	}, error) {
		_, tenant, err := authorize(ctx, PermHILRead, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPending(ctx, tenant)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.HILTask{}
		}
		return &struct {
			Body taskList `json:"body"`
		}{Body: taskList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-hil-task",
		Method:      http.MethodGet,
		Path:        "/hil/tasks/{task_id}",
		Summary:     "Get a HIL task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantHeader
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.HILTask `json:"body"`
	}, error) {
		_, tenant, err := authorize(ctx, PermHILRead, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		task, err := e.GetTask(ctx, tenant, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HILTask `json:"body"`
		}{Body: task}, nil
	})

	decisionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusServiceUnavailable,
	}
	type decisionInput struct {
		TenantHeader
		TaskID string          `path:"task_id"`
		Body   DecisionRequest `json:"body"`
	}
	type decisionOutput struct {
		Body engine.DecisionResult `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-hil-task",
		Method:      http.MethodPost,
		Path:        "/hil/tasks/{task_id}/approve",
		Summary:     "Approve a HIL task and send its reply",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *decisionInput) (*decisionOutput, error) {
		p, tenant, err := authorize(ctx, PermHILDecide, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Approve(ctx, tenant, input.TaskID, input.Body.Note, input.Body.EditedBody, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-hil-task",
		Method:      http.MethodPost,
		Path:        "/hil/tasks/{task_id}/reject",
		Summary:     "Reject a HIL task",
		Errors:      decisionErrors,
	}, func(ctx context.Context, input *decisionInput) (*decisionOutput, error) {
		p, tenant, err := authorize(ctx, PermHILDecide, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Reject(ctx, tenant, input.TaskID, input.Body.Note, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &decisionOutput{Body: res}, nil
	})
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantHeader
		Type      string `query:"type"`
		BookingID string `query:"booking_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		_, tenant, err := authorize(ctx, PermEventsRead, input.Tenant)
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
		items, err := e.Events(ctx, tenant, limit+1, cursorID, input.BookingID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			// the cursor is exclusive, so it names the last returned event
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// DevLoginRequest asks for a locally signed operator token.
type DevLoginRequest struct {
	ActorID     string   `json:"actor_id" minLength:"1"`
	Tenant      string   `json:"tenant,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowActorHeader {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		perms := input.Body.Permissions
		if len(perms) == 0 {
			perms = []string{PermAll}
		}
		token, err := SignToken(authCfg.JWTSecret, actor, strings.TrimSpace(input.Body.Tenant), perms, 0)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
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
