package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"repairline/internal/domain"
	"repairline/internal/engine"
	"repairline/internal/engine/auth"
	"repairline/internal/metrics"
	"repairline/internal/repo"
)

// EventLog is the read side of the events outbox.
type EventLog interface {
	LatestEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     auth.Resolver
	Events   EventLog
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"visit VIS-20240301-0A1B2C3D4E is completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"completion_photo_ids\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Repairline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Auth == nil {
		return nil, errors.New("server: auth resolver required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
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
	router.Use(newRequestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	hcfg := huma.DefaultConfig("Repairline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerMe(group)
	registerOrders(group, cfg.Engine)
	registerVisits(group, cfg.Engine)
	if cfg.Events != nil {
		registerEvents(group, cfg.Events)
	}
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

// handleError maps engine failures onto HTTP statuses by kind.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		switch ee.Kind {
		case engine.KindAuth:
			return newAPIError(http.StatusUnauthorized, "unauthorized", ee.Error(), nil)
		case engine.KindValidation:
			var details map[string]any
			if ee.Field != "" {
				details = map[string]any{"field": ee.Field}
			}
			return newAPIError(http.StatusBadRequest, "validation_failed", ee.Error(), details)
		case engine.KindNotFound:
			return newAPIError(http.StatusNotFound, "not_found", ee.Error(), nil)
		case engine.KindConflict:
			return newAPIError(http.StatusConflict, "conflict", ee.Error(), nil)
		case engine.KindStore:
			details := map[string]any{"outcome": "failed"}
			if ee.OutcomeUnknown {
				details["outcome"] = "unknown"
			}
			return newAPIError(http.StatusServiceUnavailable, "store_unavailable", ee.Error(), details)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusServiceUnavailable:
		return "store_unavailable"
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

func registerMetrics(r chi.Router, m *metrics.Metrics) {
	if m == nil {
		return
	}
	r.Handle("/metrics", m.Handler())
}

// registerOpenAPI must run after every operation is registered: the document is
// finished and encoded once here, and handlers only read it afterwards.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	applyAuthSecurity(oas, basePath)
	spec, err := json.Marshal(oas)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "encode openapi: "+err.Error(), nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Repairline API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated technician",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		id, ok := identityFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{TechnicianID: id.TechnicianID, Source: id.Source}}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		techID := technicianID(ctx)
		opts := engine.CreateOrderOptions{
			OrderNumber: input.Body.OrderNumber,
			Client:      input.Body.Client,
			Device:      input.Body.Device,
			ActorID:     techID,
		}
		for _, v := range input.Body.Visits {
			opts.Visits = append(opts.Visits, engine.NewVisit{
				VisitType:     v.VisitType,
				ScheduledDate: v.ScheduledDate,
				Description:   v.Description,
				TechnicianID:  v.TechnicianID,
			})
		}
		o, err := e.CreateOrder(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status       string `query:"status" enum:"pending,scheduled,in_progress,requires_follow_up,completed,cancelled"`
		TechnicianID string `query:"technician_id"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body OrderList `json:"body"`
	}, error) {
		orders, err := e.ListOrders(ctx, repo.OrderFilter{
			Status:       input.Status,
			TechnicianID: input.TechnicianID,
			Limit:        normalizeLimit(input.Limit),
		}, technicianID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		resp := OrderList{Items: []domain.Order{}}
		resp.Items = append(resp.Items, orders...)
		return &struct {
			Body OrderList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{ref}",
		Summary:     "Get order by id or order number",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		o, err := e.GetOrder(ctx, input.Ref, technicianID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-visit",
		Method:        http.MethodPost,
		Path:          "/orders/{ref}/visits",
		Summary:       "Add a follow-up visit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Ref  string          `path:"ref"`
		Body AddVisitRequest `json:"body"`
	}) (*struct {
		Body engine.AddVisitResult `json:"body"`
	}, error) {
		res, err := e.AddVisit(ctx, engine.AddVisitOptions{
			OrderRef:      input.Ref,
			VisitType:     input.Body.VisitType,
			ScheduledDate: input.Body.ScheduledDate,
			Description:   input.Body.Description,
			TechnicianID:  technicianID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AddVisitResult `json:"body"`
		}{Body: res}, nil
	})
}

type visitPath struct {
	ID string `path:"id"`
}

type visitBody struct {
	Body domain.Visit `json:"body"`
}

func visitResponse(v domain.Visit, err error) (*visitBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &visitBody{Body: v}, nil
}

func registerVisits(api huma.API, e engine.Engine) {
	mutating := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusServiceUnavailable,
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-visit",
		Method:      http.MethodGet,
		Path:        "/visits/{id}",
		Summary:     "Get visit",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *visitPath) (*visitBody, error) {
		return visitResponse(e.GetVisit(ctx, input.ID, technicianID(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-work",
		Method:      http.MethodPost,
		Path:        "/visits/{id}/start",
		Summary:     "Open a work session",
		Errors:      mutating,
	}, func(ctx context.Context, input *visitPath) (*visitBody, error) {
		return visitResponse(e.StartWork(ctx, input.ID, technicianID(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-work",
		Method:      http.MethodPost,
		Path:        "/visits/{id}/stop",
		Summary:     "Close the open work session",
		Errors:      mutating,
	}, func(ctx context.Context, input *visitPath) (*visitBody, error) {
		return visitResponse(e.StopWork(ctx, input.ID, technicianID(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-visit",
		Method:      http.MethodPost,
		Path:        "/visits/{id}/complete",
		Summary:     "Complete a visit",
		Errors:      mutating,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CompleteVisitRequest `json:"body"`
	}) (*struct {
		Body engine.CompletionResult `json:"body"`
	}, error) {
		res, err := e.CompleteVisit(ctx, technicianID(ctx), input.Body.toEngine(input.ID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.CompletionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schedule-visit",
		Method:      http.MethodPost,
		Path:        "/visits/{id}/schedule",
		Summary:     "Schedule a visit",
		Errors:      mutating,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ScheduleVisitRequest `json:"body"`
	}) (*visitBody, error) {
		return visitResponse(e.ScheduleVisit(ctx, input.ID, input.Body.ScheduledDate, technicianID(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-visit",
		Method:      http.MethodPost,
		Path:        "/visits/{id}/cancel",
		Summary:     "Cancel a visit",
		Errors:      mutating,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CancelVisitRequest `json:"body"`
	}) (*visitBody, error) {
		return visitResponse(e.CancelVisit(ctx, input.ID, input.Body.Reason, technicianID(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-photos",
		Method:      http.MethodPost,
		Path:        "/visits/{id}/photos",
		Summary:     "Attach photo references to a visit",
		Errors:      mutating,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AttachPhotosRequest `json:"body"`
	}) (*visitBody, error) {
		return visitResponse(e.AttachPhotos(ctx, input.ID, input.Body.PhotoIDs, technicianID(ctx)))
	})
}

func registerEvents(api huma.API, log EventLog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		OrderID    string `query:"order_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"order,visit"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if technicianID(ctx) == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		items, err := log.LatestEvents(ctx, repo.EventFilter{
			OrderID:    input.OrderID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: resp}, nil
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
