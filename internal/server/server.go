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
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"taskledger/internal/backfill"
	"taskledger/internal/domain"
	"taskledger/internal/engine"
	"taskledger/internal/logger"
	"taskledger/internal/metrics"
	"taskledger/internal/repo"
	"taskledger/internal/webhook"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"status\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the indexer API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
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
	router.Use(requestContext(log))
	router.Use(middleware.Recoverer)
	router.Use(newAdminMiddleware([]string{
		path.Join(basePath, "history/backfill"),
		path.Join(basePath, "history/rebuild"),
	}, cfg.Auth))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	hcfg := huma.DefaultConfig("Taskledger API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWebhook(group, cfg.Engine)
	registerIndexer(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerDescriptions(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestContext tags each request with an id and logs it when done.
func requestContext(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			ctx := logger.WithAttrs(r.Context(), slog.String("request_id", id))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			log.DebugContext(ctx, "http request",
				"method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration_ms", time.Since(start).Milliseconds())
		})
	}
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, webhook.ErrMalformedPayload) {
		return newAPIError(http.StatusBadRequest, "malformed_payload", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", "request timed out", nil)
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

// applyAuthSecurity documents bearer auth on the admin routes and the
// shared-secret scheme on the webhook.
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
	oas.Components.SecuritySchemes["webhookSecret"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "Authorization",
	}
	secured := map[string]string{
		path.Join(basePath, "history/backfill"): "bearerAuth",
		path.Join(basePath, "history/rebuild"):  "bearerAuth",
		path.Join(basePath, "webhook/helius"):   "webhookSecret",
	}
	for route, item := range oas.Paths {
		scheme, ok := secured[route]
		if !ok || item.Post == nil {
			continue
		}
		item.Post.Security = []map[string][]string{{scheme: {}}}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Taskledger API Docs</title>
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

func registerIndexer(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "indexer-status",
		Method:      http.MethodGet,
		Path:        "/indexer/status",
		Summary:     "Indexer counters and webhook configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "indexer-events",
		Method:      http.MethodGet,
		Path:        "/indexer/events",
		Summary:     "Most recent raw events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50" minimum:"0"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		limit := repo.ClampEventLimit(input.Limit)
		items, err := e.RecentEvents(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Events: nonNilEvents(items), Limit: limit}}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "history-backfill",
		Method:      http.MethodPost,
		Path:        "/history/backfill",
		Summary:     "Scan program history from the ledger",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body *BackfillRequest
	}) (*struct {
		Body BackfillResponse `json:"body"`
	}, error) {
		var opts backfill.Options
		if input.Body != nil {
			opts = backfill.Options{Limit: input.Body.Limit, Before: input.Body.Before}
		}
		if p, ok := principalFromContext(ctx); ok {
			ctx = logger.WithAttrs(ctx, slog.String("admin", p.Subject))
		}
		res, err := e.Backfill(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BackfillResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-rebuild",
		Method:      http.MethodPost,
		Path:        "/history/rebuild",
		Summary:     "Recompute closed tasks from the event log",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int64 `json:"body"`
	}, error) {
		res, err := e.Rebuild(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int64 `json:"body"`
		}{Body: map[string]int64{"tasks": int64(res.Tasks), "durationMs": res.DurationMs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-tasks",
		Method:      http.MethodGet,
		Path:        "/history/tasks",
		Summary:     "Query closed tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" enum:"Approved,Cancelled,Expired,DisputeResolved"`
		Creator string `query:"creator"`
		Agent   string `query:"agent"`
		Limit   int    `query:"limit" default:"50" minimum:"0"`
		Offset  int    `query:"offset" default:"0" minimum:"0"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		page, err := e.History(ctx, repo.HistoryFilter{
			Status:  input.Status,
			Creator: input.Creator,
			Agent:   input.Agent,
			Limit:   input.Limit,
			Offset:  input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if page.Tasks == nil {
			page.Tasks = []domain.HistoricalTask{}
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-task",
		Method:      http.MethodGet,
		Path:        "/history/tasks/{address}",
		Summary:     "Closed task with its event trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*struct {
		Body TaskDetailResponse `json:"body"`
	}, error) {
		detail, err := e.HistoryTask(ctx, input.Address)
		if err != nil {
			return nil, handleError(err)
		}
		detail.Events = nonNilEvents(detail.Events)
		return &struct {
			Body TaskDetailResponse `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "history-stats",
		Method:      http.MethodGet,
		Path:        "/history/stats",
		Summary:     "Closed task counts by outcome",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.IndexerStats `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IndexerStats `json:"body"`
		}{Body: stats.IndexerStats}, nil
	})
}

func registerDescriptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "store-description",
		Method:        http.MethodPost,
		Path:          "/descriptions",
		Summary:       "Store description content by its hash",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StoreDescriptionRequest
	}) (*struct {
		Body domain.TaskDescription `json:"body"`
	}, error) {
		d, err := e.StoreDescription(ctx, toDescription(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskDescription `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-description",
		Method:      http.MethodGet,
		Path:        "/descriptions/{hash}",
		Summary:     "Fetch description content",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash string `path:"hash"`
	}) (*struct {
		Body domain.TaskDescription `json:"body"`
	}, error) {
		d, err := e.Description(ctx, input.Hash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskDescription `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "store-deliverable",
		Method:        http.MethodPost,
		Path:          "/descriptions/deliverables",
		Summary:       "Store deliverable content by its hash",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body StoreDeliverableRequest
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		d, err := e.StoreDeliverable(ctx, toDeliverable(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-deliverable",
		Method:      http.MethodGet,
		Path:        "/descriptions/deliverables/{hash}",
		Summary:     "Fetch deliverable content",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash string `path:"hash"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		d, err := e.Deliverable(ctx, input.Hash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: d}, nil
	})
}
