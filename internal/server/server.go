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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"leadline/internal/domain"
	"leadline/internal/drafts"
	"leadline/internal/ledger"
	"leadline/internal/orchestrator"
	"leadline/internal/repo"
	"leadline/internal/watcher"
)

// Config for the HTTP API handler.
type Config struct {
	Ledger       *ledger.Ledger
	Drafts       *drafts.Store
	Orchestrator *orchestrator.Orchestrator
	Watcher      *watcher.Watcher
	Policy       orchestrator.Policy
	BasePath     string
	Auth         AuthConfig
	Log          zerolog.Logger
	Now          func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition for tower-a--acme: SENT -> DRAFTED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"SENT\"}"`
}

// apiError models the error envelope returned by every operation.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ledger and draft store.
func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil || cfg.Drafts == nil {
		return nil, errors.New("server: ledger and drafts are required")
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Log))
	hcfg := huma.DefaultConfig("Leadline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg)
	registerProjects(group, cfg)
	registerDrafts(group, cfg)
	registerHistory(group, cfg)
	registerOpenAPI(router, api, basePath, cfg.Auth.Enabled())

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
	var te ledger.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": string(te.From), "to": string(te.To)})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, drafts.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, watcher.ErrNotUnconfirmed):
		return newAPIError(http.StatusConflict, "not_unconfirmed", err.Error(), nil)
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>Leadline API Docs</title>
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

func registerStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Ledger status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ledger.Report `json:"body"`
	}, error) {
		rep, err := cfg.Ledger.Status(ctx, cfg.now(), cfg.Policy.FollowupInterval, cfg.Policy.MaxFollowups)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.Report `json:"body"`
		}{Body: rep}, nil
	})
}

type identityPath struct {
	Identity string `path:"identity"`
}

type projectOutput struct {
	Body domain.Project `json:"body"`
}

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"DISCOVERED,RESEARCHED,DRAFTED,AWAITING_APPROVAL,SENT,FOLLOWUP_DUE,SKIPPED"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body ProjectList `json:"body"`
	}, error) {
		f := repo.Filter{Limit: normalizeLimit(input.Limit)}
		if input.State != "" {
			f.States = []domain.State{domain.State(input.State)}
		}
		items, err := cfg.Ledger.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectList `json:"body"`
		}{Body: ProjectList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{identity}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *identityPath) (*projectOutput, error) {
		p, err := cfg.Ledger.Get(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-history",
		Method:      http.MethodGet,
		Path:        "/projects/{identity}/history",
		Summary:     "Project history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *identityPath) (*struct {
		Body HistoryPage `json:"body"`
	}, error) {
		items, err := cfg.Ledger.History(ctx, input.Identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryPage `json:"body"`
		}{Body: HistoryPage{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-project",
		Method:      http.MethodPost,
		Path:        "/projects/{identity}/skip",
		Summary:     "Skip project permanently",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
		Body     SkipRequest
	}) (*projectOutput, error) {
		if cfg.Orchestrator == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "orchestrator not configured", nil)
		}
		p, err := cfg.Orchestrator.Skip(ctx, input.Identity, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-note",
		Method:      http.MethodPost,
		Path:        "/projects/{identity}/notes",
		Summary:     "Append an operator note",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
		Body     NoteRequest
	}) (*projectOutput, error) {
		if cfg.Orchestrator == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "orchestrator not configured", nil)
		}
		text := input.Body.Text
		if who, ok := principalFromContext(ctx); ok {
			text = who.Subject + ": " + text
		}
		p, err := cfg.Orchestrator.Note(ctx, input.Identity, text)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-send",
		Method:      http.MethodPost,
		Path:        "/projects/{identity}/resolve",
		Summary:     "Settle an unconfirmed send",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
		Body     ResolveRequest
	}) (*projectOutput, error) {
		if cfg.Watcher == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "watcher not configured", nil)
		}
		p, err := cfg.Watcher.Resolve(ctx, input.Identity, input.Body.Sent, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})
}

func registerDrafts(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List staged drafts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DraftList `json:"body"`
	}, error) {
		entries, invalid, err := cfg.Drafts.Scan()
		if err != nil {
			return nil, handleError(err)
		}
		out := DraftList{Items: []DraftResponse{}, Invalid: []InvalidDraft{}}
		for _, e := range entries {
			out.Items = append(out.Items, draftResponse(e))
		}
		for _, inv := range invalid {
			out.Invalid = append(out.Invalid, InvalidDraft{Path: inv.Path, Error: inv.Err.Error()})
		}
		return &struct {
			Body DraftList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/approve",
		Summary:     "Approve a draft for sending",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		e, err := cfg.Drafts.Approve(input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "poll-drafts",
		Method:      http.MethodPost,
		Path:        "/drafts/poll",
		Summary:     "Run one watcher poll",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PollResponse `json:"body"`
	}, error) {
		if cfg.Watcher == nil {
			return nil, newAPIError(http.StatusNotImplemented, "", "watcher not configured", nil)
		}
		rep, err := cfg.Watcher.Poll(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PollResponse `json:"body"`
		}{Body: pollResponse(rep)}, nil
	})
}

func registerHistory(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "History feed across all projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body HistoryPage `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := cfg.Ledger.Repo.HistoryAfter(ctx, cursor, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := HistoryPage{Items: []domain.HistoryEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body HistoryPage `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
