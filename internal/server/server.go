package server

import (
	"bytes"
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

	"adpilot/internal/config"
	"adpilot/internal/domain"
	"adpilot/internal/engine"
	"adpilot/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"decision cannot be approved from status rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the adpilot API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Adpilot API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAccounts(group, cfg.Engine)
	registerPolicy(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerEvaluation(group, cfg.Engine)
	registerKnowledge(group, cfg.Engine)
	registerMetrics(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", ve.Error(), nil)
	}
	var ise *engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", ise.Error(), map[string]any{
			"decision_id": ise.DecisionID,
			"status":      string(ise.Status),
		})
	}
	var ue *engine.UpstreamError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", ue.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upstream_unavailable"
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Adpilot API Docs</title>
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

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Register ad account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateAccountRequest `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ExternalID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "external_id is required", nil)
		}
		a, err := e.InitAccount(ctx, engine.AccountCreateOptions{
			ExternalID: input.Body.ExternalID,
			Name:       input.Body.Name,
			Currency:   input.Body.Currency,
			TargetCPA:  input.Body.TargetCPA,
			TargetCPL:  input.Body.TargetCPL,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List ad accounts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Account `json:"body"`
	}, error) {
		items, err := e.Repo.ListAccounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Account{}
		}
		return &struct {
			Body []domain.Account `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}",
		Summary:     "Get ad account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		a, err := e.Repo.GetAccount(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account-config",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/config",
		Summary:     "Get account config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetAccountConfig(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})
}

func registerPolicy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/policy",
		Summary:     "Get automation policy",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body domain.AutomationPolicy `json:"body"`
	}, error) {
		if _, err := e.Repo.GetAccount(ctx, input.AccountID); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPolicy(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationPolicy `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-policy",
		Method:      http.MethodPut,
		Path:        "/accounts/{account_id}/policy",
		Summary:     "Set automation policy",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string           `path:"account_id"`
		Body      SetPolicyRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationPolicy `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetPolicy(ctx, input.AccountID,
			domain.AutomationMode(input.Body.Mode), domain.RiskLevel(input.Body.RiskThreshold), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationPolicy `json:"body"`
		}{Body: p}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-campaign",
		Method:        http.MethodPost,
		Path:          "/accounts/{account_id}/campaigns",
		Summary:       "Register campaign",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string                `path:"account_id"`
		Body      CreateCampaignRequest `json:"body"`
	}) (*struct {
		Body domain.Campaign `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ExternalID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "external_id is required", nil)
		}
		c, err := e.AddCampaign(ctx, input.AccountID, input.Body.ExternalID, input.Body.Name,
			input.Body.Status, input.Body.Objective, input.Body.DailyBudget, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Campaign `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/campaigns",
		Summary:     "List campaigns",
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body []domain.Campaign `json:"body"`
	}, error) {
		items, err := e.Repo.ListCampaigns(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Campaign{}
		}
		return &struct {
			Body []domain.Campaign `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-adset",
		Method:        http.MethodPost,
		Path:          "/accounts/{account_id}/adsets",
		Summary:       "Register ad set",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string             `path:"account_id"`
		Body      CreateAdSetRequest `json:"body"`
	}) (*struct {
		Body domain.AdSet `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.CampaignID == "" || input.Body.ExternalID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "campaign_id and external_id are required", nil)
		}
		a, err := e.AddAdSet(ctx, input.Body.CampaignID, input.Body.ExternalID, input.Body.Name,
			input.Body.Status, input.Body.DailyBudget, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if a.AccountID != input.AccountID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "campaign not found in account", nil)
		}
		return &struct {
			Body domain.AdSet `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-adsets",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/adsets",
		Summary:     "List ad sets",
	}, func(ctx context.Context, input *struct {
		AccountID  string `path:"account_id"`
		CampaignID string `query:"campaign_id"`
	}) (*struct {
		Body []domain.AdSet `json:"body"`
	}, error) {
		items, err := e.Repo.ListAdSets(ctx, input.AccountID, input.CampaignID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AdSet{}
		}
		return &struct {
			Body []domain.AdSet `json:"body"`
		}{Body: items}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-decision",
		Method:        http.MethodPost,
		Path:          "/accounts/{account_id}/decisions",
		Summary:       "Create decision from a recommendation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AccountID string                `path:"account_id"`
		Body      CreateDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		details, err := json.Marshal(input.Body.Details)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid details", map[string]any{"error": err.Error()})
		}
		rec := domain.Recommendation{
			Type: domain.DecisionType(input.Body.DecisionType),
			Entity: domain.EntityRef{
				Kind: domain.EntityKind(input.Body.Entity.Kind),
				ID:   input.Body.Entity.ID,
			},
			DetailsJSON: string(details),
			Reasoning:   input.Body.Reasoning,
			Confidence:  input.Body.Confidence,
		}
		d, err := e.CreateDecision(ctx, input.AccountID, rec, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/decisions",
		Summary:     "List decisions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AccountID  string `path:"account_id"`
		Status     string `query:"status" enum:"pending_approval,approved,rejected,executed,execution_failed,"`
		Type       string `query:"decision_type"`
		EntityKind string `query:"entity_kind" enum:"account,campaign,adset,"`
		EntityID   string `query:"entity_id"`
		RiskLevel  string `query:"risk_level" enum:"low,medium,high,"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedDecisions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListDecisions(ctx, repo.DecisionFilters{
			AccountID:       input.AccountID,
			Status:          input.Status,
			Type:            input.Type,
			EntityKind:      input.EntityKind,
			EntityID:        input.EntityID,
			RiskLevel:       input.RiskLevel,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDecisions{Items: []DecisionResponse{}}
		if len(items) > limit {
			// cursor is the last returned row; the next query resumes strictly after it
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
		}
		resp.Items = mapDecisions(items)
		return &struct {
			Body paginatedDecisions `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/decisions/{id}",
		Summary:     "Get decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		d, err := e.GetDecision(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if d.AccountID != input.AccountID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "decision not found in account", nil)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-decision",
		Method:      http.MethodPost,
		Path:        "/accounts/{account_id}/decisions/{id}/approve",
		Summary:     "Approve and execute decision",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDecision(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if d.AccountID != input.AccountID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "decision not found in account", nil)
		}
		d, err = e.Approve(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-decision",
		Method:      http.MethodPost,
		Path:        "/accounts/{account_id}/decisions/{id}/reject",
		Summary:     "Reject decision",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDecision(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if d.AccountID != input.AccountID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "decision not found in account", nil)
		}
		d, err = e.Reject(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})
}

func registerEvaluation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{account_id}/evaluate",
		Summary:     "Run an evaluation cycle",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body engine.RunSummary `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		summary, err := e.EvaluateAccount(ctx, input.AccountID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RunSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerKnowledge(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-document",
		Method:        http.MethodPost,
		Path:          "/accounts/{account_id}/documents",
		Summary:       "Import knowledge document",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string                `path:"account_id"`
		Body      ImportDocumentRequest `json:"body"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, rules, err := e.ImportDocument(ctx, input.AccountID, input.Body.Title, input.Body.Category, input.Body.Statements, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: DocumentResponse{Document: doc, Rules: rules}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/documents",
		Summary:     "List knowledge documents",
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body []domain.KnowledgeDocument `json:"body"`
	}, error) {
		items, err := e.Repo.ListDocuments(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.KnowledgeDocument{}
		}
		return &struct {
			Body []domain.KnowledgeDocument `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/documents/{document_id}",
		Summary:     "Get knowledge document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID  string `path:"account_id"`
		DocumentID string `path:"document_id"`
	}) (*struct {
		Body domain.KnowledgeDocument `json:"body"`
	}, error) {
		doc, err := e.GetDocument(ctx, input.AccountID, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.KnowledgeDocument `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-document",
		Method:        http.MethodDelete,
		Path:          "/accounts/{account_id}/documents/{document_id}",
		Summary:       "Delete knowledge document",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID  string `path:"account_id"`
		DocumentID string `path:"document_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteDocument(ctx, input.AccountID, input.DocumentID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/rules",
		Summary:     "List knowledge rules",
	}, func(ctx context.Context, input *struct {
		AccountID string `path:"account_id"`
	}) (*struct {
		Body []domain.KnowledgeRule `json:"body"`
	}, error) {
		items, err := e.Repo.ListRules(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.KnowledgeRule{}
		}
		return &struct {
			Body []domain.KnowledgeRule `json:"body"`
		}{Body: items}, nil
	})
}

func registerMetrics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-metrics",
		Method:        http.MethodPost,
		Path:          "/accounts/{account_id}/metrics",
		Summary:       "Record metrics snapshot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AccountID string               `path:"account_id"`
		Body      RecordMetricsRequest `json:"body"`
	}) (*struct {
		Body domain.MetricsSnapshot `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.RecordSnapshot(ctx, domain.MetricsSnapshot{
			AccountID:   input.AccountID,
			EntityKind:  domain.EntityKind(input.Body.EntityKind),
			EntityID:    input.Body.EntityID,
			Date:        input.Body.Date,
			Impressions: input.Body.Impressions,
			Clicks:      input.Body.Clicks,
			Spend:       input.Body.Spend,
			Conversions: input.Body.Conversions,
			CPA:         input.Body.CPA,
			CPL:         input.Body.CPL,
			CTR:         input.Body.CTR,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MetricsSnapshot `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-metrics",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/metrics",
		Summary:     "List metrics snapshots",
	}, func(ctx context.Context, input *struct {
		AccountID  string `path:"account_id"`
		EntityKind string `query:"entity_kind" enum:"account,campaign,adset,"`
		EntityID   string `query:"entity_id"`
		Since      string `query:"since"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.MetricsSnapshot `json:"body"`
	}, error) {
		items, err := e.Repo.ListSnapshots(ctx, repo.SnapshotFilters{
			AccountID:  input.AccountID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Since:      input.Since,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.MetricsSnapshot{}
		}
		return &struct {
			Body []domain.MetricsSnapshot `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/accounts/{account_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AccountID  string `path:"account_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"account,campaign,adset,"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.AccountID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
