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

	"herbcert/internal/analysis"
	"herbcert/internal/archive"
	"herbcert/internal/domain"
	"herbcert/internal/ledger"
	"herbcert/internal/pinstore"
	"herbcert/internal/repo"
	"herbcert/internal/workflow"
)

// CertificateLister queries the pin store for the lab's certificates.
type CertificateLister interface {
	List(ctx context.Context, licenseID string) ([]pinstore.Pin, error)
	URL(cid string) string
}

// Config for the HTTP API handler.
type Config struct {
	Engine       *workflow.Engine
	Certificates CertificateLister
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"ledger_rejected"`
	Message string         `json:"message" example:"ledger rejected transaction"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"step\":\"ledger_submit\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the certification API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Herbcert API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkflows(group, cfg)
	registerCertificates(group, cfg)
	registerEvents(group, cfg)
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

// handleError maps workflow and client errors onto the error envelope. A
// StepError names the failed step in details so the caller knows where the
// attempt stopped.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	details := map[string]any{}
	var stepErr *workflow.StepError
	if errors.As(err, &stepErr) {
		details["step"] = stepErr.Step
	}
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		details["issues"] = vErr.Issues
		return newAPIError(http.StatusBadRequest, "invalid_record", err.Error(), details)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, workflow.ErrBatchExists):
		return newAPIError(http.StatusConflict, "batch_exists", err.Error(), nil)
	case errors.Is(err, workflow.ErrNotCancellable):
		return newAPIError(http.StatusConflict, "not_cancellable", err.Error(), nil)
	case errors.Is(err, workflow.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, ledger.ErrRejected):
		return newAPIError(http.StatusUnprocessableEntity, "ledger_rejected", err.Error(), details)
	case errors.Is(err, analysis.ErrContract):
		return newAPIError(http.StatusBadGateway, "analysis_contract_violation", err.Error(), details)
	case errors.Is(err, analysis.ErrMalformed):
		return newAPIError(http.StatusBadGateway, "analysis_malformed", err.Error(), details)
	case errors.Is(err, analysis.ErrUnavailable),
		errors.Is(err, pinstore.ErrUnavailable),
		errors.Is(err, ledger.ErrUnavailable),
		errors.Is(err, archive.ErrUnavailable):
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Herbcert API Docs</title>
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

func registerWorkflows(api huma.API, cfg Config) {
	e := cfg.Engine
	gw := certURLFunc(cfg.Certificates)

	type batchPath struct {
		BatchID string `path:"batch_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Submit a measurement record for certification",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitWorkflowRequest `json:"body"`
	}) (*struct {
		Body SubmitWorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Submit(ctx, input.Body.Record, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitWorkflowResponse `json:"body"`
		}{Body: SubmitWorkflowResponse{
			Workflow: workflowResponse(res.Workflow, gw),
			Verdict:  verdictResponse(res.Verdict),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		LicenseID string `query:"license_id"`
	}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.List(ctx, input.LicenseID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]WorkflowResponse, 0, len(items))
		for _, w := range items {
			out = append(out, workflowResponse(w, gw))
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{batch_id}",
		Summary:     "Workflow status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		st, err := e.Status(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Workflow: workflowResponse(st.Workflow, gw),
			Verdict:  verdictResponse(st.Verdict),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "anchor-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{batch_id}/anchor",
		Summary:     "Anchor a certified batch on the ledger",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Anchor(ctx, input.BatchID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w, gw)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{batch_id}/cancel",
		Summary:     "Cancel a workflow before it anchors",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Cancel(ctx, input.BatchID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w, gw)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{batch_id}/review",
		Summary:     "Park an anomalous batch for manual review",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.FlagForReview(ctx, input.BatchID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w, gw)}, nil
	})
}

func registerCertificates(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-certificates",
		Method:      http.MethodGet,
		Path:        "/certificates",
		Summary:     "List pinned certificates for the lab",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		LicenseID string `query:"license_id"`
	}) (*struct {
		Body []CertificateResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		licenseID := input.LicenseID
		if licenseID == "" && cfg.Engine.Config != nil {
			licenseID = cfg.Engine.Config.Lab.LicenseID
		}
		pins, err := cfg.Certificates.List(ctx, licenseID)
		if err != nil {
			return nil, handleError(err)
		}
		gw := certURLFunc(cfg.Certificates)
		out := make([]CertificateResponse, 0, len(pins))
		for _, p := range pins {
			out = append(out, certificateResponse(p, gw))
		}
		return &struct {
			Body []CertificateResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit   int    `query:"limit"`
		BatchID string `query:"batch_id"`
		Type    string `query:"type"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := cfg.Engine.Repo.LatestEvents(ctx, limit, input.BatchID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func certURLFunc(c CertificateLister) func(string) string {
	if c == nil {
		return nil
	}
	return c.URL
}
