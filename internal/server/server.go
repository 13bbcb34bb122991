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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"fleetcheck/internal/config"
	"fleetcheck/internal/domain"
	"fleetcheck/internal/engine"
	"fleetcheck/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"incomplete_checklist"`
	Message string         `json:"message" example:"execution exec-1 incomplete: 2 question(s) failing validation"`
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

// New returns an HTTP handler exposing the FleetCheck API.
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("FleetCheck API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerDivergences(group, cfg.Engine)
	registerPendencies(group, cfg.Engine)
	registerFuel(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerFleetConfig(group, cfg.Engine)
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

// handleError maps engine errors onto the API envelope. Typed errors carry
// enough structure for clients to act without parsing messages.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var tve *engine.TemplateValidationError
	if errors.As(err, &tve) {
		return newAPIError(http.StatusUnprocessableEntity, "template_invalid", err.Error(), map[string]any{
			"template_id": tve.TemplateID,
			"issues":      tve.Issues,
		})
	}
	var inc *engine.IncompleteChecklistError
	if errors.As(err, &inc) {
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_checklist", err.Error(), map[string]any{
			"execution_id": inc.ExecutionID,
			"question_ids": inc.QuestionIDs(),
			"failures":     inc.Failures,
		})
	}
	var inv *engine.FuelInversionError
	if errors.As(err, &inv) {
		return newAPIError(http.StatusUnprocessableEntity, "fuel_inversion", err.Error(), map[string]any{
			"exit_level":  inv.ExitLevel,
			"entry_level": inv.EntryLevel,
		})
	}
	var mre *engine.MissingResolutionError
	if errors.As(err, &mre) {
		return newAPIError(http.StatusBadRequest, "missing_resolution", err.Error(), map[string]any{
			"divergence_id": mre.DivergenceID,
		})
	}
	var are *engine.AlreadyResolvedError
	if errors.As(err, &are) {
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), map[string]any{
			"divergence_id": are.DivergenceID,
		})
	}
	var pte *engine.InvalidPendencyTransitionError
	if errors.As(err, &pte) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"pendency_id": pte.PendencyID,
			"current":     pte.Current,
			"attempted":   pte.Attempted,
		})
	}
	var ese *engine.EmptySelectionError
	if errors.As(err, &ese) {
		return newAPIError(http.StatusBadRequest, "empty_selection", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot be completed"),
		strings.Contains(lowered, "cannot be cancelled"),
		strings.Contains(lowered, "can no longer"),
		strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "must be") || strings.Contains(lowered, "out of range") ||
		strings.Contains(lowered, "not one of") || strings.Contains(lowered, "expects"):
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
			ensureDefaultErrorResponses(oas)
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>FleetCheck API Docs</title>
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

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create checklist template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Type:        input.Body.Type,
			ActorID:     input.Body.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type" enum:"exit,entry,both,"`
		Status string `query:"status" enum:"active,inactive,draft,"`
	}) (*struct {
		Body []domain.Template `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx, repo.TemplateFilters{Type: input.Type, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Template `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplate(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPatch,
		Path:        "/templates/{template_id}",
		Summary:     "Update template metadata",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string                `path:"template_id"`
		Body       UpdateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.UpdateTemplateMeta(ctx, input.TemplateID, engine.TemplateMetaUpdate{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Type:        input.Body.Type,
			Status:      input.Body.Status,
			ActorID:     input.Body.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-template",
		Method:      http.MethodDelete,
		Path:        "/templates/{template_id}",
		Summary:     "Delete template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteTemplate(ctx, input.TemplateID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-template-versions",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}/versions",
		Summary:     "List template versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*struct {
		Body TemplateVersionsResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTemplate(ctx, input.TemplateID); err != nil {
			return nil, handleError(err)
		}
		versions, err := e.Repo.ListTemplateVersions(ctx, input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateVersionsResponse `json:"body"`
		}{Body: TemplateVersionsResponse{TemplateID: input.TemplateID, Versions: versions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template-version",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}/versions/{version}",
		Summary:     "Get template version snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
		Version    int    `path:"version"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplateVersion(ctx, input.TemplateID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-section",
		Method:        http.MethodPost,
		Path:          "/templates/{template_id}/sections",
		Summary:       "Add section",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string         `path:"template_id"`
		Body       SectionRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.AddSection(ctx, input.TemplateID, engine.SectionInput{
			ID: input.Body.ID, Name: input.Body.Name, Description: input.Body.Description, Order: input.Body.Order,
		}, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-section",
		Method:      http.MethodPatch,
		Path:        "/templates/{template_id}/sections/{section_id}",
		Summary:     "Update section",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string         `path:"template_id"`
		SectionID  string         `path:"section_id"`
		Body       SectionRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.UpdateSection(ctx, input.TemplateID, input.SectionID, engine.SectionInput{
			Name: input.Body.Name, Description: input.Body.Description, Order: input.Body.Order,
		}, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-section",
		Method:      http.MethodDelete,
		Path:        "/templates/{template_id}/sections/{section_id}",
		Summary:     "Remove section and its questions",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
		SectionID  string `path:"section_id"`
		ActorID    string `query:"actor_id"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.RemoveSection(ctx, input.TemplateID, input.SectionID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-question",
		Method:        http.MethodPost,
		Path:          "/templates/{template_id}/questions",
		Summary:       "Add question",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string          `path:"template_id"`
		Body       QuestionRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.AddQuestion(ctx, input.TemplateID, input.Body.Question, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-question",
		Method:      http.MethodPut,
		Path:        "/templates/{template_id}/questions/{question_id}",
		Summary:     "Replace question",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string          `path:"template_id"`
		QuestionID string          `path:"question_id"`
		Body       QuestionRequest `json:"body"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		q := input.Body.Question
		q.ID = input.QuestionID
		t, err := e.UpdateQuestion(ctx, input.TemplateID, q, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-question",
		Method:      http.MethodDelete,
		Path:        "/templates/{template_id}/questions/{question_id}",
		Summary:     "Remove question",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
		QuestionID string `path:"question_id"`
		ActorID    string `query:"actor_id"`
	}) (*struct {
		Body domain.Template `json:"body"`
	}, error) {
		t, err := e.RemoveQuestion(ctx, input.TemplateID, input.QuestionID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Template `json:"body"`
		}{Body: t}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-execution",
		Method:        http.MethodPost,
		Path:          "/executions",
		Summary:       "Start checklist execution",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body StartExecutionRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		exec, err := e.Start(ctx, engine.StartOptions{
			ID:              input.Body.ID,
			TemplateID:      input.Body.TemplateID,
			TemplateVersion: input.Body.TemplateVersion,
			VehicleID:       input.Body.VehicleID,
			ContractID:      input.Body.ContractID,
			DriverID:        input.Body.DriverID,
			Type:            input.Body.Type,
			ExecutedBy:      input.Body.ExecutedBy,
			Mileage:         input.Body.Mileage,
			Fuel:            input.Body.Fuel,
			VehicleState:    input.Body.VehicleState,
			DeliveredItems:  input.Body.DeliveredItems,
			Observations:    input.Body.Observations,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions",
	}, func(ctx context.Context, input *struct {
		VehicleID       string `query:"vehicle_id"`
		ContractID      string `query:"contract_id"`
		Type            string `query:"type" enum:"exit,entry,"`
		Status          string `query:"status" enum:"started,in_progress,completed,cancelled,"`
		Limit           int    `query:"limit" minimum:"0" maximum:"500"`
		CursorStartedAt string `query:"cursor_started_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.Execution `json:"body"`
	}, error) {
		items, err := e.Repo.ListExecutions(ctx, repo.ExecutionFilters{
			VehicleID:       input.VehicleID,
			ContractID:      input.ContractID,
			Type:            input.Type,
			Status:          input.Status,
			Limit:           input.Limit,
			CursorStartedAt: input.CursorStartedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Execution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}",
		Summary:     "Get execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		exec, err := e.Repo.GetExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-response",
		Method:      http.MethodPut,
		Path:        "/executions/{execution_id}/responses/{question_id}",
		Summary:     "Record question response",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ExecutionID string                `path:"execution_id"`
		QuestionID  string                `path:"question_id"`
		Body        RecordResponseRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		exec, err := e.RecordResponse(ctx, input.ExecutionID, input.QuestionID, input.Body.Value, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/complete",
		Summary:     "Complete execution",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ExecutionID string                   `path:"execution_id"`
		Body        CompleteExecutionRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		exec, err := e.Complete(ctx, input.ExecutionID, engine.CompleteOptions{
			Observations:  input.Body.Observations,
			VehicleState:  input.Body.VehicleState,
			Fuel:          input.Body.Fuel,
			Mileage:       input.Body.Mileage,
			Photos:        input.Body.Photos,
			Documents:     input.Body.Documents,
			ReturnedItems: input.Body.ReturnedItems,
			ExtraServices: input.Body.ExtraServices,
			ActorID:       input.Body.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-execution",
		Method:      http.MethodPost,
		Path:        "/executions/{execution_id}/cancel",
		Summary:     "Cancel execution",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ExecutionID string                 `path:"execution_id"`
		Body        CancelExecutionRequest `json:"body"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		exec, err := e.Cancel(ctx, input.ExecutionID, input.Body.Reason, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-execution-divergences",
		Method:      http.MethodGet,
		Path:        "/executions/{execution_id}/divergences",
		Summary:     "List divergences of an execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExecutionID string `path:"execution_id"`
	}) (*struct {
		Body []domain.Divergence `json:"body"`
	}, error) {
		if _, err := e.Repo.GetExecution(ctx, input.ExecutionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDivergencesByExecution(ctx, input.ExecutionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Divergence `json:"body"`
		}{Body: items}, nil
	})
}

func registerDivergences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-divergence",
		Method:        http.MethodPost,
		Path:          "/divergences",
		Summary:       "Record divergence",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RecordDivergenceRequest `json:"body"`
	}) (*struct {
		Body domain.Divergence `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		d, err := e.RecordDivergence(ctx, engine.DivergenceRecordOptions{
			ID:              input.Body.ID,
			ExecutionID:     input.Body.ExecutionID,
			Type:            input.Body.Type,
			Severity:        input.Body.Severity,
			Description:     input.Body.Description,
			FinancialImpact: input.Body.FinancialImpact,
			EstimatedCost:   input.Body.EstimatedCost,
			ActorID:         input.Body.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Divergence `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-divergence",
		Method:      http.MethodGet,
		Path:        "/divergences/{divergence_id}",
		Summary:     "Get divergence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DivergenceID string `path:"divergence_id"`
	}) (*struct {
		Body domain.Divergence `json:"body"`
	}, error) {
		d, err := e.Repo.GetDivergence(ctx, input.DivergenceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Divergence `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-open-financial-divergences",
		Method:      http.MethodGet,
		Path:        "/divergences/open-financial",
		Summary:     "List unresolved divergences with financial impact",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Divergence `json:"body"`
	}, error) {
		items, err := e.Repo.ListOpenFinancialDivergences(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Divergence `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-divergence",
		Method:      http.MethodPost,
		Path:        "/divergences/{divergence_id}/resolve",
		Summary:     "Resolve divergence",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		DivergenceID string                   `path:"divergence_id"`
		Body         ResolveDivergenceRequest `json:"body"`
	}) (*struct {
		Body ResolveDivergenceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var req *engine.PendencyRequest
		if input.Body.Pendency != nil {
			req = &engine.PendencyRequest{
				Type:        input.Body.Pendency.Type,
				Description: input.Body.Pendency.Description,
				Amount:      input.Body.Pendency.Amount,
			}
		}
		d, p, err := e.ResolveDivergence(ctx, input.DivergenceID, input.Body.Resolution, input.Body.ApprovedBy, req, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolveDivergenceResponse `json:"body"`
		}{Body: ResolveDivergenceResponse{Divergence: d, Pendency: p}}, nil
	})
}

func registerPendencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pendencies",
		Method:      http.MethodGet,
		Path:        "/pendencies",
		Summary:     "List financial pendencies",
	}, func(ctx context.Context, input *struct {
		ExecutionID  string `query:"execution_id"`
		DivergenceID string `query:"divergence_id"`
		Status       string `query:"status" enum:"pending,approved,rejected,paid,"`
		Limit        int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.FinancialPendency `json:"body"`
	}, error) {
		items, err := e.Repo.ListPendencies(ctx, repo.PendencyFilters{
			ExecutionID:  input.ExecutionID,
			DivergenceID: input.DivergenceID,
			Status:       input.Status,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FinancialPendency `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pendency",
		Method:      http.MethodGet,
		Path:        "/pendencies/{pendency_id}",
		Summary:     "Get pendency",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PendencyID string `path:"pendency_id"`
	}) (*struct {
		Body domain.FinancialPendency `json:"body"`
	}, error) {
		p, err := e.Repo.GetPendency(ctx, input.PendencyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FinancialPendency `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-pendency",
		Method:      http.MethodPost,
		Path:        "/pendencies/{pendency_id}/approve",
		Summary:     "Approve pendency",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PendencyID string                 `path:"pendency_id"`
		Body       ApprovePendencyRequest `json:"body"`
	}) (*struct {
		Body domain.FinancialPendency `json:"body"`
	}, error) {
		p, err := e.ApprovePendency(ctx, input.PendencyID, input.Body.ApprovedBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FinancialPendency `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-pendency",
		Method:      http.MethodPost,
		Path:        "/pendencies/{pendency_id}/reject",
		Summary:     "Reject pendency",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PendencyID string                `path:"pendency_id"`
		Body       RejectPendencyRequest `json:"body"`
	}) (*struct {
		Body domain.FinancialPendency `json:"body"`
	}, error) {
		p, err := e.RejectPendency(ctx, input.PendencyID, input.Body.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FinancialPendency `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-pendency",
		Method:      http.MethodPost,
		Path:        "/pendencies/{pendency_id}/pay",
		Summary:     "Mark pendency paid",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PendencyID string             `path:"pendency_id"`
		Body       PayPendencyRequest `json:"body"`
	}) (*struct {
		Body domain.FinancialPendency `json:"body"`
	}, error) {
		p, err := e.MarkPendencyPaid(ctx, input.PendencyID, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FinancialPendency `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-pendencies",
		Method:      http.MethodPost,
		Path:        "/pendencies/dispatch",
		Summary:     "Send pendencies to the financial system",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body DispatchPendenciesRequest `json:"body"`
	}) (*struct {
		Body []domain.FinancialPendency `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		batch, err := e.SendToFinancial(ctx, input.Body.PendencyIDs, input.Body.Notes, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FinancialPendency `json:"body"`
		}{Body: batch}, nil
	})
}

func registerFuel(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile-preview",
		Method:      http.MethodPost,
		Path:        "/fuel/reconcile",
		Summary:     "Preview fuel reconciliation",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ReconcilePreviewRequest `json:"body"`
	}) (*struct {
		Body engine.FuelReconciliation `json:"body"`
	}, error) {
		price := input.Body.CostPerLiter
		if price == 0 && e.Config != nil {
			price = e.Config.Fuel.StandardPricePerLiter
		}
		rec, err := engine.Reconcile(input.Body.ExitLevel, input.Body.EntryLevel, input.Body.TankCapacity, price)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FuelReconciliation `json:"body"`
		}{Body: rec}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0" maximum:"1000"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		fleetID := ""
		if e.Config != nil {
			fleetID = e.Config.Fleet.ID
		}
		items, err := e.Repo.LatestEvents(ctx, limit, fleetID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerFleetConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-fleet-config",
		Method:      http.MethodGet,
		Path:        "/fleet/config",
		Summary:     "Get fleet configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		fleetID := ""
		if e.Config != nil {
			fleetID = e.Config.Fleet.ID
		}
		cfg, err := e.Repo.GetFleetConfig(ctx, fleetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-fleet-config",
		Method:      http.MethodPut,
		Path:        "/fleet/config",
		Summary:     "Replace fleet configuration",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		fleetID := input.Body.Fleet.ID
		if fleetID == "" && e.Config != nil {
			fleetID = e.Config.Fleet.ID
		}
		cfg := input.Body
		if err := e.Repo.UpsertFleetConfig(ctx, fleetID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}
