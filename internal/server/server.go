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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"upkeep/internal/domain"
	"upkeep/internal/engine"
	"upkeep/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"schedule_conflict"`
	Message string         `json:"message" example:"schedule conflicts with an existing activity"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"schedule\":\"2024-06-01T10:00:00Z\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Upkeep API. The context bounds
// background work started by the handler; cancelling it stops the webhook
// dispatcher.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Upkeep API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProperties(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerSurveys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(ctx, cfg.Engine, cfg.Logger)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
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

// handleError maps domain errors to the envelope. Convention here: every
// domain error, not-found included, is a 400 so clients get a single
// "correct your request" status.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field, "reason": ve.Reason}
		}
		return newAPIError(http.StatusBadRequest, ve.Code, err.Error(), details)
	}
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusBadRequest, nf.Code, err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	var se engine.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadRequest, se.Code, err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		details := map[string]any{"activity_id": ce.ActivityID}
		if ce.Schedule != "" {
			details["schedule"] = ce.Schedule
		}
		return newAPIError(http.StatusBadRequest, ce.Code, err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusBadRequest, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	raw := bodyBytes(ctx)
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// rejectReadOnly refuses client-supplied values for system-managed fields
// instead of silently dropping them.
func rejectReadOnly(bodyMap map[string]json.RawMessage, fields ...string) huma.StatusError {
	for _, f := range fields {
		if _, ok := bodyMap[f]; ok {
			return newAPIError(http.StatusBadRequest, "read_only_field", f+" is not settable", map[string]any{"field": f})
		}
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
    <title>Upkeep API Docs</title>
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

func registerProperties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-property",
		Method:        http.MethodPost,
		Path:          "/properties",
		Summary:       "Register property",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreatePropertyRequest `json:"body"`
	}) (*struct {
		Body PropertyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := rejectReadOnly(rawBodyMap(ctx), "created_at", "updated_at", "disabled_at"); err != nil {
			return nil, err
		}
		opts := engine.PropertyCreateOptions{
			Title:   input.Body.Title,
			Address: input.Body.Address,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.Status != nil {
			opts.Status = domain.PropertyStatus(*input.Body.Status)
		}
		p, err := e.CreateProperty(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PropertyResponse `json:"body"`
		}{Body: propertyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-properties",
		Method:      http.MethodGet,
		Path:        "/properties",
		Summary:     "List properties",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body propertyList `json:"body"`
	}, error) {
		items, err := e.Repo.ListProperties(ctx, domain.PropertyStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body propertyList `json:"body"`
		}{Body: propertyList{Count: len(items), Items: mapProperties(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-property",
		Method:      http.MethodGet,
		Path:        "/properties/{id}",
		Summary:     "Get property",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PropertyResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProperty(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(engine.NotFoundError{Code: engine.CodePropertyNotFound, Kind: "property", ID: input.ID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body PropertyResponse `json:"body"`
		}{Body: propertyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-property",
		Method:      http.MethodPatch,
		Path:        "/properties/{id}",
		Summary:     "Update property",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdatePropertyRequest `json:"body"`
	}) (*struct {
		Body PropertyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := rejectReadOnly(rawBodyMap(ctx), "created_at", "updated_at", "disabled_at"); err != nil {
			return nil, err
		}
		opts := engine.PropertyUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Address:     input.Body.Address,
			Description: input.Body.Description,
		}
		if input.Body.Status != nil {
			opts.Status = domain.PropertyStatus(*input.Body.Status)
		}
		p, err := e.UpdateProperty(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PropertyResponse `json:"body"`
		}{Body: propertyResponse(p)}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/activities",
		Summary:       "Schedule activity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := rejectReadOnly(rawBodyMap(ctx), "status", "condition", "created_at", "updated_at"); err != nil {
			return nil, err
		}
		a, err := e.CreateActivity(ctx, engine.ActivityCreateOptions{
			PropertyID: input.Body.PropertyID,
			Title:      input.Body.Title,
			Schedule:   input.Body.Schedule,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/activities",
		Summary:     "List activities",
		Description: "Filters compose by AND. With no filters at all, only activities scheduled within a week either side of now are returned.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PropertyID   string `query:"property_id"`
		Status       string `query:"status"`
		Condition    string `query:"condition"`
		ScheduleFrom string `query:"schedule_from"`
		ScheduleTo   string `query:"schedule_to"`
	}) (*struct {
		Body activityList `json:"body"`
	}, error) {
		items, err := e.ListActivities(ctx, engine.ActivityListOptions{
			PropertyID:   input.PropertyID,
			Status:       input.Status,
			Condition:    input.Condition,
			ScheduleFrom: input.ScheduleFrom,
			ScheduleTo:   input.ScheduleTo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body activityList `json:"body"`
		}{Body: activityList{Count: len(items), Items: mapActivities(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{id}",
		Summary:     "Get activity",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetActivity(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(engine.NotFoundError{Code: engine.CodeActivityNotFound, Kind: "activity", ID: input.ID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-activity",
		Method:      http.MethodDelete,
		Path:        "/activities/{id}",
		Summary:     "Cancel activity",
		Description: "Soft-cancels the activity; the record is kept and frozen.",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		if _, err := e.CancelActivity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{Status: "ok", Msg: "cancelled"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reschedule-activity",
		Method:      http.MethodPatch,
		Path:        "/activities/{id}",
		Summary:     "Reschedule activity",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body RescheduleActivityRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		bodyMap := rawBodyMap(ctx)
		if len(bodyBytes(ctx)) == 0 || len(bodyMap) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		// Only the schedule may change; anything else is refused.
		for field := range bodyMap {
			if field != "schedule" {
				return nil, newAPIError(http.StatusBadRequest, "read_only_field", field+" is not settable", map[string]any{"field": field})
			}
		}
		if _, err := e.RescheduleActivity(ctx, input.ID, input.Body.Schedule); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{Status: "ok", Msg: "rescheduled"}}, nil
	})
}

func registerSurveys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "attach-survey",
		Method:        http.MethodPost,
		Path:          "/activities/{id}/survey",
		Summary:       "Attach survey",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AttachSurveyRequest `json:"body"`
	}) (*struct {
		Body SurveyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.AttachSurvey(ctx, input.ID, input.Body.Answers)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SurveyResponse `json:"body"`
		}{Body: surveyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity-survey",
		Method:      http.MethodGet,
		Path:        "/activities/{id}/survey",
		Summary:     "Get survey for activity",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SurveyResponse `json:"body"`
	}, error) {
		s, err := e.SurveyForActivity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SurveyResponse `json:"body"`
		}{Body: surveyResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-surveys",
		Method:      http.MethodGet,
		Path:        "/surveys",
		Summary:     "List surveys",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body surveyList `json:"body"`
	}, error) {
		items, err := e.Repo.ListSurveys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body surveyList `json:"body"`
		}{Body: surveyList{Count: len(items), Items: mapSurveys(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"100"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, EventResponse{
				ID:         evt.ID,
				TS:         evt.TS,
				Type:       evt.Type,
				EntityKind: evt.EntityKind,
				EntityID:   evt.EntityID,
				Payload:    decodeJSONMap(evt.Payload),
			})
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
