// Package server is an in-memory court scheduling service speaking the same
// wire contract as the production one. It backs `cl serve-dev` and the
// end-to-end tests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"courtline/internal/domain"
)

// Config for the HTTP API handler.
type Config struct {
	Courts []string
	// Step is how long a task stays in each of pending and in-progress.
	// Zero keeps tasks pending until overridden.
	Step time.Duration
	Auth AuthConfig
	Now  func() time.Time
	Log  *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the scheduling API.
func New(cfg Config) (http.Handler, error) {
	if len(cfg.Courts) == 0 {
		return nil, errors.New("at least one court is required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	b := newBoard(cfg.Courts, cfg.Step, now)

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(cfg.Auth, now))
	hcfg := huma.DefaultConfig("Courtline Scheduling API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerDocs(router)
	registerHealth(api)
	registerAuth(api, cfg.Auth, now)
	registerReservations(api, b, log)
	registerTasks(api, b, log)
	registerDev(api, b)
	registerOpenAPI(router, api)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("elapsed", time.Since(start)))
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, errTaskNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, errNoCourt):
		return newAPIError(http.StatusConflict, "no_court_available", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, docsHTML)
	})
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var spec []byte
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
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
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Delete} {
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

const docsHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Courtline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '/openapi.json', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`

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

type sessionOutput struct {
	SetCookie http.Cookie `header:"Set-Cookie"`
	Body      LoginResponse
}

func registerAuth(api huma.API, authCfg AuthConfig, now func() time.Time) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Start a session",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*sessionOutput, error) {
		username := strings.TrimSpace(input.Body.Username)
		if username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is required", nil)
		}
		if authCfg.Password != "" && input.Body.Password != authCfg.Password {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		token, err := signSession(authCfg.JWTSecret, username, now())
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{
			SetCookie: http.Cookie{
				Name:     SessionCookie,
				Value:    token,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				MaxAge:   int(sessionTTL / time.Second),
			},
			Body: LoginResponse{UserID: userIDFor(username)},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "End the session",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		SetCookie http.Cookie `header:"Set-Cookie"`
	}, error) {
		return &struct {
			SetCookie http.Cookie `header:"Set-Cookie"`
		}{SetCookie: http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1}}, nil
	})
}

// requireOwner rejects requests made on behalf of another user.
func requireOwner(ctx context.Context, userID string) error {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if userID != p.UserID {
		return newAPIError(http.StatusForbidden, "forbidden", "user_id does not match the session", map[string]any{"user_id": userID})
	}
	return nil
}

func registerReservations(api huma.API, b *board, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "available-courts",
		Method:      http.MethodPost,
		Path:        "/available_courts",
		Summary:     "Courts free for a slot",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ReservationRequest
	}) (*struct {
		Body AvailableCourtsResponse
	}, error) {
		if err := requireOwner(ctx, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		courts, err := b.Available(input.Body.TargetDate, input.Body.Duration)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AvailableCourtsResponse
		}{Body: AvailableCourtsResponse{AvailableCourts: courts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/start_task",
		Summary:     "Book a court",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ReservationRequest
	}) (*struct {
		Body StartTaskResponse
	}, error) {
		if err := requireOwner(ctx, input.Body.UserID); err != nil {
			return nil, handleError(err)
		}
		r, err := b.Start(input.Body.UserID, input.Body.TargetDate, input.Body.Duration)
		if err != nil {
			return nil, handleError(err)
		}
		log.Info("reservation accepted", zap.String("task_id", r.ID), zap.String("court", r.Court), zap.String("target_date", input.Body.TargetDate))
		return &struct {
			Body StartTaskResponse
		}{Body: StartTaskResponse{TaskID: r.ID}}, nil
	})
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, b *board, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "task-status",
		Method:      http.MethodGet,
		Path:        "/task_status/{task_id}",
		Summary:     "Status of one task",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskStatusResponse
	}, error) {
		v, err := b.Status(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskStatusResponse
		}{Body: TaskStatusResponse{Status: v.Status, Result: v.Result}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/delete_task/{task_id}",
		Summary:       "Cancel a task and free its court",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		if err := b.Delete(input.TaskID); err != nil {
			return nil, handleError(err)
		}
		log.Info("reservation deleted", zap.String("task_id", input.TaskID))
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "all-progress-tasks",
		Method:      http.MethodGet,
		Path:        "/all_progress_tasks",
		Summary:     "Every known task grouped by progress",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AllProgressTasksResponse
	}, error) {
		resp := AllProgressTasksResponse{
			ProgressTasks: []TaskEntry{},
			PendingTasks:  []TaskEntry{},
			DoneTasks:     []TaskEntry{},
		}
		for _, v := range b.All() {
			switch domain.ParseStatus(v.Status).Kind {
			case domain.StatusPending:
				resp.PendingTasks = append(resp.PendingTasks, entryFrom(v))
			case domain.StatusDone:
				resp.DoneTasks = append(resp.DoneTasks, entryFrom(v))
			default:
				resp.ProgressTasks = append(resp.ProgressTasks, entryFrom(v))
			}
		}
		return &struct {
			Body AllProgressTasksResponse
		}{Body: resp}, nil
	})
}

func registerDev(api huma.API, b *board) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-override-status",
		Method:      http.MethodPost,
		Path:        "/dev/tasks/{task_id}/status",
		Summary:     "DEV ONLY: pin a task to a status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   StatusOverrideRequest
	}) (*struct {
		Body TaskEntry
	}, error) {
		status := strings.TrimSpace(input.Body.Status)
		if status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		v, err := b.Override(input.TaskID, status, input.Body.Result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskEntry
		}{Body: entryFrom(v)}, nil
	})
}

// ListenAndServe runs the handler on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	}
}
