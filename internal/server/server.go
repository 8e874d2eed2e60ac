package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"linkline/internal/config"
	"linkline/internal/engine"
	"linkline/internal/report"
	"linkline/internal/runlog"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"job_not_found"`
	Message string         `json:"message" example:"job not found: deploy-peers"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"run_id\":\"0b6d\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// errJobBusy rejects a trigger while the same job is still running.
var errJobBusy = errors.New("job is already running")

// jobLocks serializes runs per job so two triggers never mutate the same
// record set in parallel.
type jobLocks struct {
	mu      sync.Mutex
	running map[string]bool
}

func (l *jobLocks) acquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[name] {
		return false
	}
	if l.running == nil {
		l.running = map[string]bool{}
	}
	l.running[name] = true
	return true
}

func (l *jobLocks) release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, name)
}

// New returns an HTTP handler exposing the Linkline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, fmt.Errorf("server needs a configured engine")
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
	router.Use(middleware.RequestID)
	router.Use(accessLog(logger))
	router.Use(middleware.Recoverer)
	hcfg := huma.DefaultConfig("Linkline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "/docs"
	api := humachi.New(router, hcfg)
	documentErrors(api.OpenAPI())
	group := huma.NewGroup(api, basePath)

	locks := &jobLocks{}
	registerHealth(group)
	registerJobs(group, cfg.Engine)
	registerRunJob(group, cfg.Engine, locks)
	registerWindows(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	serveSpec(router, api, basePath)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return router, nil
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)))
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
	switch {
	case errors.Is(err, config.ErrJobNotFound):
		return newAPIError(http.StatusNotFound, "job_not_found", err.Error(), nil)
	case errors.Is(err, runlog.ErrNotFound):
		return newAPIError(http.StatusNotFound, "run_not_found", err.Error(), nil)
	case errors.Is(err, errJobBusy):
		return newAPIError(http.StatusConflict, "job_busy", err.Error(), nil)
	case errors.Is(err, engine.ErrFatal):
		return newAPIError(http.StatusUnprocessableEntity, "run_aborted", err.Error(), nil)
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// documentErrors gives every operation a default response in the error
// envelope, including operations registered after this call.
func documentErrors(oas *huma.OpenAPI) {
	envelope := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	oas.OnAddOperation = append(oas.OnAddOperation, func(_ *huma.OpenAPI, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		if op.Responses["default"] != nil {
			return
		}
		op.Responses["default"] = &huma.Response{
			Description: "Error",
			Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
		}
	})
}

// serveSpec exposes the OpenAPI document under the versioned base path.
func serveSpec(r chi.Router, api huma.API, basePath string) {
	doc := sync.OnceValues(func() ([]byte, error) { return json.Marshal(api.OpenAPI()) })
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		body, err := doc()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
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

type jobPath struct {
	Name string `path:"name"`
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List configured jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: toJobResponses(e.Config)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{name}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := e.Config.Job(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: toJobResponse(job)}, nil
	})
}

func registerRunJob(api huma.API, e engine.Engine, locks *jobLocks) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-job",
		Method:        http.MethodPost,
		Path:          "/jobs/{name}/runs",
		Summary:       "Run a job and return its report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body report.Run `json:"body"`
	}, error) {
		if _, err := e.Config.Job(input.Name); err != nil {
			return nil, handleError(err)
		}
		if !locks.acquire(input.Name) {
			return nil, handleError(fmt.Errorf("%w: %s", errJobBusy, input.Name))
		}
		defer locks.release(input.Name)
		run, err := e.Run(ctx, input.Name)
		if err != nil {
			apiErr := handleError(err)
			if ae, ok := apiErr.(*apiError); ok && run.ID != "" {
				ae.Body.Details = map[string]any{"run_id": run.ID}
			}
			return nil, apiErr
		}
		return &struct {
			Body report.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerWindows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "job-windows",
		Method:      http.MethodGet,
		Path:        "/jobs/{name}/windows",
		Summary:     "Derive the milestone windows of a job without pushing them",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Name    string `path:"name"`
		Version string `query:"version"`
	}) (*struct {
		Body []report.VersionPeriod `json:"body"`
	}, error) {
		windows, err := e.Windows(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]report.VersionPeriod, 0, len(windows))
		for _, w := range windows {
			if input.Version == "" || w.Version == input.Version {
				out = append(out, w)
			}
		}
		return &struct {
			Body []report.VersionPeriod `json:"body"`
		}{Body: out}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recorded runs, newest first",
	}, func(ctx context.Context, input *struct {
		Job   string `query:"job"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []RunSummary `json:"body"`
	}, error) {
		if e.Runs == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "run log is not configured", nil)
		}
		runs, err := e.Runs.List(ctx, runlog.ListOptions{Job: input.Job, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunSummary `json:"body"`
		}{Body: toRunSummaries(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get a run report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body report.Run `json:"body"`
	}, error) {
		if e.Runs == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "run log is not configured", nil)
		}
		run, err := e.Runs.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body report.Run `json:"body"`
		}{Body: run}, nil
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
