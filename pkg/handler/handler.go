// Package handler exposes the pipeline use cases over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/instill-ai/extraction-backend/pkg/constant"
	"github.com/instill-ai/extraction-backend/pkg/logger"
	"github.com/instill-ai/extraction-backend/pkg/middleware"
	"github.com/instill-ai/extraction-backend/pkg/service"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	errdomain "github.com/instill-ai/extraction-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

const maxRequestBytes = 1 << 20

// Options configures the HTTP router.
type Options struct {
	// RequestTimeout bounds every request, including synchronous
	// submissions.
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// Handler serves the public API.
type Handler struct {
	service service.Service
}

// NewHandler initiates a handler instance.
func NewHandler(s service.Service) *Handler {
	return &Handler{service: s}
}

// NewRouter wires the public routes and their middleware.
func NewRouter(h *Handler, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{chimiddleware.RequestIDHeader, constant.HeaderTaskID},
	}))

	r.Route("/v1", func(api chi.Router) {
		// The synchronous submission answers its own deadline with a 504,
		// middleware.Timeout would write the status a second time.
		api.Group(func(wait chi.Router) {
			if opts.RequestTimeout > 0 {
				wait.Use(middleware.Deadline(opts.RequestTimeout))
			}
			wait.Post("/tasks/sync", h.SubmitTaskAndWait)
		})

		api.Group(func(api chi.Router) {
			if opts.RequestTimeout > 0 {
				api.Use(chimiddleware.Timeout(opts.RequestTimeout))
			}
			api.Get("/health", h.Health)
			api.Post("/tasks", h.SubmitTask)
			api.Get("/tasks/{task_id}/status", h.GetTaskStatus)
			api.Get("/tasks/{task_id}/result", h.GetTaskResult)
		})
	})

	return r
}

// Health reports that the server is serving.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "SERVING"})
}

// SubmitTask accepts a task and answers before it's processed.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmission(w, r)
	if !ok {
		return
	}

	resp, err := h.service.Submit(r.Context(), req)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.Header().Set(constant.HeaderTaskID, resp.TaskID)
	writeJSON(w, http.StatusAccepted, resp)
}

// SubmitTaskAndWait submits a task and answers with its outcome.
func (h *Handler) SubmitTaskAndWait(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubmission(w, r)
	if !ok {
		return
	}

	resp, err := h.service.SubmitAndWait(r.Context(), req)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	w.Header().Set(constant.HeaderTaskID, resp.TaskID)
	writeJSON(w, http.StatusOK, resp)
}

// GetTaskStatus returns the status and progress notes of a task.
func (h *Handler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetStatus(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTaskResult returns the outcome of a terminal task.
func (h *Handler) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.GetResult(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeSubmission(w http.ResponseWriter, r *http.Request) (*service.SubmitRequest, bool) {
	req := new(service.SubmitRequest)
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(req); err != nil {
		writeError(r.Context(), w, errorsx.AddMessage(
			errors.Join(err, errdomain.ErrInvalidArgument),
			"The request body must be a JSON submission.",
		))
		return nil, false
	}
	return req, true
}

// ErrorBody is the body of an error response.
type ErrorBody struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, errdomain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errdomain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdomain.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		logger, _ := logger.GetZapLogger(ctx)
		logger.Error("Request failed", zap.String("request_id", chimiddleware.GetReqID(ctx)), zap.Error(err))
	}

	writeJSON(w, code, map[string]ErrorBody{"error": {
		Code:    code,
		Status:  http.StatusText(code),
		Message: errorsx.MessageOrErr(err),
	}})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
