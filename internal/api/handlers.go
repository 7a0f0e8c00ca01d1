package api

import (
	"context"
	"log/slog"
	"net/http"

	"vodworks/internal/layout"
	"vodworks/internal/observability/metrics"
	"vodworks/internal/storage"
)

// Submitter hands a video to the transcoding pipeline. Implemented by
// pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, videoID string) (string, error)
}

// Deleter removes a video's record, pending job, and artifacts. Implemented
// by cleanup.Coordinator.
type Deleter interface {
	DeleteVideo(ctx context.Context, videoID string) error
}

// Handler bundles the dependencies shared by the API endpoints.
type Handler struct {
	Store     storage.Repository
	Pipeline  Submitter
	Cleanup   Deleter
	Layout    *layout.Manager
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	MaxUpload int64
}

// NewHandler constructs a Handler with defaulted optional dependencies.
func NewHandler(store storage.Repository, pipe Submitter, cleaner Deleter, manager *layout.Manager, opts ...HandlerOption) *Handler {
	h := &Handler{
		Store:    store,
		Pipeline: pipe,
		Cleanup:  cleaner,
		Layout:   manager,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.Metrics == nil {
		h.Metrics = metrics.Default()
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.MaxUpload <= 0 {
		h.MaxUpload = defaultMaxUploadBytes
	}
	return h
}

// HandlerOption customises optional Handler dependencies.
type HandlerOption func(*Handler)

func WithMetrics(recorder *metrics.Recorder) HandlerOption {
	return func(h *Handler) { h.Metrics = recorder }
}

func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.Logger = logger }
}

// WithMaxUpload caps the accepted upload size in bytes.
func WithMaxUpload(limit int64) HandlerOption {
	return func(h *Handler) { h.MaxUpload = limit }
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}
	if pinger, ok := h.Pipeline.(interface{ Ping(context.Context) error }); ok {
		components = append(components, recordComponent("pipeline", pinger.Ping(ctx)))
	}
	return components, overallStatus, statusCode
}

// Health reports readiness of the datastore and any probe-capable
// collaborators.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed(r.Method))
		return
	}
	components, overall, statusCode := h.componentHealth(r.Context())
	writeJSON(w, statusCode, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}
