package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/pdfarchive/internal/api/middleware"
	"github.com/kiranshivaraju/pdfarchive/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth        *mw.Auth
	RateLimit   *mw.RateLimit
	UploadLimit func(http.Handler) http.Handler

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler
	CreateJob      http.HandlerFunc
	JobStatus      http.HandlerFunc
	JobResults     http.HandlerFunc
	JobEvents      http.HandlerFunc
	CancelJob      http.HandlerFunc
	DownloadFile   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.With(passthroughIfNil(deps.UploadLimit)).Post("/api/v1/jobs", orNotImplemented(deps.CreateJob))
		r.Get("/api/v1/jobs/{jobId}/status", orNotImplemented(deps.JobStatus))
		r.Get("/api/v1/jobs/{jobId}/results", orNotImplemented(deps.JobResults))
		r.Get("/api/v1/jobs/{jobId}/events", orNotImplemented(deps.JobEvents))
		r.Post("/api/v1/jobs/{jobId}/cancel", orNotImplemented(deps.CancelJob))
		r.Get("/api/v1/files/{fileId}/download", orNotImplemented(deps.DownloadFile))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}

func passthroughIfNil(m func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if m != nil {
		return m
	}
	return func(next http.Handler) http.Handler { return next }
}
