package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/pdfarchive/internal/api/response"
	"github.com/kiranshivaraju/pdfarchive/internal/jobs"
)

// writeError maps a jobs error onto its HTTP status and error code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *jobs.ValidationError
	var qErr *jobs.QueueFullError
	switch {
	case errors.As(err, &vErr):
		response.Error(w, http.StatusBadRequest, response.CodeValidation, vErr.Message,
			map[string]string{"field": vErr.Field})
	case errors.Is(err, jobs.ErrValidation):
		response.Error(w, http.StatusBadRequest, response.CodeValidation, err.Error(), nil)
	case errors.Is(err, jobs.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeNotFound, "Resource not found", nil)
	case errors.Is(err, jobs.ErrNotReady):
		response.Error(w, http.StatusBadRequest, response.CodeNotReady, "Job has not completed", nil)
	case errors.Is(err, jobs.ErrNotAvailable):
		response.Error(w, http.StatusBadRequest, response.CodeNotAvailable, "File is not available for download", nil)
	case errors.Is(err, jobs.ErrAlreadyTerminal):
		response.Error(w, http.StatusBadRequest, response.CodeJobTerminal, "Job has already finished", nil)
	case errors.As(err, &qErr):
		w.Header().Set("Retry-After", "30")
		response.Error(w, http.StatusServiceUnavailable, response.CodeQueueFull, "Conversion queue is full, try again later",
			map[string]string{"jobId": qErr.JobID.String()})
	case errors.Is(err, jobs.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		response.Error(w, http.StatusServiceUnavailable, response.CodeQueueFull, "Conversion queue is full, try again later", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal, "An unexpected error occurred", nil)
	}
}
