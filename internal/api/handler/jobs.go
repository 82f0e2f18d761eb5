// Package handler implements the HTTP endpoints of the conversion service.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/internal/api/response"
	"github.com/kiranshivaraju/pdfarchive/internal/jobs"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// multipartMemory is how much of a multipart body is held in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// multipartOverhead covers form field headers and the options value.
const multipartOverhead = 1 << 20

// JobCreator accepts an upload batch.
type JobCreator interface {
	CreateJob(ctx context.Context, uploads []jobs.Upload, opts models.Options) (*models.Job, error)
}

// JobReader answers the polling endpoints.
type JobReader interface {
	Status(ctx context.Context, jobID uuid.UUID) (*jobs.JobStatus, error)
	Results(ctx context.Context, jobID uuid.UUID) (*jobs.JobResults, error)
	OpenDownload(ctx context.Context, fileID uuid.UUID) (*jobs.Download, error)
}

// JobCanceller cancels a running job.
type JobCanceller interface {
	Cancel(ctx context.Context, jobID uuid.UUID) error
}

// UploadLimits bound the size of a POST /jobs request.
type UploadLimits struct {
	MaxFileSize    int64
	MaxFilesPerJob int
}

func (l UploadLimits) maxBody() int64 {
	return l.MaxFileSize*int64(l.MaxFilesPerJob) + multipartOverhead
}

type createJobResponse struct {
	JobID  uuid.UUID `json:"jobId"`
	Status string    `json:"status"`
	Files  int       `json:"files"`
}

// NewCreateJobHandler returns the handler for POST /api/v1/jobs. The body is a
// multipart form with one or more "files" parts and an optional "options" JSON field.
func NewCreateJobHandler(svc JobCreator, limits UploadLimits) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limits.maxBody())
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				response.Error(w, http.StatusBadRequest, response.CodeValidation,
					fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), map[string]string{"field": "files"})
				return
			}
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"request must be multipart/form-data", map[string]string{"field": "files"})
			return
		}
		defer func() {
			if err := r.MultipartForm.RemoveAll(); err != nil {
				slog.Warn("removing multipart temp files", "error", err)
			}
		}()

		opts, err := jobs.ParseOptions([]byte(r.FormValue("options")))
		if err != nil {
			writeError(w, r, err)
			return
		}

		headers := r.MultipartForm.File["files"]
		uploads := make([]jobs.Upload, 0, len(headers))
		for _, fh := range headers {
			uploads = append(uploads, jobs.Upload{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
				Open:        func() (io.ReadCloser, error) { return fh.Open() },
			})
		}

		job, err := svc.CreateJob(r.Context(), uploads, opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, createJobResponse{JobID: job.ID, Status: job.Status, Files: len(uploads)})
	}
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{jobId}/status.
func NewJobStatusHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobId")
		if !ok {
			return
		}
		st, err := svc.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, st)
	}
}

// NewJobResultsHandler returns the handler for GET /api/v1/jobs/{jobId}/results.
func NewJobResultsHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobId")
		if !ok {
			return
		}
		res, err := svc.Results(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewCancelJobHandler returns the handler for POST /api/v1/jobs/{jobId}/cancel.
func NewCancelJobHandler(svc JobCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobId")
		if !ok {
			return
		}
		if err := svc.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{"message": "Job cancelled"})
	}
}

// NewDownloadHandler returns the handler for GET /api/v1/files/{fileId}/download.
func NewDownloadHandler(svc JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "fileId")
		if !ok {
			return
		}
		dl, err := svc.OpenDownload(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer dl.File.Close()

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
		http.ServeContent(w, r, dl.Name, dl.ModTime, dl.File)
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation,
			fmt.Sprintf("%s must be a UUID", param), map[string]string{"field": param})
		return uuid.Nil, false
	}
	return id, true
}
