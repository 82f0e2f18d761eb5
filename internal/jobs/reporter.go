package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/internal/cache"
	"github.com/kiranshivaraju/pdfarchive/internal/storage"
	"github.com/kiranshivaraju/pdfarchive/internal/store"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// resultsTTL bounds how long a serialized results listing stays cached.
const resultsTTL = time.Hour

// FileStatus is the polled view of one file.
type FileStatus struct {
	ID         uuid.UUID `json:"fileId"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Percentage int       `json:"percentage"`
	Error      *string   `json:"error"`
}

// JobStatus is the polled view of a job.
type JobStatus struct {
	JobID       uuid.UUID    `json:"jobId"`
	Status      string       `json:"status"`
	Percentage  int          `json:"percentage"`
	Error       *string      `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Files       []FileStatus `json:"files"`
}

// Terminal reports whether the job can no longer change.
func (s *JobStatus) Terminal() bool { return models.IsTerminal(s.Status) }

// FileResult describes one converted file of a completed job.
type FileResult struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	URL     string    `json:"url"`
	IsPDFA  bool      `json:"isPdfA"`
	HasPDFA bool      `json:"hasPdfA"`
	HasOCR  bool      `json:"hasOcr"`
}

// JobResults is the results listing of a completed job.
type JobResults struct {
	JobID  uuid.UUID    `json:"jobId"`
	Status string       `json:"status"`
	Files  []FileResult `json:"files"`
}

// Download is a converted file opened for streaming. The caller closes File.
type Download struct {
	Name    string
	File    *os.File
	Size    int64
	ModTime time.Time
}

// Reporter projects store state for polling clients. It never writes job or file records.
type Reporter struct {
	store       store.Store
	cache       cache.Cache
	storage     *storage.Local
	downloadURL func(fileID uuid.UUID) string
}

// NewReporter creates a Reporter. downloadURL builds the retrieval handle of a file.
func NewReporter(st store.Store, ca cache.Cache, stor *storage.Local, downloadURL func(uuid.UUID) string) *Reporter {
	return &Reporter{store: st, cache: ca, storage: stor, downloadURL: downloadURL}
}

// Status returns the current state of a job and its files. Finished jobs are
// served from a cached snapshot once the status mirror reports them terminal.
func (r *Reporter) Status(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	if r.mirroredTerminal(ctx, jobID) != "" {
		if cached, ok, err := r.cache.Get(ctx, cache.StatusSnapshotKey(jobID)); err == nil && ok {
			var st JobStatus
			if json.Unmarshal(cached, &st) == nil {
				return &st, nil
			}
		}
	}

	job, files, err := r.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	out := &JobStatus{
		JobID:       job.ID,
		Status:      job.Status,
		Error:       job.ErrorMessage,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
		Files:       make([]FileStatus, 0, len(files)),
	}
	for _, f := range files {
		out.Files = append(out.Files, FileStatus{
			ID:         f.ID,
			Name:       f.DisplayName(),
			Status:     f.Status,
			Percentage: f.Progress,
			Error:      f.Error,
		})
	}
	out.Percentage = OverallPercentage(files)

	if out.Terminal() {
		if data, err := json.Marshal(out); err == nil {
			if err := r.cache.Set(ctx, cache.StatusSnapshotKey(jobID), data, resultsTTL); err != nil {
				slog.Debug("caching status snapshot", "job_id", jobID, "error", err)
			}
		}
	}
	return out, nil
}

// mirroredTerminal returns the job's status from the cache mirror when it is
// terminal, else "". Terminal states never change, so a terminal mirror entry
// is authoritative; anything else must be read from the store.
func (r *Reporter) mirroredTerminal(ctx context.Context, jobID uuid.UUID) string {
	status, ok, err := r.cache.GetJobStatus(ctx, jobID)
	if err != nil || !ok || !models.IsTerminal(status) {
		return ""
	}
	return status
}

// OverallPercentage is the floored mean of the file percentages.
func OverallPercentage(files []*models.File) int {
	if len(files) == 0 {
		return 0
	}
	total := 0
	for _, f := range files {
		total += f.Progress
	}
	return total / len(files)
}

// Results lists the outputs of a completed job. Any other status yields ErrNotReady.
func (r *Reporter) Results(ctx context.Context, jobID uuid.UUID) (*JobResults, error) {
	if cached, ok, err := r.cache.Get(ctx, cache.ResultsKey(jobID)); err == nil && ok {
		var res JobResults
		if json.Unmarshal(cached, &res) == nil {
			return &res, nil
		}
	}
	if status := r.mirroredTerminal(ctx, jobID); status != "" && status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, status)
	}

	job, files, err := r.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrNotReady, job.Status)
	}

	res := &JobResults{JobID: job.ID, Status: job.Status, Files: make([]FileResult, 0, len(files))}
	for _, f := range files {
		res.Files = append(res.Files, FileResult{
			ID:      f.ID,
			Name:    f.DisplayName(),
			Size:    f.DisplaySize(),
			URL:     r.downloadURL(f.ID),
			IsPDFA:  f.IsPDFA,
			HasPDFA: f.IsPDFA,
			HasOCR:  f.HasOCR,
		})
	}

	if data, err := json.Marshal(res); err == nil {
		if err := r.cache.Set(ctx, cache.ResultsKey(jobID), data, resultsTTL); err != nil {
			slog.Debug("caching results", "job_id", jobID, "error", err)
		}
	}
	return res, nil
}

// OpenDownload opens the converted output of a completed file. Files that are
// not completed, or whose bytes were purged, yield ErrNotAvailable.
func (r *Reporter) OpenDownload(ctx context.Context, fileID uuid.UUID) (*Download, error) {
	f, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: loading file: %v", ErrInternal, err)
	}
	if f.Status != models.StatusCompleted || f.OutputPath == nil {
		return nil, fmt.Errorf("%w: file is %s", ErrNotAvailable, f.Status)
	}

	job, err := r.store.GetJob(ctx, f.JobID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading job: %v", ErrInternal, err)
	}
	if job.PurgedAt != nil {
		return nil, fmt.Errorf("%w: file was removed after the retention period", ErrNotAvailable)
	}

	fh, info, err := r.storage.Open(*f.OutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: output missing", ErrNotAvailable)
		}
		return nil, fmt.Errorf("%w: opening output: %v", ErrInternal, err)
	}
	return &Download{Name: f.DisplayName(), File: fh, Size: info.Size, ModTime: info.ModTime}, nil
}

func (r *Reporter) load(ctx context.Context, jobID uuid.UUID) (*models.Job, []*models.File, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("%w: loading job: %v", ErrInternal, err)
	}
	files, err := r.store.ListFiles(ctx, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: listing files: %v", ErrInternal, err)
	}
	return job, files, nil
}
