package jobs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/internal/cache"
	"github.com/kiranshivaraju/pdfarchive/internal/metrics"
	"github.com/kiranshivaraju/pdfarchive/internal/storage"
	"github.com/kiranshivaraju/pdfarchive/internal/store"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// Upload is one candidate file of a submission. Size is the declared size, or
// -1 when unknown; the actual size is enforced while the body is stored.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// Submitter hands a created job to the orchestrator.
type Submitter interface {
	Submit(jobID uuid.UUID) error
}

// IntakeConfig holds the upload ceilings.
type IntakeConfig struct {
	MaxFileSize    int64
	MaxFilesPerJob int
}

// Intake validates uploads, stores them and creates the job records.
type Intake struct {
	store     store.Store
	cache     cache.Cache
	storage   *storage.Local
	submitter Submitter
	cfg       IntakeConfig
}

func NewIntake(st store.Store, ca cache.Cache, stor *storage.Local, sub Submitter, cfg IntakeConfig) *Intake {
	return &Intake{store: st, cache: ca, storage: stor, submitter: sub, cfg: cfg}
}

var pdfMagic = []byte("%PDF-")

// CreateJob validates every upload, persists the bytes, creates one pending job
// with one pending file per upload and submits it. It returns once the records
// exist; conversion happens in the background.
//
// A full conversion queue still leaves the job recorded, failed with
// ReasonQueueFull and with its uploads removed, and returns a *QueueFullError.
func (in *Intake) CreateJob(ctx context.Context, uploads []Upload, opts models.Options) (*models.Job, error) {
	if err := in.validate(uploads); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		Status:    models.StatusPending,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var saved []string
	cleanup := func() {
		if err := in.storage.Remove(saved...); err != nil {
			slog.Warn("removing rejected uploads", "error", err)
		}
	}

	files := make([]*models.File, 0, len(uploads))
	for i, u := range uploads {
		path, size, err := in.save(u)
		if err != nil {
			cleanup()
			return nil, err
		}
		saved = append(saved, path)
		files = append(files, &models.File{
			ID:           uuid.New(),
			JobID:        job.ID,
			Position:     i,
			OriginalName: u.Name,
			OriginalSize: size,
			InputPath:    path,
			Status:       models.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if err := in.store.CreateJob(ctx, job, files); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: creating job: %v", ErrInternal, err)
	}
	metrics.JobsSubmittedTotal.Inc()
	_ = in.cache.SetJobStatus(ctx, job.ID, models.StatusPending, statusTTL)
	slog.Info("job created", "job_id", job.ID, "files", len(files),
		"apply_ocr", opts.ApplyOCR, "verify_compliance", opts.VerifyCompliance, "optimize_size", opts.OptimizeSize)

	if err := in.submitter.Submit(job.ID); err != nil {
		if errors.Is(err, ErrQueueFull) {
			metrics.RecordUploadRejected(metrics.RejectQueueFull)
			if ferr := in.store.FailJob(ctx, job.ID, ReasonQueueFull); ferr != nil {
				slog.Error("failing unqueued job", "job_id", job.ID, "error", ferr)
			}
			_ = in.cache.SetJobStatus(ctx, job.ID, models.StatusFailed, statusTTL)
			cleanup()
			if perr := in.store.MarkJobPurged(ctx, job.ID); perr != nil {
				slog.Warn("marking unqueued job purged", "job_id", job.ID, "error", perr)
			}
			return nil, &QueueFullError{JobID: job.ID}
		}
		return nil, fmt.Errorf("%w: submitting job: %v", ErrInternal, err)
	}
	return job, nil
}

// validate checks everything knowable before reading any bytes.
func (in *Intake) validate(uploads []Upload) error {
	if len(uploads) == 0 {
		metrics.RecordUploadRejected(metrics.RejectNoFiles)
		return validationErrorf("files", "no files supplied")
	}
	if in.cfg.MaxFilesPerJob > 0 && len(uploads) > in.cfg.MaxFilesPerJob {
		metrics.RecordUploadRejected(metrics.RejectTooMany)
		return validationErrorf("files", "at most %d files per job, got %d", in.cfg.MaxFilesPerJob, len(uploads))
	}
	for _, u := range uploads {
		if strings.TrimSpace(u.Name) == "" {
			metrics.RecordUploadRejected(metrics.RejectNotPDF)
			return validationErrorf("files", "file name is required")
		}
		if !looksLikePDF(u.Name, u.ContentType) {
			metrics.RecordUploadRejected(metrics.RejectNotPDF)
			return validationErrorf("files", "%s is not a PDF", u.Name)
		}
		if u.Size > in.cfg.MaxFileSize {
			metrics.RecordUploadRejected(metrics.RejectTooLarge)
			return tooLarge(u.Name, in.cfg.MaxFileSize)
		}
	}
	return nil
}

// save streams one upload into scratch storage after checking its PDF header.
func (in *Intake) save(u Upload) (string, int64, error) {
	rc, err := u.Open()
	if err != nil {
		return "", 0, fmt.Errorf("%w: opening upload: %v", ErrInternal, err)
	}
	defer rc.Close()

	br := bufio.NewReader(rc)
	head, _ := br.Peek(len(pdfMagic))
	if !bytes.Equal(head, pdfMagic) {
		metrics.RecordUploadRejected(metrics.RejectNotPDF)
		return "", 0, validationErrorf("files", "%s does not contain PDF data", u.Name)
	}

	path, size, err := in.storage.SaveUpload(br, in.cfg.MaxFileSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			metrics.RecordUploadRejected(metrics.RejectTooLarge)
			return "", 0, tooLarge(u.Name, in.cfg.MaxFileSize)
		}
		return "", 0, fmt.Errorf("%w: storing upload: %v", ErrInternal, err)
	}
	return path, size, nil
}

// looksLikePDF accepts a .pdf extension or a PDF content type.
func looksLikePDF(name, contentType string) bool {
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/pdf" || mt == "application/x-pdf")
}

func tooLarge(name string, limit int64) *ValidationError {
	return validationErrorf("files", "%s exceeds the %d MB size limit", name, limit/(1024*1024))
}
