package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All job and file persistence goes through here.
// Implementations must be safe for concurrent use; every status or progress write is
// atomic with respect to concurrent readers.
type Store interface {
	Ping(ctx context.Context) error

	// CreateJob persists a job together with its files in one unit.
	CreateJob(ctx context.Context, job *models.Job, files []*models.File) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status string) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	// FailJob moves a non-terminal job and all of its non-terminal files to failed
	// with reason as the error. Returns ErrInvalidTransition when the job is already terminal.
	FailJob(ctx context.Context, id uuid.UUID, reason string) error
	ListPurgeableJobs(ctx context.Context, completedBefore time.Time) ([]*models.Job, error)
	MarkJobPurged(ctx context.Context, id uuid.UUID) error

	GetFile(ctx context.Context, id uuid.UUID) (*models.File, error)
	// ListFiles returns the files of a job in creation order.
	ListFiles(ctx context.Context, jobID uuid.UUID) ([]*models.File, error)
	UpdateFileStatus(ctx context.Context, id uuid.UUID, status string, opts ...FileUpdateOption) error
	// UpdateFileProgress raises the progress of a processing file. Lower values are ignored.
	UpdateFileProgress(ctx context.Context, id uuid.UUID, progress int) error
}

var validJobTransitions = map[string][]string{
	models.StatusPending:    {models.StatusProcessing, models.StatusFailed},
	models.StatusProcessing: {models.StatusCompleted, models.StatusFailed},
}

var validFileTransitions = map[string][]string{
	models.StatusPending:    {models.StatusProcessing, models.StatusFailed},
	models.StatusProcessing: {models.StatusCompleted, models.StatusFailed},
}

func canTransition(table map[string][]string, from, to string) bool {
	for _, a := range table[from] {
		if a == to {
			return true
		}
	}
	return false
}

// sourcesFor lists the states from which to is reachable.
func sourcesFor(table map[string][]string, to string) []string {
	var from []string
	for src := range table {
		if canTransition(table, src, to) {
			from = append(from, src)
		}
	}
	return from
}

// MaxProcessingProgress is the highest progress a file can hold before it completes.
const MaxProcessingProgress = 99

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > MaxProcessingProgress {
		return MaxProcessingProgress
	}
	return p
}

type jobUpdateParams struct {
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

type fileUpdateParams struct {
	Error  *string
	Output *models.ConversionOutput
}

type FileUpdateOption func(*fileUpdateParams)

// WithFileError records the failure reason. Required when moving a file to failed.
func WithFileError(msg string) FileUpdateOption {
	return func(p *fileUpdateParams) {
		p.Error = &msg
	}
}

// WithOutput records what the converter produced. Used when moving a file to completed.
func WithOutput(out models.ConversionOutput) FileUpdateOption {
	return func(p *fileUpdateParams) {
		p.Output = &out
	}
}

func applyFileOptions(status string, opts []FileUpdateOption) *fileUpdateParams {
	params := &fileUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	if status == models.StatusFailed && (params.Error == nil || *params.Error == "") {
		msg := "conversion failed"
		params.Error = &msg
	}
	return params
}
