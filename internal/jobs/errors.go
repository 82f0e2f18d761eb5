package jobs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pdfarchive/internal/store"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = store.ErrNotFound
	ErrNotReady        = errors.New("job results not ready")
	ErrNotAvailable    = errors.New("file not available for download")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrAlreadyRunning  = errors.New("job already submitted")
	ErrQueueFull       = errors.New("conversion queue full")
	ErrInternal        = errors.New("internal error")
)

// Failure reasons recorded on jobs and files.
const (
	ReasonCancelled   = "cancelled by user"
	ReasonQueueFull   = "conversion queue full"
	ReasonInterrupted = "interrupted by restart"
	ReasonInternal    = "internal error during conversion"
)

// ValidationError describes a rejected upload or options payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// QueueFullError names the job that was recorded as failed because the
// conversion queue had no room for it.
type QueueFullError struct {
	JobID uuid.UUID
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("job %s: %s", e.JobID, ReasonQueueFull)
}

func (e *QueueFullError) Unwrap() error { return ErrQueueFull }

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
