// Package models contains shared data models used across the pdfarchive codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Options is the conversion configuration shared by every file of a job.
// It is fixed when the job is created.
type Options struct {
	ApplyOCR         bool `json:"applyOcr"`
	VerifyCompliance bool `json:"verifyCompliance"`
	OptimizeSize     bool `json:"optimizeSize"`
}

// DefaultOptions returns the options used when a request omits them.
func DefaultOptions() Options {
	return Options{ApplyOCR: true, VerifyCompliance: true}
}

// Job is a batch conversion request. The API returns its id on POST /api/v1/jobs;
// clients poll GET /api/v1/jobs/{jobId}/status until status is completed or failed.
type Job struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	Status       string     `db:"status"        json:"status"`
	Options      Options    `db:"-"             json:"options"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	PurgedAt     *time.Time `db:"purged_at"     json:"purged_at,omitempty"`
}

// File is one input document of a job and its conversion state.
type File struct {
	ID            uuid.UUID `db:"id"             json:"id"`
	JobID         uuid.UUID `db:"job_id"         json:"job_id"`
	Position      int       `db:"position"       json:"position"`
	OriginalName  string    `db:"original_name"  json:"original_name"`
	OriginalSize  int64     `db:"original_size"  json:"original_size"`
	InputPath     string    `db:"input_path"     json:"-"`
	Status        string    `db:"status"         json:"status"`
	Progress      int       `db:"progress"       json:"progress"`
	ConvertedName *string   `db:"converted_name" json:"converted_name,omitempty"`
	ConvertedSize *int64    `db:"converted_size" json:"converted_size,omitempty"`
	OutputPath    *string   `db:"output_path"    json:"-"`
	IsPDFA        bool      `db:"is_pdfa"        json:"is_pdfa"`
	HasOCR        bool      `db:"has_ocr"        json:"has_ocr"`
	Error         *string   `db:"error"          json:"error,omitempty"`
	CreatedAt     time.Time `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

// DisplayName is the converted name when present, else the original name.
func (f *File) DisplayName() string {
	if f.ConvertedName != nil && *f.ConvertedName != "" {
		return *f.ConvertedName
	}
	return f.OriginalName
}

// DisplaySize is the converted size when present, else the original size.
func (f *File) DisplaySize() int64 {
	if f.ConvertedSize != nil {
		return *f.ConvertedSize
	}
	return f.OriginalSize
}

// ConversionOutput is what a successful conversion produced for one file.
// The flags describe the transformation actually applied, not the one requested.
type ConversionOutput struct {
	ConvertedName string
	ConvertedSize int64
	OutputPath    string
	IsPDFA        bool
	HasOCR        bool
}
