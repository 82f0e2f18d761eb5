package models

import "context"

// Converter turns one PDF into a PDF/A-2u document.
// Never call a specific engine directly; always inject this interface.
type Converter interface {
	// Convert writes the converted document into req.OutputDir. progress receives
	// percentages in 0..100 as work advances and may be nil.
	Convert(ctx context.Context, req ConversionRequest, progress ProgressFunc) (ConversionOutput, error)
	// Name returns the engine identifier (e.g., "ghostscript").
	Name() string
}

// ProgressFunc receives a completion percentage for the file being converted.
type ProgressFunc func(percent int)

// ConversionRequest is the input to a single-file conversion.
type ConversionRequest struct {
	InputPath    string
	OriginalName string
	OutputDir    string
	Options      Options
}
