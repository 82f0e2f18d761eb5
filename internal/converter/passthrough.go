package converter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// Passthrough copies the input unchanged. It is selected with CONVERTER_ENGINE=mock
// for running the service where the PDF tools are not installed. Its output is
// never reported as PDF/A or OCR'd.
type Passthrough struct{}

func NewPassthrough() *Passthrough { return &Passthrough{} }

func (p *Passthrough) Name() string { return "mock" }

func (p *Passthrough) Convert(ctx context.Context, req models.ConversionRequest, progress models.ProgressFunc) (models.ConversionOutput, error) {
	if progress != nil {
		progress(0)
	}
	if _, err := checkInput(req.InputPath); err != nil {
		return models.ConversionOutput{}, &Error{Stage: StageInput, Err: ErrInvalidInput, Detail: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return models.ConversionOutput{}, &Error{Stage: StageRender, Err: ErrTimeout}
	}

	name := OutputName(req.OriginalName)
	outPath := filepath.Join(req.OutputDir, name)
	size, err := copyFile(req.InputPath, outPath)
	if err != nil {
		return models.ConversionOutput{}, &Error{Stage: StageRender, Err: ErrConversionFailed, Detail: err.Error()}
	}

	if progress != nil {
		progress(100)
	}
	return models.ConversionOutput{
		ConvertedName: name,
		ConvertedSize: size,
		OutputPath:    outPath,
	}, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	pending, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o640))
	if err != nil {
		return 0, fmt.Errorf("create pending output: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, in)
	if err != nil {
		return 0, err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, err
	}
	return n, nil
}

var _ models.Converter = (*Passthrough)(nil)
