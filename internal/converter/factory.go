package converter

import (
	"fmt"

	"github.com/kiranshivaraju/pdfarchive/internal/config"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// New constructs the conversion engine selected by config.
// Called once at server startup.
func New(cfg config.ConverterConfig) (models.Converter, error) {
	switch cfg.Engine {
	case "ghostscript":
		return NewGhostscript(cfg), nil
	case "mock":
		return NewPassthrough(), nil
	default:
		return nil, fmt.Errorf("unknown converter engine %q: must be one of ghostscript, mock", cfg.Engine)
	}
}
