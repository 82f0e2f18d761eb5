package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// ParseOptions decodes the options JSON sent with an upload. An empty payload
// yields the defaults. The payload must be an object whose fields, when present,
// are true or false; null, unknown fields and trailing data are rejected.
func ParseOptions(raw []byte) (models.Options, error) {
	opts := models.DefaultOptions()
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return opts, nil
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&fields); err != nil {
		return models.Options{}, validationErrorf("options", "invalid options: %v", err)
	}
	if fields == nil {
		return models.Options{}, validationErrorf("options", "invalid options: must be an object")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return models.Options{}, validationErrorf("options", "invalid options: unexpected data after object")
	}

	targets := map[string]*bool{
		"applyOcr":         &opts.ApplyOCR,
		"verifyCompliance": &opts.VerifyCompliance,
		"optimizeSize":     &opts.OptimizeSize,
	}
	for name, value := range fields {
		dst, ok := targets[name]
		if !ok {
			return models.Options{}, validationErrorf("options", "invalid options: unknown field %q", name)
		}
		switch string(bytes.TrimSpace(value)) {
		case "true":
			*dst = true
		case "false":
			*dst = false
		default:
			return models.Options{}, validationErrorf("options", "invalid options: %s must be true or false", name)
		}
	}
	return opts, nil
}
