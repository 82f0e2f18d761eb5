package converter

import (
	"errors"
	"fmt"
)

var (
	ErrToolUnavailable  = errors.New("conversion tool unavailable")
	ErrInvalidInput     = errors.New("input is not a readable PDF")
	ErrConversionFailed = errors.New("conversion failed")
	ErrTimeout          = errors.New("conversion timed out")
)

// Error reports which stage of a conversion failed.
type Error struct {
	Stage string
	Err   error
	// Detail is the tail of the tool's diagnostic output, if any.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v: %s", e.Stage, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
