package mock

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/kiranshivaraju/pdfarchive/internal/converter"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
)

// MockConverter satisfies models.Converter for testing.
type MockConverter struct {
	Name_       string
	ConvertFunc func(ctx context.Context, req models.ConversionRequest, progress models.ProgressFunc) (models.ConversionOutput, error)

	mu    sync.Mutex
	calls []models.ConversionRequest
}

func (m *MockConverter) Name() string { return m.Name_ }

func (m *MockConverter) Convert(ctx context.Context, req models.ConversionRequest, progress models.ProgressFunc) (models.ConversionOutput, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.ConvertFunc != nil {
		return m.ConvertFunc(ctx, req, progress)
	}
	return models.ConversionOutput{}, nil
}

// Calls returns the requests received so far, in order.
func (m *MockConverter) Calls() []models.ConversionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ConversionRequest(nil), m.calls...)
}

// NewMockConverter returns a MockConverter that reports 0, 50 and 100 percent and
// writes a small output file honouring the requested options.
func NewMockConverter() *MockConverter {
	return &MockConverter{
		Name_:       "mock",
		ConvertFunc: Succeed,
	}
}

// Succeed is the default successful conversion.
func Succeed(_ context.Context, req models.ConversionRequest, progress models.ProgressFunc) (models.ConversionOutput, error) {
	if progress != nil {
		progress(0)
		progress(50)
	}
	name := converter.OutputName(req.OriginalName)
	out := filepath.Join(req.OutputDir, name)
	data := []byte("%PDF-1.7 converted")
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return models.ConversionOutput{}, err
	}
	if progress != nil {
		progress(100)
	}
	return models.ConversionOutput{
		ConvertedName: name,
		ConvertedSize: int64(len(data)),
		OutputPath:    out,
		IsPDFA:        true,
		HasOCR:        req.Options.ApplyOCR,
	}, nil
}

// NewFailingConverter returns a MockConverter that always returns the given error.
func NewFailingConverter(err error) *MockConverter {
	return &MockConverter{
		Name_: "mock-failing",
		ConvertFunc: func(_ context.Context, _ models.ConversionRequest, _ models.ProgressFunc) (models.ConversionOutput, error) {
			return models.ConversionOutput{}, err
		},
	}
}

// NewTimeoutConverter returns a MockConverter that blocks until its context is done.
func NewTimeoutConverter() *MockConverter {
	return &MockConverter{
		Name_: "mock-timeout",
		ConvertFunc: func(ctx context.Context, _ models.ConversionRequest, _ models.ProgressFunc) (models.ConversionOutput, error) {
			<-ctx.Done()
			return models.ConversionOutput{}, &converter.Error{Stage: converter.StageRender, Err: converter.ErrTimeout}
		},
	}
}

// Gate blocks conversions until released, letting tests observe a file mid-conversion.
type Gate struct {
	Started chan models.ConversionRequest
	release chan struct{}
	once    sync.Once
}

func NewGate() *Gate {
	return &Gate{
		Started: make(chan models.ConversionRequest, 16),
		release: make(chan struct{}),
	}
}

// Release lets every blocked and future conversion proceed.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// NewGatedConverter returns a MockConverter that reports 10 percent, signals on
// gate.Started and waits for gate.Release before succeeding.
func NewGatedConverter(gate *Gate) *MockConverter {
	return &MockConverter{
		Name_: "mock-gated",
		ConvertFunc: func(ctx context.Context, req models.ConversionRequest, progress models.ProgressFunc) (models.ConversionOutput, error) {
			if progress != nil {
				progress(10)
			}
			gate.Started <- req
			select {
			case <-gate.release:
			case <-ctx.Done():
				return models.ConversionOutput{}, &converter.Error{Stage: converter.StageRender, Err: converter.ErrTimeout}
			}
			return Succeed(ctx, req, progress)
		},
	}
}

// Compile-time check that MockConverter implements Converter.
var _ models.Converter = (*MockConverter)(nil)
