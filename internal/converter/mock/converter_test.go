package mock_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kiranshivaraju/pdfarchive/internal/converter"
	"github.com/kiranshivaraju/pdfarchive/internal/converter/mock"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(t *testing.T) models.ConversionRequest {
	return models.ConversionRequest{
		InputPath:    "in.pdf",
		OriginalName: "scan.pdf",
		OutputDir:    t.TempDir(),
		Options:      models.DefaultOptions(),
	}
}

func TestMockConverter_Defaults(t *testing.T) {
	c := mock.NewMockConverter()
	var seen []int

	out, err := c.Convert(context.Background(), request(t), func(p int) { seen = append(seen, p) })
	require.NoError(t, err)

	assert.Equal(t, "scan_pdfa.pdf", out.ConvertedName)
	assert.True(t, out.IsPDFA)
	assert.True(t, out.HasOCR)
	assert.Equal(t, []int{0, 50, 100}, seen)
	_, err = os.Stat(out.OutputPath)
	assert.NoError(t, err)
	assert.Len(t, c.Calls(), 1)
}

func TestFailingConverter(t *testing.T) {
	boom := errors.New("boom")
	_, err := mock.NewFailingConverter(boom).Convert(context.Background(), request(t), nil)
	assert.ErrorIs(t, err, boom)
}

func TestTimeoutConverter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := mock.NewTimeoutConverter().Convert(ctx, request(t), nil)
	assert.ErrorIs(t, err, converter.ErrTimeout)
}

func TestGatedConverter(t *testing.T) {
	gate := mock.NewGate()
	c := mock.NewGatedConverter(gate)

	r := request(t)
	done := make(chan error, 1)
	go func() {
		_, err := c.Convert(context.Background(), r, nil)
		done <- err
	}()

	req := <-gate.Started
	assert.Equal(t, "scan.pdf", req.OriginalName)

	select {
	case <-done:
		t.Fatal("conversion finished before release")
	case <-time.After(20 * time.Millisecond):
	}

	gate.Release()
	require.NoError(t, <-done)
}
