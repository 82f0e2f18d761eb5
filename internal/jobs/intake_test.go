package jobs_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/kiranshivaraju/pdfarchive/internal/converter/mock"
	"github.com/kiranshivaraju/pdfarchive/internal/jobs"
	"github.com/kiranshivaraju/pdfarchive/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateJob_ThreeFilesCreateOneJob(t *testing.T) {
	gate := mock.NewGate()
	t.Cleanup(gate.Release)
	h := newHarness(t, mock.NewGatedConverter(gate)).start(t)
	ctx := context.Background()

	job, err := h.intake.CreateJob(ctx, pdfUploads("a.pdf", "b.pdf", "c.pdf"), models.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)

	st, err := h.reporter.Status(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, st.Files, 3)
	for i, f := range st.Files {
		assert.Contains(t, []string{models.StatusPending, models.StatusProcessing}, f.Status)
		assert.Equal(t, []string{"a.pdf", "b.pdf", "c.pdf"}[i], f.Name)
		assert.Nil(t, f.Error)
	}

	files, err := h.store.ListFiles(ctx, job.ID)
	require.NoError(t, err)
	for _, f := range files {
		assert.Equal(t, job.ID, f.JobID)
		data, err := os.ReadFile(f.InputPath)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	}

	pending, err := h.store.ListJobsByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	processing, err := h.store.ListJobsByStatus(ctx, models.StatusProcessing)
	require.NoError(t, err)
	assert.Len(t, append(pending, processing...), 1)
}

func TestCreateJob_RejectsOversizedFile(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter())
	opened := false
	big := jobs.Upload{
		Name:        "huge.pdf",
		ContentType: "application/pdf",
		Size:        25 * 1024 * 1024,
		Open: func() (io.ReadCloser, error) {
			opened = true
			return io.NopCloser(bytes.NewReader(nil)), nil
		},
	}

	_, err := h.intake.CreateJob(context.Background(), []jobs.Upload{pdfUpload("ok.pdf"), big}, models.DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrValidation)
	assert.False(t, opened)

	jobsPending, err := h.store.ListJobsByStatus(context.Background(), models.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, jobsPending)
	entries, err := os.ReadDir(h.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateJob_RejectsOversizedBodyWithUnknownSize(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter())
	body := append([]byte("%PDF-1.7\n"), make([]byte, maxFileSize)...)
	u := jobs.Upload{
		Name: "stream.pdf",
		Size: -1,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil },
	}

	_, err := h.intake.CreateJob(context.Background(), []jobs.Upload{pdfUpload("first.pdf"), u}, models.DefaultOptions())
	var vErr *jobs.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "files", vErr.Field)
	assert.Contains(t, vErr.Message, "20 MB")

	entries, err := os.ReadDir(h.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "already stored uploads are removed")
}

func TestCreateJob_Validation(t *testing.T) {
	notPDF := pdfUpload("photo.png")
	notPDF.ContentType = "image/png"

	wrongBytes := jobs.Upload{
		Name: "fake.pdf",
		Size: 4,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader([]byte("GIF8"))), nil },
	}

	declaredPDF := pdfUpload("scan")
	declaredPDF.ContentType = "application/pdf; charset=binary"

	tests := []struct {
		name    string
		uploads []jobs.Upload
		wantErr bool
	}{
		{"no files", nil, true},
		{"too many files", pdfUploads("1.pdf", "2.pdf", "3.pdf", "4.pdf", "5.pdf", "6.pdf"), true},
		{"wrong extension and type", []jobs.Upload{notPDF}, true},
		{"missing name", []jobs.Upload{pdfUpload("")}, true},
		{"not PDF data", []jobs.Upload{wrongBytes}, true},
		{"content type without extension", []jobs.Upload{declaredPDF}, false},
		{"upper-case extension", []jobs.Upload{pdfUpload("SCAN.PDF")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mock.NewMockConverter())
			job, err := h.intake.CreateJob(context.Background(), tt.uploads, models.DefaultOptions())
			if tt.wantErr {
				assert.ErrorIs(t, err, jobs.ErrValidation)
				assert.Nil(t, job)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, job)
		})
	}
}

func TestCreateJob_QueueFullFailsJob(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter(), withQueueSize(1))
	ctx := context.Background()

	first, err := h.intake.CreateJob(ctx, pdfUploads("a.pdf"), models.DefaultOptions())
	require.NoError(t, err)

	_, err = h.intake.CreateJob(ctx, pdfUploads("b.pdf"), models.DefaultOptions())
	require.ErrorIs(t, err, jobs.ErrQueueFull)
	var qErr *jobs.QueueFullError
	require.ErrorAs(t, err, &qErr)

	failed, err := h.store.ListJobsByStatus(ctx, models.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.NotEqual(t, first.ID, failed[0].ID)
	assert.Equal(t, failed[0].ID, qErr.JobID)
	require.NotNil(t, failed[0].ErrorMessage)
	assert.Equal(t, jobs.ReasonQueueFull, *failed[0].ErrorMessage)
	assert.NotNil(t, failed[0].PurgedAt)

	st, err := h.reporter.Status(ctx, qErr.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)

	// Only the queued job's upload remains on disk.
	files, err := h.store.ListFiles(ctx, qErr.JobID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	_, err = os.Stat(files[0].InputPath)
	assert.True(t, os.IsNotExist(err), "unqueued upload is removed")
	entries, err := os.ReadDir(h.uploadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCreateJob_OptionsAreStored(t *testing.T) {
	h := newHarness(t, mock.NewMockConverter())
	opts := models.Options{ApplyOCR: false, VerifyCompliance: true, OptimizeSize: true}

	job, err := h.intake.CreateJob(context.Background(), pdfUploads("a.pdf"), opts)
	require.NoError(t, err)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, opts, stored.Options)
}
